package prover

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ExecProver shells out to an external prover binary. The binary is
// invoked as:
//
//	<bin> <entity_id> <risk_type> <score>
//
// and must print the proof artifact on stdout. A non-zero exit or a
// context deadline is returned as an error.
type ExecProver struct {
	bin string
}

// NewExecProver returns a prover backed by the binary at path.
// The binary is not checked at construction; a missing binary
// surfaces as an error on the first GenerateProof call.
func NewExecProver(path string) *ExecProver {
	return &ExecProver{bin: path}
}

func (p *ExecProver) GenerateProof(ctx context.Context, entityID, riskType string, score float64) (*Artifact, error) {
	cmd := exec.CommandContext(ctx, p.bin,
		entityID,
		riskType,
		strconv.FormatFloat(score, 'f', 4, 64),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("prover %s: %w", p.bin, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("prover %s: %w: %s", p.bin, err, msg)
		}
		return nil, fmt.Errorf("prover %s: %w", p.bin, err)
	}

	proof := strings.TrimSpace(stdout.String())
	if proof == "" {
		return nil, fmt.Errorf("prover %s: empty output", p.bin)
	}

	return &Artifact{
		EntityID:    entityID,
		RiskType:    riskType,
		Score:       score,
		Proof:       proof,
		GeneratedAt: time.Now().UTC(),
	}, nil
}
