package prover

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// StaticProver generates deterministic in-process proofs. It is the
// default backend when no external prover binary is configured, and
// the standard test double.
type StaticProver struct {
	// Delay simulates proof computation time. Zero means instant.
	Delay time.Duration
	// Err, if set, is returned from every call.
	Err error
}

func (p *StaticProver) GenerateProof(ctx context.Context, entityID, riskType string, score float64) (*Artifact, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}

	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%.4f", entityID, riskType, score))
	return &Artifact{
		EntityID:    entityID,
		RiskType:    riskType,
		Score:       score,
		Proof:       hex.EncodeToString(sum[:]),
		GeneratedAt: time.Now().UTC(),
	}, nil
}
