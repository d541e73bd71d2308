// Package prover defines the boundary to the proof generation backend.
//
// Proof generation is an expensive, potentially unreliable external
// computation. The rest of the pipeline only sees the Prover interface;
// the concrete backend is selected at startup.
package prover

import (
	"context"
	"time"
)

// Artifact is the result of one proof generation run.
type Artifact struct {
	EntityID    string    `json:"entity_id"`
	RiskType    string    `json:"risk_type"`
	Score       float64   `json:"score"`
	Proof       string    `json:"proof"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Prover generates a verifiable proof artifact for a flagged transaction.
// Implementations must respect ctx cancellation: proof generation runs
// under a deadline and abandoned work should stop.
type Prover interface {
	GenerateProof(ctx context.Context, entityID, riskType string, score float64) (*Artifact, error)
}
