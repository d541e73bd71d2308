package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := New(3, time.Second)
	if !b.Allow("prover") {
		t.Fatal("new breaker should allow requests")
	}
	if got := b.State("prover"); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(3, time.Second)

	b.RecordFailure("prover")
	b.RecordFailure("prover")
	if !b.Allow("prover") {
		t.Fatal("should still allow below threshold")
	}

	b.RecordFailure("prover")
	if b.Allow("prover") {
		t.Fatal("should reject after threshold failures")
	}
	if got := b.State("prover"); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := New(3, time.Second)

	b.RecordFailure("prover")
	b.RecordFailure("prover")
	b.RecordSuccess("prover")
	b.RecordFailure("prover")
	b.RecordFailure("prover")

	if !b.Allow("prover") {
		t.Fatal("success should have reset the failure count")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("prover")
	if b.Allow("prover") {
		t.Fatal("should be open")
	}

	time.Sleep(20 * time.Millisecond)

	// First request after the open window is the probe.
	if !b.Allow("prover") {
		t.Fatal("should allow probe after open duration")
	}
	if got := b.State("prover"); got != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}

	// Concurrent requests during the probe are rejected.
	if b.Allow("prover") {
		t.Fatal("should reject while probing")
	}

	b.RecordSuccess("prover")
	if got := b.State("prover"); got != StateClosed {
		t.Fatalf("state after successful probe = %v, want closed", got)
	}
	if !b.Allow("prover") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("prover")
	time.Sleep(20 * time.Millisecond)

	if !b.Allow("prover") {
		t.Fatal("should allow probe")
	}
	b.RecordFailure("prover")

	if got := b.State("prover"); got != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}
	if b.Allow("prover") {
		t.Fatal("should reject immediately after failed probe")
	}
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	b := New(1, time.Second)

	b.RecordFailure("prover")
	if b.Allow("prover") {
		t.Fatal("prover should be open")
	}
	if !b.Allow("other") {
		t.Fatal("other key should be unaffected")
	}
}
