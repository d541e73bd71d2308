package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("audit_chain", func(_ context.Context) Status {
		return Status{Name: "audit_chain", Healthy: true}
	})
	r.Register("ingest_buffer", func(_ context.Context) Status {
		return Status{Name: "ingest_buffer", Healthy: true, Detail: "3/10000"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("audit_chain", func(_ context.Context) Status {
		return Status{Name: "audit_chain", Healthy: true}
	})
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestBufferChecker(t *testing.T) {
	depth := 0
	check := BufferChecker("ingest_buffer", func() int { return depth }, 100)

	if s := check(context.Background()); !s.Healthy {
		t.Fatalf("empty buffer unhealthy: %+v", s)
	}

	depth = 89
	if s := check(context.Background()); !s.Healthy {
		t.Fatalf("89%% full should still be healthy: %+v", s)
	}

	depth = 90
	if s := check(context.Background()); s.Healthy {
		t.Fatalf("90%% full should be unhealthy: %+v", s)
	}
}

func TestChainChecker(t *testing.T) {
	ok := ChainChecker(func(_ context.Context) (int64, error) { return 42, nil })
	s := ok(context.Background())
	if !s.Healthy || s.Detail != "height=42" {
		t.Fatalf("unexpected status: %+v", s)
	}

	bad := ChainChecker(func(_ context.Context) (int64, error) {
		return 0, errors.New("store unreachable")
	})
	if s := bad(context.Background()); s.Healthy {
		t.Fatalf("failing tip read should be unhealthy: %+v", s)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
