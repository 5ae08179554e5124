package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

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
	r.Register("directory", PingChecker("directory", fakePinger{}))
	r.Register("cache", func(_ context.Context) Status {
		return Status{Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Name != "cache" {
		t.Errorf("expected name filled from registration, got %q", statuses[1].Name)
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("directory", PingChecker("directory", fakePinger{err: errors.New("connection refused")}))
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy subsystem should report unhealthy")
	}
	if statuses[0].Healthy || statuses[0].Detail != "connection refused" {
		t.Errorf("unexpected status %+v", statuses[0])
	}
}

func TestRegistryCheckerTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Name: "slow", Healthy: false, Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed-out checker should be unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Fatal("checker was not bounded by timeout")
	}
}
