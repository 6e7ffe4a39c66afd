package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("database", Ping("database", func(context.Context) error { return nil }))
	r.Register("ledger", Ping("ledger", func(context.Context) error { return errors.New("connection refused") }))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || !statuses[0].Healthy {
		t.Errorf("unexpected first status %+v", statuses[0])
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistrySlowCheckerTimesOut(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	r.Register("ledger", func(context.Context) Status {
		<-release
		return Status{Name: "ledger", Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("a hung checker should be unhealthy")
	}
	if statuses[0].Detail != "check timed out" {
		t.Errorf("unexpected detail %q", statuses[0].Detail)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("CheckAll waited %v for a hung checker", elapsed)
	}
}

func TestFlag(t *testing.T) {
	running := false
	check := Flag("reconciler", func() bool { return running }, "not running")

	if s := check(context.Background()); s.Healthy || s.Detail != "not running" {
		t.Errorf("stopped flag reported %+v", s)
	}
	running = true
	if s := check(context.Background()); !s.Healthy {
		t.Errorf("running flag reported %+v", s)
	}
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("cache", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "cache" {
		t.Errorf("expected name from registration, got %q", statuses[0].Name)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(time.Second)
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
