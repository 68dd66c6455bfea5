package models

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestIDGeneratorSkipsTakenIDs(t *testing.T) {
	fixed := time.Unix(1718000000, 0)
	taken := map[string]bool{}
	gen := NewUnixIDGenerator(func(_ context.Context, id string) (bool, error) {
		return taken[id], nil
	}).WithClock(func() time.Time { return fixed })
	gen.counter = 9998

	taken["17180000009999"] = true
	id, err := gen.Next(context.Background())
	if err != nil {
		t.Fatalf("next id failed: %v", err)
	}
	if id != "17180000000001" {
		t.Fatalf("expected counter to wrap past taken id, got %s", id)
	}
}

func TestIDGeneratorDatetimePrefix(t *testing.T) {
	fixed := time.Date(2024, 6, 10, 8, 30, 15, 0, time.Local)
	gen := NewDatetimeIDGenerator(nil).WithClock(func() time.Time { return fixed })
	id, err := gen.Next(context.Background())
	if err != nil {
		t.Fatalf("next id failed: %v", err)
	}
	if !strings.HasPrefix(id, "20240610083015") || len(id) != 18 {
		t.Fatalf("unexpected refund id: %s", id)
	}
}

func TestIDGeneratorUniqueUnderContention(t *testing.T) {
	fixed := time.Unix(1718000000, 0)
	var mu sync.Mutex
	issued := map[string]bool{}
	exists := func(_ context.Context, id string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return issued[id], nil
	}
	gen := NewUnixIDGenerator(exists).WithClock(func() time.Time { return fixed })

	const workers = 16
	const perWorker = 200
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := gen.Next(context.Background())
				if err != nil {
					errCh <- err
					return
				}
				mu.Lock()
				if issued[id] {
					mu.Unlock()
					errCh <- errDuplicate(id)
					return
				}
				issued[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("contention failed: %v", err)
	}
	if len(issued) != workers*perWorker {
		t.Fatalf("expected %d ids, got %d", workers*perWorker, len(issued))
	}
}

func TestIDGeneratorExhausted(t *testing.T) {
	gen := NewUnixIDGenerator(func(_ context.Context, _ string) (bool, error) {
		return true, nil
	})
	if _, err := gen.Next(context.Background()); err != ErrIDExhausted {
		t.Fatalf("expected exhausted error, got %v", err)
	}
}

type errDuplicate string

func (e errDuplicate) Error() string {
	return "duplicate id " + string(e)
}
