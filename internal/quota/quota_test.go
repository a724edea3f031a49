package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryStoreCounts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		n, err := store.Increment(ctx, "u1", "gpt-4o-mini", "2026-08-24")
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if n != i {
			t.Errorf("Increment() = %d, want %d", n, i)
		}
	}
	n, err := store.Usage(ctx, "u1", "gpt-4o-mini", "2026-08-24")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if n != 5 {
		t.Errorf("Usage() = %d, want 5", n)
	}

	// Other keys are independent.
	if n, _ := store.Usage(ctx, "u1", "gpt-4o-mini", "2026-08-25"); n != 0 {
		t.Errorf("other day usage = %d, want 0", n)
	}
	if n, _ := store.Usage(ctx, "u2", "gpt-4o-mini", "2026-08-24"); n != 0 {
		t.Errorf("other user usage = %d, want 0", n)
	}
}

func TestSQLiteStoreUpsert(t *testing.T) {
	store, err := OpenSQLite(t.TempDir() + "/quota.db")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := store.Increment(ctx, "u1", "gemini-2.0-flash", "2026-08-24")
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if n != i {
			t.Errorf("Increment() = %d, want %d", n, i)
		}
	}
	n, err := store.Usage(ctx, "u1", "gemini-2.0-flash", "2026-08-24")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Usage() = %d, want 3", n)
	}
	if n, _ := store.Usage(ctx, "u1", "other-model", "2026-08-24"); n != 0 {
		t.Errorf("unrelated model usage = %d, want 0", n)
	}
}

func TestGateEnforcesLimit(t *testing.T) {
	gate := NewGate(NewMemoryStore(), 2, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := gate.Check(ctx, "u1", "gpt-4o-mini"); err != nil {
			t.Fatalf("Check() %d error = %v", i, err)
		}
		if err := gate.Record(ctx, "u1", "gpt-4o-mini"); err != nil {
			t.Fatalf("Record() %d error = %v", i, err)
		}
	}

	err := gate.Check(ctx, "u1", "gpt-4o-mini")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("third Check() error = %v, want ExceededError", err)
	}
	if exceeded.Limit != 2 || exceeded.Used != 2 {
		t.Errorf("exceeded = %+v, want Limit 2 Used 2", exceeded)
	}

	// Another user is unaffected.
	if err := gate.Check(ctx, "u2", "gpt-4o-mini"); err != nil {
		t.Errorf("other user Check() error = %v", err)
	}
}

func TestGateFailedCallsDoNotConsume(t *testing.T) {
	gate := NewGate(NewMemoryStore(), 1, nil)
	ctx := context.Background()

	// Checks without a matching Record leave the counter untouched.
	for i := 0; i < 5; i++ {
		if err := gate.Check(ctx, "u1", "gpt-4o-mini"); err != nil {
			t.Fatalf("Check() %d error = %v", i, err)
		}
	}
	if used, _ := gate.Usage(ctx, "u1", "gpt-4o-mini"); used != 0 {
		t.Errorf("Usage() = %d, want 0 before any Record", used)
	}

	if err := gate.Record(ctx, "u1", "gpt-4o-mini"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := gate.Check(ctx, "u1", "gpt-4o-mini"); err == nil {
		t.Error("Check() passed with the limit spent")
	}
}

func TestGateModelOverrides(t *testing.T) {
	gate := NewGate(NewMemoryStore(), 100, map[string]int{"expensive": 1, "free": 0})
	ctx := context.Background()

	if err := gate.Check(ctx, "u1", "expensive"); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if err := gate.Record(ctx, "u1", "expensive"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := gate.Check(ctx, "u1", "expensive"); err == nil {
		t.Errorf("override limit 1 not enforced")
	}

	// Zero override means unlimited; Record does not count it either.
	for i := 0; i < 200; i++ {
		if err := gate.Check(ctx, "u1", "free"); err != nil {
			t.Fatalf("unlimited model Check() error = %v", err)
		}
		if err := gate.Record(ctx, "u1", "free"); err != nil {
			t.Fatalf("unlimited model Record() error = %v", err)
		}
	}
	if used, _ := gate.Usage(ctx, "u1", "free"); used != 0 {
		t.Errorf("unlimited model Usage() = %d, want 0", used)
	}
}

func TestGateConcurrentRecordsCountExactly(t *testing.T) {
	const records = 50
	gate := NewGate(NewMemoryStore(), 100, nil)

	var wg sync.WaitGroup
	for i := 0; i < records; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gate.Record(context.Background(), "u1", "gpt-4o-mini"); err != nil {
				t.Errorf("Record() error = %v", err)
			}
		}()
	}
	wg.Wait()

	used, err := gate.Usage(context.Background(), "u1", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if used != records {
		t.Errorf("Usage() = %d, want %d", used, records)
	}
}
