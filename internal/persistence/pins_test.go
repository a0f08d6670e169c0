package persistence_test

import (
	"context"
	"testing"
)

func TestPins_PutGetDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	fp, err := store.GetPin(ctx, "lan|studio")
	if err != nil {
		t.Fatalf("get missing pin: %v", err)
	}
	if fp != "" {
		t.Fatalf("expected empty fingerprint for missing pin, got %q", fp)
	}

	if err := store.PutPin(ctx, "lan|studio", "  AA:BB:CC  ", "Studio"); err != nil {
		t.Fatalf("put pin: %v", err)
	}
	fp, err = store.GetPin(ctx, "lan|studio")
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if fp != "AA:BB:CC" {
		t.Fatalf("fingerprint = %q, want trimmed AA:BB:CC", fp)
	}

	removed, err := store.DeletePin(ctx, "lan|studio")
	if err != nil {
		t.Fatalf("delete pin: %v", err)
	}
	if !removed {
		t.Fatal("expected pin to be removed")
	}
	removed, err = store.DeletePin(ctx, "lan|studio")
	if err != nil {
		t.Fatalf("delete pin again: %v", err)
	}
	if removed {
		t.Fatal("second delete should report nothing removed")
	}
}

func TestPins_PutReplacesExisting(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.PutPin(ctx, "manual|gw.local|18789", "AA:AA", "old"); err != nil {
		t.Fatalf("put pin: %v", err)
	}
	if err := store.PutPin(ctx, "manual|gw.local|18789", "BB:BB", "new"); err != nil {
		t.Fatalf("replace pin: %v", err)
	}

	pins, err := store.ListPins(ctx)
	if err != nil {
		t.Fatalf("list pins: %v", err)
	}
	if len(pins) != 1 {
		t.Fatalf("expected 1 pin after replace, got %d", len(pins))
	}
	if pins[0].Fingerprint != "BB:BB" || pins[0].Label != "new" {
		t.Fatalf("unexpected pin after replace: %+v", pins[0])
	}
}

func TestPins_Validation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		stableID    string
		fingerprint string
	}{
		{"blank_id", "  ", "AA:BB"},
		{"blank_fingerprint", "lan|studio", " "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.PutPin(ctx, tc.stableID, tc.fingerprint, ""); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestPins_ListOrdered(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"lan|zeta", "lan|alpha", "manual|host|1"} {
		if err := store.PutPin(ctx, id, "AA", ""); err != nil {
			t.Fatalf("put pin %s: %v", id, err)
		}
	}
	pins, err := store.ListPins(ctx)
	if err != nil {
		t.Fatalf("list pins: %v", err)
	}
	if len(pins) != 3 {
		t.Fatalf("expected 3 pins, got %d", len(pins))
	}
	if pins[0].StableID != "lan|alpha" || pins[2].StableID != "manual|host|1" {
		t.Fatalf("pins not ordered by stable id: %+v", pins)
	}
	if pins[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be parsed")
	}
}
