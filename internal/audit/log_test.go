package audit

import (
	"context"
	"testing"
)

func TestMemoryLogHashChain(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLog()

	entries := []*Entry{
		{Action: ActionScenarioDeployed, Actor: "consultant-1", EntityID: "dep-1", Details: map[string]string{"scenarioId": "pov-seg"}},
		{Action: ActionStepExecuted, Actor: "consultant-1", EntityID: "dep-1", Details: map[string]string{"stepId": "configure-vlan"}},
		{Action: ActionScenarioCompleted, Actor: "consultant-1", EntityID: "dep-1"},
	}
	for _, e := range entries {
		if err := m.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if entries[0].PrevHash != "" {
		t.Fatalf("first entry prevHash = %q, want empty chain start", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Fatalf("entry %d prevHash does not chain to predecessor", i)
		}
	}

	// Recompute each hash independently; any mutation of stored entries
	// would break the chain.
	for i, e := range entries {
		prev := ""
		if i > 0 {
			prev = entries[i-1].Hash
		}
		want, err := chainHash(e, prev)
		if err != nil {
			t.Fatalf("chain hash: %v", err)
		}
		if e.Hash != want {
			t.Fatalf("entry %d hash mismatch", i)
		}
	}
}

func TestMemoryLogGetAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLog()

	e1 := &Entry{Action: ActionScenarioDeployed, Actor: "c1", EntityID: "dep-1"}
	e2 := &Entry{Action: ActionStepExecuted, Actor: "c1", EntityID: "dep-1"}
	e3 := &Entry{Action: ActionScenarioDeployed, Actor: "c2", EntityID: "dep-2"}
	for _, e := range []*Entry{e1, e2, e3} {
		if err := m.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := m.Get(ctx, e2.ID)
	if err != nil || got.Action != ActionStepExecuted {
		t.Fatalf("get: %v %+v", err, got)
	}
	if _, err := m.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("get missing: err = %v, want ErrNotFound", err)
	}

	list, err := m.ListByEntity(ctx, "dep-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d entries for dep-1, want 2", len(list))
	}
	// Most recent first.
	if list[0].ID != e2.ID || list[1].ID != e1.ID {
		t.Fatalf("list order wrong: %+v", list)
	}
}
