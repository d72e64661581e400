package storage

import (
	"context"
	"testing"
	"time"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

func TestSaveAndLoadHistory(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	key := HistoryKey{ChainID: 1, Address: "0xAA", FromBlock: 901, ToBlock: 1000, Limit: 100}
	sels := []types.Selector{{0xd0, 0xe3, 0x0d, 0xb0}, {0x13, 0xaf, 0x40, 0x35}}
	if err := s.SaveHistory(ctx, &HistoryEntry{HistoryKey: key, Selectors: sels}); err != nil {
		t.Fatalf("SaveHistory() error = %v", err)
	}

	got, err := s.LoadHistory(ctx, key)
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if got == nil || len(got.Selectors) != 2 || got.Selectors[1] != sels[1] {
		t.Fatalf("LoadHistory() = %+v", got)
	}
	if got.FetchedAt.IsZero() {
		t.Error("FetchedAt should be set")
	}
}

func TestHistoryKeyScoping(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	key := HistoryKey{ChainID: 1, Address: "0xAA", FromBlock: 1, ToBlock: 10, Limit: 100}
	s.SaveHistory(ctx, &HistoryEntry{HistoryKey: key, Selectors: []types.Selector{{1, 2, 3, 4}}})

	others := []HistoryKey{
		{ChainID: 10, Address: "0xAA", FromBlock: 1, ToBlock: 10, Limit: 100},
		{ChainID: 1, Address: "0xBB", FromBlock: 1, ToBlock: 10, Limit: 100},
		{ChainID: 1, Address: "0xAA", FromBlock: 2, ToBlock: 11, Limit: 100},
		{ChainID: 1, Address: "0xAA", FromBlock: 1, ToBlock: 10, Limit: 50},
	}
	for _, k := range others {
		got, err := s.LoadHistory(ctx, k)
		if err != nil {
			t.Fatalf("LoadHistory(%+v) error = %v", k, err)
		}
		if got != nil {
			t.Errorf("LoadHistory(%+v) = %+v, want miss", k, got)
		}
	}
}

func TestSaveHistoryUpsert(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	key := HistoryKey{ChainID: 1, Address: "0xAA", FromBlock: 1, ToBlock: 10, Limit: 100}
	s.SaveHistory(ctx, &HistoryEntry{HistoryKey: key, Selectors: []types.Selector{{1, 2, 3, 4}}})
	s.SaveHistory(ctx, &HistoryEntry{HistoryKey: key, Selectors: nil})

	got, err := s.LoadHistory(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got.Selectors) != 0 {
		t.Errorf("LoadHistory() = %+v, want empty entry", got)
	}
}

func TestPruneHistory(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	old := HistoryKey{ChainID: 1, Address: "0xAA", FromBlock: 1, ToBlock: 10, Limit: 100}
	fresh := HistoryKey{ChainID: 1, Address: "0xAA", FromBlock: 11, ToBlock: 20, Limit: 100}
	s.SaveHistory(ctx, &HistoryEntry{HistoryKey: old, FetchedAt: time.Now().Add(-30 * 24 * time.Hour)})
	s.SaveHistory(ctx, &HistoryEntry{HistoryKey: fresh})

	n, err := s.PruneExpiredHistory(ctx)
	if err != nil {
		t.Fatalf("PruneExpiredHistory() error = %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if got, _ := s.LoadHistory(ctx, fresh); got == nil {
		t.Error("fresh entry should survive pruning")
	}
}
