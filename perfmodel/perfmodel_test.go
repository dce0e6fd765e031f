package perfmodel

import "testing"

func TestIncrCycleCountSeparatesContexts(t *testing.T) {
	m := New()
	m.IncrCycleCount(ContextApplication, AccessCacheTags)
	m.IncrCycleCount(ContextNetwork, AccessCacheDataAndTags)

	if got := m.GetCycleCount(ContextApplication); got != cycleCosts[AccessCacheTags] {
		t.Fatalf("application cycles = %d, want %d", got, cycleCosts[AccessCacheTags])
	}
	if got := m.GetCycleCount(ContextNetwork); got != cycleCosts[AccessCacheDataAndTags] {
		t.Fatalf("network cycles = %d, want %d", got, cycleCosts[AccessCacheDataAndTags])
	}
}

func TestSetCycleCount(t *testing.T) {
	m := New()
	m.SetCycleCount(ContextApplication, 100)
	if got := m.GetCycleCount(ContextApplication); got != 100 {
		t.Fatalf("got %d, want 100", got)
	}
}

func TestTrackMiss(t *testing.T) {
	m := New()
	m.TrackMiss(0x100, true)
	m.TrackMiss(0x100, false)
	m.TrackMiss(0x200, true)

	if m.Hits() != 1 {
		t.Fatalf("hits = %d, want 1", m.Hits())
	}
	if m.Misses() != 2 {
		t.Fatalf("misses = %d, want 2", m.Misses())
	}
}
