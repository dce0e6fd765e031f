package homelookup

import "testing"

func TestLookupDeterministic(t *testing.T) {
	addr := uint64(0x4000)
	first := Lookup(addr, 64, 8)
	for i := 0; i < 10; i++ {
		if got := Lookup(addr, 64, 8); got != first {
			t.Fatalf("Lookup not deterministic: got %d, want %d", got, first)
		}
	}
}

func TestLookupSameLineSameTile(t *testing.T) {
	// Two addresses within the same 64-byte line must map to the same tile.
	base := uint64(0x8000)
	a := Lookup(base, 64, 16)
	b := Lookup(base+32, 64, 16)
	if a != b {
		t.Fatalf("addresses in the same line mapped to different tiles: %d vs %d", a, b)
	}
}

func TestLookupWithinRange(t *testing.T) {
	for _, addr := range []uint64{0, 1, 64, 1 << 20, 1 << 40} {
		tile := Lookup(addr, 64, 12)
		if tile < 0 || tile >= 12 {
			t.Fatalf("Lookup(%d) = %d out of range [0,12)", addr, tile)
		}
	}
}

func TestLookupZeroTiles(t *testing.T) {
	if got := Lookup(1234, 64, 0); got != 0 {
		t.Fatalf("expected 0 for degenerate numTiles, got %d", got)
	}
}

func TestLookupDistributes(t *testing.T) {
	seen := make(map[int]bool)
	for addr := uint64(0); addr < 4096; addr += 64 {
		seen[Lookup(addr, 64, 4)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected addresses to spread across multiple tiles, got %d distinct", len(seen))
	}
}
