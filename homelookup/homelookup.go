// Package homelookup implements DirectoryHomeLookup: the pure function
// mapping a cache-line address to the tile id that is its directory home.
//
// Grounded on the FNV-1a hashing pkg/utils/hash.go (O-tero's consistent
// hash ring) uses for mapping cache keys to physical nodes, simplified: the
// tile fabric here is fixed for the lifetime of a run (tiles don't join or
// leave), so there is no ring to rebalance — one hash-and-modulo call
// suffices and stays a pure, deterministic function.
package homelookup

import "hash/fnv"

// Lookup returns the home tile id for addr, given the fabric's cache-line
// size and tile count. It is pure and deterministic: the same (addr,
// lineSize, numTiles) always yields the same tile.
func Lookup(addr uint64, lineSize uint64, numTiles int) int {
	if numTiles <= 0 {
		return 0
	}
	lineAddr := addr &^ (lineSize - 1)
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(lineAddr >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return int(h.Sum64() % uint64(numTiles))
}
