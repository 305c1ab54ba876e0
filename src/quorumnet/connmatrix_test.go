package quorumnet

import (
	"testing"
)

func TestOutgoingConnsBoundedFanout(t *testing.T) {
	for size := 1; size <= 20; size++ {
		for pos := 0; pos < size; pos++ {
			out := quorumOutgoingConns(pos, size)

			// log2 bound
			bound := 0
			for step := 1; step < size; step *= 2 {
				bound++
			}
			if len(out) != bound {
				t.Fatalf("size %d pos %d: fanout %d, want %d", size, pos, len(out), bound)
			}

			seen := map[int]bool{}
			for _, o := range out {
				if o < 0 || o >= size {
					t.Fatalf("size %d pos %d: target %d out of range", size, pos, o)
				}
				if o == pos {
					t.Fatalf("size %d pos %d: self edge", size, pos)
				}
				if seen[o] {
					t.Fatalf("size %d pos %d: duplicate target %d", size, pos, o)
				}
				seen[o] = true
			}
		}
	}
}

func TestOutgoingIncomingMirror(t *testing.T) {
	for size := 2; size <= 20; size++ {
		// if a's outgoing contains b, then b's incoming contains a
		incoming := make(map[int]map[int]bool)
		for pos := 0; pos < size; pos++ {
			incoming[pos] = map[int]bool{}
			for _, src := range quorumIncomingConns(pos, size) {
				incoming[pos][src] = true
			}
		}

		for a := 0; a < size; a++ {
			for _, b := range quorumOutgoingConns(a, size) {
				if !incoming[b][a] {
					t.Fatalf("size %d: edge %d->%d not mirrored", size, a, b)
				}
			}
		}
	}
}

func TestOutgoingConnsReachEveryone(t *testing.T) {
	// following outgoing edges from any start must reach every member
	for size := 2; size <= 20; size++ {
		visited := map[int]bool{0: true}
		frontier := []int{0}
		for len(frontier) > 0 {
			next := []int{}
			for _, pos := range frontier {
				for _, o := range quorumOutgoingConns(pos, size) {
					if !visited[o] {
						visited[o] = true
						next = append(next, o)
					}
				}
			}
			frontier = next
		}
		if len(visited) != size {
			t.Fatalf("size %d: only %d members reachable", size, len(visited))
		}
	}
}

func TestConnsForAbsentMember(t *testing.T) {
	if quorumOutgoingConns(-1, 10) != nil {
		t.Fatal("expected no outgoing conns for absent member")
	}
	if quorumIncomingConns(-1, 10) != nil {
		t.Fatal("expected no incoming conns for absent member")
	}
	if quorumOutgoingConns(0, 1) != nil {
		t.Fatal("expected no conns in a single-member quorum")
	}
}
