// Package seqnum implements the 32-bit circular sequence-number
// arithmetic used throughout the reliability stack. Every comparison
// between two sequence numbers in this repository must go through
// this package rather than plain <, > — per spec.md §9, ordinary
// integer comparison breaks at the wraparound boundary and several of
// the scenario tests (sequence wraparound) depend on the circular
// rule being load-bearing everywhere, not just in the tracker.
package seqnum

// Ahead reports whether a is ahead of b using the half-range rule:
// a ahead_of b ⇔ (a−b) mod 2^32 ∈ (0, 2^31).
func Ahead(a, b uint32) bool {
	d := a - b
	return d != 0 && d < 1<<31
}

// AheadOrEqual reports a == b || Ahead(a, b).
func AheadOrEqual(a, b uint32) bool {
	return a == b || Ahead(a, b)
}

// Distance returns the circular distance from b to a: the number of
// increments needed to walk b forward to a, always in [0, 2^32).
// It treats a as "ahead of or equal to" b; callers wanting the signed
// notion should use Ahead first.
func Distance(a, b uint32) uint32 {
	return a - b
}

// Behind reports whether a is behind b (strictly), i.e. Ahead(b, a).
func Behind(a, b uint32) bool {
	return Ahead(b, a)
}
