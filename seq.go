package ibud

// Seq is a 16-bit wrapping sequence number stamped on every packet carried
// on a virtual connection. Arithmetic and comparisons wrap modulo 2**16, the
// same way TCP sequence numbers wrap modulo 2**32 (RFC 9293 §3.4) — narrowed
// here to the 16-bit space UD packet headers carry.
type Seq uint16

// NoAck is the value stamped in a header's acknum field before a VC has
// received anything to acknowledge. Rather than overload a sentinel value
// that doubles as a legal sequence number, "has nothing to ack yet" is
// tracked as a separate bool wherever it matters (see vc.ackSeq /
// vc.hasAck) and NoAck is only used on the wire.
const NoAck Seq = 0xFFFF

// Add returns s+n with 16-bit wraparound.
func (s Seq) Add(n uint16) Seq { return s + Seq(n) }

// Prev returns s-1 with 16-bit wraparound, i.e. the highest in-order seqnum
// before s — used to compute next_toack from next_torecv.
func (s Seq) Prev() Seq { return s - 1 }

// Sub returns the wrapped distance from other to s, i.e. how many steps
// forward from other you must walk to reach s.
func (s Seq) Sub(other Seq) uint16 { return uint16(s - other) }

// LessThan reports whether s precedes other in the wrapped sequence space,
// i.e. walking forward from s reaches other before wrapping all the way
// around. Undefined (by convention, false) when s == other.
func (s Seq) LessThan(other Seq) bool {
	return s != other && uint16(other-s) < 0x8000
}

// LessThanEq reports whether s precedes or equals other in the wrapped space.
func (s Seq) LessThanEq(other Seq) bool {
	return s == other || s.LessThan(other)
}

// InclBetween reports whether v falls in the inclusive wrapped range [s,e],
// walking forward from s.
func InclBetween(v, s, e Seq) bool {
	if s.LessThanEq(e) {
		return s.LessThanEq(v) && v.LessThanEq(e)
	}
	// Range wraps around the end of the sequence space.
	return s.LessThanEq(v) || v.LessThanEq(e)
}

// ExclBetween reports whether v falls strictly between s and e (excluding
// both ends), walking forward from s. Equivalent to EXCL_BETWEEN(v, s, e).
func ExclBetween(v, s, e Seq) bool {
	return v != s && v != e && InclBetween(v, s, e)
}
