package ibud

// Fabric is the boundary to the external collaborator: a ready HCA context
// with a protection domain and a single shared completion queue/channel.
// HCA discovery, PD/CQ/CC creation, and the physical send/receive
// machinery are all out of scope for this engine; Fabric is the seam a
// real ibverbs binding implements in production, and the seam the
// loss-injected test harness implements for testing.
//
// A Fabric models exactly one UD queue pair, shared by every VC the engine
// manages — rail=0 only, one QP per process.
type Fabric interface {
	// LocalAddr returns this endpoint's own (lid, qpn), used to fill out
	// CONNECT/ACCEPT handshake payloads.
	LocalAddr() (lid uint16, qpn uint32)
	// Resolve builds (or fetches from cache) the address handle used to
	// send to a remote (lid, qpn) pair.
	Resolve(lid uint16, qpn uint32) (AddressHandle, error)
	// PostSend submits buf as a UD datagram addressed to ah. token
	// correlates the eventual send completion back to the caller (the
	// wr_id of a real ibverbs post). PostSend does not block for the send
	// to complete; completion is reported asynchronously via Poll.
	PostSend(ah AddressHandle, buf []byte, token uint64) error
	// PostRecv posts receive buffers for incoming datagrams. Returns the
	// number actually posted, which may be less than len(bufs) if the
	// fabric's receive queue is full.
	PostRecv(bufs []RecvBuffer) (posted int, err error)
	// Poll drains up to max completions, invoking visit for each in
	// completion-queue order. Returns the number of completions observed.
	Poll(max int, visit func(Completion)) (n int, err error)
}

// AddressHandle is opaque cached routing info for a remote queue pair.
type AddressHandle struct {
	LID uint16
	QPN uint32
}

// RecvBuffer is one receive buffer posted to a Fabric, tagged with a token
// so a later Completion can report which buffer was filled.
type RecvBuffer struct {
	Token uint64
	Buf   []byte
}

// CompletionKind distinguishes send from receive completions drained off
// the shared completion queue.
type CompletionKind uint8

const (
	CompletionSend CompletionKind = iota
	CompletionRecv
)

// Completion is one entry off the completion queue.
type Completion struct {
	Kind CompletionKind
	// Token is the wr_id the corresponding PostSend/RecvBuffer was tagged
	// with.
	Token uint64
	// RecvLen is the number of valid bytes written into the posted recv
	// buffer. Only meaningful when Kind == CompletionRecv.
	RecvLen int
	// SourceLID/SourceQPN identify the sender of a received datagram, used
	// for an anti-spoofing check against the VC's recorded address handle.
	// Only meaningful when Kind == CompletionRecv.
	SourceLID uint16
	SourceQPN uint32
	// Err is non-nil if the underlying work completion carried a non-success
	// status; the engine treats this as fatal.
	Err error
}
