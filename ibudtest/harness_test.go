package ibudtest_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/procmesh/ibud"
	"github.com/procmesh/ibud/ibudtest"
)

// testConfig returns a Config sized down from the production defaults so
// tests run quickly against the fake medium's real-time progress loop.
func testConfig() ibud.Config {
	cfg := ibud.DefaultConfig()
	cfg.SendWinSize = 16
	cfg.RecvWinSize = 64
	cfg.MaxAckPending = 4
	cfg.VBufPoolSize = 256
	cfg.ProgressTimeout = 2 * time.Millisecond
	cfg.RetryTimeout = 20 * time.Millisecond
	cfg.MaxRetryTimeout = time.Second
	return cfg
}

// openPair wires two endpoints over a fresh Medium, A at (1,100) and B at
// (2,200), with no loss injected unless the caller configures links after.
func openPair(t *testing.T, seed int64) (medium *ibudtest.Medium, a, b *ibud.Endpoint) {
	t.Helper()
	medium = ibudtest.NewMedium(seed)
	devA := medium.NewDevice(1, 100)
	devB := medium.NewDevice(2, 200)

	cfg := testConfig()
	poolA := ibud.NewDefaultPool(cfg)
	poolB := ibud.NewDefaultPool(cfg)

	var err error
	a, err = ibud.Open(devA, poolA, cfg)
	if err != nil {
		t.Fatalf("open A: %v", err)
	}
	b, err = ibud.Open(devB, poolB, cfg)
	if err != nil {
		t.Fatalf("open B: %v", err)
	}
	return medium, a, b
}

// Scenario 1: happy path.
func TestHappyPath(t *testing.T) {
	_, a, b := openPair(t, 1)
	defer a.Close()
	defer b.Close()

	chB := make(chan *ibud.Channel, 1)
	go func() {
		ch, err := b.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		chB <- ch
	}()

	chA, err := a.Connect(b.Name())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch := <-chB

	if _, err := chA.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	n, err := ch.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("got %q (%d bytes), want %q", buf[:n], n, "hello")
	}
}

// Scenario 2: multi-packet message.
func TestMultiPacketMessage(t *testing.T) {
	_, a, b := openPair(t, 2)
	defer a.Close()
	defer b.Close()

	chB := make(chan *ibud.Channel, 1)
	go func() {
		ch, err := b.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		chB <- ch
	}()
	chA, err := a.Connect(b.Name())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch := <-chB

	want := make([]byte, 8192)
	for i := range want {
		want[i] = byte(i)
	}
	if _, err := chA.Write(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(want))
	n := 0
	for n < len(got) {
		m, err := ch.Read(got[n:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		n += m
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch after %d-byte transfer", len(want))
	}
}

// Scenario 3: lossy ACK — all ACKs from B to A dropped; the DATA packet must
// still be delivered exactly once via retransmission.
func TestLossyAck(t *testing.T) {
	medium, a, b := openPair(t, 3)
	defer a.Close()
	defer b.Close()

	chB := make(chan *ibud.Channel, 1)
	go func() {
		ch, err := b.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		chB <- ch
	}()
	chA, err := a.Connect(b.Name())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch := <-chB

	medium.Configure(2, 200, 1, 100, ibudtest.LinkConfig{
		DropTypes: map[ibud.PacketType]float64{ibud.PacketAck: 1.0},
	})

	if _, err := chA.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 1)
	n, err := ch.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 1 || buf[0] != 'x' {
		t.Fatalf("got %q, want \"x\"", buf[:n])
	}
	// A second read must block forever on no further data — there is no
	// portable way to assert "no more bytes ever arrive" without a timeout,
	// so this is left to the no-duplicates property covered by TestNoDuplicates.
}

// Scenario: no duplicates — every DATA packet is duplicated in transit, but
// the receive window must deliver each byte exactly once.
func TestNoDuplicates(t *testing.T) {
	medium, a, b := openPair(t, 7)
	defer a.Close()
	defer b.Close()

	chB := make(chan *ibud.Channel, 1)
	go func() {
		ch, err := b.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		chB <- ch
	}()
	chA, err := a.Connect(b.Name())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch := <-chB

	medium.Configure(1, 100, 2, 200, ibudtest.LinkConfig{DupRate: 1.0})

	want := make([]byte, 64)
	for i := range want {
		want[i] = byte(i)
	}
	if _, err := chA.Write(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(want))
	n := 0
	for n < len(got) {
		m, err := ch.Read(got[n:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		n += m
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch under duplication: got %v, want %v", got, want)
	}

	// Any further bytes arriving would mean a duplicate slipped past the
	// receive window; give the medium a bounded window to prove none do.
	extra := make(chan int, 1)
	go func() {
		buf := make([]byte, 1)
		n, _ := ch.Read(buf)
		extra <- n
	}()
	select {
	case n := <-extra:
		if n > 0 {
			t.Fatalf("received %d unexpected extra byte(s) after exact transfer", n)
		}
	case <-time.After(100 * time.Millisecond):
		// No further data arrived, as expected.
	}
}

// Scenario 4: duplicate CONNECT — with every CONNECT duplicated in transit,
// one Accept and one Connect still each return a channel named after the
// peer.
func TestDuplicateConnect(t *testing.T) {
	medium, a, b := openPair(t, 4)
	defer a.Close()
	defer b.Close()

	// The fake medium duplicates a packet at most once per send; this still
	// exercises the same idempotence path a higher duplication factor would.
	medium.Configure(1, 100, 2, 200, ibudtest.LinkConfig{DupRate: 1.0})

	chB := make(chan *ibud.Channel, 1)
	go func() {
		ch, err := b.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		chB <- ch
	}()

	chA, err := a.Connect(b.Name())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch := <-chB
	if chA.Name() != b.Name() || ch.Name() != a.Name() {
		t.Fatalf("channel names not wired to peer identity")
	}
}

// Scenario 5: reorder — swap the second and third DATA packets of a 5-packet
// message; the in-order receive window must still deliver bytes in order.
func TestReorder(t *testing.T) {
	medium, a, b := openPair(t, 5)
	defer a.Close()
	defer b.Close()

	chB := make(chan *ibud.Channel, 1)
	go func() {
		ch, err := b.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		chB <- ch
	}()
	chA, err := a.Connect(b.Name())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch := <-chB

	// Configure resets this link's send index, so index 0 is the first DATA
	// packet (seqnum 1; CONNECT took seqnum 0) and holding back index 1
	// delivers seqnum 3 before seqnum 2.
	medium.Configure(1, 100, 2, 200, ibudtest.LinkConfig{SwapWithNext: []int{1}})

	want := make([]byte, ibud.MaxPayload*5)
	for i := range want {
		want[i] = byte(i)
	}
	if _, err := chA.Write(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(want))
	n := 0
	for n < len(got) {
		m, err := ch.Read(got[n:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		n += m
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("bytes out of order after reordered delivery")
	}
}

// Scenario 6: peer death — total loss after handshake aborts the writer
// within MaxRetryTimeout via its OnFatalFunc rather than os.Exit.
func TestPeerDeath(t *testing.T) {
	medium := ibudtest.NewMedium(6)
	devA := medium.NewDevice(1, 100)
	devB := medium.NewDevice(2, 200)

	cfg := testConfig()
	cfg.RetryTimeout = 0
	cfg.MaxRetryTimeout = 0 // first resend attempt is already past the deadline

	fatalCh := make(chan *ibud.FatalError, 1)
	a, err := ibud.Open(devA, ibud.NewDefaultPool(cfg), cfg, ibud.WithOnFatal(func(f *ibud.FatalError) {
		select {
		case fatalCh <- f:
		default:
		}
	}))
	if err != nil {
		t.Fatalf("open A: %v", err)
	}
	defer a.Close()
	b, err := ibud.Open(devB, ibud.NewDefaultPool(cfg), cfg)
	if err != nil {
		t.Fatalf("open B: %v", err)
	}
	defer b.Close()

	chB := make(chan *ibud.Channel, 1)
	go func() {
		ch, err := b.Accept()
		if err == nil {
			chB <- ch
		}
	}()
	chA, err := a.Connect(b.Name())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-chB

	medium.Configure(1, 100, 2, 200, ibudtest.LinkConfig{DropRate: 1.0})
	medium.Configure(2, 200, 1, 100, ibudtest.LinkConfig{DropRate: 1.0})

	if _, err := chA.Write([]byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-fatalCh:
		if f.Err != ibud.ErrRetryExceeded {
			t.Fatalf("fatal error = %v, want ErrRetryExceeded", f.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("peer death did not trigger OnFatalFunc within timeout")
	}
}
