package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// waitUntil polls fn until it returns true or timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition")
}

type testPC struct {
	pc     *ProducerController
	ep     *MemoryEndpoint
	nextCh chan RequestNext
	mock   *clock.Mock
	cancel context.CancelFunc
}

// newActivePC builds a controller with a mock clock, runs it, and completes
// the Start/RegisterConsumer handshake.
func newActivePC(t *testing.T, producerID string, opts Options) *testPC {
	t.Helper()
	mock := clock.NewMock()
	opts.Clock = mock
	pc, err := NewProducerController(producerID, opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pc.RunBackground(ctx)

	ep := &MemoryEndpoint{}
	nextCh := make(chan RequestNext, 1)
	pc.Start(nextCh)
	pc.RegisterConsumer(ep)
	return &testPC{pc: pc, ep: ep, nextCh: nextCh, mock: mock, cancel: cancel}
}

func (tp *testPC) expectRequestNext(t *testing.T) RequestNext {
	t.Helper()
	select {
	case rn := <-tp.nextCh:
		return rn
	case <-time.After(2 * time.Second):
		t.Fatalf("no RequestNext within 2s")
		return RequestNext{}
	}
}

func (tp *testPC) expectNoRequestNext(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case rn := <-tp.nextCh:
		t.Fatalf("unexpected RequestNext: %+v", rn)
	case <-time.After(within):
	}
}

func (tp *testPC) sendCount() int { return len(tp.ep.Snapshot()) }

func TestHandshakeIssuesFirstRequestNext(t *testing.T) {
	tp := newActivePC(t, "p-hs", DefaultOptions())
	rn := tp.expectRequestNext(t)
	if rn.CurrentSeqNr != 1 || rn.ConfirmedSeqNr != 0 {
		t.Fatalf("unexpected bootstrap notification: %+v", rn)
	}
	if rn.ProducerID != "p-hs" {
		t.Fatalf("unexpected producer id %q", rn.ProducerID)
	}
}

func TestHandshakeOrderIrrelevant(t *testing.T) {
	mock := clock.NewMock()
	opts := DefaultOptions()
	opts.Clock = mock
	pc, err := NewProducerController("p-order", opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pc.RunBackground(ctx)

	// Consumer first, then producer.
	ep := &MemoryEndpoint{}
	pc.RegisterConsumer(ep)
	nextCh := make(chan RequestNext, 1)
	pc.Start(nextCh)
	select {
	case rn := <-nextCh:
		if rn.CurrentSeqNr != 1 {
			t.Fatalf("unexpected notification: %+v", rn)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no RequestNext after late Start")
	}
}

// Scenario: lost first SequencedMessage.
func TestFirstMessageResentUntilRequested(t *testing.T) {
	tp := newActivePC(t, "p-1", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-1"))

	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })
	first := tp.ep.Snapshot()[0]
	if first.SeqNr != 1 || !first.First {
		t.Fatalf("expected seq 1 with first=true, got %+v", first)
	}

	// The 1 s timer re-emits the head with first=true.
	tp.mock.Add(time.Second)
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 2 })
	re := tp.ep.Snapshot()[1]
	if re.SeqNr != 1 || !re.First {
		t.Fatalf("expected re-emission of seq 1 with first=true, got %+v", re)
	}

	tp.pc.Request(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: true})
	tp.expectRequestNext(t) // demand opened
	tp.mock.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := tp.sendCount(); got != 2 {
		t.Fatalf("expected no re-emission after confirmation, got %d sends", got)
	}
}

// Scenario: mid-stream gap repaired by Resend.
func TestMidStreamResend(t *testing.T) {
	tp := newActivePC(t, "p-2", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-1"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })
	tp.pc.Request(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: true})

	for i := 2; i <= 4; i++ {
		rn = tp.expectRequestNext(t)
		rn.SendNextTo([]byte("msg-" + string(rune('0'+i))))
	}
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 4 })

	tp.pc.Resend(Resend{FromSeqNr: 3})
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 6 })
	seqs := tp.ep.SeqNrs()
	if seqs[4] != 3 || seqs[5] != 4 {
		t.Fatalf("expected retransmission of 3 then 4, got %v", seqs[4:])
	}

	rn = tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-5"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 7 })
	if got := tp.ep.SeqNrs()[6]; got != 5 {
		t.Fatalf("expected seq 5 after resend burst, got %d", got)
	}
}

// Scenario: tail loss detected by a via_timeout Request.
func TestTailLossViaTimeoutRequest(t *testing.T) {
	tp := newActivePC(t, "p-3", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-1"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })
	tp.pc.Request(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: true})

	for i := 2; i <= 4; i++ {
		rn = tp.expectRequestNext(t)
		rn.SendNextTo([]byte("msg-" + string(rune('0'+i))))
	}
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 4 })

	tp.pc.Request(Request{ConfirmedSeqNr: 2, UpToSeqNr: 10, SupportResend: true, ViaTimeout: true})
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 6 })
	seqs := tp.ep.SeqNrs()
	if seqs[4] != 3 || seqs[5] != 4 {
		t.Fatalf("expected re-emission of 3 then 4, got %v", seqs[4:])
	}
}

// Scenario: consumer replacement resumes from the earliest unconfirmed seq.
func TestConsumerReplacement(t *testing.T) {
	tp := newActivePC(t, "p-4", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-1"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })
	tp.pc.Request(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: true})

	for i := 2; i <= 4; i++ {
		rn = tp.expectRequestNext(t)
		rn.SendNextTo([]byte("msg-" + string(rune('0'+i))))
	}
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 4 })
	tp.pc.Ack(Ack{ConfirmedSeqNr: 2})

	// Failover: a new consumer endpoint takes over with 3 and 4 in flight.
	newEP := &MemoryEndpoint{}
	tp.pc.RegisterConsumer(newEP)
	waitUntil(t, time.Second, func() bool { return len(newEP.Snapshot()) == 1 })
	head := newEP.Snapshot()[0]
	if head.SeqNr != 3 || !head.First {
		t.Fatalf("expected seq 3 with first=true to the new consumer, got %+v", head)
	}

	// Without a Request it re-emits on the timer.
	tp.mock.Add(time.Second)
	waitUntil(t, time.Second, func() bool { return len(newEP.Snapshot()) == 2 })
	if re := newEP.Snapshot()[1]; re.SeqNr != 3 || !re.First {
		t.Fatalf("expected timer re-emission of seq 3 first=true, got %+v", re)
	}

	// The new consumer bootstraps its window, then confirms the head it
	// received; the remainder of the window follows exactly once.
	tp.pc.Request(Request{ConfirmedSeqNr: 2, UpToSeqNr: 10, SupportResend: true})
	tp.pc.Ack(Ack{ConfirmedSeqNr: 3})
	waitUntil(t, time.Second, func() bool { return len(newEP.Snapshot()) == 3 })
	if got := newEP.Snapshot()[2]; got.SeqNr != 4 {
		t.Fatalf("expected seq 4 after head confirmation, got %+v", got)
	}

	rn = tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-5"))
	waitUntil(t, time.Second, func() bool { return len(newEP.Snapshot()) == 4 })
	if got := newEP.Snapshot()[3]; got.SeqNr != 5 {
		t.Fatalf("expected new submission seq 5, got %+v", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(newEP.Snapshot()); got != 4 {
		t.Fatalf("seq 4 re-emitted more than once: %v", newEP.SeqNrs())
	}
}

// Scenario: coalesced confirmations dispatch pending replies in order.
func TestConfirmationsCoalesced(t *testing.T) {
	tp := newActivePC(t, "p-5", DefaultOptions())
	replyCh := make(chan uint64, 4)

	rn := tp.expectRequestNext(t)
	rn.AskNextTo([]byte("msg-1"), replyCh)
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })
	if !tp.ep.Snapshot()[0].Ack {
		t.Fatalf("confirmation submission must set the ack flag")
	}
	tp.pc.Request(Request{ConfirmedSeqNr: 0, UpToSeqNr: 10, SupportResend: true})
	for i := 2; i <= 4; i++ {
		rn = tp.expectRequestNext(t)
		rn.AskNextTo([]byte("msg-"+string(rune('0'+i))), replyCh)
	}
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 4 })

	tp.pc.Ack(Ack{ConfirmedSeqNr: 4})
	for want := uint64(1); want <= 4; want++ {
		select {
		case got := <-replyCh:
			if got != want {
				t.Fatalf("replies out of order: want %d got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing confirmation reply for seq %d", want)
		}
	}
	select {
	case extra := <-replyCh:
		t.Fatalf("duplicate confirmation reply %d", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

// Scenario: support_resend=false drops the buffer and all retransmission.
func TestNoResendSupport(t *testing.T) {
	tp := newActivePC(t, "p-6", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-1"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })

	tp.pc.Request(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: false})
	for i := 2; i <= 4; i++ {
		rn = tp.expectRequestNext(t)
		rn.SendNextTo([]byte("msg-" + string(rune('0'+i))))
	}
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 4 })

	tp.pc.Request(Request{ConfirmedSeqNr: 2, UpToSeqNr: 10, SupportResend: false, ViaTimeout: true})
	rn = tp.expectRequestNext(t)
	time.Sleep(20 * time.Millisecond)
	if got := tp.sendCount(); got != 4 {
		t.Fatalf("expected no retransmission without resend support, got %d sends", got)
	}
	rn.SendNextTo([]byte("msg-5"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 5 })
	if got := tp.ep.SeqNrs()[4]; got != 5 {
		t.Fatalf("expected seq 5, got %d", got)
	}
}

func TestAckIdempotence(t *testing.T) {
	tp := newActivePC(t, "p-ack", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-1"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })
	tp.pc.Request(Request{ConfirmedSeqNr: 0, UpToSeqNr: 10, SupportResend: true})
	for i := 2; i <= 3; i++ {
		rn = tp.expectRequestNext(t)
		rn.SendNextTo([]byte("msg-" + string(rune('0'+i))))
	}
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 3 })

	tp.pc.Ack(Ack{ConfirmedSeqNr: 3})
	// A regressive ack is a no-op: nothing re-buffered, nothing re-emitted.
	tp.pc.Ack(Ack{ConfirmedSeqNr: 2})
	time.Sleep(20 * time.Millisecond)
	if got := tp.sendCount(); got != 3 {
		t.Fatalf("regressive ack caused traffic: %d sends", got)
	}
}

// Replaying the same via_timeout Request only re-emits the buffered window;
// it never advances producer state.
func TestRequestReplayIdempotence(t *testing.T) {
	tp := newActivePC(t, "p-replay", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-1"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })
	tp.pc.Request(Request{ConfirmedSeqNr: 0, UpToSeqNr: 5, SupportResend: true})
	rn = tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-2"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 2 })

	req := Request{ConfirmedSeqNr: 0, UpToSeqNr: 5, SupportResend: true, ViaTimeout: true}
	tp.pc.Request(req)
	tp.pc.Request(req)
	tp.pc.Request(req)
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 8 })
	// Every burst is the same window [1,2], in order.
	seqs := tp.ep.SeqNrs()
	for i := 2; i < 8; i += 2 {
		if seqs[i] != 1 || seqs[i+1] != 2 {
			t.Fatalf("replayed burst not window-shaped: %v", seqs)
		}
	}
}

func TestSubmitWithoutDemandIsFatal(t *testing.T) {
	tp := newActivePC(t, "p-fatal", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-1"))
	// The bootstrap window was exactly one; this second submission has no
	// outstanding demand behind it.
	tp.pc.Send([]byte("msg-2"))
	select {
	case <-tp.pc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not terminate on protocol violation")
	}
	if err := tp.pc.Err(); err == nil {
		t.Fatalf("expected terminal error")
	}
}

func TestResendWithoutSupportIsFatal(t *testing.T) {
	tp := newActivePC(t, "p-fatal2", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-1"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })
	tp.pc.Request(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: false})
	tp.expectRequestNext(t)
	tp.pc.Resend(Resend{FromSeqNr: 1})
	select {
	case <-tp.pc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not terminate on Resend without support")
	}
	if err := tp.pc.Err(); err == nil {
		t.Fatalf("expected terminal error")
	}
}

func TestResendClampsBelowBufferHead(t *testing.T) {
	tp := newActivePC(t, "p-clamp", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("msg-1"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })
	tp.pc.Request(Request{ConfirmedSeqNr: 1, UpToSeqNr: 10, SupportResend: true})
	for i := 2; i <= 3; i++ {
		rn = tp.expectRequestNext(t)
		rn.SendNextTo([]byte("msg-" + string(rune('0'+i))))
	}
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 3 })

	// Buffer holds [2,3]; asking from 1 resends whatever remains.
	tp.pc.Resend(Resend{FromSeqNr: 1})
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 5 })
	seqs := tp.ep.SeqNrs()
	if seqs[3] != 2 || seqs[4] != 3 {
		t.Fatalf("expected clamped resend of 2 then 3, got %v", seqs[3:])
	}
}

func TestAtMostOneOutstandingRequestNext(t *testing.T) {
	tp := newActivePC(t, "p-one", DefaultOptions())
	tp.expectRequestNext(t)
	// No submission consumed the outstanding notification; no second one
	// may appear, whatever demand arrives.
	tp.pc.Request(Request{ConfirmedSeqNr: 0, UpToSeqNr: 100, SupportResend: true})
	tp.expectNoRequestNext(t, 50*time.Millisecond)
}

func TestSeqNrsContiguousFromOne(t *testing.T) {
	tp := newActivePC(t, "p-seq", DefaultOptions())
	rn := tp.expectRequestNext(t)
	rn.SendNextTo([]byte("m"))
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == 1 })
	tp.pc.Request(Request{ConfirmedSeqNr: 1, UpToSeqNr: 100, SupportResend: true})
	const n = 20
	for i := 2; i <= n; i++ {
		rn = tp.expectRequestNext(t)
		rn.SendNextTo([]byte("m"))
		// Confirm promptly so no resend traffic muddies the stream.
		tp.pc.Ack(Ack{ConfirmedSeqNr: uint64(i)})
	}
	waitUntil(t, time.Second, func() bool { return tp.sendCount() == n })
	for i, seq := range tp.ep.SeqNrs() {
		if seq != uint64(i+1) {
			t.Fatalf("gap or duplicate at position %d: %v", i, tp.ep.SeqNrs())
		}
	}
}

func TestStartRebindRedirectsNotifications(t *testing.T) {
	tp := newActivePC(t, "p-rebind", DefaultOptions())
	tp.expectRequestNext(t)

	// Producer restart: a new Start is a pure rebind, no state reset.
	newNext := make(chan RequestNext, 1)
	tp.pc.Start(newNext)
	rnCh := make(chan RequestNext, 1)
	go func() {
		select {
		case rn := <-newNext:
			rnCh <- rn
		case <-time.After(2 * time.Second):
		}
	}()
	// Consume the outstanding demand on the old channel first.
	tp.pc.Request(Request{ConfirmedSeqNr: 0, UpToSeqNr: 10, SupportResend: true})
	tp.pc.Send([]byte("msg-1"))
	select {
	case rn := <-rnCh:
		if rn.CurrentSeqNr != 2 {
			t.Fatalf("expected next notification for seq 2 on the new channel, got %+v", rn)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification did not follow the rebound producer channel")
	}
}
