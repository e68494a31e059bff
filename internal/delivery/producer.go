package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sevenDatabase/SevenFlow/internal/durable"
)

// Protocol violations. These are programming errors on the caller side and
// terminate the controller; expected transport losses never surface as errors.
var (
	ErrNoDemand          = errors.New("message submitted without outstanding demand")
	ErrResendUnsupported = errors.New("resend requested but consumer declared support_resend=false")
)

// Options configures a ProducerController.
type Options struct {
	// SupportResend is the initial resend-support hint used until the first
	// Request from the consumer declares the real value.
	SupportResend bool
	// ResendInterval is the fixed delay of the ResendFirst timer.
	ResendInterval time.Duration
	// Durable, when non-nil, enables durable mode: sent and confirmed
	// messages are persisted and confirmation replies fire on persistence
	// rather than on consumer acknowledgement.
	Durable durable.Queue
	// Clock is the time source for the ResendFirst timer. Tests inject a
	// mock; nil means wall clock.
	Clock clock.Clock
	// InboxSize bounds the controller's event queue.
	InboxSize int
}

// DefaultOptions returns the options a bare controller runs with.
func DefaultOptions() Options {
	return Options{
		SupportResend:  true,
		ResendInterval: time.Second,
		InboxSize:      1024,
	}
}

type evStart struct{ producer chan<- RequestNext }
type evRegisterConsumer struct{ endpoint ConsumerEndpoint }
type evMsg struct {
	payload []byte
	replyTo chan<- uint64 // nil for fire-and-forget submissions
}
type evRequest struct{ r Request }
type evAck struct{ a Ack }
type evResend struct{ r Resend }

// ProducerController is the per-producer sequenced-delivery state machine.
// It is a single-goroutine cooperative loop: every public method enqueues an
// event, the loop applies events one at a time, and all state is private to
// the loop. The zero value is not usable; construct with NewProducerController
// and call Run (or RunBackground).
type ProducerController struct {
	producerID string
	opts       Options
	clk        clock.Clock

	inbox  chan any
	stopCh chan struct{}
	doneCh chan struct{}
	err    error

	// Loop-owned state below; never touched outside the loop goroutine.
	producer chan<- RequestNext
	endpoint ConsumerEndpoint

	currentSeqNr   uint64
	confirmedSeqNr uint64
	requestedSeqNr uint64
	requested      bool
	firstSeqNr     uint64
	buf            resendBuffer
	pending        pendingReplies

	resendTimer *clock.Timer
	timerArmed  bool
}

// NewProducerController creates a controller bound to producerID. In durable
// mode the queue's state is loaded here and unconfirmed messages are staged
// for replay once the controller becomes active.
func NewProducerController(producerID string, opts Options) (*ProducerController, error) {
	if opts.ResendInterval <= 0 {
		opts.ResendInterval = time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	pc := &ProducerController{
		producerID:   producerID,
		opts:         opts,
		clk:          opts.Clock,
		inbox:        make(chan any, opts.InboxSize),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		currentSeqNr: 1,
		firstSeqNr:   1,
		buf:          newResendBuffer(opts.SupportResend),
	}
	// Bootstrap demand: the first message may be sent without a preceding
	// Request, so the controller starts with demand for exactly one.
	pc.requestedSeqNr = 1

	if opts.Durable != nil {
		st, err := opts.Durable.LoadState()
		if err != nil {
			return nil, fmt.Errorf("load durable state: %w", err)
		}
		if st.CurrentSeqNr > pc.currentSeqNr {
			pc.currentSeqNr = st.CurrentSeqNr
		}
		pc.confirmedSeqNr = pc.currentSeqNr - 1
		if len(st.Unconfirmed) > 0 {
			pc.confirmedSeqNr = st.Unconfirmed[0].SeqNr - 1
			for _, m := range st.Unconfirmed {
				pc.buf.append(&SequencedMessage{
					ProducerID: producerID,
					SeqNr:      m.SeqNr,
					Payload:    m.Payload,
					Ack:        m.AckRequested,
					ReplyTo:    pc,
				})
			}
		}
		pc.firstSeqNr = pc.confirmedSeqNr + 1
		pc.requestedSeqNr = pc.currentSeqNr
	}
	return pc, nil
}

// ProducerID returns the stable identity of this controller.
func (pc *ProducerController) ProducerID() string { return pc.producerID }

// Start binds (or rebinds) the producer notification channel. Rebinding
// resets no protocol state; only the address changes. The channel should be
// buffered so notifications never stall the controller loop.
func (pc *ProducerController) Start(producer chan<- RequestNext) {
	pc.enqueue(evStart{producer: producer})
}

// RegisterConsumer binds (or rebinds) the outbound consumer endpoint.
func (pc *ProducerController) RegisterConsumer(endpoint ConsumerEndpoint) {
	pc.enqueue(evRegisterConsumer{endpoint: endpoint})
}

// Send submits one message. Valid only while a RequestNext is outstanding;
// submitting without demand is fatal.
func (pc *ProducerController) Send(payload []byte) {
	pc.enqueue(evMsg{payload: payload})
}

// SendWithConfirmation submits one message and delivers its assigned seq_nr
// on replyTo once it is confirmed (durable mode: once it is persisted).
// replyTo must be buffered; replies are best-effort.
func (pc *ProducerController) SendWithConfirmation(payload []byte, replyTo chan<- uint64) {
	pc.enqueue(evMsg{payload: payload, replyTo: replyTo})
}

// Request implements ControllerRef.
func (pc *ProducerController) Request(r Request) { pc.enqueue(evRequest{r: r}) }

// Ack implements ControllerRef.
func (pc *ProducerController) Ack(a Ack) { pc.enqueue(evAck{a: a}) }

// Resend implements ControllerRef.
func (pc *ProducerController) Resend(r Resend) { pc.enqueue(evResend{r: r}) }

// Stop terminates the controller. In-flight buffered messages are discarded;
// only a durable queue preserves them.
func (pc *ProducerController) Stop() {
	select {
	case <-pc.stopCh:
	default:
		close(pc.stopCh)
	}
}

// Done is closed when the controller loop has exited.
func (pc *ProducerController) Done() <-chan struct{} { return pc.doneCh }

// Err reports the terminal error, if any, after Done is closed.
func (pc *ProducerController) Err() error { return pc.err }

func (pc *ProducerController) enqueue(ev any) {
	select {
	case pc.inbox <- ev:
	case <-pc.doneCh:
	}
}

// RunBackground starts the controller loop on its own goroutine.
func (pc *ProducerController) RunBackground(ctx context.Context) {
	go pc.Run(ctx)
}

// Run executes the controller loop until Stop, context cancellation, or a
// fatal protocol violation.
func (pc *ProducerController) Run(ctx context.Context) {
	defer close(pc.doneCh)
	for {
		var timerC <-chan time.Time
		if pc.resendTimer != nil && pc.timerArmed {
			timerC = pc.resendTimer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-pc.stopCh:
			return
		case <-timerC:
			pc.onResendFirst(ctx)
		case ev := <-pc.inbox:
			pc.handle(ctx, ev)
		}
		if pc.err != nil {
			return
		}
	}
}

func (pc *ProducerController) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case evStart:
		pc.onStart(ctx, e.producer)
	case evRegisterConsumer:
		pc.onRegisterConsumer(ctx, e.endpoint)
	case evMsg:
		pc.onMsg(ctx, e)
	case evRequest:
		pc.onRequest(ctx, e.r)
	case evAck:
		pc.onAckMsg(ctx, e.a)
	case evResend:
		pc.onResend(ctx, e.r)
	}
}

func (pc *ProducerController) active() bool {
	return pc.producer != nil && pc.endpoint != nil
}

func (pc *ProducerController) onStart(ctx context.Context, producer chan<- RequestNext) {
	wasActive := pc.active()
	pc.producer = producer
	slog.Debug("START", slog.String("producer_id", pc.producerID), slog.Bool("rebind", wasActive))
	if !wasActive && pc.active() {
		pc.onActivated(ctx)
	}
}

func (pc *ProducerController) onRegisterConsumer(ctx context.Context, endpoint ConsumerEndpoint) {
	wasActive := pc.active()
	pc.endpoint = endpoint
	pc.recomputeFirst()
	slog.Debug("REGISTER_CONSUMER",
		slog.String("producer_id", pc.producerID),
		slog.Uint64("first_seq_nr", pc.firstSeqNr),
		slog.Int("unconfirmed", pc.buf.len()))
	if !wasActive {
		if pc.active() {
			pc.onActivated(ctx)
		}
		return
	}
	// Consumer failover: re-seed the new consumer from the earliest
	// unconfirmed message so its first=true bootstrap kicks in.
	if pc.buf.len() > 0 {
		pc.startResendTimer()
		pc.emitFirst(ctx)
	}
}

// onActivated runs once both Start and RegisterConsumer have arrived.
func (pc *ProducerController) onActivated(ctx context.Context) {
	if pc.buf.len() > 0 {
		// Durable recovery: replay everything unconfirmed via the resend
		// path before new traffic flows.
		pc.recomputeFirst()
		pc.startResendTimer()
		pc.resendBuffered(ctx)
	}
	pc.requested = true
	pc.notifyRequestNext()
}

func (pc *ProducerController) onMsg(ctx context.Context, e evMsg) {
	if !pc.active() || !pc.requested || pc.currentSeqNr > pc.requestedSeqNr {
		pc.fail(fmt.Errorf("%w: producer_id=%s seq=%d requested_seq_nr=%d",
			ErrNoDemand, pc.producerID, pc.currentSeqNr, pc.requestedSeqNr))
		return
	}
	seq := pc.currentSeqNr
	msg := &SequencedMessage{
		ProducerID: pc.producerID,
		SeqNr:      seq,
		Payload:    e.payload,
		First:      seq == pc.firstSeqNr,
		Ack:        e.replyTo != nil,
		ReplyTo:    pc,
	}
	if pc.opts.Durable != nil {
		if err := pc.opts.Durable.StoreMessageSent(durable.Message{
			SeqNr: seq, Payload: e.payload, AckRequested: msg.Ack,
		}); err != nil {
			pc.fail(fmt.Errorf("store message sent seq=%d: %w", seq, err))
			return
		}
	}
	if e.replyTo != nil {
		if pc.opts.Durable != nil {
			// Durability upstream is sufficient confirmation for
			// at-least-once pipelines.
			select {
			case e.replyTo <- seq:
			default:
			}
		} else {
			pc.pending.add(seq, e.replyTo)
		}
	}
	pc.buf.append(msg)
	Metrics.SetUnconfirmedFor(pc.producerID, pc.buf.len())
	if seq == pc.firstSeqNr {
		pc.startResendTimer()
	}
	pc.emit(ctx, msg, false)
	pc.currentSeqNr = seq + 1
	if seq < pc.requestedSeqNr {
		pc.notifyRequestNext()
	} else {
		pc.requested = false
	}
}

func (pc *ProducerController) onRequest(ctx context.Context, r Request) {
	if !pc.active() {
		return
	}
	oldFirst := pc.firstSeqNr
	confirmed := r.ConfirmedSeqNr
	if confirmed >= pc.currentSeqNr {
		confirmed = pc.currentSeqNr - 1
	}
	slog.Debug("REQUEST",
		slog.String("producer_id", pc.producerID),
		slog.Uint64("confirmed", r.ConfirmedSeqNr),
		slog.Uint64("up_to", r.UpToSeqNr),
		slog.Bool("support_resend", r.SupportResend),
		slog.Bool("via_timeout", r.ViaTimeout))
	pc.applyAck(confirmed)

	// Reconcile the buffer with the consumer's declared resend support.
	// Messages sent while buffering was off are irrecoverable and never
	// reappear retroactively.
	if pc.buf.enabled && !r.SupportResend {
		pc.buf.disable()
		pc.stopResendTimer()
	} else if !pc.buf.enabled && r.SupportResend {
		pc.buf.enableEmpty()
	}

	// A via_timeout Request, or one confirming exactly the first message,
	// signals the tail may have been lost with no new traffic to reveal it.
	if (r.ViaTimeout || confirmed == oldFirst) && pc.buf.len() > 0 {
		pc.resendBuffered(ctx)
	}

	if r.UpToSeqNr > pc.requestedSeqNr {
		pc.requestedSeqNr = r.UpToSeqNr
	}
	if !pc.requested && pc.requestedSeqNr >= pc.currentSeqNr {
		pc.requested = true
		pc.notifyRequestNext()
	}
}

func (pc *ProducerController) onAckMsg(ctx context.Context, a Ack) {
	if !pc.active() {
		return
	}
	oldFirst := pc.firstSeqNr
	confirmed := a.ConfirmedSeqNr
	if confirmed >= pc.currentSeqNr {
		confirmed = pc.currentSeqNr - 1
	}
	pc.applyAck(confirmed)
	if confirmed == oldFirst && pc.buf.len() > 0 {
		pc.resendBuffered(ctx)
	}
}

// applyAck applies a cumulative acknowledgement: replies dispatched in
// ascending order, buffer prefix dropped, watermark advanced.
func (pc *ProducerController) applyAck(confirmed uint64) {
	if confirmed < pc.confirmedSeqNr {
		// Ack(k') with k' <= k after Ack(k) is a no-op.
		return
	}
	pc.pending.confirmUpTo(confirmed)
	pc.buf.dropThrough(confirmed)
	Metrics.SetUnconfirmedFor(pc.producerID, pc.buf.len())
	if confirmed >= pc.firstSeqNr {
		pc.stopResendTimer()
	}
	if pc.opts.Durable != nil && confirmed > pc.confirmedSeqNr {
		if err := pc.opts.Durable.StoreMessageConfirmed(confirmed); err != nil {
			pc.fail(fmt.Errorf("store message confirmed seq=%d: %w", confirmed, err))
			return
		}
	}
	if confirmed > pc.confirmedSeqNr {
		pc.confirmedSeqNr = confirmed
		Metrics.ObserveConfirmedFor(pc.producerID, confirmed)
	}
	pc.recomputeFirst()
}

func (pc *ProducerController) onResend(ctx context.Context, r Resend) {
	if !pc.active() {
		return
	}
	if !pc.buf.enabled {
		pc.fail(fmt.Errorf("%w: producer_id=%s from=%d", ErrResendUnsupported, pc.producerID, r.FromSeqNr))
		return
	}
	// A from below the earliest buffered seq clamps to the head.
	pc.buf.dropBelow(r.FromSeqNr)
	pc.resendBuffered(ctx)
}

func (pc *ProducerController) onResendFirst(ctx context.Context) {
	head := pc.buf.head()
	if head != nil && head.SeqNr == pc.firstSeqNr {
		pc.emitFirst(ctx)
		pc.rearmResendTimer()
		return
	}
	// First message confirmed or superseded.
	if pc.currentSeqNr > pc.firstSeqNr {
		pc.stopResendTimer()
	} else {
		pc.rearmResendTimer()
	}
}

// emitFirst re-emits the buffer head with first=true, forcing the consumer
// to issue its initial Request.
func (pc *ProducerController) emitFirst(ctx context.Context) {
	head := pc.buf.head()
	if head == nil {
		return
	}
	cp := *head
	cp.First = true
	pc.emit(ctx, &cp, true)
}

// resendBuffered retransmits every buffered message in seq order.
func (pc *ProducerController) resendBuffered(ctx context.Context) {
	for _, m := range pc.buf.msgs {
		cp := *m
		cp.First = cp.SeqNr == pc.firstSeqNr
		pc.emit(ctx, &cp, true)
	}
}

func (pc *ProducerController) emit(ctx context.Context, msg *SequencedMessage, resend bool) {
	if pc.endpoint == nil {
		return
	}
	start := pc.clk.Now()
	err := pc.endpoint.Send(ctx, msg)
	if err != nil {
		// Transport is best-effort; a failed send is a lost message and the
		// resend machinery recovers it.
		slog.Warn("send failed; resend machinery will recover",
			slog.String("producer_id", pc.producerID),
			slog.Uint64("seq_nr", msg.SeqNr),
			slog.Any("error", err))
		return
	}
	if resend {
		Metrics.IncResendFor(pc.producerID)
		slog.Debug("RESEND", slog.String("producer_id", pc.producerID), slog.Uint64("seq_nr", msg.SeqNr), slog.Bool("first", msg.First))
	} else {
		Metrics.ObserveSendFor(pc.producerID, pc.clk.Now().Sub(start))
		slog.Debug("SEND", slog.String("producer_id", pc.producerID), slog.Uint64("seq_nr", msg.SeqNr), slog.Bool("first", msg.First))
	}
}

func (pc *ProducerController) notifyRequestNext() {
	rn := RequestNext{
		ProducerID:     pc.producerID,
		CurrentSeqNr:   pc.currentSeqNr,
		ConfirmedSeqNr: pc.confirmedSeqNr,
		SendNextTo:     pc.Send,
		AskNextTo:      pc.SendWithConfirmation,
	}
	select {
	case pc.producer <- rn:
		Metrics.IncRequestNextFor(pc.producerID)
	case <-pc.stopCh:
	}
}

func (pc *ProducerController) recomputeFirst() {
	if h := pc.buf.head(); h != nil {
		pc.firstSeqNr = h.SeqNr
		return
	}
	pc.firstSeqNr = pc.confirmedSeqNr + 1
	if pc.firstSeqNr > pc.currentSeqNr {
		pc.firstSeqNr = pc.currentSeqNr
	}
}

func (pc *ProducerController) startResendTimer() {
	if pc.resendTimer == nil {
		pc.resendTimer = pc.clk.Timer(pc.opts.ResendInterval)
	} else {
		pc.resendTimer.Stop()
		pc.resendTimer.Reset(pc.opts.ResendInterval)
	}
	pc.timerArmed = true
}

func (pc *ProducerController) rearmResendTimer() {
	if pc.resendTimer != nil {
		pc.resendTimer.Reset(pc.opts.ResendInterval)
		pc.timerArmed = true
	}
}

func (pc *ProducerController) stopResendTimer() {
	if pc.resendTimer != nil {
		pc.resendTimer.Stop()
	}
	pc.timerArmed = false
}

func (pc *ProducerController) fail(err error) {
	pc.err = err
	slog.Error("producer controller failed",
		slog.String("producer_id", pc.producerID),
		slog.Any("error", err))
	Metrics.IncFailureFor(pc.producerID)
}
