package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

// WorkerRegistry is the slice of service discovery the router consumes.
// discovery.MemoryRegistry implements it.
type WorkerRegistry interface {
	Subscribe(ctx context.Context, serviceKey string) <-chan []Worker
}

// RouterOptions configures a WorkPullingRouter.
type RouterOptions struct {
	// BufferSize bounds messages queued while no worker has demand.
	BufferSize int
	// Controller options applied to each per-worker controller.
	Controller Options
	// Rand is the selection source; nil means a time-seeded one. Tests
	// inject a fixed seed.
	Rand *rand.Rand
	// InboxSize bounds the router's event queue.
	InboxSize int
}

func DefaultRouterOptions() RouterOptions {
	return RouterOptions{
		BufferSize: 1000,
		Controller: DefaultOptions(),
		InboxSize:  1024,
	}
}

type rtStart struct{ producer chan<- RequestNext }
type rtMsg struct {
	payload []byte
	replyTo chan<- uint64
}
type rtStats struct{ replyTo chan<- WorkerStats }
type rtDemand struct {
	workerID string
	next     RequestNext
}
type rtConfirmed struct {
	workerID string
	seqNr    uint64
}

// routedMsg is one submission, possibly awaiting a router-level confirmation.
type routedMsg struct {
	routerSeq uint64
	payload   []byte
	replyTo   chan<- uint64
}

// outState is the per-worker sub-state: the embedded controller plus demand
// and in-flight bookkeeping.
type outState struct {
	worker Worker
	pc     *ProducerController
	cancel context.CancelFunc
	// next holds the worker's outstanding demand token; nil means none.
	next *RequestNext
	// askCh receives the per-worker controller's confirmations.
	askCh chan uint64
	// sentSeq counts messages routed to this worker; the embedded
	// controller assigns the same contiguous seqs.
	sentSeq uint64
	// unconfirmed tracks messages routed but not yet confirmed, in worker
	// seq order, for rehoming on worker loss.
	unconfirmed []workerMsg
}

type workerMsg struct {
	workerSeq uint64
	msg       routedMsg
}

// WorkPullingRouter multiplexes one logical producer stream over a
// dynamically-changing pool of consumer endpoints, routing each message to
// one worker that currently has demand. Ordering across workers is
// explicitly not preserved; selection is uniformly random among workers
// with demand.
type WorkPullingRouter struct {
	routerID   string
	serviceKey string
	registry   WorkerRegistry
	opts       RouterOptions
	clk        clock.Clock
	rnd        *rand.Rand

	inbox  chan any
	stopCh chan struct{}
	doneCh chan struct{}
	err    error

	// Loop-owned state.
	producer  chan<- RequestNext
	requested bool
	workers   map[string]*outState
	buffered  []routedMsg
	submitted uint64
}

// NewWorkPullingRouter creates a router for serviceKey. routerID names the
// logical producer stream; per-worker controllers derive their producer ids
// from it.
func NewWorkPullingRouter(routerID, serviceKey string, registry WorkerRegistry, opts RouterOptions) *WorkPullingRouter {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	if opts.Controller.Clock == nil {
		opts.Controller.Clock = clock.New()
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &WorkPullingRouter{
		routerID:   routerID,
		serviceKey: serviceKey,
		registry:   registry,
		opts:       opts,
		clk:        opts.Controller.Clock,
		rnd:        rnd,
		inbox:      make(chan any, opts.InboxSize),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		workers:    make(map[string]*outState),
	}
}

// Start binds (or rebinds) the producer notification channel.
func (w *WorkPullingRouter) Start(producer chan<- RequestNext) {
	w.enqueue(rtStart{producer: producer})
}

// Send submits one message. Valid only while a RequestNext is outstanding.
func (w *WorkPullingRouter) Send(payload []byte) { w.enqueue(rtMsg{payload: payload}) }

// SendWithConfirmation submits one message; replyTo receives the router's
// submission number once the message has been confirmed by a worker.
func (w *WorkPullingRouter) SendWithConfirmation(payload []byte, replyTo chan<- uint64) {
	w.enqueue(rtMsg{payload: payload, replyTo: replyTo})
}

// GetWorkerStats replies with the current worker count.
func (w *WorkPullingRouter) GetWorkerStats(replyTo chan<- WorkerStats) {
	w.enqueue(rtStats{replyTo: replyTo})
}

func (w *WorkPullingRouter) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

func (w *WorkPullingRouter) Done() <-chan struct{} { return w.doneCh }
func (w *WorkPullingRouter) Err() error            { return w.err }

func (w *WorkPullingRouter) enqueue(ev any) {
	select {
	case w.inbox <- ev:
	case <-w.doneCh:
	}
}

// RunBackground starts the router loop and its discovery subscription.
func (w *WorkPullingRouter) RunBackground(ctx context.Context) {
	go w.Run(ctx)
}

// Run executes the router loop until Stop, context cancellation, or a fatal
// protocol violation.
func (w *WorkPullingRouter) Run(ctx context.Context) {
	defer close(w.doneCh)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := w.registry.Subscribe(ctx, w.serviceKey)
	for {
		select {
		case <-ctx.Done():
			w.stopAllWorkers()
			return
		case <-w.stopCh:
			w.stopAllWorkers()
			return
		case ws, ok := <-updates:
			if !ok {
				w.stopAllWorkers()
				return
			}
			w.onWorkersChanged(ctx, ws)
		case ev := <-w.inbox:
			w.handle(ctx, ev)
		}
		if w.err != nil {
			w.stopAllWorkers()
			return
		}
	}
}

func (w *WorkPullingRouter) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case rtStart:
		w.producer = e.producer
		w.maybeRequestNext()
	case rtMsg:
		w.onMsg(e)
	case rtStats:
		select {
		case e.replyTo <- WorkerStats{WorkerCount: len(w.workers)}:
		default:
		}
	case rtDemand:
		w.onDemand(e)
	case rtConfirmed:
		w.onConfirmed(e)
	}
}

func (w *WorkPullingRouter) onMsg(e rtMsg) {
	if w.producer == nil || !w.requested {
		w.err = fmt.Errorf("%w: router_id=%s", ErrNoDemand, w.routerID)
		slog.Error("work pulling router failed", slog.String("router_id", w.routerID), slog.Any("error", w.err))
		Metrics.IncFailureFor(w.routerID)
		return
	}
	w.requested = false
	w.submitted++
	w.buffered = append(w.buffered, routedMsg{routerSeq: w.submitted, payload: e.payload, replyTo: e.replyTo})
	w.drainBuffered()
	w.maybeRequestNext()
	Metrics.SetBufferedFor(w.routerID, len(w.buffered))
}

// drainBuffered routes queued messages while some worker has demand.
func (w *WorkPullingRouter) drainBuffered() {
	for len(w.buffered) > 0 {
		out := w.pickWorkerWithDemand()
		if out == nil {
			return
		}
		msg := w.buffered[0]
		w.buffered = append(w.buffered[:0], w.buffered[1:]...)
		w.routeTo(out, msg)
	}
}

// pickWorkerWithDemand selects uniformly at random among workers holding a
// demand token. Random rather than round-robin: ordering across workers is
// explicitly irrelevant to applications using this router.
func (w *WorkPullingRouter) pickWorkerWithDemand() *outState {
	candidates := make([]*outState, 0, len(w.workers))
	for _, out := range w.workers {
		if out.next != nil {
			candidates = append(candidates, out)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[w.rnd.Intn(len(candidates))]
}

func (w *WorkPullingRouter) routeTo(out *outState, msg routedMsg) {
	next := out.next
	out.next = nil
	out.sentSeq++
	out.unconfirmed = append(out.unconfirmed, workerMsg{workerSeq: out.sentSeq, msg: msg})
	if routingTrace {
		slog.Info("ROUTE",
			slog.String("router_id", w.routerID),
			slog.String("worker_id", out.worker.ID),
			slog.Uint64("router_seq", msg.routerSeq),
			slog.Uint64("worker_seq", out.sentSeq))
	}
	// Always the ask variant so the router observes confirmation and can
	// rehome unconfirmed messages on worker loss.
	next.AskNextTo(msg.payload, out.askCh)
}

func (w *WorkPullingRouter) onDemand(e rtDemand) {
	out := w.workers[e.workerID]
	if out == nil {
		return
	}
	next := e.next
	out.next = &next
	w.drainBuffered()
	w.maybeRequestNext()
	Metrics.SetBufferedFor(w.routerID, len(w.buffered))
}

func (w *WorkPullingRouter) onConfirmed(e rtConfirmed) {
	out := w.workers[e.workerID]
	if out == nil {
		return
	}
	kept := out.unconfirmed[:0]
	for _, um := range out.unconfirmed {
		if um.workerSeq > e.seqNr {
			kept = append(kept, um)
			continue
		}
		if um.msg.replyTo != nil {
			select {
			case um.msg.replyTo <- um.msg.routerSeq:
			default:
			}
		}
	}
	out.unconfirmed = kept
}

// maybeRequestNext issues a RequestNext to the user producer when none is
// outstanding and the router can accept a message: either a worker has
// demand right now, or the buffer still has room.
func (w *WorkPullingRouter) maybeRequestNext() {
	if w.producer == nil || w.requested {
		return
	}
	hasDemand := false
	for _, out := range w.workers {
		if out.next != nil {
			hasDemand = true
			break
		}
	}
	if !hasDemand && len(w.buffered) >= w.opts.BufferSize {
		return
	}
	w.requested = true
	rn := RequestNext{
		ProducerID:     w.routerID,
		CurrentSeqNr:   w.submitted + 1,
		ConfirmedSeqNr: 0,
		SendNextTo:     w.Send,
		AskNextTo:      w.SendWithConfirmation,
	}
	select {
	case w.producer <- rn:
		Metrics.IncRequestNextFor(w.routerID)
	case <-w.stopCh:
	}
}

func (w *WorkPullingRouter) onWorkersChanged(ctx context.Context, ws []Worker) {
	seen := make(map[string]bool, len(ws))
	for _, worker := range ws {
		seen[worker.ID] = true
		if _, ok := w.workers[worker.ID]; !ok {
			w.addWorker(ctx, worker)
		}
	}
	for id, out := range w.workers {
		if !seen[id] {
			w.removeWorker(id, out)
		}
	}
	Metrics.SetWorkersFor(w.routerID, len(w.workers))
	w.drainBuffered()
	w.maybeRequestNext()
}

func (w *WorkPullingRouter) addWorker(ctx context.Context, worker Worker) {
	opts := w.opts.Controller
	opts.Clock = w.clk
	pc, err := NewProducerController(w.workerProducerID(worker.ID), opts)
	if err != nil {
		slog.Error("could not create worker controller",
			slog.String("router_id", w.routerID),
			slog.String("worker_id", worker.ID),
			slog.Any("error", err))
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	out := &outState{
		worker: worker,
		pc:     pc,
		cancel: cancel,
		askCh:  make(chan uint64, 64),
	}
	w.workers[worker.ID] = out

	nextCh := make(chan RequestNext, 1)
	pc.RunBackground(wctx)
	pc.Start(nextCh)
	pc.RegisterConsumer(worker.Endpoint)

	// Forward the worker controller's demand and confirmations into the
	// router loop.
	go func(id string) {
		for {
			select {
			case <-wctx.Done():
				return
			case rn, ok := <-nextCh:
				if !ok {
					return
				}
				w.enqueue(rtDemand{workerID: id, next: rn})
			case seq := <-out.askCh:
				w.enqueue(rtConfirmed{workerID: id, seqNr: seq})
			}
		}
	}(worker.ID)

	slog.Info("WORKER_UP",
		slog.String("router_id", w.routerID),
		slog.String("worker_id", worker.ID),
		slog.String("producer_id", pc.ProducerID()))
}

// removeWorker tears down a lost worker and moves its unconfirmed messages
// to the front of the buffer, preserving relative order. Rehomed messages
// may already have been processed by the dead worker; at-least-once
// duplication on worker loss is an explicit contract.
func (w *WorkPullingRouter) removeWorker(id string, out *outState) {
	out.cancel()
	out.pc.Stop()
	delete(w.workers, id)
	if n := len(out.unconfirmed); n > 0 {
		rehomed := make([]routedMsg, 0, n+len(w.buffered))
		for _, um := range out.unconfirmed {
			rehomed = append(rehomed, um.msg)
		}
		w.buffered = append(rehomed, w.buffered...)
		Metrics.IncRehomedFor(w.routerID, n)
		Metrics.SetBufferedFor(w.routerID, len(w.buffered))
		slog.Info("REHOME",
			slog.String("router_id", w.routerID),
			slog.String("worker_id", id),
			slog.Int("messages", n))
	} else {
		slog.Info("WORKER_DOWN", slog.String("router_id", w.routerID), slog.String("worker_id", id))
	}
}

func (w *WorkPullingRouter) stopAllWorkers() {
	for id, out := range w.workers {
		out.cancel()
		out.pc.Stop()
		delete(w.workers, id)
	}
}

// workerProducerID derives a stable per-worker producer id from the router
// id and the worker's discovery address.
func (w *WorkPullingRouter) workerProducerID(workerID string) string {
	fp := xxhash.Sum64String(workerID)
	return w.routerID + "-" + strconv.FormatUint(fp, 16)
}
