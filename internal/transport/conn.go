package transport

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/sevenDatabase/SevenFlow/internal/delivery"
)

// Link carries delivery protocol frames over one net.Conn. On the producer
// side it is the ConsumerEndpoint the controller emits through, and inbound
// Request/Ack/Resend frames are dispatched to the bound controller. The
// consumer side uses the symmetric half: SendRequest/SendAck/SendResend out,
// SequencedMessages in via the handler.
type Link struct {
	conn net.Conn

	wmu sync.Mutex
	w   *bufio.Writer
	r   *bufio.Reader

	mu         sync.RWMutex
	controller delivery.ControllerRef
	onMessage  func(*delivery.SequencedMessage)
}

func NewLink(conn net.Conn) *Link {
	return &Link{
		conn: conn,
		w:    bufio.NewWriter(conn),
		r:    bufio.NewReader(conn),
	}
}

// BindController routes inbound flow-control frames to ref.
func (l *Link) BindController(ref delivery.ControllerRef) {
	l.mu.Lock()
	l.controller = ref
	l.mu.Unlock()
}

// OnMessage routes inbound SequencedMessage frames to fn (consumer side).
func (l *Link) OnMessage(fn func(*delivery.SequencedMessage)) {
	l.mu.Lock()
	l.onMessage = fn
	l.mu.Unlock()
}

// Send implements delivery.ConsumerEndpoint.
func (l *Link) Send(ctx context.Context, msg *delivery.SequencedMessage) error {
	return l.write(Frame{Kind: FrameSequencedMessage, Message: msg})
}

func (l *Link) SendRequest(r delivery.Request) error {
	return l.write(Frame{Kind: FrameRequest, Request: &r})
}

func (l *Link) SendAck(a delivery.Ack) error {
	return l.write(Frame{Kind: FrameAck, Ack: &a})
}

func (l *Link) SendResend(r delivery.Resend) error {
	return l.write(Frame{Kind: FrameResend, Resend: &r})
}

func (l *Link) write(f Frame) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return WriteFrame(l.w, f)
}

// Run reads inbound frames until the connection closes or ctx is done.
// Decode failures close the link; the protocol's resend machinery recovers
// anything lost with it.
func (l *Link) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()
	for {
		f, err := ReadFrame(l.r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.conn.Close()
			return err
		}
		l.dispatch(f)
	}
}

func (l *Link) dispatch(f Frame) {
	l.mu.RLock()
	controller := l.controller
	onMessage := l.onMessage
	l.mu.RUnlock()
	switch f.Kind {
	case FrameSequencedMessage:
		if onMessage != nil {
			onMessage(f.Message)
		}
	case FrameRequest:
		if controller != nil {
			controller.Request(*f.Request)
		}
	case FrameAck:
		if controller != nil {
			controller.Ack(*f.Ack)
		}
	case FrameResend:
		if controller != nil {
			controller.Resend(*f.Resend)
		}
	default:
		slog.Warn("dropping frame of unknown kind", slog.Int("kind", int(f.Kind)))
	}
}

func (l *Link) Close() error { return l.conn.Close() }
