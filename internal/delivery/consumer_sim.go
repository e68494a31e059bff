package delivery

import (
	"context"
	"sync"
)

// ConsumerSim is a minimal consumer-side endpoint for tests and the loopback
// soak runner. It reassembles messages by seq_nr, grants demand through a
// sliding window, answers ack-flagged messages, and asks for retransmission
// on gaps. It is not the full consumer controller, just enough of its
// observable protocol to exercise a producer end to end.
type ConsumerSim struct {
	window        uint64
	supportResend bool

	mu            sync.Mutex
	started       bool
	expectedSeqNr uint64
	confirmed     uint64
	requestedUpTo uint64
	delivered     [][]byte
}

func NewConsumerSim(window uint64, supportResend bool) *ConsumerSim {
	if window == 0 {
		window = 20
	}
	return &ConsumerSim{window: window, supportResend: supportResend}
}

// Send implements ConsumerEndpoint.
func (c *ConsumerSim) Send(ctx context.Context, msg *SequencedMessage) error {
	c.mu.Lock()
	ref := msg.ReplyTo
	var request *Request
	var ack *Ack
	var resend *Resend

	switch {
	case !c.started && !msg.First:
		// Not yet bootstrapped and this is not a stream head; the producer's
		// first-message timer will re-deliver the head shortly.
		c.mu.Unlock()
		return nil
	case (!c.started && msg.First) || (msg.First && msg.SeqNr > c.expectedSeqNr):
		// Stream start, or the stream jumped ahead of us (producer restart
		// from durable state): adopt the head.
		c.started = true
		c.expectedSeqNr = msg.SeqNr + 1
		c.confirmed = msg.SeqNr
		c.delivered = append(c.delivered, msg.Payload)
		c.requestedUpTo = c.confirmed + c.window
		request = &Request{ConfirmedSeqNr: c.confirmed, UpToSeqNr: c.requestedUpTo, SupportResend: c.supportResend}
	case msg.SeqNr == c.expectedSeqNr:
		c.expectedSeqNr++
		c.confirmed = msg.SeqNr
		c.delivered = append(c.delivered, msg.Payload)
		// Re-request at half-window to keep demand ahead of the producer.
		if c.confirmed+c.window/2 >= c.requestedUpTo {
			c.requestedUpTo = c.confirmed + c.window
			request = &Request{ConfirmedSeqNr: c.confirmed, UpToSeqNr: c.requestedUpTo, SupportResend: c.supportResend}
		}
	case msg.SeqNr > c.expectedSeqNr:
		if c.supportResend {
			resend = &Resend{FromSeqNr: c.expectedSeqNr}
		}
	default:
		// Duplicate of something already delivered; re-confirm so a lost
		// ack does not wedge the producer.
		ack = &Ack{ConfirmedSeqNr: c.confirmed}
	}
	if msg.Ack && request == nil && msg.SeqNr <= c.confirmed {
		ack = &Ack{ConfirmedSeqNr: c.confirmed}
	}
	c.mu.Unlock()

	if ref != nil {
		if request != nil {
			ref.Request(*request)
		}
		if ack != nil {
			ref.Ack(*ack)
		}
		if resend != nil {
			ref.Resend(*resend)
		}
	}
	return nil
}

// Delivered returns payloads delivered in order so far.
func (c *ConsumerSim) Delivered() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.delivered))
	copy(out, c.delivered)
	return out
}

// Confirmed returns the highest contiguous seq_nr delivered.
func (c *ConsumerSim) Confirmed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}
