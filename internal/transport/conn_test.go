package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sevenDatabase/SevenFlow/internal/delivery"
)

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

// remoteConsumer is the consumer half of a link: it reassembles by seq_nr
// and answers with Requests over the wire.
type remoteConsumer struct {
	link *Link

	mu        sync.Mutex
	started   bool
	expected  uint64
	confirmed uint64
	delivered [][]byte
}

func (c *remoteConsumer) onMessage(msg *delivery.SequencedMessage) {
	c.mu.Lock()
	deliver := false
	switch {
	case !c.started && msg.First:
		c.started = true
		c.expected = msg.SeqNr + 1
		c.confirmed = msg.SeqNr
		deliver = true
	case c.started && msg.SeqNr == c.expected:
		c.expected++
		c.confirmed = msg.SeqNr
		deliver = true
	}
	if deliver {
		c.delivered = append(c.delivered, msg.Payload)
	}
	confirmed := c.confirmed
	c.mu.Unlock()
	if deliver {
		c.link.SendRequest(delivery.Request{
			ConfirmedSeqNr: confirmed,
			UpToSeqNr:      confirmed + 10,
			SupportResend:  true,
		})
	}
}

func (c *remoteConsumer) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.delivered))
	copy(out, c.delivered)
	return out
}

// A producer controller on one end of a net.Pipe, a consumer on the other:
// messages flow out as frames, flow control flows back.
func TestLinkCarriesProtocolEndToEnd(t *testing.T) {
	producerConn, consumerConn := net.Pipe()
	producerLink := NewLink(producerConn)
	consumerLink := NewLink(consumerConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pc, err := delivery.NewProducerController("p-link", delivery.DefaultOptions())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	pc.RunBackground(ctx)
	producerLink.BindController(pc)
	go producerLink.Run(ctx)

	consumer := &remoteConsumer{link: consumerLink}
	consumerLink.OnMessage(consumer.onMessage)
	go consumerLink.Run(ctx)

	nextCh := make(chan delivery.RequestNext, 1)
	pc.Start(nextCh)
	pc.RegisterConsumer(producerLink)

	payloads := []string{"msg-1", "msg-2", "msg-3"}
	for _, p := range payloads {
		select {
		case rn := <-nextCh:
			rn.SendNextTo([]byte(p))
		case <-time.After(2 * time.Second):
			t.Fatalf("no demand for %q", p)
		}
	}

	waitUntil(t, 2*time.Second, func() bool { return len(consumer.snapshot()) == len(payloads) })
	for i, p := range consumer.snapshot() {
		if string(p) != payloads[i] {
			t.Fatalf("payload %d mangled: %q", i, p)
		}
	}
}
