package delivery

import (
	"context"
	"sync"
)

// MemoryEndpoint collects emitted messages for assertions in tests/harness.
type MemoryEndpoint struct {
	mu       sync.Mutex
	Messages []*SequencedMessage
}

func (m *MemoryEndpoint) Send(ctx context.Context, msg *SequencedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// store a copy to isolate from caller mutation
	cp := *msg
	m.Messages = append(m.Messages, &cp)
	return nil
}

func (m *MemoryEndpoint) Snapshot() []*SequencedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SequencedMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// SeqNrs returns the seq numbers of everything sent so far, in emit order.
func (m *MemoryEndpoint) SeqNrs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.Messages))
	for i, msg := range m.Messages {
		out[i] = msg.SeqNr
	}
	return out
}
