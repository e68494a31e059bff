// Package network provides deterministic lossy-transport simulation for
// delivery tests: endpoints that drop or duplicate messages under test
// control, standing in for the unreliable substrate the protocol is
// specified against.
package network

import (
	"context"
	"sync"

	"github.com/sevenDatabase/SevenFlow/internal/delivery"
)

// Verdict tells the flaky endpoint what to do with one message.
type Verdict int

const (
	Deliver Verdict = iota
	Drop
	Duplicate
)

// Judge decides the fate of the i-th transmission (0-based).
type Judge func(i int, msg *delivery.SequencedMessage) Verdict

// DropNth drops exactly the transmissions whose 0-based index appears in
// idxs.
func DropNth(idxs ...int) Judge {
	set := make(map[int]bool, len(idxs))
	for _, i := range idxs {
		set[i] = true
	}
	return func(i int, _ *delivery.SequencedMessage) Verdict {
		if set[i] {
			return Drop
		}
		return Deliver
	}
}

// DropSeqOnce drops the first transmission of each listed seq_nr; resends
// get through.
func DropSeqOnce(seqs ...uint64) Judge {
	var mu sync.Mutex
	pending := make(map[uint64]bool, len(seqs))
	for _, s := range seqs {
		pending[s] = true
	}
	return func(_ int, msg *delivery.SequencedMessage) Verdict {
		mu.Lock()
		defer mu.Unlock()
		if pending[msg.SeqNr] {
			delete(pending, msg.SeqNr)
			return Drop
		}
		return Deliver
	}
}

// FlakyEndpoint wraps a delivery.ConsumerEndpoint and applies a loss policy
// decided per transmission by its Judge. Surviving messages stay FIFO.
type FlakyEndpoint struct {
	inner delivery.ConsumerEndpoint
	judge Judge

	mu         sync.Mutex
	n          int
	dropped    int
	duplicated int
}

func NewFlakyEndpoint(inner delivery.ConsumerEndpoint, judge Judge) *FlakyEndpoint {
	return &FlakyEndpoint{inner: inner, judge: judge}
}

// Send implements delivery.ConsumerEndpoint. Dropped messages report
// success: a lossy transport does not tell the sender.
func (f *FlakyEndpoint) Send(ctx context.Context, msg *delivery.SequencedMessage) error {
	f.mu.Lock()
	i := f.n
	f.n++
	v := Deliver
	if f.judge != nil {
		v = f.judge(i, msg)
	}
	switch v {
	case Drop:
		f.dropped++
	case Duplicate:
		f.duplicated++
	}
	f.mu.Unlock()

	switch v {
	case Drop:
		return nil
	case Duplicate:
		if err := f.inner.Send(ctx, msg); err != nil {
			return err
		}
		return f.inner.Send(ctx, msg)
	default:
		return f.inner.Send(ctx, msg)
	}
}

// Dropped returns how many transmissions the endpoint swallowed.
func (f *FlakyEndpoint) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
