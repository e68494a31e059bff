package delivery

import (
	"context"
	"fmt"
)

// SequencedMessage is the wire record carrying one application message from a
// producer controller to its consumer endpoint. Payloads are opaque bytes;
// serialization of the application message is the caller's concern.
type SequencedMessage struct {
	ProducerID string `json:"producer_id"`
	SeqNr      uint64 `json:"seq_nr"`
	Payload    []byte `json:"payload"`
	// First marks the current earliest unconfirmed message. It prompts the
	// consumer controller to issue its initial Request.
	First bool `json:"first"`
	// Ack requests an explicit per-message Ack reply.
	Ack bool `json:"ack"`
	// ReplyTo is the controller the consumer side sends Request/Ack/Resend to.
	// Not serialized; transports carry their own return addressing.
	ReplyTo ControllerRef `json:"-"`
}

func (m *SequencedMessage) String() string {
	return fmt.Sprintf("(%s,%d,first=%t,ack=%t)", m.ProducerID, m.SeqNr, m.First, m.Ack)
}

// Request grants demand up to UpToSeqNr (inclusive) and cumulatively
// acknowledges everything up to and including ConfirmedSeqNr.
// Invariant: ConfirmedSeqNr < UpToSeqNr.
type Request struct {
	ConfirmedSeqNr uint64 `json:"confirmed_seq_nr"`
	UpToSeqNr      uint64 `json:"up_to_seq_nr"`
	// SupportResend false declares the consumer will never ask for
	// retransmission, permitting the controller to drop its resend buffer.
	SupportResend bool `json:"support_resend"`
	// ViaTimeout marks a Request resent by the consumer without new messages
	// arriving; it doubles as a liveness probe that triggers retransmission.
	ViaTimeout bool `json:"via_timeout"`
}

// Ack is a cumulative acknowledgement carrying no new demand.
type Ack struct {
	ConfirmedSeqNr uint64 `json:"confirmed_seq_nr"`
}

// Resend asks for retransmission of every buffered message with
// seq_nr >= FromSeqNr.
type Resend struct {
	FromSeqNr uint64 `json:"from_seq_nr"`
}

// RequestNext tells the user producer it may submit exactly one message.
// At most one notification is outstanding per producer at any time; the next
// one arrives only after the previous has been consumed by a submission.
type RequestNext struct {
	ProducerID     string
	CurrentSeqNr   uint64
	ConfirmedSeqNr uint64
	// SendNextTo submits one message without confirmation.
	SendNextTo func(payload []byte)
	// AskNextTo submits one message whose assigned seq_nr is delivered on
	// replyTo once the message is confirmed (or, in durable mode, persisted).
	AskNextTo func(payload []byte, replyTo chan<- uint64)
}

// ConsumerEndpoint is the outbound half of the transport: the controller
// emits SequencedMessages through it. Implementations may lose, duplicate,
// or reorder; delivery is best-effort and errors are treated as losses.
type ConsumerEndpoint interface {
	Send(ctx context.Context, msg *SequencedMessage) error
}

// ControllerRef is the inbound half: consumer controllers push flow-control
// messages here. ProducerController implements it.
type ControllerRef interface {
	Request(r Request)
	Ack(a Ack)
	Resend(r Resend)
}

// Worker is one consumer endpoint as supplied by service discovery.
type Worker struct {
	// ID is the discovery-provided opaque address, stable per endpoint.
	ID       string
	Endpoint ConsumerEndpoint
}

// WorkerStats is the reply to WorkPullingRouter.GetWorkerStats.
type WorkerStats struct {
	WorkerCount int
}
