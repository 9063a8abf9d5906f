package types

import (
	"fmt"
	"time"
)

// Uniquely identifies an application message inside a view.
type MessageKey struct {
	// Rank of the sender.
	Sender Rank

	// Sender local sequence number.
	SN uint64
}

func (k MessageKey) String() string {
	return fmt.Sprintf("%d:%d", k.Sender, k.SN)
}

// Attached to every application message crossing the ordering boundary.
type DataHeader struct {
	// Rank of the sender.
	Sender Rank

	// Sender local sequence number, starts at zero on every view.
	SN uint64

	// Delay the sender estimated for the message to reach the sequencer.
	Delay time.Duration
}

// Key returns the message identifier.
func (h DataHeader) Key() MessageKey {
	return MessageKey{Sender: h.Sender, SN: h.SN}
}

// The order assigned by the sequencer for one DataHeader.
type SeqHeader struct {
	// Rank of the message sender.
	Sender Rank

	// Sender local sequence number.
	SN uint64

	// Global order, starts at one on every view.
	Order uint64
}

// Key returns the identifier of the ordered message.
func (h SeqHeader) Key() MessageKey {
	return MessageKey{Sender: h.Sender, SN: h.SN}
}
