package core

import (
	"io"

	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// The transport collaborator providing the reliable FIFO
// per-sender multicast primitives to a channel.
type Transport interface {
	io.Closer

	// Deliver the event to every member of the event view,
	// including the sender.
	Broadcast(event types.Event) error

	// Deliver the event only to the given ranks of the event view.
	Unicast(event types.Event, dest []types.Rank) error

	// Listen for events that arrive on the transport. Membership
	// events (View, Block, Echo) are merged on the same stream, on
	// the order the collaborator guarantees view synchrony.
	Listen() <-chan types.Event
}

// The membership collaborator receiving the control requests
// produced by the channel.
type Membership interface {
	// The process will not send any more messages on the view.
	BlockOk(group types.GroupID, view types.ViewID) error

	// Remove this process from the group.
	Leave(group types.GroupID) error
}
