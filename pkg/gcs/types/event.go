package types

import (
	"fmt"
	"time"
)

// The direction an event travels through the pipeline.
type Direction uint8

const (
	// Towards the application.
	Up Direction = iota

	// Towards the transport and membership collaborators.
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// Invert returns the opposite direction.
func (d Direction) Invert() Direction {
	if d == Up {
		return Down
	}
	return Up
}

// Closed enumeration of the event kinds the pipeline handles.
type Kind uint8

const (
	// View notification from the membership collaborator.
	KindView Kind = iota

	// The membership collaborator is about to change the view.
	KindBlock

	// Acknowledges a Block, no more messages will be sent on the view.
	KindBlockOk

	// Carries a nested event to be reflected by the end of the stack.
	KindEcho

	// Asks the membership collaborator to remove this process.
	KindLeave

	// Primary view probe exchanged while a view is held.
	KindProbe

	// Forces the target rank out of the group.
	KindKick

	// Releases a held view on the new members.
	KindDeliverView

	// Application payload tagged with a DataHeader.
	KindData

	// Global order assigned by the sequencer.
	KindSeqOrder

	// Periodic uniformity vector exchange.
	KindUniformInfo

	// Speculative delivery notification.
	KindOptimistic

	// Total order delivery notification.
	KindRegular

	// Majority durable delivery notification.
	KindUniform

	// Fires the optimistic delivery of a single message.
	KindReleaseTimer

	// Fires the uniformity heartbeat.
	KindUniformTimer
)

var kindNames = map[Kind]string{
	KindView:         "view",
	KindBlock:        "block",
	KindBlockOk:      "block-ok",
	KindEcho:         "echo",
	KindLeave:        "leave",
	KindProbe:        "probe",
	KindKick:         "kick",
	KindDeliverView:  "deliver-view",
	KindData:         "data",
	KindSeqOrder:     "seq-order",
	KindUniformInfo:  "uniform-info",
	KindOptimistic:   "optimistic",
	KindRegular:      "regular",
	KindUniform:      "uniform",
	KindReleaseTimer: "release-timer",
	KindUniformTimer: "uniform-timer",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsGroupSendable verifies if the transport must carry the event
// to other group members.
func (k Kind) IsGroupSendable() bool {
	switch k {
	case KindProbe, KindKick, KindDeliverView, KindData, KindSeqOrder, KindUniformInfo:
		return true
	default:
		return false
	}
}

// IsTimer verifies if the event is generated by the timer facility.
func (k Kind) IsTimer() bool {
	return k == KindReleaseTimer || k == KindUniformTimer
}

// IsDelivery verifies if the event is an application delivery
// notification.
func (k Kind) IsDelivery() bool {
	return k == KindOptimistic || k == KindRegular || k == KindUniform
}

// Information exchanged by the primary view protocol.
type PrimaryInfo struct {
	// Sender primary counter.
	Counter uint64

	// If the sender was primary before losing the majority.
	WasPrimary bool

	// If the probe is sent by a member of the primary partition
	// while holding a view for new members.
	FromPrimary bool
}

// The flat event envelope traveling through the pipeline. Which
// optional fields are present depends on the kind.
type Event struct {
	// Event kind.
	Kind Kind

	// Current travel direction.
	Direction Direction

	// Group the event belongs to.
	Group GroupID

	// View at which the event was created.
	ViewID ViewID

	// Rank that created the event.
	Origin Rank

	// Destination ranks. Empty means every view member.
	Dest []Rank

	// Present on KindView.
	View *View

	// Present on KindEcho.
	Nested *Event

	// Application payload.
	Payload []byte

	// Present on KindProbe and KindDeliverView.
	Primary *PrimaryInfo

	// Present on KindData, delivery notifications and release timers.
	Data *DataHeader

	// Present on KindSeqOrder.
	Seq *SeqHeader

	// Piggybacked uniformity vector.
	Uniformity []uint64

	// Time the event was emitted by the session that created it.
	Timestamp time.Time
}

// Invert returns a copy of the event traveling in the opposite direction.
func (e Event) Invert() Event {
	e.Direction = e.Direction.Invert()
	return e
}

// IsUnicast verifies if the event targets specific ranks.
func (e Event) IsUnicast() bool {
	return len(e.Dest) > 0
}

func (e Event) String() string {
	return fmt.Sprintf("%s/%s from %d at %s", e.Kind, e.Direction, e.Origin, e.ViewID)
}
