package primary

import (
	"github.com/jabolina/go-gcs/pkg/gcs/helper"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// Phase of the primary view protocol.
type Phase uint8

const (
	// No view received yet.
	Initial Phase = iota

	// Holding a view, never primary.
	Blocked

	// Member of the primary partition.
	PrimaryActive

	// Holding a view and probing, never primary.
	NonPrimaryProbing

	// Was primary and lost the majority.
	LeftPrimary
)

func (p Phase) String() string {
	switch p {
	case Initial:
		return "initial"
	case Blocked:
		return "blocked"
	case PrimaryActive:
		return "primary-active"
	case NonPrimaryProbing:
		return "non-primary-probing"
	case LeftPrimary:
		return "left-primary"
	default:
		return "unknown"
	}
}

// What the session must execute after a transition.
type ActionKind uint8

const (
	// Deliver the current view to the upper layer.
	ActionDeliver ActionKind = iota

	// Broadcast a probe on the current view.
	ActionProbe

	// Unicast a kick to the target rank.
	ActionKick

	// Unicast the deliver view to the destination ranks.
	ActionDeliverView

	// Leave the group.
	ActionLeave
)

// Action produced by a state transition.
type Action struct {
	Kind ActionKind

	// Present on ActionDeliver.
	View *types.View

	// Present on ActionProbe and ActionDeliverView.
	Info types.PrimaryInfo

	// Present on ActionKick.
	Target types.Rank

	// Present on ActionDeliverView.
	Dest []types.Rank
}

// State is the primary view protocol as a pure state machine. It does
// not touch timers, transports or other layers: every transition
// returns the actions to execute.
type State struct {
	// Deliver the first view immediately.
	Bootstrap bool

	// Current phase.
	Phase Phase

	// Between a BlockOk, or a held view, and the next delivered view.
	Blocked bool

	// Number of primary views delivered.
	Counter uint64

	// Latest received view, held or delivered.
	Current *types.View

	// View received before the current one.
	Previous *types.ViewState

	// Last delivered primary view.
	LastPrimary *types.ViewState

	// Joining ranks a held primary view waits for.
	joining map[types.Rank]bool

	// Joining ranks that already acknowledged.
	acked map[types.Rank]bool

	// Acknowledgments collected by a formerly primary process.
	ackCount int
}

// NewState creates the state machine before any view arrived.
func NewState(bootstrap bool) *State {
	return &State{
		Bootstrap: bootstrap,
		Phase:     Initial,
	}
}

// IsPrimary verifies if the process is part of the primary partition.
func (s *State) IsPrimary() bool {
	return s.Phase == PrimaryActive
}

// WasPrimary verifies if the process left the primary partition.
func (s *State) WasPrimary() bool {
	return s.Phase == LeftPrimary
}

// Pending returns how many joining members did not acknowledge yet.
func (s *State) Pending() int {
	return len(s.joining) - len(s.acked)
}

// OnView handles a new view from the membership collaborator.
func (s *State) OnView(view *types.View) []Action {
	if s.Current == nil {
		s.Current = view
		if s.Bootstrap {
			return s.deliver()
		}
		s.Phase = Blocked
		s.Blocked = true
		return []Action{s.probe(false)}
	}

	s.ackCount = 0
	s.joining = nil
	s.acked = nil
	s.Previous = s.Current.State
	s.Current = view

	if s.IsPrimary() {
		surviving := view.State.Surviving(s.Previous)
		if len(surviving) < helper.Majority(s.Previous.Size()) {
			s.Phase = LeftPrimary
			s.Blocked = true
			return nil
		}

		joining := view.State.Joining(s.Previous)
		if len(joining) == 0 {
			return s.deliver()
		}

		s.Blocked = true
		s.joining = make(map[types.Rank]bool, len(joining))
		s.acked = make(map[types.Rank]bool, len(joining))
		for _, r := range joining {
			s.joining[r] = true
		}
		return []Action{s.probe(true)}
	}

	if s.Phase != LeftPrimary {
		s.Phase = NonPrimaryProbing
	}
	s.Blocked = true
	return []Action{s.probe(false)}
}

// OnProbe handles a probe sent by the given rank on the view.
func (s *State) OnProbe(from types.Rank, view types.ViewID, info types.PrimaryInfo) []Action {
	if !s.isCurrent(view) {
		return nil
	}

	switch s.Phase {
	case PrimaryActive:
		return s.primaryProbe(from, info)
	case LeftPrimary:
		return s.leftProbe(from, info)
	default:
		return nil
	}
}

func (s *State) primaryProbe(from types.Rank, info types.PrimaryInfo) []Action {
	if info.FromPrimary {
		return nil
	}

	if info.WasPrimary {
		if s.isLowestSurviving() {
			return []Action{{Kind: ActionKick, Target: from}}
		}
		return nil
	}

	if !s.joining[from] || s.acked[from] {
		return nil
	}
	s.acked[from] = true
	if len(s.acked) < len(s.joining) {
		return nil
	}

	var actions []Action
	if s.isLowestSurviving() {
		actions = append(actions, Action{
			Kind: ActionDeliverView,
			Info: types.PrimaryInfo{Counter: s.Counter},
			Dest: s.joiningRanks(),
		})
	}
	return append(actions, s.deliver()...)
}

func (s *State) leftProbe(from types.Rank, info types.PrimaryInfo) []Action {
	if info.FromPrimary {
		return nil
	}

	var actions []Action
	if info.WasPrimary {
		if info.Counter > s.Counter {
			actions = append(actions, Action{Kind: ActionLeave})
		} else if info.Counter < s.Counter {
			s.ackCount--
		}
	} else {
		actions = append(actions, Action{Kind: ActionKick, Target: from})
	}

	s.ackCount++
	if s.ackCount == s.Current.State.Size() && s.hasMajority(s.Current.State, s.LastPrimary) {
		actions = append(actions, s.deliver()...)
	}
	return actions
}

// OnDeliverView handles the release of a held view by the primary partition.
func (s *State) OnDeliverView(view types.ViewID, info types.PrimaryInfo) []Action {
	if !s.isCurrent(view) {
		return nil
	}
	s.Counter = info.Counter
	return s.deliver()
}

// OnKick handles a kick targeting this process.
func (s *State) OnKick(view types.ViewID) []Action {
	if !s.isCurrent(view) {
		return nil
	}
	return []Action{{Kind: ActionLeave}}
}

// OnBlockOk marks the process as blocked.
func (s *State) OnBlockOk() {
	s.Blocked = true
}

// ForcePrimary is the administrative override. Before any view it marks
// the process as bootstrap primary; with a held view it delivers it.
// Returns false when the request is ignored.
func (s *State) ForcePrimary() ([]Action, bool) {
	if s.Current == nil {
		s.Bootstrap = true
		return nil, true
	}
	if s.Blocked && s.Held() {
		return s.deliver(), true
	}
	return nil, false
}

// Held verifies if the current view was not delivered yet.
func (s *State) Held() bool {
	if s.Current == nil {
		return false
	}
	return s.LastPrimary == nil || s.LastPrimary.ID != s.Current.State.ID
}

func (s *State) deliver() []Action {
	s.LastPrimary = s.Current.State
	s.Phase = PrimaryActive
	s.Blocked = false
	s.joining = nil
	s.acked = nil
	s.ackCount = 0
	view := s.Current
	s.Counter++
	return []Action{{Kind: ActionDeliver, View: view}}
}

func (s *State) probe(fromPrimary bool) Action {
	return Action{
		Kind: ActionProbe,
		Info: types.PrimaryInfo{
			Counter:     s.Counter,
			WasPrimary:  s.WasPrimary(),
			FromPrimary: fromPrimary,
		},
	}
}

func (s *State) isCurrent(view types.ViewID) bool {
	return s.Current != nil && s.Current.State.ID == view
}

// The lowest ranked member of the current view also present on the
// previous one resolves every conflict.
func (s *State) isLowestSurviving() bool {
	surviving := s.Current.State.Surviving(s.Previous)
	return len(surviving) > 0 && surviving[0] == s.Current.Local.Rank
}

func (s *State) hasMajority(view, reference *types.ViewState) bool {
	if reference == nil {
		return false
	}
	return len(view.Surviving(reference)) >= helper.Majority(reference.Size())
}

func (s *State) joiningRanks() []types.Rank {
	ranks := make([]types.Rank, 0, len(s.joining))
	for _, r := range s.Current.State.Joining(s.Previous) {
		if s.joining[r] {
			ranks = append(ranks, r)
		}
	}
	return ranks
}
