package network

import (
	"fmt"

	"github.com/jabolina/go-gcs/pkg/gcs/core"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// StaticMembership is a fixed view known up front by every member. The
// view is never changed, so BlockOk and Leave are only logged.
type StaticMembership struct {
	log  types.Logger
	view *types.View
}

var _ core.Membership = (*StaticMembership)(nil)

// NewStaticMembership creates the membership with the view formed by
// the members in order, as seen by self.
func NewStaticMembership(group types.GroupID, self types.Endpoint, members []types.Endpoint, log types.Logger) (*StaticMembership, error) {
	state := &types.ViewState{
		Group:   group,
		Members: append([]types.Endpoint(nil), members...),
	}
	if len(members) > 0 {
		state.ID = types.ViewID{Counter: 1, Coordinator: members[0]}
	}
	rank := state.RankOf(self)
	if rank == types.NoRank {
		return nil, fmt.Errorf("%s is not a member of %v", self, members)
	}
	return &StaticMembership{
		log: log,
		view: &types.View{
			State: state,
			Local: types.LocalState{Rank: rank, Self: self},
		},
	}, nil
}

// View returns the notification to be delivered once to the channel.
func (s *StaticMembership) View() types.Event {
	return types.Event{
		Kind:   types.KindView,
		Group:  s.view.State.Group,
		ViewID: s.view.State.ID,
		View:   s.view,
	}
}

// Rank returns the local rank on the fixed view.
func (s *StaticMembership) Rank() types.Rank {
	return s.view.Local.Rank
}

// Implements the core.Membership interface.
func (s *StaticMembership) BlockOk(group types.GroupID, view types.ViewID) error {
	s.log.Infof("block ok on %s view %s, static view never changes", group, view)
	return nil
}

// Implements the core.Membership interface.
func (s *StaticMembership) Leave(group types.GroupID) error {
	s.log.Warnf("%s requested to leave %s", s.view.Local.Self, group)
	return nil
}
