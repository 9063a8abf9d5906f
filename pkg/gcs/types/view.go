package types

import "fmt"

// Identifies a process group. Every channel belongs to exactly one group.
type GroupID string

// Address of a group member, unique across the whole group lifetime.
type Endpoint string

// Zero-based position of a member inside a view. Ranks are dense and
// unique per view, and renumber on every view change.
type Rank int

// Used when a member is not part of the view.
const NoRank Rank = -1

// Identifies a single view. The counter is assigned by the membership
// collaborator and the coordinator disambiguates views created
// concurrently in different partitions.
type ViewID struct {
	// Monotonic counter for the views created by the collaborator.
	Counter uint64

	// Member that coordinated the view creation.
	Coordinator Endpoint
}

func (v ViewID) String() string {
	return fmt.Sprintf("%d@%s", v.Counter, v.Coordinator)
}

// Agreed membership snapshot. Must not be changed once published.
type ViewState struct {
	// Group the view belongs to.
	Group GroupID

	// View identifier.
	ID ViewID

	// Ordered members, the index is the member rank.
	Members []Endpoint
}

// Size returns how many members the view holds.
func (v *ViewState) Size() int {
	if v == nil {
		return 0
	}
	return len(v.Members)
}

// RankOf returns the member rank, or NoRank when the member is
// not part of the view.
func (v *ViewState) RankOf(e Endpoint) Rank {
	if v == nil {
		return NoRank
	}
	for i, member := range v.Members {
		if member == e {
			return Rank(i)
		}
	}
	return NoRank
}

// Contains verifies if the endpoint is a member of the view.
func (v *ViewState) Contains(e Endpoint) bool {
	return v.RankOf(e) != NoRank
}

// Member returns the endpoint at the given rank.
func (v *ViewState) Member(r Rank) (Endpoint, bool) {
	if v == nil || r < 0 || int(r) >= len(v.Members) {
		return "", false
	}
	return v.Members[r], true
}

// Surviving returns the ranks, in this view, of the members that were
// also present on the previous view. When there is no previous view,
// every member is surviving.
func (v *ViewState) Surviving(previous *ViewState) []Rank {
	var ranks []Rank
	for i, member := range v.Members {
		if previous == nil || previous.Contains(member) {
			ranks = append(ranks, Rank(i))
		}
	}
	return ranks
}

// Joining returns the ranks, in this view, of the members absent
// from the previous view.
func (v *ViewState) Joining(previous *ViewState) []Rank {
	if previous == nil {
		return nil
	}
	var ranks []Rank
	for i, member := range v.Members {
		if !previous.Contains(member) {
			ranks = append(ranks, Rank(i))
		}
	}
	return ranks
}

// Copy creates a deep copy of the view state.
func (v *ViewState) Copy() *ViewState {
	if v == nil {
		return nil
	}
	members := make([]Endpoint, len(v.Members))
	copy(members, v.Members)
	return &ViewState{
		Group:   v.Group,
		ID:      v.ID,
		Members: members,
	}
}

func (v *ViewState) String() string {
	if v == nil {
		return "<no view>"
	}
	return fmt.Sprintf("%s%v", v.ID, v.Members)
}

// The local process information relative to a view.
type LocalState struct {
	// This process rank.
	Rank Rank

	// This process endpoint.
	Self Endpoint
}

// A view notification as delivered by the membership collaborator.
type View struct {
	State *ViewState
	Local LocalState
}
