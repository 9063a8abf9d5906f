package primary

import (
	"github.com/jabolina/go-gcs/pkg/gcs/core"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
	"go.uber.org/atomic"
)

// Name of the primary view layer.
const Name = "primary"

// Status of the primary view protocol, as exposed to management tools.
type Status struct {
	Phase      string           `json:"phase"`
	Blocked    bool             `json:"blocked"`
	Primary    bool             `json:"primary"`
	WasPrimary bool             `json:"was_primary"`
	Counter    uint64           `json:"counter"`
	Pending    int              `json:"pending"`
	View       *types.ViewState `json:"view,omitempty"`
	Rank       types.Rank       `json:"rank"`
}

// Snapshot of the protocol status readable from any goroutine.
type Snapshot struct {
	Blocked bool
	Primary bool
	Counter uint64
}

// Session gates the views going up so that only views of the primary
// partition reach the upper layers.
type Session struct {
	state *State

	blocked *atomic.Bool
	primary *atomic.Bool
	counter *atomic.Uint64
}

var _ core.Session = (*Session)(nil)

// NewSession creates the layer, bootstrap makes the process deliver
// its first view immediately.
func NewSession(bootstrap bool) *Session {
	return &Session{
		state:   NewState(bootstrap),
		blocked: atomic.NewBool(false),
		primary: atomic.NewBool(false),
		counter: atomic.NewUint64(0),
	}
}

// Implements the core.Session interface.
func (s *Session) Name() string {
	return Name
}

// Implements the core.Session interface.
func (s *Session) Handle(ctx core.Context, event types.Event) error {
	defer s.publish()

	switch event.Kind {
	case types.KindView:
		if event.Direction != types.Up || event.View == nil {
			ctx.Forward(event)
			return nil
		}
		ctx.Logger().Debugf("received view %s", event.View.State)
		s.execute(ctx, s.state.OnView(event.View))
	case types.KindBlockOk:
		s.state.OnBlockOk()
		if s.state.Current != nil {
			event.ViewID = s.state.Current.State.ID
		}
		ctx.Forward(event)
	case types.KindEcho:
		s.handleEcho(ctx, event)
	case types.KindProbe:
		if event.Direction != types.Up || event.Primary == nil {
			ctx.Forward(event)
			return nil
		}
		s.execute(ctx, s.state.OnProbe(event.Origin, event.ViewID, *event.Primary))
	case types.KindDeliverView:
		if event.Direction != types.Up || event.Primary == nil {
			ctx.Forward(event)
			return nil
		}
		s.execute(ctx, s.state.OnDeliverView(event.ViewID, *event.Primary))
	case types.KindKick:
		if event.Direction != types.Up {
			ctx.Forward(event)
			return nil
		}
		ctx.Logger().Warnf("kicked by %d on view %s", event.Origin, event.ViewID)
		s.execute(ctx, s.state.OnKick(event.ViewID))
	default:
		ctx.Forward(event)
	}
	return nil
}

// While blocked, a nested BlockOk is released on the opposite direction
// of the echo, everything else passes through.
func (s *Session) handleEcho(ctx core.Context, event types.Event) {
	if s.state.Blocked && event.Nested != nil && event.Nested.Kind == types.KindBlockOk {
		nested := *event.Nested
		nested.Group = event.Group
		if s.state.Current != nil {
			nested.ViewID = s.state.Current.State.ID
		}
		if event.Direction == types.Up {
			ctx.Down(nested)
		} else {
			ctx.Up(nested)
		}
		return
	}
	ctx.Forward(event)
}

// Status returns the protocol status, must run on the channel context.
func (s *Session) Status() Status {
	status := Status{
		Phase:      s.state.Phase.String(),
		Blocked:    s.state.Blocked,
		Primary:    s.state.IsPrimary(),
		WasPrimary: s.state.WasPrimary(),
		Counter:    s.state.Counter,
		Pending:    s.state.Pending(),
		Rank:       types.NoRank,
	}
	if s.state.Current != nil {
		status.View = s.state.Current.State.Copy()
		status.Rank = s.state.Current.Local.Rank
	}
	return status
}

// Snapshot returns the status published after the last handled event.
// Safe to call from any goroutine.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Blocked: s.blocked.Load(),
		Primary: s.primary.Load(),
		Counter: s.counter.Load(),
	}
}

// SetPrimary forces the process to act as primary, must run on the
// channel context. Returns false if the request was ignored.
func (s *Session) SetPrimary(ctx core.Context) bool {
	defer s.publish()

	actions, applied := s.state.ForcePrimary()
	if !applied {
		ctx.Logger().Warnf("set primary ignored, not blocked")
		return false
	}

	if len(actions) == 0 {
		ctx.Logger().Warnf("process set to primary by management")
	} else {
		ctx.Logger().Warnf("view unblocked by management, process set to primary")
	}
	s.execute(ctx, actions)
	return true
}

func (s *Session) execute(ctx core.Context, actions []Action) {
	current := s.state.Current
	for _, action := range actions {
		switch action.Kind {
		case ActionDeliver:
			ctx.Logger().Infof("delivering primary view %s, counter %d", action.View.State, s.state.Counter)
			ctx.Metrics().ViewDelivered(true)
			ctx.Metrics().PrimaryCounter(s.state.Counter)
			ctx.Up(types.Event{
				Kind:   types.KindView,
				Group:  action.View.State.Group,
				ViewID: action.View.State.ID,
				Origin: action.View.Local.Rank,
				View:   action.View,
			})
		case ActionProbe:
			info := action.Info
			ctx.Down(s.control(current, types.KindProbe, &info, nil))
		case ActionKick:
			ctx.Logger().Warnf("kicking %d from view %s", action.Target, current.State)
			ctx.Down(s.control(current, types.KindKick, nil, []types.Rank{action.Target}))
		case ActionDeliverView:
			info := action.Info
			ctx.Down(s.control(current, types.KindDeliverView, &info, action.Dest))
		case ActionLeave:
			ctx.Logger().Warnf("leaving group %s", current.State.Group)
			ctx.Down(s.control(current, types.KindLeave, nil, nil))
		}
	}
}

func (s *Session) control(view *types.View, kind types.Kind, info *types.PrimaryInfo, dest []types.Rank) types.Event {
	return types.Event{
		Kind:    kind,
		Group:   view.State.Group,
		ViewID:  view.State.ID,
		Origin:  view.Local.Rank,
		Dest:    dest,
		Primary: info,
	}
}

func (s *Session) publish() {
	s.blocked.Store(s.state.Blocked)
	s.primary.Store(s.state.IsPrimary())
	s.counter.Store(s.state.Counter)
}
