package seto

import (
	"testing"
	"time"

	"github.com/jabolina/go-gcs/pkg/gcs/core/coretest"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
	"github.com/stretchr/testify/require"
)

var members = []types.Endpoint{"A", "B", "C"}

func testConfig() Config {
	return Config{
		Alpha:         0.95,
		UniformPeriod: 10 * time.Millisecond,
		MaxPending:    64,
		RetiredTTL:    time.Minute,
	}
}

func newTestSession(t *testing.T, config Config) *Session {
	s := NewSession(config)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func viewOf(counter uint64, rank types.Rank) types.Event {
	state := &types.ViewState{
		Group:   "group",
		ID:      types.ViewID{Counter: counter, Coordinator: members[0]},
		Members: members,
	}
	return types.Event{
		Kind:      types.KindView,
		Direction: types.Up,
		Group:     state.Group,
		ViewID:    state.ID,
		View: &types.View{
			State: state,
			Local: types.LocalState{Rank: rank, Self: members[rank]},
		},
	}
}

func idOf(counter uint64) types.ViewID {
	return types.ViewID{Counter: counter, Coordinator: members[0]}
}

func data(counter uint64, sender types.Rank, sn uint64) types.Event {
	return types.Event{
		Kind:      types.KindData,
		Direction: types.Up,
		ViewID:    idOf(counter),
		Origin:    sender,
		Payload:   []byte{byte(sender), byte(sn)},
		Data:      &types.DataHeader{Sender: sender, SN: sn},
	}
}

func order(counter uint64, sender types.Rank, sn, global uint64) types.Event {
	return types.Event{
		Kind:      types.KindSeqOrder,
		Direction: types.Up,
		ViewID:    idOf(counter),
		Origin:    0,
		Seq:       &types.SeqHeader{Sender: sender, SN: sn, Order: global},
	}
}

func uniformInfo(counter uint64, from types.Rank, vector ...uint64) types.Event {
	return types.Event{
		Kind:       types.KindUniformInfo,
		Direction:  types.Up,
		ViewID:     idOf(counter),
		Origin:     from,
		Uniformity: vector,
	}
}

func keysOf(events []types.Event) []types.MessageKey {
	var keys []types.MessageKey
	for _, e := range events {
		keys = append(keys, e.Data.Key())
	}
	return keys
}

func ordersOf(events []types.Event) []uint64 {
	var orders []uint64
	for _, e := range events {
		orders = append(orders, e.Seq.Order)
	}
	return orders
}

func handle(t *testing.T, s *Session, ctx *coretest.Context, events ...types.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, s.Handle(ctx, e))
	}
}

func TestSession_SendRequiresView(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())

	err := s.Handle(ctx, types.Event{Kind: types.KindData, Direction: types.Down, Payload: []byte("hello")})
	require.ErrorIs(t, err, types.ErrNoView)
	require.Empty(t, ctx.Downs)
}

func TestSession_SendStampsHeader(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 1))
	ctx.Reset()

	send := types.Event{Kind: types.KindData, Direction: types.Down, Payload: []byte("hello")}
	handle(t, s, ctx, send, send)

	sent := ctx.DownKinds(types.KindData)
	require.Len(t, sent, 2)
	for i, e := range sent {
		require.Equal(t, types.Rank(1), e.Origin)
		require.Equal(t, idOf(1), e.ViewID)
		require.Equal(t, types.Rank(1), e.Data.Sender)
		require.Equal(t, uint64(i), e.Data.SN)
		require.Len(t, e.Uniformity, len(members))
	}
}

func TestSession_BlockedRejectsSend(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 1))
	ctx.Reset()

	handle(t, s, ctx, types.Event{Kind: types.KindBlockOk, Direction: types.Down})
	require.Len(t, ctx.DownKinds(types.KindUniformInfo), 1)
	oks := ctx.DownKinds(types.KindBlockOk)
	require.Len(t, oks, 1)
	require.Equal(t, idOf(1), oks[0].ViewID)

	err := s.Handle(ctx, types.Event{Kind: types.KindData, Direction: types.Down})
	require.ErrorIs(t, err, types.ErrBlocked)
	require.True(t, s.Status().Blocked)

	// A new view unblocks.
	handle(t, s, ctx, viewOf(2, 1))
	require.NoError(t, s.Handle(ctx, types.Event{Kind: types.KindData, Direction: types.Down}))
}

func TestSession_BackPressure(t *testing.T) {
	ctx := coretest.NewContext()
	config := testConfig()
	config.MaxPending = 2
	s := newTestSession(t, config)
	handle(t, s, ctx, viewOf(1, 1), data(1, 2, 0), data(1, 2, 1))

	err := s.Handle(ctx, types.Event{Kind: types.KindData, Direction: types.Down})
	require.ErrorIs(t, err, types.ErrBackPressure)
	require.Equal(t, 2, s.Status().Pending)
}

func TestSession_RegularWaitsForPreviousOrder(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 1))
	for sn := uint64(0); sn < 5; sn++ {
		handle(t, s, ctx, data(1, 0, sn), order(1, 0, sn, sn+1))
	}
	require.Equal(t, uint64(5), s.Status().LocalSN)
	ctx.Reset()

	// Order 7 arrives with its message before order 6.
	handle(t, s, ctx, data(1, 1, 0), order(1, 1, 0, 7))
	require.Len(t, ctx.UpKinds(types.KindOptimistic), 1)
	require.Empty(t, ctx.UpKinds(types.KindRegular))

	// The order for the missing message is not enough.
	handle(t, s, ctx, order(1, 2, 0, 6))
	require.Empty(t, ctx.UpKinds(types.KindRegular))

	handle(t, s, ctx, data(1, 2, 0))
	regular := ctx.UpKinds(types.KindRegular)
	require.Equal(t, []uint64{6, 7}, ordersOf(regular))
	require.Equal(t, []types.MessageKey{{Sender: 2, SN: 0}, {Sender: 1, SN: 0}}, keysOf(regular))
	require.Equal(t, uint64(7), s.Status().LocalSN)

	// Each message is optimistic delivered before the regular delivery.
	kinds := make([]types.Kind, 0)
	for _, e := range ctx.Ups {
		if e.Data.Key() == (types.MessageKey{Sender: 2, SN: 0}) {
			kinds = append(kinds, e.Kind)
		}
	}
	require.Equal(t, []types.Kind{types.KindOptimistic, types.KindRegular}, kinds)
}

func TestSession_SequencerAssignsOrder(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 0))
	ctx.Reset()

	handle(t, s, ctx, data(1, 1, 0), data(1, 2, 0))
	require.Equal(t, []types.MessageKey{{Sender: 1, SN: 0}, {Sender: 2, SN: 0}}, keysOf(ctx.UpKinds(types.KindOptimistic)))

	orders := ctx.DownKinds(types.KindSeqOrder)
	require.Len(t, orders, 2)
	require.Equal(t, uint64(1), orders[0].Seq.Order)
	require.Equal(t, uint64(2), orders[1].Seq.Order)
	require.Equal(t, types.Rank(0), orders[0].Origin)
	require.True(t, s.Status().Sequencer)

	// The orders come back through the transport.
	for _, o := range orders {
		o.Direction = types.Up
		handle(t, s, ctx, o)
	}
	require.Equal(t, []uint64{1, 2}, ordersOf(ctx.UpKinds(types.KindRegular)))
	require.Empty(t, ctx.UpKinds(types.KindUniform))

	handle(t, s, ctx, uniformInfo(1, 2, 0, 0, 2))
	require.Equal(t, []uint64{1, 2}, ordersOf(ctx.UpKinds(types.KindUniform)))
	require.Equal(t, 0, s.Status().Pending)
}

func TestSession_UniformNeedsMajority(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 1))
	for sn := uint64(0); sn < 5; sn++ {
		handle(t, s, ctx, data(1, 0, sn), order(1, 0, sn, sn+1))
	}
	require.Empty(t, ctx.UpKinds(types.KindUniform))

	handle(t, s, ctx, uniformInfo(1, 0, 4, 0, 0))
	require.Equal(t, []uint64{1, 2, 3, 4}, ordersOf(ctx.UpKinds(types.KindUniform)))

	handle(t, s, ctx, uniformInfo(1, 2, 0, 0, 5))
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, ordersOf(ctx.UpKinds(types.KindUniform)))
}

func TestSession_IgnoresDuplicates(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 1))

	handle(t, s, ctx, data(1, 0, 0), data(1, 0, 0), order(1, 0, 0, 1), order(1, 0, 0, 1))
	require.Len(t, ctx.UpKinds(types.KindOptimistic), 1)
	require.Len(t, ctx.UpKinds(types.KindRegular), 1)

	handle(t, s, ctx, uniformInfo(1, 0, 1, 0, 0))
	require.Len(t, ctx.UpKinds(types.KindUniform), 1)

	// Retired after the uniform delivery.
	handle(t, s, ctx, data(1, 0, 0), order(1, 0, 0, 1), uniformInfo(1, 2, 1, 1, 1))
	require.Len(t, ctx.UpKinds(types.KindOptimistic), 1)
	require.Len(t, ctx.UpKinds(types.KindRegular), 1)
	require.Len(t, ctx.UpKinds(types.KindUniform), 1)
}

func TestSession_SequencerKeepsSenderOrder(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 0))
	ctx.Reset()

	s.delays.delay[1] = 20 * time.Millisecond
	handle(t, s, ctx, data(1, 1, 0))
	require.Len(t, ctx.Timers, 1)
	timer := ctx.Timers[0].Event

	// The estimate shrinks, the next message is released right away
	// and takes the earlier one with it.
	s.delays.delay[1] = 0
	handle(t, s, ctx, data(1, 1, 1))
	handle(t, s, ctx, timer)

	require.Equal(t, []types.MessageKey{{Sender: 1, SN: 0}, {Sender: 1, SN: 1}}, keysOf(ctx.UpKinds(types.KindOptimistic)))
	var sequenced []types.SeqHeader
	for _, e := range ctx.DownKinds(types.KindSeqOrder) {
		sequenced = append(sequenced, *e.Seq)
	}
	require.Equal(t, []types.SeqHeader{
		{Sender: 1, SN: 0, Order: 1},
		{Sender: 1, SN: 1, Order: 2},
	}, sequenced)
}

func TestSession_ReleaseTimer(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 1))
	ctx.Reset()
	s.delays.delay[2] = 20 * time.Millisecond

	handle(t, s, ctx, data(1, 2, 0))
	require.Empty(t, ctx.UpKinds(types.KindOptimistic))
	require.Len(t, ctx.Timers, 1)
	timer := ctx.Timers[0]
	require.Equal(t, 20*time.Millisecond, timer.After)
	require.False(t, timer.Periodic)
	require.Equal(t, types.KindReleaseTimer, timer.Event.Kind)

	ctx.Advance(timer.After)
	handle(t, s, ctx, timer.Event, timer.Event)
	require.Len(t, ctx.UpKinds(types.KindOptimistic), 1)

	// A timer of an older view is ignored.
	handle(t, s, ctx, data(1, 2, 1))
	stale := ctx.Timers[len(ctx.Timers)-1].Event
	handle(t, s, ctx, viewOf(2, 1))
	ctx.Reset()
	handle(t, s, ctx, stale)
	require.Empty(t, ctx.Ups)
}

func TestSession_UniformHeartbeat(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 1))

	require.Len(t, ctx.Timers, 1)
	heartbeat := ctx.Timers[0]
	require.True(t, heartbeat.Periodic)
	require.Equal(t, 10*time.Millisecond, heartbeat.After)

	// Nothing changed, nothing to send.
	ctx.Reset()
	handle(t, s, ctx, heartbeat.Event)
	require.Empty(t, ctx.Downs)

	handle(t, s, ctx, data(1, 0, 0), order(1, 0, 0, 1))
	ctx.Advance(heartbeat.After)
	handle(t, s, ctx, heartbeat.Event, heartbeat.Event)
	infos := ctx.DownKinds(types.KindUniformInfo)
	require.Len(t, infos, 1)
	require.Equal(t, []uint64{0, 1, 0}, infos[0].Uniformity)

	// The periodic timer is armed only once.
	ctx.Reset()
	handle(t, s, ctx, viewOf(2, 1))
	require.Empty(t, ctx.Timers)
}

func TestSession_FlushOnViewChange(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 1))
	handle(t, s, ctx, data(1, 0, 0), order(1, 0, 0, 1))
	handle(t, s, ctx, data(1, 0, 1), data(1, 2, 0))
	ctx.Reset()

	handle(t, s, ctx, viewOf(2, 1))
	expected := []types.MessageKey{{Sender: 0, SN: 0}, {Sender: 2, SN: 0}, {Sender: 0, SN: 1}}
	require.Equal(t, expected, keysOf(ctx.UpKinds(types.KindUniform)))
	require.Equal(t, []uint64{2, 3}, ordersOf(ctx.UpKinds(types.KindRegular)))

	// The view is the last notification.
	last := ctx.Ups[len(ctx.Ups)-1]
	require.Equal(t, types.KindView, last.Kind)
	require.Equal(t, idOf(2), last.ViewID)

	status := s.Status()
	require.Zero(t, status.LocalSN)
	require.Zero(t, status.Pending)
	require.False(t, status.Blocked)
}

func TestSession_EarlyEvents(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())
	handle(t, s, ctx, viewOf(1, 1))
	ctx.Reset()

	handle(t, s, ctx, data(2, 0, 0), order(2, 0, 0, 1))
	require.Empty(t, ctx.Ups)

	handle(t, s, ctx, viewOf(2, 1))
	require.Equal(t, types.KindView, ctx.Ups[0].Kind)
	require.Len(t, ctx.UpKinds(types.KindOptimistic), 1)
	require.Equal(t, []uint64{1}, ordersOf(ctx.UpKinds(types.KindRegular)))

	// Stale events are dropped.
	ctx.Reset()
	handle(t, s, ctx, data(1, 0, 5), order(1, 0, 5, 2))
	require.Empty(t, ctx.Ups)
	require.Empty(t, s.early)
}

func TestSession_ForwardsUnknownEvents(t *testing.T) {
	ctx := coretest.NewContext()
	s := newTestSession(t, testConfig())

	handle(t, s, ctx,
		types.Event{Kind: types.KindProbe, Direction: types.Up},
		types.Event{Kind: types.KindBlock, Direction: types.Up},
		types.Event{Kind: types.KindLeave, Direction: types.Down})
	require.Len(t, ctx.UpKinds(types.KindProbe), 1)
	require.Len(t, ctx.UpKinds(types.KindBlock), 1)
	require.Len(t, ctx.DownKinds(types.KindLeave), 1)
}
