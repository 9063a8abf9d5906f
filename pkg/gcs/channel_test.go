package gcs

import (
	"context"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jabolina/go-gcs/pkg/gcs/definition"
	"github.com/jabolina/go-gcs/pkg/gcs/network"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitFor = 5 * time.Second

// The expiration goroutine of the duplicate suppression cache.
var ignoreCache = goleak.IgnoreTopFunction("github.com/ReneKroon/ttlcache.(*Cache).startExpirationProcessing")

// A channel on the hub with everything it delivered.
type member struct {
	name     types.Endpoint
	channel  *Channel
	endpoint *network.MemoryEndpoint

	mutex  *sync.Mutex
	events []types.Event
	done   chan struct{}
}

func (m *member) consume() {
	defer close(m.done)
	for e := range m.channel.Deliveries() {
		m.mutex.Lock()
		m.events = append(m.events, e)
		m.mutex.Unlock()
	}
}

func (m *member) delivered(kind types.Kind) []types.Event {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var found []types.Event
	for _, e := range m.events {
		if e.Kind == kind {
			found = append(found, e)
		}
	}
	return found
}

func (m *member) keys(kind types.Kind) []types.MessageKey {
	var keys []types.MessageKey
	for _, e := range m.delivered(kind) {
		keys = append(keys, e.Data.Key())
	}
	return keys
}

func (m *member) payloads(kind types.Kind) []string {
	var payloads []string
	for _, e := range m.delivered(kind) {
		payloads = append(payloads, string(e.Payload))
	}
	return payloads
}

type group struct {
	t       *testing.T
	hub     *network.Hub
	members []*member
}

func newGroup(t *testing.T) *group {
	return &group{
		t:   t,
		hub: network.NewHub("group", definition.NewDefaultLoggerTo(ioutil.Discard, "hub")),
	}
}

func (g *group) spawn(name types.Endpoint, bootstrap bool) *member {
	endpoint, err := g.hub.Join(name)
	require.NoError(g.t, err)

	conf := DefaultConfiguration(string(name))
	conf.Group = "group"
	conf.Primary = bootstrap
	conf.Logger = definition.NewDefaultLoggerTo(ioutil.Discard, string(name))
	channel, err := NewChannel(conf, endpoint, endpoint)
	require.NoError(g.t, err)

	m := &member{
		name:     name,
		channel:  channel,
		endpoint: endpoint,
		mutex:    &sync.Mutex{},
		done:     make(chan struct{}),
	}
	go m.consume()
	g.members = append(g.members, m)
	return m
}

func (g *group) install(members ...*member) {
	var names []types.Endpoint
	for _, m := range members {
		names = append(names, m.name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := g.hub.Install(ctx, names...)
	require.NoError(g.t, err)
}

func (g *group) waitPrimary(members ...*member) {
	require.Eventually(g.t, func() bool {
		for _, m := range members {
			snapshot := m.channel.Snapshot()
			if !snapshot.Primary || snapshot.Blocked {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

func (g *group) close() {
	for _, m := range g.members {
		require.NoError(g.t, m.channel.Close())
		<-m.done
	}
}

func (g *group) grow(n int) []*member {
	first := g.spawn("p0", true)
	g.install(first)
	g.waitPrimary(first)

	current := []*member{first}
	for i := 1; i < n; i++ {
		current = append(current, g.spawn(types.Endpoint(fmt.Sprintf("p%d", i)), false))
		g.install(current...)
		g.waitPrimary(current...)
	}
	return current
}

func TestChannel_GrowFromSingleton(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreCache)
	g := newGroup(t)
	defer g.close()

	members := g.grow(3)
	for _, m := range members {
		views := m.delivered(types.KindView)
		require.NotEmpty(t, views)
		last := views[len(views)-1]
		require.Len(t, last.View.State.Members, 3)

		status, err := m.channel.Status(context.Background())
		require.NoError(t, err)
		require.True(t, status.Primary.Primary)
		require.Equal(t, m.name, status.Primary.View.Members[status.Primary.Rank])
		require.Equal(t, status.Primary.Rank == 0, status.Ordering.Sequencer)
	}

	// Every member of the same view carries the same counter.
	require.Equal(t, uint64(3), members[0].channel.Snapshot().Counter)
	for _, m := range members {
		require.Equal(t, members[0].channel.Snapshot().Counter, m.channel.Snapshot().Counter)
	}
}

func TestChannel_TotalOrderAgreement(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreCache)
	g := newGroup(t)
	defer g.close()

	members := g.grow(3)
	const messages = 20
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			for i := 0; i < messages; i++ {
				payload := []byte(fmt.Sprintf("%s-%d", m.name, i))
				if err := m.channel.Send(context.Background(), payload); err != nil {
					t.Errorf("failed sending %s. %v", payload, err)
				}
			}
		}(m)
	}
	wg.Wait()

	total := messages * len(members)
	require.Eventually(t, func() bool {
		for _, m := range members {
			if len(m.delivered(types.KindUniform)) != total {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)

	expected := members[0].keys(types.KindRegular)
	require.Len(t, expected, total)
	for _, m := range members {
		require.Equal(t, expected, m.keys(types.KindRegular))
		require.Equal(t, expected, m.keys(types.KindUniform))
		require.Len(t, m.delivered(types.KindOptimistic), total)
	}

	// Messages of each sender keep the sending order.
	for _, sender := range members {
		var own []string
		for _, p := range members[1].payloads(types.KindRegular) {
			if strings.HasPrefix(p, string(sender.name)+"-") {
				own = append(own, p)
			}
		}
		require.Len(t, own, messages)
		for i, p := range own {
			require.Equal(t, fmt.Sprintf("%s-%d", sender.name, i), p)
		}
	}
}

func TestChannel_MinoritySplitAndKick(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreCache)
	g := newGroup(t)
	defer g.close()

	members := g.grow(3)
	a, b, c := members[0], members[1], members[2]
	counter := a.channel.Snapshot().Counter

	g.install(a, b)
	g.install(c)
	g.waitPrimary(a, b)
	require.Eventually(t, func() bool {
		status, err := c.channel.Status(context.Background())
		return err == nil && status.Primary.WasPrimary && !status.Primary.Primary
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, counter+1, a.channel.Snapshot().Counter)

	// The minority is blocked.
	require.ErrorIs(t, c.channel.Send(context.Background(), []byte("lost")), types.ErrBlocked)
	require.NoError(t, a.channel.Send(context.Background(), []byte("kept")))
	require.Eventually(t, func() bool {
		return len(b.delivered(types.KindRegular)) == 1
	}, waitFor, 5*time.Millisecond)

	// Merging back kicks the former primary.
	g.install(a, b, c)
	require.Eventually(t, func() bool {
		return g.hub.Left(c.name)
	}, waitFor, 5*time.Millisecond)

	g.install(a, b)
	g.waitPrimary(a, b)
	require.Equal(t, counter+2, a.channel.Snapshot().Counter)
	require.Equal(t, counter+2, b.channel.Snapshot().Counter)
}

func TestChannel_SetPrimaryReleasesHeldView(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreCache)
	g := newGroup(t)
	defer g.close()

	a := g.spawn("A", false)
	g.install(a)
	require.Never(t, func() bool {
		return len(a.delivered(types.KindView)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	require.ErrorIs(t, a.channel.Send(context.Background(), []byte("early")), types.ErrNoView)

	applied, err := a.channel.SetPrimary(context.Background())
	require.NoError(t, err)
	require.True(t, applied)
	g.waitPrimary(a)

	applied, err = a.channel.SetPrimary(context.Background())
	require.NoError(t, err)
	require.False(t, applied)

	require.NoError(t, a.channel.Send(context.Background(), []byte("hello")))
	require.Eventually(t, func() bool {
		return len(a.delivered(types.KindUniform)) == 1
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, []string{"hello"}, a.payloads(types.KindUniform))
}

func TestChannel_ManualBlockOk(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreCache)
	hub := network.NewHub("group", definition.NewDefaultLoggerTo(ioutil.Discard, "hub"))
	endpoint, err := hub.Join("A")
	require.NoError(t, err)

	conf := DefaultConfiguration("A")
	conf.Group = "group"
	conf.Primary = true
	conf.AutoBlockOk = false
	conf.Logger = definition.NewDefaultLoggerTo(ioutil.Discard, "A")
	channel, err := NewChannel(conf, endpoint, endpoint)
	require.NoError(t, err)
	defer channel.Close()

	_, err = hub.Install(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, types.KindView, (<-channel.Deliveries()).Kind)

	installed := make(chan error, 1)
	go func() {
		_, err := hub.Install(context.Background(), "A")
		installed <- err
	}()
	require.Equal(t, types.KindBlock, (<-channel.Deliveries()).Kind)
	select {
	case <-installed:
		t.Fatalf("installed without the BlockOk")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, channel.BlockOk(context.Background()))
	require.ErrorIs(t, channel.Send(context.Background(), []byte("blocked")), types.ErrBlocked)
	require.NoError(t, <-installed)
	require.Equal(t, types.KindView, (<-channel.Deliveries()).Kind)
}

func TestChannel_InvalidConfiguration(t *testing.T) {
	hub := network.NewHub("group", definition.NewDefaultLoggerTo(ioutil.Discard, "hub"))
	endpoint, err := hub.Join("A")
	require.NoError(t, err)
	defer endpoint.Close()

	conf := DefaultConfiguration("")
	conf.Logger = definition.NewDefaultLoggerTo(ioutil.Discard, "invalid")
	conf.Alpha = 1.5
	conf.MaxPending = 0
	_, err = NewChannel(conf, endpoint, endpoint)
	require.Error(t, err)
	require.True(t, types.IsConfigurationError(err))
	require.Contains(t, err.Error(), "alpha")
	require.Contains(t, err.Error(), "max pending")
	require.Contains(t, err.Error(), "name is required")
}
