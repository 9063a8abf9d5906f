// Package simulation drives a group of channels on an in-memory hub.
package simulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jabolina/go-gcs/pkg/gcs"
	"github.com/jabolina/go-gcs/pkg/gcs/definition"
	"github.com/jabolina/go-gcs/pkg/gcs/metrics"
	"github.com/jabolina/go-gcs/pkg/gcs/network"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// Options of a simulation run.
type Options struct {
	// Group size.
	Members int

	// Messages sent by every member.
	Messages int

	// Members split away and merged back after the messages.
	Split int

	// Uniformity heartbeat of every channel.
	UniformPeriod time.Duration

	// How long to wait each step to settle.
	Timeout time.Duration

	Logger  types.Logger
	Metrics metrics.Collector
}

// Report of a member after the run.
type Report struct {
	Name    types.Endpoint `json:"name"`
	Left    bool           `json:"left"`
	Primary bool           `json:"primary"`
	Counter uint64         `json:"counter"`
	Regular []string       `json:"regular"`
	Uniform int            `json:"uniform"`
}

type member struct {
	name    types.Endpoint
	channel *gcs.Channel

	mutex   *sync.Mutex
	regular []string
	uniform int
	done    chan struct{}
}

func (m *member) consume() {
	defer close(m.done)
	for e := range m.channel.Deliveries() {
		m.mutex.Lock()
		switch e.Kind {
		case types.KindRegular:
			m.regular = append(m.regular, string(e.Payload))
		case types.KindUniform:
			m.uniform++
		}
		m.mutex.Unlock()
	}
}

func (m *member) counts() (int, int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.regular), m.uniform
}

// Simulation is a group of channels on the same hub.
type Simulation struct {
	options Options
	hub     *network.Hub
	members []*member
}

// New validates the options and creates the group, no channel is
// started until Run.
func New(options Options) (*Simulation, error) {
	var err error
	if options.Members <= 0 {
		err = multierror.Append(err, fmt.Errorf("members must be positive, found %d", options.Members))
	}
	if options.Messages < 0 {
		err = multierror.Append(err, fmt.Errorf("messages must not be negative, found %d", options.Messages))
	}
	if options.Split < 0 || options.Split*2 >= options.Members && options.Split > 0 {
		err = multierror.Append(err, fmt.Errorf("split of %d would not leave a majority of %d", options.Split, options.Members))
	}
	if options.Timeout <= 0 {
		err = multierror.Append(err, fmt.Errorf("timeout must be positive, found %v", options.Timeout))
	}
	if err != nil {
		return nil, &types.ConfigurationError{Err: err}
	}

	if options.Logger == nil {
		options.Logger = definition.NewDefaultLogger("simulation")
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewNoopCollector()
	}
	return &Simulation{
		options: options,
		hub:     network.NewHub("simulation", options.Logger),
	}, nil
}

// Channels returns every channel started.
func (s *Simulation) Channels() []*gcs.Channel {
	var channels []*gcs.Channel
	for _, m := range s.members {
		channels = append(channels, m.channel)
	}
	return channels
}

// Run grows the group from a singleton, multicasts from every member
// and then splits and merges the group when requested.
func (s *Simulation) Run(ctx context.Context) ([]Report, error) {
	for i := 0; i < s.options.Members; i++ {
		if err := s.spawn(i); err != nil {
			return nil, err
		}
		if err := s.install(ctx, s.members...); err != nil {
			return nil, err
		}
		if err := s.waitPrimary(ctx, s.members...); err != nil {
			return nil, err
		}
	}

	if err := s.multicast(ctx); err != nil {
		return nil, err
	}

	if s.options.Split > 0 {
		if err := s.partition(ctx); err != nil {
			return nil, err
		}
	}
	return s.report(), nil
}

func (s *Simulation) spawn(i int) error {
	name := types.Endpoint(fmt.Sprintf("member-%d", i))
	endpoint, err := s.hub.Join(name)
	if err != nil {
		return err
	}

	conf := gcs.DefaultConfiguration(string(name))
	conf.Group = "simulation"
	conf.Primary = i == 0
	conf.Logger = s.options.Logger
	conf.Metrics = s.options.Metrics
	if s.options.UniformPeriod > 0 {
		conf.UniformPeriod = s.options.UniformPeriod
	}
	channel, err := gcs.NewChannel(conf, endpoint, endpoint)
	if err != nil {
		_ = endpoint.Close()
		return err
	}

	m := &member{
		name:    name,
		channel: channel,
		mutex:   &sync.Mutex{},
		done:    make(chan struct{}),
	}
	s.members = append(s.members, m)
	go m.consume()
	return nil
}

func (s *Simulation) install(ctx context.Context, members ...*member) error {
	var names []types.Endpoint
	for _, m := range members {
		names = append(names, m.name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.options.Timeout)
	defer cancel()
	_, err := s.hub.Install(ctx, names...)
	return err
}

func (s *Simulation) waitPrimary(ctx context.Context, members ...*member) error {
	return s.wait(ctx, "primary view", func() bool {
		for _, m := range members {
			snapshot := m.channel.Snapshot()
			if !snapshot.Primary || snapshot.Blocked {
				return false
			}
		}
		return true
	})
}

func (s *Simulation) multicast(ctx context.Context) error {
	for i := 0; i < s.options.Messages; i++ {
		for _, m := range s.members {
			payload := fmt.Sprintf("%s/%d", m.name, i)
			if err := m.channel.Send(ctx, []byte(payload)); err != nil {
				return fmt.Errorf("failed sending %s. %v", payload, err)
			}
		}
	}

	total := s.options.Messages * len(s.members)
	return s.wait(ctx, "uniform delivery", func() bool {
		for _, m := range s.members {
			if regular, uniform := m.counts(); regular < total || uniform < total {
				return false
			}
		}
		return true
	})
}

// Splits the last members away, merges them back and lets the majority
// kick them.
func (s *Simulation) partition(ctx context.Context) error {
	cut := len(s.members) - s.options.Split
	majority, minority := s.members[:cut], s.members[cut:]
	if err := s.install(ctx, majority...); err != nil {
		return err
	}
	if err := s.install(ctx, minority...); err != nil {
		return err
	}
	if err := s.waitPrimary(ctx, majority...); err != nil {
		return err
	}

	if err := s.install(ctx, s.members...); err != nil {
		return err
	}
	err := s.wait(ctx, "minority to leave", func() bool {
		for _, m := range minority {
			if !s.hub.Left(m.name) {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	if err := s.install(ctx, majority...); err != nil {
		return err
	}
	return s.waitPrimary(ctx, majority...)
}

func (s *Simulation) wait(ctx context.Context, what string, condition func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.Timeout)
	defer cancel()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s. %v", what, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Simulation) report() []Report {
	var reports []Report
	for _, m := range s.members {
		snapshot := m.channel.Snapshot()
		m.mutex.Lock()
		reports = append(reports, Report{
			Name:    m.name,
			Left:    s.hub.Left(m.name),
			Primary: snapshot.Primary,
			Counter: snapshot.Counter,
			Regular: append([]string(nil), m.regular...),
			Uniform: m.uniform,
		})
		m.mutex.Unlock()
	}
	return reports
}

// Close every channel.
func (s *Simulation) Close() error {
	var err error
	for _, m := range s.members {
		if e := m.channel.Close(); e != nil {
			err = multierror.Append(err, e)
		}
		<-m.done
	}
	return err
}
