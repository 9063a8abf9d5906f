package gcs

import (
	"context"

	"github.com/jabolina/go-gcs/pkg/gcs/core"
	"github.com/jabolina/go-gcs/pkg/gcs/primary"
	"github.com/jabolina/go-gcs/pkg/gcs/seto"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// Status of a channel, as exposed to management tools.
type Status struct {
	Name     string         `json:"name"`
	Group    types.GroupID  `json:"group"`
	Primary  primary.Status `json:"primary"`
	Ordering seto.Status    `json:"ordering"`
}

// Channel is a process membership on a group, delivering the views of
// the primary partition and the messages in total order.
type Channel struct {
	conf    *Configuration
	channel *core.Channel
	primary *primary.Session
	order   *seto.Session
}

// NewChannel validates the configuration and starts the channel on top
// of the collaborators. Nothing is delivered until the membership
// collaborator delivers the first view.
func NewChannel(conf *Configuration, transport core.Transport, membership core.Membership) (*Channel, error) {
	if err := ValidateConfiguration(conf); err != nil {
		if conf != nil && conf.Logger != nil {
			conf.Logger.Errorf("failed creating channel. %v", err)
		}
		return nil, err
	}

	p := primary.NewSession(conf.Primary)
	o := seto.NewSession(seto.Config{
		Alpha:         conf.Alpha,
		UniformPeriod: conf.UniformPeriod,
		MaxPending:    conf.MaxPending,
		RetiredTTL:    conf.RetiredTTL,
	})
	c, err := core.NewChannel(core.Config{
		Name:            conf.Name,
		Group:           conf.Group,
		DeliveryBuffer:  conf.DeliveryBuffer,
		DeliveryTimeout: conf.DeliveryTimeout,
		AutoBlockOk:     conf.AutoBlockOk,
		Logger:          conf.Logger,
		Metrics:         conf.Metrics.Scope(conf.Name),
	}, transport, membership, p, o)
	if err != nil {
		_ = o.Close()
		return nil, err
	}

	conf.Logger.Infof("channel %s joining %s, protocol version %d", conf.Name, conf.Group, conf.Version)
	return &Channel{
		conf:    conf,
		channel: c,
		primary: p,
		order:   o,
	}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.conf.Name
}

// Send multicasts the payload to the current view. Fails with
// types.ErrBlocked during a view change, with types.ErrNoView before
// the first view and with types.ErrBackPressure when too many messages
// are waiting for the total order.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	return c.channel.Send(ctx, types.Event{
		Kind:    types.KindData,
		Payload: payload,
	})
}

// Deliveries returns the notifications for the application: Block,
// View, and the Optimistic, Regular and Uniform deliveries of every
// message. Closed once the channel is closed.
func (c *Channel) Deliveries() <-chan types.Event {
	return c.channel.Deliveries()
}

// BlockOk acknowledges a Block, when not answered automatically. The
// application must not send until the next view.
func (c *Channel) BlockOk(ctx context.Context) error {
	return c.channel.Send(ctx, types.Event{Kind: types.KindBlockOk})
}

// Status returns the current channel status.
func (c *Channel) Status(ctx context.Context) (Status, error) {
	status := Status{Name: c.conf.Name, Group: c.conf.Group}
	err := c.channel.Invoke(ctx, primary.Name, func(core.Context) error {
		status.Primary = c.primary.Status()
		status.Ordering = c.order.Status()
		return nil
	})
	return status, err
}

// SetPrimary forces the process to act as primary: before any view it
// becomes the bootstrap primary, and a held view is delivered. Returns
// false when the request was ignored.
func (c *Channel) SetPrimary(ctx context.Context) (bool, error) {
	applied := false
	err := c.channel.Invoke(ctx, primary.Name, func(lc core.Context) error {
		applied = c.primary.SetPrimary(lc)
		return nil
	})
	return applied, err
}

// Snapshot returns the last published primary status without going
// through the channel context.
func (c *Channel) Snapshot() primary.Snapshot {
	return c.primary.Snapshot()
}

// Close the channel and the transport.
func (c *Channel) Close() error {
	return c.channel.Close()
}
