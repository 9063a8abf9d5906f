package gcs

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jabolina/go-gcs/pkg/gcs/definition"
	"github.com/jabolina/go-gcs/pkg/gcs/metrics"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// The version of the protocol. Every member of a group must run the
// same version.
//
// 0: Primary view with the sequencer based optimistic total order.
const LatestProtocolVersion uint = 0

// Configuration for a single channel.
type Configuration struct {
	// The channel name, used on logs, metrics and the admin surface.
	Name string

	// Group the channel joins.
	Group types.GroupID

	// Which version of the protocol will be used.
	Version uint

	// The process delivers its first view without probing. Exactly
	// one process of a new group should be the bootstrap primary.
	Primary bool

	// Smoothing factor of the optimistic delay estimation.
	Alpha float64

	// Interval between uniformity heartbeats.
	UniformPeriod time.Duration

	// Bound on the messages waiting for the total order. Sending
	// fails with types.ErrBackPressure once reached.
	MaxPending int

	// How long uniform delivered messages are remembered to
	// suppress duplicates.
	RetiredTTL time.Duration

	// Buffer size of the application deliveries.
	DeliveryBuffer int

	// How long to wait the application to consume a delivery. Zero
	// waits forever.
	DeliveryTimeout time.Duration

	// Answer a Block with a BlockOk automatically. When disabled the
	// application must call Channel.BlockOk.
	AutoBlockOk bool

	// Logger to be used by the channel.
	Logger types.Logger

	// Metrics collector, shared between channels.
	Metrics metrics.Collector
}

// DefaultConfiguration creates the configuration of a channel with
// the given name, joining the group with the same name.
func DefaultConfiguration(name string) *Configuration {
	return &Configuration{
		Name:            name,
		Group:           types.GroupID(name),
		Version:         LatestProtocolVersion,
		Alpha:           0.95,
		UniformPeriod:   10 * time.Millisecond,
		MaxPending:      4096,
		RetiredTTL:      time.Minute,
		DeliveryBuffer:  1024,
		DeliveryTimeout: 5 * time.Second,
		AutoBlockOk:     true,
		Logger:          definition.NewDefaultLogger(name),
		Metrics:         metrics.NewNoopCollector(),
	}
}

// ValidateConfiguration verifies every field, the returned error holds
// every problem found.
func ValidateConfiguration(conf *Configuration) error {
	if conf == nil {
		return &types.ConfigurationError{Err: errors.New("configuration is nil")}
	}

	var err error
	if conf.Name == "" {
		err = multierror.Append(err, errors.New("name is required"))
	}
	if conf.Group == "" {
		err = multierror.Append(err, errors.New("group is required"))
	}
	if conf.Version > LatestProtocolVersion {
		err = multierror.Append(err, fmt.Errorf("unknown protocol version %d", conf.Version))
	}
	if conf.Alpha <= 0 || conf.Alpha >= 1 {
		err = multierror.Append(err, fmt.Errorf("alpha must be between 0 and 1, found %v", conf.Alpha))
	}
	if conf.UniformPeriod <= 0 {
		err = multierror.Append(err, fmt.Errorf("uniform period must be positive, found %v", conf.UniformPeriod))
	}
	if conf.MaxPending <= 0 {
		err = multierror.Append(err, fmt.Errorf("max pending must be positive, found %d", conf.MaxPending))
	}
	if conf.RetiredTTL <= 0 {
		err = multierror.Append(err, fmt.Errorf("retired ttl must be positive, found %v", conf.RetiredTTL))
	}
	if conf.DeliveryBuffer < 0 {
		err = multierror.Append(err, fmt.Errorf("delivery buffer must not be negative, found %d", conf.DeliveryBuffer))
	}
	if conf.DeliveryTimeout < 0 {
		err = multierror.Append(err, fmt.Errorf("delivery timeout must not be negative, found %v", conf.DeliveryTimeout))
	}
	if conf.Logger == nil {
		err = multierror.Append(err, errors.New("logger is required"))
	}
	if conf.Metrics == nil {
		err = multierror.Append(err, errors.New("metrics collector is required"))
	}

	if err != nil {
		return &types.ConfigurationError{Err: err}
	}
	return nil
}
