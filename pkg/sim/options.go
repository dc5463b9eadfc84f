package sim

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/baxromumarov/walsim/pkg/types"
)

// Delay describes a uniformly sampled latency in [Min, Max] milliseconds
// and the probability that the operation fails instead.
type Delay struct {
	Min      uint64  `json:"min"`
	Max      uint64  `json:"max"`
	FailProb float64 `json:"fail_prob"`
}

// Validate checks the bounds of d.
func (d Delay) Validate(name string) error {
	if d.Min > d.Max {
		return errors.Wrapf(types.ErrConfiguration, "%s: min %d greater than max %d", name, d.Min, d.Max)
	}
	if math.IsNaN(d.FailProb) || d.FailProb < 0 || d.FailProb > 1 {
		return errors.Wrapf(types.ErrConfiguration, "%s: fail probability %v outside [0, 1]", name, d.FailProb)
	}
	return nil
}

// sample draws the delay and then the failure coin, always both.
func (d Delay) sample(rng *rand.Rand) (uint64, bool) {
	delay := d.Min
	if d.Max > d.Min {
		delay += rng.Uint64N(d.Max - d.Min + 1)
	}
	return delay, rng.Float64() < d.FailProb
}

// NetworkOptions configures the simulated network. The options are copied
// into the world when it is created and never change afterwards.
type NetworkOptions struct {
	// KeepaliveTimeout breaks a connection when nothing was delivered on
	// it for that many milliseconds.
	KeepaliveTimeout *uint64 `json:"keepalive_timeout,omitempty"`
	// Timeout, when set, tears down every connection that long after it
	// was established regardless of traffic.
	Timeout      *uint64 `json:"timeout,omitempty"`
	ConnectDelay Delay   `json:"connect_delay"`
	SendDelay    Delay   `json:"send_delay"`
	// ReturnDelay overrides SendDelay for traffic from the accepting side.
	ReturnDelay *Delay `json:"return_delay,omitempty"`
}

// DefaultNetworkOptions returns a lossy, reordering-free network with
// delays of up to 60ms.
func DefaultNetworkOptions() NetworkOptions {
	keepalive := uint64(2000)
	return NetworkOptions{
		KeepaliveTimeout: &keepalive,
		ConnectDelay:     Delay{Min: 1, Max: 60, FailProb: 0.1},
		SendDelay:        Delay{Min: 1, Max: 60, FailProb: 0.02},
	}
}

// Validate checks every delay and timeout.
func (o NetworkOptions) Validate() error {
	if err := o.ConnectDelay.Validate("connect_delay"); err != nil {
		return err
	}
	if err := o.SendDelay.Validate("send_delay"); err != nil {
		return err
	}
	if o.ReturnDelay != nil {
		if err := o.ReturnDelay.Validate("return_delay"); err != nil {
			return err
		}
	}
	if o.KeepaliveTimeout != nil && *o.KeepaliveTimeout == 0 {
		return errors.Wrap(types.ErrConfiguration, "keepalive_timeout must be positive")
	}
	if o.Timeout != nil && *o.Timeout == 0 {
		return errors.Wrap(types.ErrConfiguration, "timeout must be positive")
	}
	return nil
}

// Clone returns a deep copy.
func (o NetworkOptions) Clone() NetworkOptions {
	c := o
	if o.KeepaliveTimeout != nil {
		v := *o.KeepaliveTimeout
		c.KeepaliveTimeout = &v
	}
	if o.Timeout != nil {
		v := *o.Timeout
		c.Timeout = &v
	}
	if o.ReturnDelay != nil {
		v := *o.ReturnDelay
		c.ReturnDelay = &v
	}
	return c
}
