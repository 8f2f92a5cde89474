// Package heartbeat drives per-connection latency probes.
//
// A probe carries its send time as a decimal unix-milli payload. Peers echo
// the payload back (WebSocket pong frames do this automatically), which lets
// the round trip be computed without keeping per-probe state.
package heartbeat

import (
	"context"
	"errors"
	"strconv"
	"time"
)

const (
	DefaultInterval = 5 * time.Second
)

var (
	ErrBadPayload = errors.New("bad probe payload")
)

type Heartbeat struct {
	interval time.Duration
	now      func() time.Time
}

type Config struct {
	Interval time.Duration

	// Now overrides the clock, used in tests.
	Now func() time.Time
}

func New(cfg Config) *Heartbeat {
	hb := &Heartbeat{
		interval: cfg.Interval,
		now:      cfg.Now,
	}
	if hb.interval <= 0 {
		hb.interval = DefaultInterval
	}
	if hb.now == nil {
		hb.now = time.Now
	}
	return hb
}

// Run calls probe with an encoded timestamp every interval until ctx is
// done or probe fails. The ticker never outlives Run.
func (hb *Heartbeat) Run(ctx context.Context, probe func(payload []byte) error) error {
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := probe(EncodeProbe(hb.now())); err != nil {
				return err
			}
		}
	}
}

// RoundTrip decodes an echoed probe and returns the elapsed time since it was sent.
func (hb *Heartbeat) RoundTrip(payload []byte) (time.Duration, error) {
	return RoundTrip(payload, hb.now())
}

func EncodeProbe(t time.Time) []byte {
	return strconv.AppendInt(nil, t.UnixMilli(), 10)
}

// RoundTrip returns now minus the probe send time, never negative.
func RoundTrip(payload []byte, now time.Time) (time.Duration, error) {
	ms, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return 0, errors.Join(ErrBadPayload, err)
	}
	rtt := now.Sub(time.UnixMilli(ms))
	if rtt < 0 {
		rtt = 0
	}
	return rtt, nil
}

// Since converts a peer-supplied unix-milli timestamp into elapsed
// milliseconds, clamped at zero to absorb clock skew.
func (hb *Heartbeat) Since(ms int64) int64 {
	d := hb.now().Sub(time.UnixMilli(ms)).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}
