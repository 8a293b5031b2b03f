// Package ntpcheck verifies the host clock against NTP before trading starts.
// Signed exchange requests carry a receive window; a drifted clock gets every
// request rejected, so startup aborts when the offset is too large.
package ntpcheck

import (
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

// Checker queries one NTP server for the local clock offset.
type Checker struct {
	Server   string
	MaxDrift time.Duration
	Timeout  time.Duration

	// queryFunc allows tests to stub the network call.
	queryFunc func(server string, timeout time.Duration) (time.Duration, error)
}

// New builds a checker with the configured server and drift budget.
func New(server string, maxDrift, timeout time.Duration) *Checker {
	if server == "" {
		server = "pool.ntp.org"
	}
	if maxDrift <= 0 {
		maxDrift = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{Server: server, MaxDrift: maxDrift, Timeout: timeout, queryFunc: queryOffset}
}

func queryOffset(server string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Check returns the measured offset, or an error when the server is
// unreachable or the offset exceeds the drift budget. Any error must abort
// startup before the application trades.
func (c *Checker) Check() (time.Duration, error) {
	offset, err := c.queryFunc(c.Server, c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("ntp query %s: %w", c.Server, err)
	}
	if offset < 0 {
		if -offset > c.MaxDrift {
			return offset, fmt.Errorf("clock drift %s exceeds budget %s", offset, c.MaxDrift)
		}
		return offset, nil
	}
	if offset > c.MaxDrift {
		return offset, fmt.Errorf("clock drift %s exceeds budget %s", offset, c.MaxDrift)
	}
	return offset, nil
}
