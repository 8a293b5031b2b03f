package ntpcheck

import (
	"errors"
	"testing"
	"time"
)

func stubbed(offset time.Duration, err error) *Checker {
	c := New("pool.ntp.org", 2*time.Second, time.Second)
	c.queryFunc = func(string, time.Duration) (time.Duration, error) { return offset, err }
	return c
}

func TestCheckPassesWithinBudget(t *testing.T) {
	c := stubbed(150*time.Millisecond, nil)
	offset, err := c.Check()
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if offset != 150*time.Millisecond {
		t.Fatalf("unexpected offset: %s", offset)
	}
}

func TestCheckPassesNegativeOffsetWithinBudget(t *testing.T) {
	c := stubbed(-500*time.Millisecond, nil)
	if _, err := c.Check(); err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
}

func TestCheckFailsOnExcessDrift(t *testing.T) {
	if _, err := stubbed(3*time.Second, nil).Check(); err == nil {
		t.Fatalf("expected error for drift over budget")
	}
	if _, err := stubbed(-3*time.Second, nil).Check(); err == nil {
		t.Fatalf("expected error for negative drift over budget")
	}
}

func TestCheckFailsWhenUnreachable(t *testing.T) {
	c := stubbed(0, errors.New("i/o timeout"))
	if _, err := c.Check(); err == nil {
		t.Fatalf("expected error when the server is unreachable")
	}
}

func TestNewDefaults(t *testing.T) {
	c := New("", 0, 0)
	if c.Server != "pool.ntp.org" {
		t.Fatalf("unexpected default server: %s", c.Server)
	}
	if c.MaxDrift != 2*time.Second || c.Timeout != 10*time.Second {
		t.Fatalf("unexpected defaults: %s/%s", c.MaxDrift, c.Timeout)
	}
}
