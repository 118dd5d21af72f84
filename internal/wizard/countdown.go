package wizard

import (
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/bmdtechnologies/portal/internal/models"
)

// countdown tracks the code expiry and the resend cooldown of one wizard.
//
// It shares the wizard mutex: every method expects mu to be held by the caller,
// and clock callbacks take mu themselves. Each start or stop bumps gen so a
// callback scheduled before it finds a stale generation and returns.
type countdown struct {
	clock    clock.Clock
	mu       sync.Locker
	expiry   time.Duration
	cooldown time.Duration
	onExpire func()

	remaining int
	ticking   bool
	canResend bool
	gen       uint64
	tick      *clock.Timer
	cool      *clock.Timer
}

func newCountdown(clk clock.Clock, mu sync.Locker, expiry, cooldown time.Duration, onExpire func()) *countdown {
	return &countdown{
		clock:     clk,
		mu:        mu,
		expiry:    expiry,
		cooldown:  cooldown,
		onExpire:  onExpire,
		remaining: int(expiry / time.Second),
		canResend: true,
	}
}

// start restarts both the expiry countdown and the resend cooldown.
func (c *countdown) start() {
	c.stop()
	gen := c.gen
	c.remaining = int(c.expiry / time.Second)
	if c.remaining > 0 {
		c.ticking = true
		c.scheduleTick(gen)
	}
	if c.cooldown > 0 {
		c.canResend = false
		c.cool = c.clock.AfterFunc(c.cooldown, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.gen != gen {
				return
			}
			c.canResend = true
			c.cool = nil
		})
	} else {
		c.canResend = true
	}
}

func (c *countdown) scheduleTick(gen uint64) {
	c.tick = c.clock.AfterFunc(time.Second, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen || !c.ticking {
			return
		}
		if c.remaining > 0 {
			c.remaining--
		}
		if c.remaining == 0 {
			c.ticking = false
			c.tick = nil
			c.gen++
			if c.onExpire != nil {
				c.onExpire()
			}
			return
		}
		c.scheduleTick(gen)
	})
}

// stop cancels pending callbacks. Remaining seconds and resend availability keep
// their last values.
func (c *countdown) stop() {
	c.gen++
	c.ticking = false
	if c.tick != nil {
		c.tick.Stop()
		c.tick = nil
	}
	if c.cool != nil {
		c.cool.Stop()
		c.cool = nil
	}
}

// reset stops the countdown and restores the full expiry.
func (c *countdown) reset() {
	c.stop()
	c.remaining = int(c.expiry / time.Second)
	c.canResend = true
}

func (c *countdown) snapshot() *models.CountdownState {
	s := &models.CountdownState{
		RemainingSeconds: c.remaining,
		CanResend:        c.canResend,
		Active:           c.ticking,
	}
	if c.expiry > 0 {
		s.Display = FormatRemaining(c.remaining)
	}
	return s
}

// FormatRemaining renders seconds as m:ss.
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
