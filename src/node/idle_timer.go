package node

import (
	"time"
)

type timerFactory func(time.Duration) <-chan time.Time

// IdleTimer drives the core's periodic housekeeping: Run sends a tick every
// interval until Shutdown. Run also reacts to its reset and stop channels, but
// IdleTimer has no method that sends on them.
type IdleTimer struct {
	timerFactory timerFactory
	tickCh       chan struct{}      //sends a signal to listening process
	resetCh      chan time.Duration //receives instruction to reset the timer
	stopCh       chan struct{}      //receives instruction to stop the timer
	shutdownCh   chan struct{}      //receives instruction to exit Run loop
	set          bool
}

// NewIdleTimer creates an IdleTimer from a timerFactory.
func NewIdleTimer(timerFactory timerFactory) *IdleTimer {
	return &IdleTimer{
		timerFactory: timerFactory,
		tickCh:       make(chan struct{}),
		resetCh:      make(chan time.Duration),
		stopCh:       make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

// NewPeriodicIdleTimer creates an IdleTimer that fires at a fixed period.
func NewPeriodicIdleTimer() *IdleTimer {
	periodicTimeout := func(interval time.Duration) <-chan time.Time {
		if interval == 0 {
			return nil
		}
		return time.After(interval)
	}
	return NewIdleTimer(periodicTimeout)
}

// Run operates the timer until Shutdown.
func (c *IdleTimer) Run(init time.Duration) {

	setTimer := func(t time.Duration) <-chan time.Time {
		c.set = true
		return c.timerFactory(t)
	}

	timer := setTimer(init)
	for {
		select {
		case <-timer:
			c.tickCh <- struct{}{}
			c.set = false
			timer = setTimer(init)
		case t := <-c.resetCh:
			timer = setTimer(t)
		case <-c.stopCh:
			timer = nil
			c.set = false
		case <-c.shutdownCh:
			c.set = false
			return
		}
	}
}

// Shutdown exits the Run loop.
func (c *IdleTimer) Shutdown() {
	close(c.shutdownCh)
}
