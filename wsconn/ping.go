package wsconn

import (
	"fmt"
	"time"

	"github.com/coregx/go-socket/wsproto"
)

// Ping sends a Ping frame with the given payload (at most 125 bytes) and
// blocks until a matching Pong arrives or waitTime elapses. Pong frames
// carry no correlation id, so overlapping Ping calls collapse onto a
// single shared waiter: whichever Pong arrives first satisfies every
// Ping in flight at that moment (spec.md §4.E Ping: "a single event;
// overlapping pings collapse onto the same waiter").
func (c *Conn) Ping(payload []byte) error {
	if c.State() != Open {
		return wsproto.ErrClosed
	}
	if len(payload) > 125 {
		return wsproto.ErrControlTooLarge
	}

	waiter := c.addPingWaiter()
	if err := c.writeControlFrame(wsproto.OpPing, payload); err != nil {
		c.removePingWaiter(waiter)
		return err
	}

	select {
	case ok := <-waiter:
		if !ok {
			return wsproto.ErrClosed
		}
		return nil
	case <-time.After(c.waitTime):
		c.removePingWaiter(waiter)
		return fmt.Errorf("wsconn: ping timed out after %s", c.waitTime)
	}
}

func (c *Conn) addPingWaiter() chan bool {
	ch := make(chan bool, 1)
	c.pingMu.Lock()
	c.pingWaiters = append(c.pingWaiters, ch)
	c.pingMu.Unlock()
	return ch
}

func (c *Conn) removePingWaiter(target chan bool) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	for i, ch := range c.pingWaiters {
		if ch == target {
			c.pingWaiters = append(c.pingWaiters[:i], c.pingWaiters[i+1:]...)
			return
		}
	}
}

// signalPongWaiters wakes every waiter currently registered, delivering ok
// to each. Called both on a real Pong arrival and on connection teardown
// (ok=false, so blocked Ping calls don't hang past Closed).
func (c *Conn) signalPongWaiters(ok bool) {
	c.pingMu.Lock()
	waiters := c.pingWaiters
	c.pingWaiters = nil
	c.pingMu.Unlock()

	for _, ch := range waiters {
		ch <- ok
	}
}
