package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arunabot/arunacore/pkg/proto"
	"github.com/arunabot/arunacore/pkg/util"
)

// Transport is the duplex channel behind a connection. Implementations must
// allow WritePing, Close and Terminate concurrently with WriteMessage.
type Transport interface {
	WriteMessage(b []byte) error
	WritePing() error
	// Close sends a close frame with code and reason, then drops the transport.
	Close(code int, reason string) error
	// Terminate drops the transport without a close handshake.
	Terminate() error
}

// Conn is the broker's record of one registered peer.
type Conn struct {
	ID          string
	APIVersion  string
	Secure      bool
	SecureKey   string
	Sharded     bool
	ShardID     *int
	ShardRootID string

	t           Transport
	log         *util.Logger
	pingTimeout time.Duration

	alive     atomic.Bool
	pong      chan struct{}
	pings     singleflight.Group
	closed    chan struct{}
	closeOnce sync.Once
}

// newConn builds a record over t. pong is fed by whoever reads t; nil
// allocates a private channel fed through Pong.
func newConn(id string, t Transport, pong chan struct{}, pingTimeout time.Duration, log *util.Logger) *Conn {
	if pong == nil {
		pong = make(chan struct{}, 1)
	}
	c := &Conn{
		ID:          id,
		t:           t,
		log:         log,
		pingTimeout: pingTimeout,
		pong:        pong,
		closed:      make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) IsAlive() bool { return c.alive.Load() }

// Ping checks liveness with one transport ping. Concurrent callers share the
// outstanding round trip. A missed pong terminates the transport.
func (c *Conn) Ping() bool {
	v, _, _ := c.pings.Do("ping", func() (any, error) {
		return c.ping(), nil
	})
	return v.(bool)
}

func (c *Conn) ping() bool {
	c.alive.Store(false)
	select {
	case <-c.closed:
		return false
	case <-c.pong:
	default:
	}

	start := time.Now()
	if err := c.t.WritePing(); err != nil {
		c.log.Debugf("ping %s: %v", c.ID, err)
		c.terminate()
		return false
	}

	timer := time.NewTimer(c.pingTimeout)
	defer timer.Stop()
	select {
	case <-c.pong:
		c.alive.Store(true)
		metricPingSeconds.Observe(time.Since(start).Seconds())
		return true
	case <-timer.C:
		c.log.Warnf("%s did not answer ping within %s", c.ID, c.pingTimeout)
		c.terminate()
		return false
	case <-c.closed:
		return false
	}
}

// Pong records an observed pong frame.
func (c *Conn) Pong() {
	c.alive.Store(true)
	select {
	case c.pong <- struct{}{}:
	default:
	}
}

// Send writes env to the peer. Delivery is best effort; failures are logged.
func (c *Conn) Send(env proto.Envelope) {
	b, err := proto.Encode(env)
	if err != nil {
		c.log.Errorf("encode envelope for %s: %v", c.ID, err)
		return
	}
	if err := c.t.WriteMessage(b); err != nil {
		c.log.Warnf("send to %s: %v", c.ID, err)
	}
}

// Close ends the connection with a close frame and releases a waiting ping.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.closed)
		if err := c.t.Close(code, reason); err != nil {
			c.log.Debugf("close %s: %v", c.ID, err)
		}
	})
}

func (c *Conn) terminate() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.closed)
		_ = c.t.Terminate()
	})
}

// Done is closed once the connection has been closed or terminated.
func (c *Conn) Done() <-chan struct{} { return c.closed }
