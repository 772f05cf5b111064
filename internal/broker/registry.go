package broker

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/arunabot/arunacore/pkg/proto"
	"github.com/arunabot/arunacore/pkg/util"
)

var (
	ErrNoSuchConn   = errors.New("no such connection")
	ErrShuttingDown = errors.New("broker is shutting down")
)

const (
	// registerAttempts bounds evict-and-retry rounds when a stale record holds the id.
	registerAttempts = 3
	sweepParallelism = 64

	reasonShutdown = "ArunaCore is shutting down"
)

type RegistryOptions struct {
	BrokerID      string
	RequireAuth   bool
	PingTimeout   time.Duration
	SweepInterval time.Duration
}

// Registry owns the id -> Conn map.
type Registry struct {
	opts RegistryOptions
	log  *util.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

func NewRegistry(opts RegistryOptions, log *util.Logger) *Registry {
	return &Registry{
		opts:  opts,
		log:   log,
		conns: make(map[string]*Conn),
	}
}

// add inserts c unless the id is taken; the holder is returned in that case.
func (r *Registry) add(c *Conn) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShuttingDown
	}
	if cur, ok := r.conns[c.ID]; ok {
		return cur, nil
	}
	r.conns[c.ID] = c
	metricConnections.Inc()
	return nil, nil
}

// remove deletes c if it still holds its id. It reports whether anything was removed.
func (r *Registry) remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.ID]; ok && cur == c {
		delete(r.conns, c.ID)
		metricConnections.Dec()
		return true
	}
	return false
}

func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AliveIDs lists ids of records whose last liveness check passed, sorted.
func (r *Registry) AliveIDs() []string {
	r.mu.RLock()
	conns := lo.Values(r.conns)
	r.mu.RUnlock()
	ids := lo.FilterMap(conns, func(c *Conn, _ int) (string, bool) {
		return c.ID, c.IsAlive()
	})
	slices.Sort(ids)
	return ids
}

// Evict drops the record holding id and terminates its transport.
// Evicting an unknown id is a no-op.
func (r *Registry) Evict(id string) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	c.terminate()
	if !r.remove(c) {
		return false
	}
	metricEvictions.WithLabelValues("evict").Inc()
	r.log.Infof("evicted %s", id)
	return true
}

// Ping checks c and evicts it when it does not answer.
func (r *Registry) Ping(c *Conn) bool {
	if c.Ping() {
		return true
	}
	if r.remove(c) {
		metricEvictions.WithLabelValues("ping").Inc()
		r.log.Infof("evicted %s: ping failed", c.ID)
	}
	return false
}

type registerContent struct {
	ShardID     *int   `json:"shardId,omitempty"`
	ShardRootID string `json:"shardRootId,omitempty"`
}

func validRegister(env proto.Envelope) bool {
	id := env.From.ID
	return id != "" && len(id) <= 128 && !strings.ContainsAny(id, " \t\r\n")
}

// Register handles a register envelope on s.
func (r *Registry) Register(s *Session, env proto.Envelope) {
	id := env.From.ID
	status := func(code, label string) {
		metricRegistrations.WithLabelValues(code).Inc()
		reply := proto.Status(r.opts.BrokerID, code, label, id)
		reply.UUID = env.UUID
		s.Send(reply)
	}

	if s.Record() != nil || id == r.opts.BrokerID {
		status(proto.CodeIDTaken, proto.LabelIDTaken)
		return
	}
	if !validRegister(env) {
		status(proto.CodeBadRequest, proto.LabelBadRequest)
		return
	}

	key := env.From.Key
	if key == "" {
		key = s.headerKey
	}
	if r.opts.RequireAuth && key == "" {
		status(proto.CodeUnauthorized, proto.LabelUnauthorized)
		s.Close(proto.CloseUnauthorized, proto.LabelUnauthorized)
		return
	}

	c := newConn(id, s.t, s.pong, r.opts.PingTimeout, s.log)
	c.APIVersion = s.apiVersion
	c.Secure = key != ""
	c.SecureKey = key
	var rc registerContent
	if len(env.Content) > 0 && env.Content[0] == '{' && proto.Unwrap(&env, &rc) == nil {
		c.ShardID = rc.ShardID
		c.ShardRootID = rc.ShardRootID
		c.Sharded = rc.ShardID != nil
	}

	// The auth timer must not fire between add and bind.
	left, armed := s.pauseAuthTimer()
	for attempt := 0; ; attempt++ {
		cur, err := r.add(c)
		if err != nil {
			status(proto.CodeUnavailable, proto.LabelUnavailable)
			s.Close(websocket.CloseServiceRestart, reasonShutdown)
			return
		}
		if cur == nil {
			break
		}
		if attempt >= registerAttempts-1 || r.Ping(cur) {
			status(proto.CodeIDTaken, proto.LabelIDTaken)
			s.resumeAuthTimer(left, armed)
			return
		}
		r.log.Infof("%s: stale record evicted, retrying registration", id)
	}

	s.bind(c)
	status(proto.CodeOK, proto.LabelRegisterSuccess)
	r.log.Infof("%s registered (secure=%v, api=%s)", id, c.Secure, c.APIVersion)
}

// Unregister removes c, acknowledging first when it still answers.
func (r *Registry) Unregister(c *Conn, uuid string) {
	if c.Ping() {
		ack := proto.Status(r.opts.BrokerID, proto.CodeOK, proto.LabelUnregisterSuccess, c.ID)
		ack.UUID = uuid
		c.Send(ack)
		c.Close(websocket.CloseNormalClosure, proto.LabelUnregisterSuccess)
	}
	if r.remove(c) {
		metricEvictions.WithLabelValues("unregister").Inc()
		r.log.Infof("%s unregistered", c.ID)
	}
}

// Start runs the liveness sweep until Shutdown.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweepCancel != nil || r.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})
	go r.sweepLoop(ctx, r.sweepDone)
}

func (r *Registry) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(r.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep pings every record once and evicts the ones that miss their pong.
func (r *Registry) Sweep(ctx context.Context) {
	r.mu.RLock()
	conns := lo.Values(r.conns)
	r.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, c := range conns {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.Ping(c)
			return nil
		})
	}
	_ = g.Wait()
	r.log.Debugf("sweep: %d checked, %d remain", len(conns), r.Len())
}

// Shutdown stops the sweep and closes every record with 1012.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancel, done := r.sweepCancel, r.sweepDone
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	// Closing first releases any sweep ping still waiting on a record.
	for _, c := range conns {
		c.Close(websocket.CloseServiceRestart, reasonShutdown)
		metricConnections.Dec()
		metricEvictions.WithLabelValues("shutdown").Inc()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	r.log.Infof("registry closed, %d connections dropped", len(conns))
}
