package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
	"github.com/arunabot/arunacore/pkg/proto"
	"github.com/arunabot/arunacore/pkg/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1 << 14,
	WriteBufferSize:   1 << 14,
	EnableCompression: true,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

// Broker accepts peer transports and wires them to the registry and router.
type Broker struct {
	cfg      v1.BrokerConfig
	versions proto.VersionRange
	log      *util.Logger
	reg      *Registry
	router   *Router

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// New builds a broker from cfg. Zero values in cfg are filled with defaults.
func New(cfg v1.BrokerConfig, log *util.Logger) (*Broker, error) {
	cfg.Complete()
	versions, err := proto.NewVersionRange(cfg.API.Min, cfg.API.Max)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = util.NewNopLogger()
	}
	reg := NewRegistry(RegistryOptions{
		BrokerID:      cfg.ID,
		RequireAuth:   cfg.RequireAuth,
		PingTimeout:   cfg.PingTimeout,
		SweepInterval: cfg.SweepInterval,
	}, log.Named("registry"))
	return &Broker{
		cfg:      cfg,
		versions: versions,
		log:      log.Named("broker"),
		reg:      reg,
		router:   NewRouter(reg, cfg.ID, cfg.MasterKey, log.Named("router")),
		sessions: make(map[*Session]struct{}),
	}, nil
}

func (b *Broker) Registry() *Registry { return b.reg }

// Start begins the liveness sweep.
func (b *Broker) Start() { b.reg.Start() }

// OnMessage observes every forwarded envelope, secrets stripped.
func (b *Broker) OnMessage(fn func(proto.Envelope)) { b.router.OnMessage(fn) }

func bearer(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

func (b *Broker) reject(w http.ResponseWriter, status int, msg string) {
	metricUpgrades.WithLabelValues(strconv.Itoa(status)).Inc()
	http.Error(w, msg, status)
}

// ServeHTTP negotiates the upgrade and starts a session.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		b.reject(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}
	b.mu.Lock()
	closing := b.closing
	b.mu.Unlock()
	if closing {
		b.reject(w, http.StatusServiceUnavailable, reasonShutdown)
		return
	}

	id := strings.TrimSpace(r.Header.Get(proto.HeaderClientID))
	version := strings.TrimSpace(r.Header.Get(proto.HeaderAPIVersion))
	if id == "" || version == "" {
		b.reject(w, http.StatusBadRequest, fmt.Sprintf("missing %s or %s header", proto.HeaderClientID, proto.HeaderAPIVersion))
		return
	}
	if !b.versions.Contains(version) {
		b.reject(w, http.StatusPreconditionFailed, fmt.Sprintf("api version %s not in %s", version, b.versions))
		return
	}
	key := bearer(r.Header.Get(proto.HeaderAuthorization))
	if b.cfg.RequireAuth && key == "" {
		b.reject(w, http.StatusUnauthorized, proto.LabelUnauthorized)
		return
	}
	if id == b.cfg.ID {
		b.reject(w, http.StatusConflict, proto.LabelIDTaken)
		return
	}
	if cur, ok := b.reg.Get(id); ok && b.reg.Ping(cur) {
		b.reject(w, http.StatusConflict, proto.LabelIDTaken)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Errorf("ws upgrade: %v", err)
		return
	}
	metricUpgrades.WithLabelValues(strconv.Itoa(http.StatusSwitchingProtocols)).Inc()
	c.SetReadLimit(b.cfg.MaxPayload)

	s := b.newSession(newWSTransport(c, b.cfg.WriteTimeout), id, version, key)
	if !b.track(s) {
		s.Close(websocket.CloseServiceRestart, reasonShutdown)
		return
	}
	s.armAuthTimer(b.cfg.AuthTimeout)
	b.log.Debugf("%s connected from %s (api %s)", id, r.RemoteAddr, version)

	go func() {
		defer b.untrack(s)
		s.serve(c)
	}()
}

func (b *Broker) track(s *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.sessions[s] = struct{}{}
	b.wg.Add(1)
	metricSessions.Inc()
	return true
}

func (b *Broker) untrack(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
	metricSessions.Dec()
	b.wg.Done()
}

// Finish stops the sweep, closes every connection with 1012 and waits for
// session goroutines to exit or ctx to end.
func (b *Broker) Finish(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	b.reg.Shutdown()
	for _, s := range sessions {
		s.Close(websocket.CloseServiceRestart, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.log.Infof("finished")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
