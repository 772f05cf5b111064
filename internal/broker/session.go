package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arunabot/arunacore/pkg/proto"
	"github.com/arunabot/arunacore/pkg/util"
)

// inboxSize bounds envelopes read ahead of the router. The reader keeps
// draining control frames while the router waits on a ping.
const inboxSize = 256

// wsTransport serializes writes to a websocket.Conn.
type wsTransport struct {
	c            *websocket.Conn
	wmu          sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func newWSTransport(c *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{c: c, writeTimeout: writeTimeout}
}

func (w *wsTransport) WriteMessage(b []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsTransport) WritePing() error {
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
}

func (w *wsTransport) Close(code int, reason string) error {
	var err error
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.writeTimeout))
		err = w.c.Close()
	})
	return err
}

func (w *wsTransport) Terminate() error {
	var err error
	w.closeOnce.Do(func() { err = w.c.Close() })
	return err
}

// Session is one upgraded transport. It owns at most one Conn, bound once
// registration succeeds.
type Session struct {
	b          *Broker
	t          Transport
	log        *util.Logger
	headerID   string
	apiVersion string
	headerKey  string

	mu          sync.Mutex
	rec         *Conn
	authTimer   *time.Timer
	authExpiry  time.Time
	registering bool

	inbox chan proto.Envelope
	pong  chan struct{}
}

func (b *Broker) newSession(t Transport, headerID, apiVersion, headerKey string) *Session {
	return &Session{
		b:          b,
		t:          t,
		log:        b.log.Named(headerID),
		headerID:   headerID,
		apiVersion: apiVersion,
		headerKey:  headerKey,
		inbox:      make(chan proto.Envelope, inboxSize),
		pong:       make(chan struct{}, 1),
	}
}

// Record returns the bound connection record, nil before registration.
func (s *Session) Record() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *Session) bind(c *Conn) {
	s.mu.Lock()
	s.rec = c
	s.registering = false
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	s.mu.Unlock()
}

// armAuthTimer closes the transport if no registration completes within d.
func (s *Session) armAuthTimer(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil {
		return
	}
	s.authExpiry = time.Now().Add(d)
	s.authTimer = time.AfterFunc(d, func() {
		s.mu.Lock()
		skip := s.rec != nil || s.registering
		s.mu.Unlock()
		if skip {
			return
		}
		s.log.Infof("no registration within %s, closing", d)
		s.Close(proto.CloseAuthTimeout, "authentication timeout")
	})
}

// pauseAuthTimer holds the auth timer while a registration is in flight and
// returns the time left on it. armed is false when no timer was running.
func (s *Session) pauseAuthTimer() (left time.Duration, armed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registering = true
	if s.authTimer == nil {
		return 0, false
	}
	s.authTimer.Stop()
	s.authTimer = nil
	return max(time.Until(s.authExpiry), 0), true
}

// resumeAuthTimer undoes pauseAuthTimer after a failed registration.
func (s *Session) resumeAuthTimer(left time.Duration, armed bool) {
	s.mu.Lock()
	s.registering = false
	s.mu.Unlock()
	if armed {
		s.armAuthTimer(left)
	}
}

func (s *Session) stopAuthTimer() {
	s.mu.Lock()
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	s.mu.Unlock()
}

// Send writes env on the raw transport; used for replies to peers that may not
// be registered yet.
func (s *Session) Send(env proto.Envelope) {
	b, err := proto.Encode(env)
	if err != nil {
		s.log.Errorf("encode envelope: %v", err)
		return
	}
	if err := s.t.WriteMessage(b); err != nil {
		s.log.Debugf("write: %v", err)
	}
}

func (s *Session) Close(code int, reason string) {
	if rec := s.Record(); rec != nil {
		rec.Close(code, reason)
		return
	}
	_ = s.t.Close(code, reason)
}

// onPong feeds the session's record, bound or still being registered.
func (s *Session) onPong() {
	if rec := s.Record(); rec != nil {
		rec.Pong()
		return
	}
	select {
	case s.pong <- struct{}{}:
	default:
	}
}

// serve reads frames until the transport fails. Envelopes are handled in
// arrival order by a separate worker so pongs keep flowing while the router
// waits on a ping.
func (s *Session) serve(c *websocket.Conn) {
	c.SetPongHandler(func(string) error {
		s.onPong()
		return nil
	})

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for env := range s.inbox {
			s.b.router.Handle(s, env)
		}
	}()

	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseServiceRestart) {
				s.log.Debugf("read: %v", err)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		env, err := proto.Decode(data)
		if err != nil {
			metricDecodeErrors.Inc()
			s.log.Debugf("drop frame: %v", err)
			continue
		}
		s.inbox <- env
	}

	// Release any ping the worker may be waiting on before draining it.
	s.release()
	close(s.inbox)
	<-workerDone
	s.release()
}

func (s *Session) release() {
	s.stopAuthTimer()
	_ = s.t.Terminate()
	if rec := s.Record(); rec != nil {
		rec.terminate()
		if s.b.reg.remove(rec) {
			metricEvictions.WithLabelValues("disconnect").Inc()
			s.log.Infof("%s disconnected", rec.ID)
		}
	}
}
