package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
	"github.com/arunabot/arunacore/pkg/proto"
	"github.com/arunabot/arunacore/pkg/util"
)

var errClosedTransport = errors.New("transport closed")

// fakeTransport records writes and answers pings while responsive is set.
type fakeTransport struct {
	mu           sync.Mutex
	sent         []proto.Envelope
	closed       bool
	closeCode    int
	closeReason  string
	unresponsive bool
	pings        int

	s *Session
}

func (f *fakeTransport) WriteMessage(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosedTransport
	}
	env, err := proto.Decode(b)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) WritePing() error {
	f.mu.Lock()
	closed, mute, s := f.closed, f.unresponsive, f.s
	f.pings++
	f.mu.Unlock()
	if closed {
		return errClosedTransport
	}
	if !mute && s != nil {
		s.onPong()
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed, f.closeCode, f.closeReason = true, code, reason
	}
	return nil
}

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) mute() {
	f.mu.Lock()
	f.unresponsive = true
	f.mu.Unlock()
}

func (f *fakeTransport) messages() []proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.Envelope(nil), f.sent...)
}

func (f *fakeTransport) last(t *testing.T) proto.Envelope {
	t.Helper()
	msgs := f.messages()
	require.NotEmpty(t, msgs, "no envelope written")
	return msgs[len(msgs)-1]
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func testConfig() v1.BrokerConfig {
	cfg := v1.DefaultBrokerConfig()
	cfg.PingTimeout = 50 * time.Millisecond
	cfg.SweepInterval = time.Hour
	cfg.AuthTimeout = time.Second
	return cfg
}

func newTestBroker(t *testing.T, mutate func(*v1.BrokerConfig)) *Broker {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(cfg, util.NewNopLogger())
	require.NoError(t, err)
	return b
}

type peer struct {
	s *Session
	t *fakeTransport
}

func (p peer) handle(b *Broker, env proto.Envelope) { b.router.Handle(p.s, env) }

func connect(b *Broker, id, key string) peer {
	ft := &fakeTransport{}
	s := b.newSession(ft, id, proto.APIVersion, key)
	ft.s = s
	return peer{s: s, t: ft}
}

func register(t *testing.T, b *Broker, id, key string) peer {
	t.Helper()
	p := connect(b, id, "")
	p.handle(b, proto.Envelope{From: proto.Identity{ID: id, Key: key}, Type: proto.TypeRegister})
	got := p.t.last(t)
	require.Equal(t, proto.CodeOK, got.Command, "register %s", id)
	p.t.reset()
	return p
}

func label(t *testing.T, env proto.Envelope) string {
	t.Helper()
	s, ok := env.ContentString()
	require.True(t, ok, "content is not a string: %s", env.Content)
	return s
}
