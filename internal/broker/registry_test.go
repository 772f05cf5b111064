package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
	"github.com/arunabot/arunacore/pkg/proto"
)

func TestRegisterDuplicateAliveID(t *testing.T) {
	b := newTestBroker(t, nil)

	first := connect(b, "client", "")
	first.handle(b, proto.Envelope{From: proto.Identity{ID: "client"}, Type: proto.TypeRegister, UUID: "r1"})
	got := first.t.last(t)
	assert.Equal(t, proto.CodeOK, got.Command)
	assert.Equal(t, proto.LabelRegisterSuccess, label(t, got))
	assert.Equal(t, "client", got.TargetID())
	assert.Equal(t, "arunacore", got.From.ID)
	assert.Equal(t, "r1", got.UUID)

	second := connect(b, "client", "")
	second.handle(b, proto.Envelope{From: proto.Identity{ID: "client"}, Type: proto.TypeRegister})
	got = second.t.last(t)
	assert.Equal(t, proto.CodeIDTaken, got.Command)
	assert.Equal(t, proto.LabelIDTaken, label(t, got))
	assert.Nil(t, second.s.Record())

	cur, ok := b.reg.Get("client")
	require.True(t, ok)
	assert.Same(t, first.s.Record(), cur)
}

func TestRegisterEvictsStaleRecord(t *testing.T) {
	b := newTestBroker(t, nil)
	old := register(t, b, "client", "")
	old.t.mute()

	fresh := connect(b, "client", "")
	fresh.handle(b, proto.Envelope{From: proto.Identity{ID: "client"}, Type: proto.TypeRegister})
	assert.Equal(t, proto.CodeOK, fresh.t.last(t).Command)

	cur, ok := b.reg.Get("client")
	require.True(t, ok)
	assert.Same(t, fresh.s.Record(), cur)
	closed, _ := old.t.closedWith()
	assert.True(t, closed, "stale transport must be terminated")
}

func TestRegisterConcurrentSameID(t *testing.T) {
	b := newTestBroker(t, nil)
	const n = 20

	peers := make([]peer, n)
	for i := range peers {
		peers[i] = connect(b, "same", "")
	}
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.handle(b, proto.Envelope{From: proto.Identity{ID: "same"}, Type: proto.TypeRegister})
		}()
	}
	wg.Wait()

	ok := 0
	for _, p := range peers {
		switch p.t.last(t).Command {
		case proto.CodeOK:
			ok++
		case proto.CodeIDTaken:
		default:
			t.Fatalf("unexpected reply %+v", p.t.last(t))
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, b.reg.Len())
}

func TestRegisterValidation(t *testing.T) {
	b := newTestBroker(t, func(c *v1.BrokerConfig) { c.RequireAuth = true })

	bad := connect(b, "x", "")
	bad.handle(b, proto.Envelope{From: proto.Identity{ID: "has space", Key: "k"}, Type: proto.TypeRegister})
	assert.Equal(t, proto.CodeBadRequest, bad.t.last(t).Command)

	anon := connect(b, "anon", "")
	anon.handle(b, proto.Envelope{From: proto.Identity{ID: "anon"}, Type: proto.TypeRegister})
	assert.Equal(t, proto.CodeUnauthorized, anon.t.last(t).Command)
	closed, code := anon.t.closedWith()
	assert.True(t, closed)
	assert.Equal(t, proto.CloseUnauthorized, code)
	_, ok := b.reg.Get("anon")
	assert.False(t, ok)

	// Header key satisfies require_auth.
	hdr := connect(b, "hdr", "k1")
	hdr.handle(b, proto.Envelope{From: proto.Identity{ID: "hdr"}, Type: proto.TypeRegister})
	assert.Equal(t, proto.CodeOK, hdr.t.last(t).Command)
	rec := hdr.s.Record()
	require.NotNil(t, rec)
	assert.True(t, rec.Secure)
	assert.Equal(t, "k1", rec.SecureKey)

	// A session owns one record.
	hdr.handle(b, proto.Envelope{From: proto.Identity{ID: "other", Key: "k1"}, Type: proto.TypeRegister})
	assert.Equal(t, proto.CodeIDTaken, hdr.t.last(t).Command)

	// The broker id is never available.
	own := connect(b, "arunacore", "")
	own.handle(b, proto.Envelope{From: proto.Identity{ID: "arunacore", Key: "k"}, Type: proto.TypeRegister})
	assert.Equal(t, proto.CodeIDTaken, own.t.last(t).Command)
}

func TestRegisterShardFields(t *testing.T) {
	b := newTestBroker(t, nil)
	p := connect(b, "shard", "")
	p.handle(b, proto.Envelope{
		From:    proto.Identity{ID: "shard"},
		Type:    proto.TypeRegister,
		Content: proto.MustContent(map[string]any{"shardId": 2, "shardRootId": "root"}),
	})
	rec := p.s.Record()
	require.NotNil(t, rec)
	assert.True(t, rec.Sharded)
	require.NotNil(t, rec.ShardID)
	assert.Equal(t, 2, *rec.ShardID)
	assert.Equal(t, "root", rec.ShardRootID)
	assert.Equal(t, proto.APIVersion, rec.APIVersion)
}

func TestUnregister(t *testing.T) {
	b := newTestBroker(t, nil)
	p := register(t, b, "client", "")

	p.handle(b, proto.Envelope{From: proto.Identity{ID: "client"}, Type: proto.TypeUnregister, UUID: "u1"})
	got := p.t.last(t)
	assert.Equal(t, proto.CodeOK, got.Command)
	assert.Equal(t, proto.LabelUnregisterSuccess, label(t, got))
	assert.Equal(t, "u1", got.UUID)
	closed, code := p.t.closedWith()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	_, ok := b.reg.Get("client")
	assert.False(t, ok)
}

func TestUnregisterDeadPeer(t *testing.T) {
	b := newTestBroker(t, nil)
	p := register(t, b, "client", "")
	p.t.mute()

	p.handle(b, proto.Envelope{From: proto.Identity{ID: "client"}, Type: proto.TypeUnregister})
	assert.Empty(t, p.t.messages())
	_, ok := b.reg.Get("client")
	assert.False(t, ok)
}

func TestEvictIsIdempotent(t *testing.T) {
	b := newTestBroker(t, nil)
	assert.False(t, b.reg.Evict("nobody"))

	p := register(t, b, "client", "")
	assert.True(t, b.reg.Evict("client"))
	assert.False(t, b.reg.Evict("client"))
	assert.False(t, b.reg.remove(p.s.Record()))
	assert.Equal(t, 0, b.reg.Len())
}

func TestAliveIDs(t *testing.T) {
	b := newTestBroker(t, nil)
	register(t, b, "charlie", "")
	register(t, b, "alpha", "")
	dead := register(t, b, "bravo", "")
	dead.t.mute()
	assert.False(t, dead.s.Record().Ping())

	assert.Equal(t, []string{"alpha", "charlie"}, b.reg.AliveIDs())
}

func TestSweepEvictsSilentPeer(t *testing.T) {
	b := newTestBroker(t, func(c *v1.BrokerConfig) {
		c.SweepInterval = 20 * time.Millisecond
		c.PingTimeout = 20 * time.Millisecond
	})
	a := register(t, b, "A", "")
	silent := register(t, b, "B", "")
	silent.t.mute()

	b.Start()
	t.Cleanup(b.reg.Shutdown)

	require.Eventually(t, func() bool {
		_, ok := b.reg.Get("B")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := b.reg.Get("A")
	assert.True(t, ok)

	a.handle(b, proto.Envelope{From: proto.Identity{ID: "A"}, Target: &proto.Identity{ID: "B"}, Content: proto.MustContent("hi")})
	got := a.t.last(t)
	assert.Equal(t, proto.CodeNotFound, got.Command)
	assert.Equal(t, []string{"B"}, got.Args)
}

func TestShutdown(t *testing.T) {
	b := newTestBroker(t, nil)
	b.Start()
	a := register(t, b, "A", "")
	c := register(t, b, "C", "")

	b.reg.Shutdown()
	for _, p := range []peer{a, c} {
		closed, code := p.t.closedWith()
		assert.True(t, closed)
		assert.Equal(t, websocket.CloseServiceRestart, code)
	}
	assert.Equal(t, 0, b.reg.Len())
	b.reg.Shutdown()

	late := connect(b, "late", "")
	late.handle(b, proto.Envelope{From: proto.Identity{ID: "late"}, Type: proto.TypeRegister})
	assert.Equal(t, proto.CodeUnavailable, late.t.last(t).Command)
}

func TestShutdownDuringSweepPing(t *testing.T) {
	b := newTestBroker(t, func(c *v1.BrokerConfig) {
		c.SweepInterval = 20 * time.Millisecond
		c.PingTimeout = 2 * time.Second
	})
	silent := register(t, b, "S", "")
	silent.t.mute()
	b.Start()

	require.Eventually(t, func() bool { return silent.t.pingCount() > 0 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	b.reg.Shutdown()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	closed, code := silent.t.closedWith()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseServiceRestart, code)
}

func TestAuthTimeout(t *testing.T) {
	b := newTestBroker(t, nil)

	idle := connect(b, "idle", "")
	idle.s.armAuthTimer(20 * time.Millisecond)
	require.Eventually(t, func() bool {
		closed, code := idle.t.closedWith()
		return closed && code == proto.CloseAuthTimeout
	}, time.Second, 5*time.Millisecond)

	quick := connect(b, "quick", "")
	quick.s.armAuthTimer(20 * time.Millisecond)
	quick.handle(b, proto.Envelope{From: proto.Identity{ID: "quick"}, Type: proto.TypeRegister})
	time.Sleep(60 * time.Millisecond)
	closed, _ := quick.t.closedWith()
	assert.False(t, closed)
}

func TestAuthTimerHeldDuringRegistration(t *testing.T) {
	b := newTestBroker(t, func(c *v1.BrokerConfig) { c.PingTimeout = 100 * time.Millisecond })
	stale := register(t, b, "A", "")
	stale.t.mute()

	// Evicting the stale holder outlasts the auth timer.
	fresh := connect(b, "A", "")
	fresh.s.armAuthTimer(20 * time.Millisecond)
	fresh.handle(b, proto.Envelope{From: proto.Identity{ID: "A"}, Type: proto.TypeRegister})
	require.Equal(t, proto.CodeOK, fresh.t.last(t).Command)

	time.Sleep(60 * time.Millisecond)
	closed, _ := fresh.t.closedWith()
	assert.False(t, closed)
	cur, ok := b.reg.Get("A")
	require.True(t, ok)
	assert.Same(t, fresh.s.Record(), cur)
}

func TestAuthTimerResumesAfterRejectedRegistration(t *testing.T) {
	b := newTestBroker(t, nil)
	register(t, b, "B", "")

	dup := connect(b, "B", "")
	dup.s.armAuthTimer(30 * time.Millisecond)
	dup.handle(b, proto.Envelope{From: proto.Identity{ID: "B"}, Type: proto.TypeRegister})
	assert.Equal(t, proto.CodeIDTaken, dup.t.last(t).Command)

	require.Eventually(t, func() bool {
		closed, code := dup.t.closedWith()
		return closed && code == proto.CloseAuthTimeout
	}, time.Second, 5*time.Millisecond)
}
