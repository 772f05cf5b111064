package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
	"github.com/arunabot/arunacore/pkg/config/v1/validation"
	"github.com/arunabot/arunacore/pkg/proto"
	"github.com/arunabot/arunacore/pkg/transport"
	"github.com/arunabot/arunacore/pkg/util"
)

const (
	maxRenames   = 5
	suffixLength = 5
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
)

// Message describes an outbound envelope.
type Message struct {
	Target    string
	TargetKey string
	Type      string
	Command   string
	Args      []string
	Content   any
	// Timeout bounds Request; zero uses the configured request timeout.
	Timeout time.Duration
}

// Request is an inbound request bound to the client that received it.
type Request struct {
	proto.Envelope
	c *Client
}

// Reply answers the request with content.
func (r *Request) Reply(content any) error {
	return r.ReplyMessage(Message{Content: content})
}

// ReplyMessage answers the request; target and correlation id are taken from it.
func (r *Request) ReplyMessage(m Message) error {
	l, err := r.c.ready()
	if err != nil {
		return err
	}
	m.Target = r.From.ID
	env, err := r.c.envelope(m)
	if err != nil {
		return err
	}
	env.Type = proto.TypeReply
	env.UUID = r.UUID
	return l.write(env)
}

// link is one dialed transport.
type link struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	pong chan struct{}
	done chan struct{}
	err  error // valid once done is closed
}

func newLink(ws *websocket.Conn) *link {
	return &link{ws: ws, pong: make(chan struct{}, 1), done: make(chan struct{})}
}

func (l *link) write(env proto.Envelope) error {
	b, err := proto.Encode(env)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.ws.WriteMessage(websocket.TextMessage, b)
}

func (l *link) close(code int, reason string) {
	_ = l.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = l.ws.Close()
}

// Client is a peer connection to the broker.
type Client struct {
	cfg    v1.PeerConfig
	log    *util.Logger
	url    string
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan func()

	mu        sync.Mutex
	id        string
	state     State
	link      *link
	pending   map[string]chan proto.Envelope
	finishing bool
	onMessage func(proto.Envelope)
	onRequest func(*Request)
	onState   func(State)
	onError   func(error)
}

// New validates cfg and returns a disconnected client.
func New(cfg v1.PeerConfig, log *util.Logger) (*Client, error) {
	cfg.Complete()
	if cfg.APIVersion == "" {
		cfg.APIVersion = proto.APIVersion
	}
	if _, err := validation.ValidatePeerConfig(&cfg); err != nil {
		return nil, err
	}
	if log == nil {
		log = util.NewNopLogger()
	}

	u, err := url.Parse(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	dialer := &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	if u.Scheme == "wss" {
		tlsCfg, err := transport.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		log:     log.Named("client"),
		url:     u.String(),
		dialer:  dialer,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan func(), eventBuffer),
		id:      cfg.ID,
		pending: make(map[string]chan proto.Envelope),
	}
	c.wg.Add(1)
	go c.dispatch()
	return c, nil
}

// ID is the id the client registers under; it changes after a conflict rename.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handlers run one at a time on a dedicated goroutine, in arrival order.
// They must not call Close or Finish.

func (c *Client) OnMessage(fn func(proto.Envelope)) { c.mu.Lock(); c.onMessage = fn; c.mu.Unlock() }
func (c *Client) OnRequest(fn func(*Request))       { c.mu.Lock(); c.onRequest = fn; c.mu.Unlock() }
func (c *Client) OnStateChange(fn func(State))      { c.mu.Lock(); c.onState = fn; c.mu.Unlock() }
func (c *Client) OnError(fn func(error))            { c.mu.Lock(); c.onError = fn; c.mu.Unlock() }

func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) emit(fn func()) {
	select {
	case c.events <- fn:
	case <-c.ctx.Done():
	}
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		c.emit(func() { fn(err) })
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	c.log.Debugf("state %s", s)
	if fn != nil {
		c.emit(func() { fn(s) })
	}
}

func (c *Client) fail(err error) error {
	c.setState(StateFailed)
	c.log.Errorf("%v", err)
	return err
}

func (c *Client) rename() {
	c.mu.Lock()
	old := c.id
	c.id = c.cfg.ID + "-" + lo.RandomString(suffixLength, lo.AlphanumericCharset)
	c.mu.Unlock()
	c.log.Infof("id %s is taken, retrying as %s", old, c.ID())
}

// Connect dials and registers, retrying per the reconnect settings. It
// returns once the client is ready or a fatal rejection occurs.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected && c.state != StateFailed {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: client is %s", s)
	}
	c.finishing = false
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	return c.establish(ctx)
}

func (c *Client) establish(ctx context.Context) error {
	attempts, renames := 0, 0
	for {
		c.setState(StateConnecting)
		l, resp, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return ctx.Err()
			}
			if resp != nil {
				switch resp.StatusCode {
				case http.StatusConflict:
					if renames < maxRenames {
						renames++
						c.rename()
						continue
					}
					return c.fail(ErrConflict)
				case http.StatusUnauthorized:
					return c.fail(ErrUnauthorized)
				case http.StatusPreconditionFailed:
					return c.fail(ErrVersionUnsupported)
				case http.StatusBadRequest:
					return c.fail(ErrBadHandshake)
				}
			}
			if err := c.backoff(ctx, &attempts, err); err != nil {
				return err
			}
			continue
		}

		err = c.register(ctx, l, &renames)
		if err == nil {
			c.mu.Lock()
			select {
			case <-l.done:
				err = l.err
			default:
				c.link = l
			}
			c.mu.Unlock()
			if err == nil {
				c.setState(StateReady)
				c.log.Infof("registered as %s", c.ID())
				return nil
			}
		}

		l.close(websocket.CloseNormalClosure, "")
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrConflict) || errors.Is(err, ErrBadHandshake) {
			return c.fail(err)
		}
		if err := c.backoff(ctx, &attempts, err); err != nil {
			return err
		}
	}
}

// backoff waits out the reconnect delay, or reports why no retry follows.
func (c *Client) backoff(ctx context.Context, attempts *int, cause error) error {
	rc := c.cfg.Reconnect
	if !rc.Enable {
		c.setState(StateDisconnected)
		return fmt.Errorf("connect %s: %w", c.url, cause)
	}
	*attempts++
	if rc.MaxAttempts >= 0 && *attempts > rc.MaxAttempts {
		return c.fail(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, *attempts-1, cause))
	}
	c.setState(StateReconnecting)
	c.log.Warnf("connect failed (%v), retrying in %s (attempt %d)", cause, rc.Delay, *attempts)

	t := time.NewTimer(rc.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		c.setState(StateDisconnected)
		return ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context) (*link, *http.Response, error) {
	h := http.Header{}
	h.Set(proto.HeaderClientID, c.ID())
	h.Set(proto.HeaderAPIVersion, c.cfg.APIVersion)
	if c.cfg.Key != "" {
		h.Set(proto.HeaderAuthorization, c.cfg.Key)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.url, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, resp, err
	}
	l := newLink(ws)
	c.wg.Add(1)
	go c.read(l)
	return l, resp, nil
}

func (c *Client) register(ctx context.Context, l *link, renames *int) error {
	c.setState(StateRegistering)
	for {
		env := proto.Envelope{
			From: proto.Identity{ID: c.ID(), Key: c.cfg.Key},
			Type: proto.TypeRegister,
		}
		reply, err := c.roundTrip(ctx, l, env, c.cfg.AuthTimeout, l.done)
		if err != nil {
			return err
		}
		switch {
		case reply.Command == proto.CodeOK:
			return nil
		case reply.Command == proto.CodeIDTaken && *renames < maxRenames:
			*renames++
			c.rename()
		default:
			return statusError(reply)
		}
	}
}

func linkError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == proto.CloseUnauthorized {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

func (c *Client) read(l *link) {
	defer c.wg.Done()
	l.ws.SetPongHandler(func(string) error {
		select {
		case l.pong <- struct{}{}:
		default:
		}
		return nil
	})

	var err error
	for {
		var data []byte
		_, data, err = l.ws.ReadMessage()
		if err != nil {
			break
		}
		env, derr := proto.Decode(data)
		if derr != nil {
			c.log.Debugf("drop frame: %v", derr)
			continue
		}
		c.handle(env)
	}
	l.err = linkError(err)
	close(l.done)
	c.linkDown(l)
}

func (c *Client) handle(env proto.Envelope) {
	if env.UUID != "" && env.Type != proto.TypeRequest {
		c.mu.Lock()
		ch, ok := c.pending[env.UUID]
		if ok {
			delete(c.pending, env.UUID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
			return
		}
		if env.Type == proto.TypeReply {
			c.log.Debugf("unmatched reply %s from %s dropped", env.UUID, env.From.ID)
			return
		}
	}

	c.mu.Lock()
	onRequest, onMessage := c.onRequest, c.onMessage
	c.mu.Unlock()
	switch {
	case env.Type == proto.TypeRequest && onRequest != nil:
		r := &Request{Envelope: env, c: c}
		c.emit(func() { onRequest(r) })
	case (env.Type == "" || env.Type == proto.TypeDisconnect) && proto.IsError(env.Command):
		c.emitError(statusError(env))
	case env.Type == "" && env.Command == proto.CodeOK:
		c.log.Debugf("broker ack: %s", env.Content)
	case onMessage != nil:
		c.emit(func() { onMessage(env) })
	}
}

func (c *Client) linkDown(l *link) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	finishing := c.finishing || c.ctx.Err() != nil
	c.mu.Unlock()

	if finishing {
		c.setState(StateDisconnected)
		return
	}
	if errors.Is(l.err, ErrUnauthorized) {
		c.emitError(c.fail(l.err))
		return
	}
	c.log.Warnf("connection lost: %v", l.err)
	if !c.cfg.Reconnect.Enable {
		c.setState(StateDisconnected)
		c.emitError(l.err)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.setState(StateReconnecting)
		if err := c.establish(c.ctx); err != nil && c.ctx.Err() == nil {
			c.emitError(err)
		}
	}()
}

// roundTrip sends env under a fresh correlation id and waits for the envelope
// carrying it back. The pending entry is removed on every exit path.
func (c *Client) roundTrip(ctx context.Context, l *link, env proto.Envelope, timeout time.Duration, abort <-chan struct{}) (proto.Envelope, error) {
	id := uuid.NewString()
	env.UUID = id
	ch := make(chan proto.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := l.write(env); err != nil {
		return proto.Envelope{}, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-t.C:
		return proto.Envelope{}, fmt.Errorf("%w: no answer to %s %s within %s", ErrTimeout, env.Type, id, timeout)
	case <-abort:
		if l.err != nil {
			return proto.Envelope{}, l.err
		}
		return proto.Envelope{}, ErrClosed
	case <-ctx.Done():
		return proto.Envelope{}, ctx.Err()
	}
}

func (c *Client) ready() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if c.link == nil || c.state != StateReady {
		return nil, ErrNotReady
	}
	return c.link, nil
}

func (c *Client) envelope(m Message) (proto.Envelope, error) {
	env := proto.Envelope{
		From:    proto.Identity{ID: c.ID(), Key: c.cfg.Key},
		Type:    m.Type,
		Command: m.Command,
		Args:    m.Args,
	}
	if m.Target != "" {
		env.Target = &proto.Identity{ID: m.Target, Key: m.TargetKey}
	}
	if m.Content != nil {
		content, err := proto.NewContent(m.Content)
		if err != nil {
			return proto.Envelope{}, err
		}
		env.Content = content
	}
	return env, nil
}

// Send delivers m without waiting for an answer.
func (c *Client) Send(m Message) error {
	l, err := c.ready()
	if err != nil {
		return err
	}
	env, err := c.envelope(m)
	if err != nil {
		return err
	}
	return l.write(env)
}

// Request sends m as a request and waits for the correlated reply. A broker
// error status for the request (404, 401) is returned as *StatusError.
func (c *Client) Request(ctx context.Context, m Message) (proto.Envelope, error) {
	if m.Target == "" {
		return proto.Envelope{}, errors.New("request: missing target")
	}
	l, err := c.ready()
	if err != nil {
		return proto.Envelope{}, err
	}
	env, err := c.envelope(m)
	if err != nil {
		return proto.Envelope{}, err
	}
	env.Type = proto.TypeRequest
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	reply, err := c.roundTrip(ctx, l, env, timeout, nil)
	if err != nil {
		return proto.Envelope{}, err
	}
	if reply.Type != proto.TypeReply && proto.IsError(reply.Command) {
		return reply, statusError(reply)
	}
	return reply, nil
}

// ListConnections runs the broker's list command with the master key.
func (c *Client) ListConnections(ctx context.Context, masterKey string) ([]string, error) {
	l, err := c.ready()
	if err != nil {
		return nil, err
	}
	env := proto.Envelope{
		From:    proto.Identity{ID: c.ID(), Key: c.cfg.Key},
		Type:    proto.TypeRequest,
		Command: proto.CodeListConnections,
		CoreKey: masterKey,
	}
	reply, err := c.roundTrip(ctx, l, env, c.cfg.RequestTimeout, l.done)
	if err != nil {
		return nil, err
	}
	if reply.Command != proto.CodeListConnections {
		return nil, statusError(reply)
	}
	var ids []string
	if err := proto.Unwrap(&reply, &ids); err != nil {
		return nil, fmt.Errorf("decode connection list: %w", err)
	}
	return ids, nil
}

// Ping measures one transport ping round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	l, err := c.ready()
	if err != nil {
		return 0, err
	}
	select {
	case <-l.pong:
	default:
	}
	start := time.Now()
	if err := l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		return 0, err
	}
	select {
	case <-l.pong:
		return time.Since(start), nil
	case <-l.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Finish unregisters, waits up to the finish timeout for the acknowledgement
// and closes the client regardless of the outcome.
func (c *Client) Finish(ctx context.Context) error {
	c.mu.Lock()
	c.finishing = true
	l := c.link
	c.mu.Unlock()

	if l != nil {
		env := proto.Envelope{
			From: proto.Identity{ID: c.ID(), Key: c.cfg.Key},
			Type: proto.TypeUnregister,
		}
		if _, err := c.roundTrip(ctx, l, env, c.cfg.FinishTimeout, l.done); err != nil {
			c.log.Debugf("unregister: %v", err)
		}
	}
	return c.Close()
}

// Close drops the connection and stops every client goroutine.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil
	}
	c.finishing = true
	l := c.link
	c.link = nil
	c.mu.Unlock()

	c.cancel()
	if l != nil {
		l.close(websocket.CloseNormalClosure, "")
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return nil
}

func (c *Client) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
