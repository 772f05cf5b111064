package broker

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/arunabot/arunacore/pkg/proto"
	"github.com/arunabot/arunacore/pkg/util"
)

// Router applies the addressing and authorization rules to envelopes from
// registered sessions.
type Router struct {
	reg       *Registry
	brokerID  string
	masterKey string
	log       *util.Logger

	observe atomic.Pointer[func(proto.Envelope)]
}

func NewRouter(reg *Registry, brokerID, masterKey string, log *util.Logger) *Router {
	return &Router{reg: reg, brokerID: brokerID, masterKey: masterKey, log: log}
}

// OnMessage installs fn as the observer of every forwarded envelope. fn gets
// the sanitized copy and must not block.
func (rt *Router) OnMessage(fn func(proto.Envelope)) {
	if fn == nil {
		rt.observe.Store(nil)
		return
	}
	rt.observe.Store(&fn)
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (rt *Router) status(s *Session, req proto.Envelope, code, label string, args ...string) {
	env := proto.Status(rt.brokerID, code, label, req.From.ID)
	env.UUID = req.UUID
	env.Args = args
	s.Send(env)
}

// Handle processes one inbound envelope in the sender's arrival order.
func (rt *Router) Handle(s *Session, env proto.Envelope) {
	if env.Type == proto.TypeRegister {
		rt.reg.Register(s, env)
		return
	}

	rec := s.Record()
	if rec == nil || rec.ID != env.From.ID {
		metricMessages.WithLabelValues("unknown_sender").Inc()
		rt.status(s, env, proto.CodeUnprocessable, proto.LabelUnprocessable)
		return
	}
	if cur, ok := rt.reg.Get(rec.ID); !ok || cur != rec {
		metricMessages.WithLabelValues("unknown_sender").Inc()
		rt.status(s, env, proto.CodeUnprocessable, proto.LabelUnprocessable)
		return
	}

	if rec.Secure && !secretEqual(env.From.Key, rec.SecureKey) {
		metricMessages.WithLabelValues("unauthorized").Inc()
		rt.log.Warnf("%s: sender key mismatch, closing", rec.ID)
		bye := proto.Status(rt.brokerID, proto.CodeUnauthorized, proto.LabelUnauthorized, env.From.ID)
		bye.UUID = env.UUID
		bye.Type = proto.TypeDisconnect
		s.Send(bye)
		rec.Close(proto.CloseUnauthorized, proto.LabelUnauthorized)
		if rt.reg.remove(rec) {
			metricEvictions.WithLabelValues("unauthorized").Inc()
		}
		return
	}

	if env.Type == proto.TypeUnregister {
		rt.reg.Unregister(rec, env.UUID)
		return
	}

	if env.Reserved() {
		rt.internal(s, rec, env)
		return
	}

	if rt.leaks(env) {
		metricMessages.WithLabelValues("leak_guard").Inc()
		rt.log.Warnf("%s: envelope carries broker secrets, not forwarded", rec.ID)
		return
	}

	targetID := env.TargetID()
	if targetID == "" {
		metricMessages.WithLabelValues("internal").Inc()
		rt.log.Debugf("%s: envelope without target dropped", rec.ID)
		return
	}

	target, ok := rt.reg.Get(targetID)
	if !ok || !rt.reg.Ping(target) {
		metricMessages.WithLabelValues("not_found").Inc()
		rt.status(s, env, proto.CodeNotFound, proto.LabelNotFound, targetID)
		return
	}
	if target.Secure && !secretEqual(env.TargetKey(), target.SecureKey) {
		metricMessages.WithLabelValues("target_unauthorized").Inc()
		rt.status(s, env, proto.CodeUnauthorized, proto.LabelUnauthorized)
		return
	}

	out := proto.Sanitize(env)
	if fn := rt.observe.Load(); fn != nil {
		(*fn)(out)
	}
	target.Send(out)
	metricMessages.WithLabelValues("forwarded").Inc()
}

// internal runs broker-owned commands. Unknown reserved codes are swallowed.
func (rt *Router) internal(s *Session, rec *Conn, env proto.Envelope) {
	metricMessages.WithLabelValues("internal").Inc()
	switch env.Command {
	case proto.CodeListConnections:
		rt.listConnections(s, rec, env)
	case proto.CodeOK:
	default:
		rt.log.Debugf("%s: reserved command %s ignored", rec.ID, env.Command)
	}
}

func (rt *Router) listConnections(s *Session, rec *Conn, env proto.Envelope) {
	if rt.masterKey == "" {
		rt.status(s, env, proto.CodeUnavailable, proto.LabelUnavailable)
		return
	}
	supplied := env.CoreKey
	if supplied == "" {
		supplied, _ = env.ContentString()
	}
	if !secretEqual(supplied, rt.masterKey) {
		rt.log.Warnf("%s: command %s with wrong master key", rec.ID, env.Command)
		rt.status(s, env, proto.CodeUnauthorized, proto.LabelUnauthorized)
		return
	}

	reply := proto.Envelope{
		From:    proto.Identity{ID: rt.brokerID},
		Target:  &proto.Identity{ID: rec.ID},
		Command: proto.CodeListConnections,
		Content: proto.MustContent(rt.reg.AliveIDs()),
		UUID:    env.UUID,
	}
	if env.UUID != "" {
		reply.Type = proto.TypeReply
	}
	s.Send(reply)
}

// leaks reports whether env must stay inside the broker: it carries a coreKey
// or mentions the master key in content or args.
func (rt *Router) leaks(env proto.Envelope) bool {
	if env.CoreKey != "" {
		return true
	}
	if rt.masterKey == "" {
		return false
	}
	for _, a := range env.Args {
		if strings.Contains(a, rt.masterKey) {
			return true
		}
	}
	if len(env.Content) == 0 {
		return false
	}
	if bytes.Contains(env.Content, []byte(rt.masterKey)) {
		return true
	}
	var v any
	if err := json.Unmarshal(env.Content, &v); err != nil {
		return false
	}
	return containsString(v, rt.masterKey)
}

// containsString walks decoded JSON; escapes in the raw bytes can hide a match.
func containsString(v any, needle string) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(t, needle)
	case []any:
		for _, e := range t {
			if containsString(e, needle) {
				return true
			}
		}
	case map[string]any:
		for k, e := range t {
			if strings.Contains(k, needle) || containsString(e, needle) {
				return true
			}
		}
	}
	return false
}
