package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
	"github.com/arunabot/arunacore/pkg/transport"
	"github.com/arunabot/arunacore/pkg/util"
	utilnet "github.com/arunabot/arunacore/pkg/util/net"
	"github.com/arunabot/arunacore/pkg/util/xlog"
)

const (
	shutdownTimeout    = 10 * time.Second
	proxyHeaderTimeout = 5 * time.Second
)

// Run serves the broker until ctx ends or cfg.FinishAfter elapses.
func Run(ctx context.Context, cfg v1.BrokerConfig, log *util.Logger) error {
	b, err := New(cfg, log)
	if err != nil {
		return err
	}
	cfg = b.cfg
	b.Start()

	if cfg.FinishAfter > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.FinishAfter)
		defer cancel()
		b.log.Infof("will finish after %s", cfg.FinishAfter)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           routes(b),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          stdlog.New(xlog.NewWarnWriter(b.log), "", 0),
	}

	switch {
	case cfg.ACME.Enable && cfg.ACME.DNSProvider != "":
		tlsCfg, err := makeCertMagic(ctx, cfg.ACME)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
		b.log.Infof("ACME dns-01 via %s for %s", cfg.ACME.DNSProvider, cfg.ACME.Domain)
		return serveAndWait(ctx, cfg, srv, b, true)
	case cfg.ACME.Enable:
		return runWithACME(ctx, cfg, srv, b)
	case cfg.TLS.Enable:
		tlsCfg, err := transport.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
		return serveAndWait(ctx, cfg, srv, b, true)
	default:
		return serveAndWait(ctx, cfg, srv, b, false)
	}
}

// listen opens the broker listener, unwrapping PROXY headers when configured.
func listen(cfg v1.BrokerConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	if cfg.ProxyProtocol {
		ln = utilnet.NewProxyProtocolListener(ln, proxyHeaderTimeout)
	}
	return ln, nil
}

func routes(b *Broker) http.Handler {
	r := chi.NewRouter()
	healthy := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
	r.Get("/healthz", healthy)
	r.Get("/healthCheck", healthy)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin/connections", func(rr chi.Router) {
		rr.Use(b.requireMasterKey)
		rr.Get("/", b.handleListConnections)
		rr.Delete("/{id}", b.handleEvictConnection)
	})

	r.Handle("/", b)
	return r
}

// requireMasterKey applies the command 015 gate to HTTP admin routes.
func (b *Broker) requireMasterKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.cfg.MasterKey == "" {
			http.Error(w, "master key not configured", http.StatusServiceUnavailable)
			return
		}
		if !secretEqual(bearer(r.Header.Get("Authorization")), b.cfg.MasterKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Broker) handleListConnections(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":          b.cfg.ID,
		"connections": b.reg.AliveIDs(),
	})
}

func (b *Broker) handleEvictConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !b.reg.Evict(id) {
		http.Error(w, ErrNoSuchConn.Error()+": "+id, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func runWithACME(ctx context.Context, cfg v1.BrokerConfig, srv *http.Server, b *Broker) error {
	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.ACME.Domain),
		Email:      cfg.ACME.Email,
		Cache:      autocert.DirCache(cfg.ACME.CacheDir),
	}

	// :80 answers HTTP-01 challenges and redirects everything else.
	httpSrv := &http.Server{
		Addr: ":80",
		Handler: mgr.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			to := "https://" + hostOnly(r.Host) + r.URL.RequestURI()
			http.Redirect(w, r, to, http.StatusMovedPermanently)
		})),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          srv.ErrorLog,
	}

	srv.TLSConfig = &tls.Config{
		GetCertificate: mgr.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"http/1.1", "acme-tls/1"},
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	errCh := make(chan error, 2)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	go func() { errCh <- srv.ServeTLS(ln, "", "") }()
	b.log.Infof("ACME enabled for %s: HTTP on :80 (redirect+challenges), WSS on %s", cfg.ACME.Domain, srv.Addr)

	select {
	case <-ctx.Done():
		shutdown(srv, b)
		_ = httpSrv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		shutdown(srv, b)
		_ = httpSrv.Shutdown(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func serveAndWait(ctx context.Context, cfg v1.BrokerConfig, srv *http.Server, b *Broker, withTLS bool) error {
	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		b.log.Infof("listening on %s (tls=%v, proxy_protocol=%v)", ln.Addr(), withTLS, cfg.ProxyProtocol)
		if withTLS {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		b.log.Infof("shutting down...")
		shutdown(srv, b)
		return nil
	case err := <-errCh:
		shutdown(srv, b)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdown finishes the broker first so peers see 1012 before the listener goes.
func shutdown(srv *http.Server, b *Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.Finish(ctx); err != nil {
		b.log.Warnf("finish: %v", err)
	}
	_ = srv.Shutdown(ctx)
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i >= 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}
