// Package gateway is the HTTP server in front of the bridge. It accepts WebSocket upgrades on a single path,
// stores uploaded images, and exports metrics.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/guseggert/agentbridge/bridge"
	"github.com/guseggert/agentbridge/config"
	"github.com/guseggert/agentbridge/metrics"
	"github.com/guseggert/agentbridge/protocol"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gateway serves the bridge and its supporting endpoints.
type Gateway struct {
	logger *zap.SugaredLogger
	cfg    config.Config

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bridge   *bridge.Server
	now      func() time.Time

	// ctx is the base context of every request, canceled by Stop so hijacked bridge connections end too.
	ctx    context.Context
	cancel context.CancelFunc
	// bridges tracks running bridge handlers.
	bridges sync.WaitGroup

	mut        sync.Mutex
	stopped    bool
	listener   net.Listener
	httpServer *http.Server
}

type Option func(g *Gateway)

// WithListenAddr overrides the configured listen address.
func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.cfg.ListenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Named("gateway").Sugar()
	}
}

// WithRegistry registers the gateway's collectors with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(g *Gateway) {
		g.registry = reg
	}
}

// New constructs a gateway. cfg is expected to have had SetDefaults applied.
func New(cfg config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		logger: zap.NewNop().Sugar(),
		cfg:    cfg,
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if err := g.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
	}
	g.metrics = metrics.New(g.registry)
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.bridge = &bridge.Server{
		Log:     g.logger.Named("bridge"),
		Command: g.cfg.Agent.Command,
		Args:    g.cfg.Agent.Args,
		Env:     g.cfg.Agent.Env,
		Dir:     g.cfg.Agent.Dir,
		Metrics: g.metrics,
	}
	return g, nil
}

// Handler returns the gateway's routes, wrapped with upgrade filtering and CORS when origins are configured.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.GET(g.cfg.UpgradePath, g.upgrade)
	router.POST("/api/upload-image", g.uploadImage)
	router.GET("/api/hello", g.hello)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))

	var h http.Handler = router
	if len(g.cfg.AllowedOrigins) > 0 {
		h = cors.Handler(cors.Options{
			AllowedOrigins: g.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		})(h)
	}
	return g.rejectStrayUpgrades(h)
}

// Listen binds the listen address. Run calls it if it has not been called yet.
func (g *Gateway) Listen() error {
	g.mut.Lock()
	defer g.mut.Unlock()
	if g.listener != nil {
		return nil
	}

	l, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if g.cfg.TLS.Enabled() {
		tlsConfig, err := ServerTLSConfig(g.cfg.TLS)
		if err != nil {
			l.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		l = tls.NewListener(l, tlsConfig)
	}
	g.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (g *Gateway) Addr() net.Addr {
	g.mut.Lock()
	defer g.mut.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Run serves until Stop is called.
func (g *Gateway) Run() error {
	if err := g.Listen(); err != nil {
		return err
	}

	g.mut.Lock()
	if g.ctx.Err() != nil {
		g.mut.Unlock()
		return nil
	}
	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(g.logger.Desugar()),
		BaseContext:       func(net.Listener) context.Context { return g.ctx },
	}
	g.httpServer = server
	l := g.listener
	g.mut.Unlock()

	scheme := "http"
	if g.cfg.TLS.Enabled() {
		scheme = "https"
	}
	g.logger.Infow("serving", "Addr", fmt.Sprintf("%s://%s", scheme, l.Addr()), "UpgradePath", g.cfg.UpgradePath)

	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and every open connection, then waits for their agents to be reaped.
func (g *Gateway) Stop() error {
	g.mut.Lock()
	g.cancel()
	var err error
	switch {
	case g.stopped:
	case g.httpServer != nil:
		err = g.httpServer.Close()
	case g.listener != nil:
		err = g.listener.Close()
	}
	g.stopped = true
	g.mut.Unlock()

	g.bridges.Wait()
	return err
}

func (g *Gateway) upgrade(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	g.mut.Lock()
	if g.ctx.Err() != nil {
		g.mut.Unlock()
		http.Error(w, "gateway is stopping", http.StatusServiceUnavailable)
		return
	}
	g.bridges.Add(1)
	g.mut.Unlock()
	defer g.bridges.Done()

	g.bridge.ServeHTTP(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// rejectStrayUpgrades drops WebSocket upgrades for any path other than the upgrade path without writing a response.
func (g *Gateway) rejectStrayUpgrades(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWebSocketUpgrade(r) || r.URL.Path == g.cfg.UpgradePath {
			next.ServeHTTP(w, r)
			return
		}
		g.logger.Debugw("dropping upgrade on unknown path", "Path", r.URL.Path, "RemoteAddr", r.RemoteAddr)
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "upgrade not supported on this path", http.StatusBadRequest)
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			g.logger.Debugf("error hijacking conn: %s", err)
			return
		}
		conn.Close()
	})
}

func (g *Gateway) hello(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(g.logger, w, http.StatusOK, protocol.HelloResponse{
		Message:   "Hello from backend!",
		Timestamp: g.now().UTC().Format(isoMillis),
	})
}

// isoMillis is the ISO 8601 layout browsers produce with Date.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
