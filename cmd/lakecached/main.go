// Command lakecached runs the cache gateway: a single process that fronts
// the namespaced cache over a cluster of stores, exposing a small HTTP
// surface for cache operations, cluster status, and metrics.
//
// Endpoints:
//
//	GET    /cache/{key}    - Fetch a value
//	PUT    /cache/{key}    - Store a value (body is the value; ?ttl=30s)
//	DELETE /cache/{key}    - Delete a value
//	DELETE /cache          - Clear the namespace (?namespace= overrides)
//	GET    /health         - Gateway and cluster health
//	GET    /nodes          - Cluster membership and master
//	GET    /metrics        - Prometheus exposition
//	GET    /metrics/export - Structured JSON export (?since=1h)
//
// Example:
//
//	lakecached --config lake.yaml --log-level debug
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/datapunk/lake/internal/access"
	"github.com/datapunk/lake/internal/cache"
	"github.com/datapunk/lake/internal/eviction"
	"github.com/datapunk/lake/internal/logging"
	"github.com/datapunk/lake/internal/metrics"
	"github.com/datapunk/lake/internal/registry"
	"github.com/datapunk/lake/internal/replication"
	"github.com/datapunk/lake/internal/ringhash"
	"github.com/datapunk/lake/internal/store"
	"github.com/datapunk/lake/internal/warming"
	"github.com/datapunk/lake/internal/writebehind"
)

var log = logging.Component("lakecached")

func main() {
	var (
		configPath string
		listen     string
		logLevel   string
		pretty     bool
	)

	root := &cobra.Command{
		Use:   "lakecached",
		Short: "Namespaced distributed cache gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: logLevel, Pretty: pretty})
			log = logging.Component("lakecached")

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to YAML configuration")
	root.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().BoolVar(&pretty, "pretty", false, "human-readable console logs")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// gateway holds every running component so shutdown can unwind them in
// order.
type gateway struct {
	cfg        Config
	nodeStores map[string]store.Store
	ring       *ringhash.Holder
	reg        *registry.Registry
	facade     *cache.Facade
	tracker    *access.Tracker
	buffer     *writebehind.Buffer
	enforcer   *cache.Enforcer
	warmer     *warming.Engine
	sink       *metrics.Sink
}

func buildGateway(cfg Config) (*gateway, error) {
	nodeStores := make(map[string]store.Store, len(cfg.Nodes))
	addrs := make(map[string]store.Store, len(cfg.Nodes))
	var regNodes []registry.Node
	for _, n := range cfg.Nodes {
		var s store.Store
		if cfg.Backend == "redis" {
			s = store.NewRedisStore(n.addr())
		} else {
			s = store.NewMemoryStore()
		}
		nodeStores[n.ID] = s
		addrs[n.addr()] = s
		regNodes = append(regNodes, registry.Node{ID: n.ID, Addr: n.addr(), Weight: n.Weight})
	}

	ring := &ringhash.Holder{}
	pinger := func(ctx context.Context, addr string) error {
		s, ok := addrs[addr]
		if !ok {
			return fmt.Errorf("unknown node address %s", addr)
		}
		return s.Ping(ctx)
	}
	reg := registry.New(registry.Config{
		HeartbeatInterval: cfg.HeartbeatInterval.std(),
		VirtualNodes:      cfg.VirtualNodes,
	}, regNodes, pinger, ring)

	sink := metrics.New(metrics.Config{})
	tracker := access.New(access.Config{})
	policy := eviction.ByName(cfg.EvictionPolicy)

	// The first node's store doubles as the pub/sub bus; with a shared
	// Redis deployment every node sees the same channels anyway.
	firstID := cfg.Nodes[0].ID
	bus := nodeStores[firstID]

	var backend cache.Backend
	if len(cfg.Nodes) > 1 {
		engine := replication.New(replication.Config{R: cfg.ReadQuorum, W: cfg.WriteQuorum}, ring, nodeStores, bus, firstID)
		backend = cache.NewReplicationBackend(engine)
	} else {
		backend = cache.NewStoreBackend(bus)
	}

	var buffer *writebehind.Buffer
	if cfg.WriteBehind {
		buffer = writebehind.New(writebehind.Config{
			FlushInterval: cfg.WriteInterval.std(),
			TTL:           cfg.DefaultTTL.std(),
		}, bus)
	}

	enforcer := cache.NewEnforcer(cache.EnforcerConfig{
		Namespace: cfg.Namespace,
		MaxSize:   cfg.MaxSize,
	}, policy, nodeStores, sink)

	facade := cache.New(cache.Config{
		Namespace:   cfg.Namespace,
		WriteBehind: cfg.WriteBehind,
		DefaultTTL:  cfg.DefaultTTL.std(),
	}, cache.Deps{
		Backend:     backend,
		NodeStores:  nodeStores,
		Healthy:     reg.Healthy,
		Policy:      policy,
		Tracker:     tracker,
		WriteBuffer: buffer,
		Metrics:     sink,
		Enforcer:    enforcer,
	})

	g := &gateway{
		cfg:        cfg,
		nodeStores: nodeStores,
		ring:       ring,
		reg:        reg,
		facade:     facade,
		tracker:    tracker,
		buffer:     buffer,
		enforcer:   enforcer,
		sink:       sink,
	}

	if len(cfg.WarmPatterns) > 0 {
		warmer, err := g.buildWarmer()
		if err != nil {
			return nil, err
		}
		g.warmer = warmer
	}
	return g, nil
}

// buildWarmer wires the warming engine against an "origin:" key space on
// the bus store: a warmed key's value is fetched from origin:<key> and
// written through the facade with the configured warm TTL.
func (g *gateway) buildWarmer() (*warming.Engine, error) {
	bus := g.nodeStores[g.cfg.Nodes[0].ID]
	present := func(key string) bool {
		ok, err := bus.Exists(context.Background(), key)
		return err == nil && ok
	}
	fetch := func(ctx context.Context, key string) ([]byte, error) {
		v, err := bus.Get(ctx, "origin:"+key)
		if err != nil {
			return nil, nil
		}
		return v, nil
	}
	writer := facadeWriter{facade: g.facade, namespace: g.cfg.Namespace}

	warmer := warming.New(g.tracker, present, fetch, writer)
	for _, pattern := range g.cfg.WarmPatterns {
		if err := warmer.Register(pattern, warming.Config{TTL: g.cfg.WarmTTL.std()}); err != nil {
			return nil, err
		}
	}
	return warmer, nil
}

// facadeWriter adapts the facade's Set to the warming engine's Writer,
// stripping the namespace prefix the tracker's keys already carry.
type facadeWriter struct {
	facade    *cache.Facade
	namespace string
}

func (w facadeWriter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	key = strings.TrimPrefix(key, w.namespace+":")
	return w.facade.Set(ctx, key, value, ttl), nil
}

func (g *gateway) start(ctx context.Context) {
	g.reg.Start(ctx)
	g.sink.Start(ctx)
	g.enforcer.Start(ctx)
	if g.buffer != nil {
		g.buffer.Start(ctx)
	}
	if g.warmer != nil {
		g.warmer.Start(ctx)
	}
}

func (g *gateway) stop(ctx context.Context) {
	if g.warmer != nil {
		g.warmer.Stop()
	}
	if g.buffer != nil {
		g.buffer.Stop(ctx)
	}
	g.enforcer.Stop()
	g.sink.Stop()
	g.reg.Stop()
	for _, s := range g.nodeStores {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}
}

func run(ctx context.Context, cfg Config) error {
	g, err := buildGateway(cfg)
	if err != nil {
		return err
	}
	g.start(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           g.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	g.stop(shutdownCtx)
	return nil
}

func (g *gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cache/", g.handleKey)
	mux.HandleFunc("/cache", g.handleClear)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/nodes", g.handleNodes)
	mux.HandleFunc("/metrics/export", g.handleMetricsExport)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(metrics.NewCollector(g.sink))
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	return mux
}

func (g *gateway) handleKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		v := g.facade.Get(r.Context(), key, nil)
		if v == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write(v)
	case http.MethodPut, http.MethodPost:
		ttl := time.Duration(0)
		if raw := r.URL.Query().Get("ttl"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				http.Error(w, "bad ttl", http.StatusBadRequest)
				return
			}
			ttl = parsed
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if !g.facade.Set(r.Context(), key, body, ttl) {
			http.Error(w, "write failed", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if !g.facade.Delete(r.Context(), key) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (g *gateway) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := g.facade.Clear(r.Context(), r.URL.Query().Get("namespace"))
	json.NewEncoder(w).Encode(map[string]int{"removed": n})
}

func (g *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := g.reg.Healthy()
	status := "ok"
	code := http.StatusOK
	if len(healthy) == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        status,
		"healthy_nodes": healthy,
	})
}

func (g *gateway) handleNodes(w http.ResponseWriter, r *http.Request) {
	master, _ := g.reg.Master()
	ids := maps.Keys(g.nodeStores)
	slices.Sort(ids)

	type nodeView struct {
		ID       string `json:"id"`
		Addr     string `json:"addr"`
		Status   string `json:"status"`
		IsMaster bool   `json:"is_master"`
	}
	views := make([]nodeView, 0, len(ids))
	for _, id := range ids {
		n, ok := g.reg.Get(id)
		if !ok {
			continue
		}
		views = append(views, nodeView{ID: n.ID, Addr: n.Addr, Status: n.Status.String(), IsMaster: n.IsMaster})
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"master": master,
		"nodes":  views,
	})
}

func (g *gateway) handleMetricsExport(w http.ResponseWriter, r *http.Request) {
	since := 24 * time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	now := time.Now()
	data, err := g.sink.ExportJSON(now.Add(-since), now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
