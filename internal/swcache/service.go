package swcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// StatusRoute serves a JSON snapshot of the active worker and its store.
const StatusRoute = "/__swcache/status"

// Service wires the durable storage, the scope and the HTTP surface.
type Service struct {
	mu  sync.RWMutex
	cfg Config

	log     zerolog.Logger
	storage Storage
	network Network
	scope   *Scope
	stats   *statsCollector

	statsMu    sync.Mutex
	statsEvery time.Duration
	statsStop  chan struct{}
	wg         sync.WaitGroup
}

type ServiceOption func(*Service)

// WithStorage replaces the leveldb storage opened from cfg.Storage.Path.
func WithStorage(st Storage) ServiceOption { return func(s *Service) { s.storage = st } }

// WithNetwork replaces the origin network.
func WithNetwork(n Network) ServiceOption { return func(s *Service) { s.network = n } }

func NewService(ctx context.Context, cfg Config, log zerolog.Logger, opts ...ServiceOption) (*Service, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		log:    log,
		scope:  NewScope(origin, log),
		stats:  newStatsCollector(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.network == nil {
		s.network = NewOriginNetwork(cfg.Server.Origin)
	}
	if s.storage == nil {
		st, err := OpenLevelStorage(cfg.Storage.Path, cfg.RAMOptions())
		if err != nil {
			return nil, err
		}
		s.storage = st
	}

	if err := s.scope.Register(ctx, s.newWorker(cfg)); err != nil {
		_ = s.storage.Close()
		return nil, fmt.Errorf("register worker: %w", err)
	}

	s.applyLogging(cfg)
	return s, nil
}

// applyLogging sets the process-wide log level and (re)starts the stats
// loop when its interval changed.
func (s *Service) applyLogging(cfg Config) {
	zerolog.SetGlobalLevel(cfg.LogLevel())

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	every := cfg.StatsEvery()
	if every == s.statsEvery {
		return
	}
	if s.statsStop != nil {
		close(s.statsStop)
		s.statsStop = nil
	}
	s.statsEvery = every
	if every <= 0 {
		return
	}
	stop := make(chan struct{})
	s.statsStop = stop
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.statsLoop(every, stop)
	}()
}

func (s *Service) newWorker(cfg Config) *Worker {
	return NewWorker(WorkerOptions{
		CacheName:      cfg.Cache.Name,
		CoalesceMisses: cfg.Cache.CoalesceMisses,
		Storage:        s.storage,
		Network:        s.network,
		Logger:         s.log,
		Stats:          s.stats,
	})
}

// Reload registers a new worker version built from cfg. Storage and origin
// are fixed for the life of the service; cache, build and logging settings
// apply.
func (s *Service) Reload(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	cfg.Server = prev.Server
	cfg.Storage = prev.Storage
	s.cfg = cfg
	s.mu.Unlock()

	if err := s.scope.Register(ctx, s.newWorker(cfg)); err != nil {
		s.mu.Lock()
		s.cfg = prev
		s.mu.Unlock()
		return err
	}
	s.applyLogging(cfg)
	return nil
}

func (s *Service) Scope() *Scope { return s.scope }

// Close stops the stats loop, waits for every worker's fetches and writes
// and closes the storage.
func (s *Service) Close() {
	s.statsMu.Lock()
	if s.statsStop != nil {
		close(s.statsStop)
		s.statsStop = nil
	}
	s.statsEvery = 0
	s.statsMu.Unlock()
	s.wg.Wait()
	s.scope.Close()
	if err := s.storage.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close storage")
	}
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Handler returns the full HTTP surface with request logging.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		hlog.NewHandler(s.log),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
		hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", d).
				Msg("request")
		}),
	)
	r.Get(StatusRoute, s.serveStatus)
	r.HandleFunc("/sw.js", s.serveScript)
	r.HandleFunc("/sw.build.js", s.serveScript)
	r.Handle("/*", s.scope)
	return r
}

// serveScript publishes the worker script for the current build mode. The
// other mode's path is not special and goes through the scope.
func (s *Service) serveScript(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	if r.URL.Path != cfg.ScriptRoute() || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		s.scope.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Service-Worker-Allowed", "/")
	http.ServeFile(w, r, cfg.ScriptFile())
}

type statusDoc struct {
	Worker     string        `json:"worker"`
	State      string        `json:"state"`
	CacheName  string        `json:"cacheName"`
	Caches     []string      `json:"caches"`
	Entries    int           `json:"entries"`
	ScriptPath string        `json:"scriptPath"`
	Stats      statsSnapshot `json:"stats"`
}

func (s *Service) serveStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	doc := statusDoc{ScriptPath: cfg.ScriptRoute(), Stats: s.stats.Snapshot()}
	if ctrl := s.scope.Controller(); ctrl != nil {
		doc.Worker = ctrl.Version()
		doc.State = ctrl.State().String()
		doc.CacheName = ctrl.CacheName()
	}

	ctx := r.Context()
	names, err := s.storage.Names(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	doc.Caches = names
	if doc.CacheName != "" {
		n, err := s.entryCount(ctx, doc.CacheName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		doc.Entries = n
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Service) entryCount(ctx context.Context, name string) (int, error) {
	c, err := s.storage.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Service) statsLoop(every time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	ev := s.log.Info().
		Uint64("hits", ss.Hits).
		Uint64("misses", ss.Misses).
		Uint64("passes", ss.Passes).
		Str("respMin", formatBytes(ss.MinRespBytes)).
		Str("respAvg", formatBytes(ss.AvgRespBytes)).
		Str("respMax", formatBytes(ss.MaxRespBytes))
	if ctrl := s.scope.Controller(); ctrl != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if n, err := s.entryCount(ctx, ctrl.CacheName()); err == nil {
			ev = ev.Int("entries", n)
		}
		cancel()
	}
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	ev.Msg("cache stats")
}
