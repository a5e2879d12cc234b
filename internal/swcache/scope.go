package swcache

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Scope is the set of pages a worker controls. It dispatches every request
// to the controlling worker as a fetch event and sends whatever the worker
// does not answer to the origin unmodified.
type Scope struct {
	controller atomic.Pointer[Worker]

	regMu   sync.Mutex
	retired []*Worker

	passthrough http.Handler
	log         zerolog.Logger
}

func NewScope(origin *url.URL, log zerolog.Logger) *Scope {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
	}
	return &Scope{passthrough: rp, log: log}
}

// Register installs w and, since workers always skip waiting, activates it
// right away. The previous controller becomes redundant; its in-flight
// requests and pending writes are awaited by Close.
func (s *Scope) Register(ctx context.Context, w *Worker) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	w.scope = s
	if err := w.Install(ctx); err != nil {
		w.retire()
		return err
	}
	prev := s.controller.Load()
	if !w.skipWaiting.Load() && prev != nil {
		// waits for prev's clients to go away, which a proxy never sees
		s.log.Info().Str("worker", w.Version()).Msg("worker waiting")
		return nil
	}
	if err := w.Activate(ctx); err != nil {
		w.retire()
		return err
	}
	if prev != nil && prev != w {
		prev.retire()
		s.retired = append(s.retired, prev)
	}
	s.log.Info().
		Str("worker", w.Version()).
		Str("cache", w.CacheName()).
		Msg("worker activated")
	return nil
}

func (s *Scope) claim(w *Worker) {
	s.controller.Store(w)
}

// Controller returns the active worker, or nil before the first Register.
func (s *Scope) Controller() *Worker {
	return s.controller.Load()
}

// Close waits for the in-flight fetches and pending cache writes of every
// worker, current and retired. Call it once the server has stopped
// dispatching requests.
func (s *Scope) Close() {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	for _, w := range s.retired {
		w.Wait()
	}
	s.retired = nil
	if w := s.controller.Load(); w != nil {
		w.Wait()
	}
}

func (s *Scope) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller.Load()
	if ctrl == nil {
		s.passthrough.ServeHTTP(w, r)
		return
	}

	ev := NewFetchEvent(r)
	resp, outcome, err := ctrl.HandleFetch(r.Context(), ev)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("key", ev.Key.String()).Msg("fetch failed")
		setSwcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if outcome == OutcomePass {
		s.passthrough.ServeHTTP(w, r)
		return
	}
	writeResponse(w, r, resp, outcome.String())
}

func writeResponse(w http.ResponseWriter, r *http.Request, ent *Response, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-swcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSwcacheHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(ent.Body)
}

func setSwcacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Swcache", outcome)
	}
	// Custom headers are invisible to browser JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, "X-Swcache")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
