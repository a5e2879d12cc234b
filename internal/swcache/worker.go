package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrWorkerNotActive is returned when a fetch is dispatched to a worker that
// never reached the activated state.
var ErrWorkerNotActive = errors.New("swcache: worker is not active")

// State is a worker lifecycle phase.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome says how a fetch event was answered.
type Outcome int

const (
	// OutcomePass means the worker did not respond; the request goes to the
	// network untouched.
	OutcomePass Outcome = iota
	OutcomeHit
	OutcomeMiss
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeMiss:
		return "miss"
	}
	return "pass"
}

type WorkerOptions struct {
	Version   string
	CacheName string

	// CoalesceMisses shares one network fetch among concurrent misses for
	// the same key. Off by default: each miss fetches and writes on its own.
	CoalesceMisses bool

	Storage Storage
	Network Network
	Logger  zerolog.Logger
	Stats   *statsCollector
}

// Worker is one version of the fetch-interception cache.
type Worker struct {
	version   string
	cacheName string
	coalesce  bool

	storage Storage
	network Network
	stats   *statsCollector

	log       zerolog.Logger
	putErrLog *rateLimitedLogger

	state       atomic.Int32
	skipWaiting atomic.Bool
	scope       *Scope

	group singleflight.Group
	wg    sync.WaitGroup
}

func NewWorker(o WorkerOptions) *Worker {
	name := o.CacheName
	if name == "" {
		name = CacheName
	}
	version := o.Version
	if version == "" {
		version = time.Now().UTC().Format("20060102T150405.000")
	}
	log := o.Logger.With().Str("worker", version).Logger()
	return &Worker{
		version:   version,
		cacheName: name,
		coalesce:  o.CoalesceMisses,
		storage:   o.Storage,
		network:   o.Network,
		stats:     o.Stats,
		log:       log,
		putErrLog: newRateLimitedLogger(log, time.Minute),
	}
}

func (w *Worker) Version() string   { return w.version }
func (w *Worker) CacheName() string { return w.cacheName }
func (w *Worker) State() State      { return State(w.state.Load()) }

func (w *Worker) transition(from, to State) error {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("worker %s: cannot move to %s from %s", w.version, to, w.State())
	}
	w.log.Debug().Str("state", to.String()).Msg("lifecycle")
	return nil
}

// Install runs the install phase. The worker always asks to skip waiting so
// it activates as soon as it is installed.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		w.state.Store(int32(StateRedundant))
		return err
	}
	w.skipWaiting.Store(true)
	return w.transition(StateInstalling, StateInstalled)
}

// Activate runs the activate phase and claims every client of the scope.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		w.state.Store(int32(StateRedundant))
		return err
	}
	if err := w.transition(StateActivating, StateActivated); err != nil {
		return err
	}
	if w.scope != nil {
		w.scope.claim(w)
	}
	return nil
}

// HandleFetch answers one fetch event. For requests that are not images it
// returns OutcomePass and touches neither the store nor the network.
func (w *Worker) HandleFetch(ctx context.Context, ev *FetchEvent) (*Response, Outcome, error) {
	if st := w.State(); st != StateActivated && st != StateRedundant {
		return nil, OutcomePass, ErrWorkerNotActive
	}
	if !Intercepts(ev.Ext) {
		w.stats.Pass()
		return nil, OutcomePass, nil
	}

	// Held for the whole fetch so cache writes started below always add to
	// a positive counter and Wait covers them.
	w.wg.Add(1)
	defer w.wg.Done()

	cache, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return nil, OutcomeMiss, fmt.Errorf("open cache %q: %w", w.cacheName, err)
	}
	if ent, ok, err := cache.Match(ctx, ev.Key); err != nil {
		return nil, OutcomeMiss, err
	} else if ok {
		w.stats.Hit(len(ent.Body))
		return ent, OutcomeHit, nil
	}

	var resp *Response
	if w.coalesce {
		resp, err = w.fetchShared(ctx, cache, ev)
	} else {
		resp, err = w.fetchAndStore(ctx, cache, ev)
	}
	if err != nil {
		return nil, OutcomeMiss, err
	}
	w.stats.Miss(len(resp.Body))
	return resp, OutcomeMiss, nil
}

func (w *Worker) fetchAndStore(ctx context.Context, cache Cache, ev *FetchEvent) (*Response, error) {
	resp, err := w.network.Fetch(ctx, fullRequest(ctx, ev.Request))
	if err != nil {
		return nil, err
	}
	if storable(resp.Status) {
		w.storeAsync(cache, ev.Key, resp.Clone())
	}
	return resp, nil
}

// validatorHeaders would let the origin answer with a 304 or a partial 206,
// neither of which is a complete response worth keeping.
var validatorHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// fullRequest returns a copy of r that always asks for the whole resource.
func fullRequest(ctx context.Context, r *http.Request) *http.Request {
	out := r.Clone(ctx)
	for _, h := range validatorHeaders {
		out.Header.Del(h)
	}
	return out
}

// storable reports whether a response with this status may be written.
// Any complete response is, errors included.
func storable(status int) bool {
	return status != http.StatusPartialContent && status != http.StatusNotModified
}

func (w *Worker) fetchShared(ctx context.Context, cache Cache, ev *FetchEvent) (*Response, error) {
	v, err, _ := w.group.Do(ev.Key.String(), func() (any, error) {
		return w.fetchAndStore(context.WithoutCancel(ctx), cache, ev)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response).Clone(), nil
}

func (w *Worker) storeAsync(cache Cache, key RequestKey, resp *Response) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := cache.Put(ctx, key, resp); err != nil {
			w.putErrLog.Warn(err, "cache put failed")
		}
	}()
}

// Wait blocks until every in-flight fetch and pending cache write has
// finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) retire() {
	w.state.Store(int32(StateRedundant))
	w.log.Info().Msg("worker redundant")
}
