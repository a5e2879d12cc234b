package swcache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOrigin struct {
	*httptest.Server
	images atomic.Int32
	api    atomic.Int32
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{}
	mux := http.NewServeMux()
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		o.images.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("If-None-Match") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if r.Header.Get("Range") != "" {
			w.Header().Set("Content-Range", "bytes 0-1/*")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = io.WriteString(w, "im")
			return
		}
		_, _ = io.WriteString(w, "image:"+r.URL.Path)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		o.api.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"folders":[]}`)
	})
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func newTestService(t *testing.T, yaml string) (*Service, *httptest.Server) {
	t.Helper()
	cfg, err := ParseConfig([]byte(yaml))
	require.NoError(t, err)
	st, err := OpenMemoryStorage(cfg.RAMOptions())
	require.NoError(t, err)

	svc, err := NewService(context.Background(), cfg, zerolog.Nop(), WithStorage(st))
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return svc, srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestServiceCachesImages(t *testing.T) {
	origin := newTestOrigin(t)
	svc, srv := newTestService(t, "server:\n  origin: "+origin.URL+"\n")

	resp, body := get(t, srv.URL+"/img/cat.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get("X-Swcache"))
	assert.Equal(t, "image:/img/cat.png", body)
	svc.Scope().Controller().Wait()

	resp, body = get(t, srv.URL+"/img/cat.png")
	assert.Equal(t, "hit", resp.Header.Get("X-Swcache"))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "X-Swcache")
	assert.Equal(t, "image:/img/cat.png", body)

	assert.Equal(t, int32(1), origin.images.Load())
}

func TestServicePassesThroughNonImages(t *testing.T) {
	origin := newTestOrigin(t)
	_, srv := newTestService(t, "server:\n  origin: "+origin.URL+"\n")

	for i := 0; i < 2; i++ {
		resp, body := get(t, srv.URL+"/api/folders")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("X-Swcache"))
		assert.Equal(t, `{"folders":[]}`, body)
	}
	assert.Equal(t, int32(2), origin.api.Load())
}

func TestServiceOriginDown(t *testing.T) {
	origin := newTestOrigin(t)
	_, srv := newTestService(t, "server:\n  origin: "+origin.URL+"\n")
	origin.Close()

	resp, _ := get(t, srv.URL+"/img/gone.jpg")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad-gateway", resp.Header.Get("X-Swcache"))
}

func TestServiceStatus(t *testing.T) {
	origin := newTestOrigin(t)
	svc, srv := newTestService(t, "server:\n  origin: "+origin.URL+"\n")

	get(t, srv.URL+"/img/a.gif")
	get(t, srv.URL+"/api/x")
	svc.Scope().Controller().Wait()

	resp, body := get(t, srv.URL+StatusRoute)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc statusDoc
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, "activated", doc.State)
	assert.Equal(t, CacheName, doc.CacheName)
	assert.Equal(t, []string{CacheName}, doc.Caches)
	assert.Equal(t, 1, doc.Entries)
	assert.Equal(t, "/sw.build.js", doc.ScriptPath)
	assert.Equal(t, uint64(1), doc.Stats.Misses)
	assert.Equal(t, uint64(1), doc.Stats.Passes)
}

func TestServiceReloadSwapsCacheName(t *testing.T) {
	origin := newTestOrigin(t)
	svc, srv := newTestService(t, "server:\n  origin: "+origin.URL+"\n")

	get(t, srv.URL+"/img/a.png")
	first := svc.Scope().Controller()
	first.Wait()

	next, err := ParseConfig([]byte("server:\n  origin: " + origin.URL + "\ncache:\n  name: gallery-images-v2\n"))
	require.NoError(t, err)
	require.NoError(t, svc.Reload(context.Background(), next))

	ctrl := svc.Scope().Controller()
	require.NotSame(t, first, ctrl)
	assert.Equal(t, "gallery-images-v2", ctrl.CacheName())
	assert.Equal(t, StateRedundant, first.State())

	resp, _ := get(t, srv.URL+"/img/a.png")
	assert.Equal(t, "miss", resp.Header.Get("X-Swcache"), "old store is abandoned")
	ctrl.Wait()
	assert.Equal(t, int32(2), origin.images.Load())
}

func TestServiceCachesFullBodyForConditionalAndRangeRequests(t *testing.T) {
	for _, h := range []struct{ name, value string }{
		{"If-None-Match", `"v1"`},
		{"Range", "bytes=0-1"},
	} {
		t.Run(h.name, func(t *testing.T) {
			origin := newTestOrigin(t)
			svc, srv := newTestService(t, "server:\n  origin: "+origin.URL+"\n")

			req, err := http.NewRequest(http.MethodGet, srv.URL+"/img/cond.png", nil)
			require.NoError(t, err)
			req.Header.Set(h.name, h.value)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			assert.Equal(t, "miss", resp.Header.Get("X-Swcache"))
			svc.Scope().Controller().Wait()

			resp, body := get(t, srv.URL+"/img/cond.png")
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "hit", resp.Header.Get("X-Swcache"))
			assert.Equal(t, "image:/img/cond.png", body)
			assert.Equal(t, int32(1), origin.images.Load())
		})
	}
}

func TestServiceReloadAppliesLogging(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	origin := newTestOrigin(t)
	svc, _ := newTestService(t, "server:\n  origin: "+origin.URL+"\n")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	next, err := ParseConfig([]byte("server:\n  origin: " + origin.URL + "\nlogging:\n  level: debug\n  statsEvery: 1h\n"))
	require.NoError(t, err)
	require.NoError(t, svc.Reload(context.Background(), next))

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	svc.statsMu.Lock()
	assert.Equal(t, time.Hour, svc.statsEvery)
	assert.NotNil(t, svc.statsStop)
	svc.statsMu.Unlock()

	next, err = ParseConfig([]byte("server:\n  origin: " + origin.URL + "\nlogging:\n  level: warn\n"))
	require.NoError(t, err)
	require.NoError(t, svc.Reload(context.Background(), next))

	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	svc.statsMu.Lock()
	assert.Zero(t, svc.statsEvery)
	assert.Nil(t, svc.statsStop)
	svc.statsMu.Unlock()
}

func TestServiceServesScriptForMode(t *testing.T) {
	origin := newTestOrigin(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sw.js"), []byte("// dev worker"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sw.build.js"), []byte("// prod worker"), 0o644))

	_, dev := newTestService(t, "server:\n  origin: "+origin.URL+"\nbuild:\n  mode: development\n  publicDir: "+dir+"\n")
	resp, body := get(t, dev.URL+"/sw.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "// dev worker", body)
	assert.Equal(t, "/", resp.Header.Get("Service-Worker-Allowed"))

	_, prod := newTestService(t, "server:\n  origin: "+origin.URL+"\nbuild:\n  mode: production\n  publicDir: "+dir+"\n")
	resp, body = get(t, prod.URL+"/sw.build.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "// prod worker", body)

	// the development path is plain origin traffic in production
	resp, _ = get(t, prod.URL+"/sw.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
