package swcache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Network performs the pass-through fetch for an intercepted request.
// Only transport failures are errors; any status is a valid response.
type Network interface {
	Fetch(ctx context.Context, r *http.Request) (*Response, error)
}

// OriginNetwork fetches from a fixed origin, keeping the request URI.
type OriginNetwork struct {
	Origin string
	Client *http.Client
}

func NewOriginNetwork(origin string) *OriginNetwork {
	return &OriginNetwork{
		Origin: strings.TrimRight(origin, "/"),
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (n *OriginNetwork) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	originURL := n.Origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(ctx, r.Method, originURL, r.Body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	ent := &Response{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
