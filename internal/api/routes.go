package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

import (
	"github.com/gorilla/mux"
)

// Upstream is an outbound dependency a handler calls through its breaker.
type Upstream struct {
	Name    string
	BaseURL string
	Client  *http.Client
}

func NewUpstream(name, baseURL string) *Upstream {
	return &Upstream{
		Name:    name,
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Fetch performs one GET against the upstream; non-2xx counts as failure.
func (u *Upstream) Fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream %s returned %d", u.Name, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// APIRoutes builds the rate-limited subtree. The handlers here are
// placeholders for the application's real routes; what matters is that
// they sit behind the admission middleware and reach upstreams only
// through their breakers.
func (s *Server) APIRoutes(upstreams map[string]*Upstream) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/ping", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"pong": time.Now().UTC().Format(time.RFC3339)})
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/upstream/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := mux.Vars(req)["name"]
		up, ok := upstreams[name]
		if !ok {
			errResp(w, http.StatusNotFound, "unknown upstream: "+name)
			return
		}

		var body []byte
		ok = s.WrapDependency(w, req, up.Name, func(ctx context.Context) error {
			var err error
			body, err = up.Fetch(ctx, req.URL.Query().Get("path"))
			return err
		})
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}).Methods(http.MethodGet)

	return r
}
