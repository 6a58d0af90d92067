package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	h, err := NewHTTP(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	r := chi.NewRouter()
	r.Use(h.Middleware)
	r.Get("/v1/runs/{run_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	for _, path := range []string{"/v1/runs/a", "/v1/runs/b", "/missing"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}

	if val := testutil.ToFloat64(h.requests.WithLabelValues("GET", "/v1/runs/{run_id}", "200")); val != 2 {
		t.Errorf("Expected 2 requests for the run route, got %f", val)
	}
	if val := testutil.ToFloat64(h.requests.WithLabelValues("GET", "/missing", "404")); val != 1 {
		t.Errorf("Expected 1 request for /missing, got %f", val)
	}
	if val := testutil.CollectAndCount(h.duration); val <= 0 {
		t.Errorf("Expected request durations to be observed, got %d", val)
	}
}
