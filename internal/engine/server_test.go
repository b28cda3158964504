package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tanq16/fastdl/internal/hostinfo"
)

// faultFunc may take over a GET request. attempt counts requests carrying
// the same Range header, starting at 1. It returns true if it wrote a
// response.
type faultFunc func(w http.ResponseWriter, r *http.Request, attempt int) bool

// testServer serves a fixed payload with http.ServeContent unless a fault
// or mode says otherwise.
type testServer struct {
	*httptest.Server
	data []byte

	mu   sync.Mutex
	gets map[string]int
	// modes
	noRanges    bool
	hideLength  bool
	headStatus  int
	disposition string
	etag        string
	fault       faultFunc
}

func newTestServer(t *testing.T, data []byte, configure func(*testServer)) *testServer {
	t.Helper()
	ts := &testServer{data: data, gets: make(map[string]int), etag: `"v1"`}
	if configure != nil {
		configure(ts)
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	if ts.disposition != "" {
		w.Header().Set("Content-Disposition", ts.disposition)
	}
	if r.Method == http.MethodHead && ts.headStatus != 0 {
		w.WriteHeader(ts.headStatus)
		return
	}
	if r.Method == http.MethodGet {
		ts.mu.Lock()
		ts.gets[r.Header.Get("Range")]++
		attempt := ts.gets[r.Header.Get("Range")]
		ts.mu.Unlock()
		if ts.fault != nil && ts.fault(w, r, attempt) {
			return
		}
	}
	switch {
	case ts.hideLength:
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			half := len(ts.data) / 2
			w.Write(ts.data[:half])
			w.(http.Flusher).Flush()
			w.Write(ts.data[half:])
		}
	case ts.noRanges:
		w.Header().Set("Content-Length", strconv.Itoa(len(ts.data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(ts.data)
		}
	default:
		if ts.etag != "" {
			w.Header().Set("ETag", ts.etag)
		}
		http.ServeContent(w, r, "payload.bin", time.Time{}, bytes.NewReader(ts.data))
	}
}

// getCount returns how many GETs carried the given Range header.
func (ts *testServer) getCount(rangeHeader string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.gets[rangeHeader]
}

func (ts *testServer) totalGets() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	total := 0
	for _, n := range ts.gets {
		total += n
	}
	return total
}

func fixedHost(context.Context) hostinfo.Info {
	return hostinfo.Info{CPUs: 2, TotalMemory: 2 << 30, AvailableMemory: 1 << 30}
}

func testOptions(ts *testServer, dir string) Options {
	return Options{
		URL:          ts.URL + "/files/payload.bin",
		OutputDir:    dir,
		Connections:  4,
		Client:       ts.Client(),
		Retry:        fastPolicy(3),
		StallTimeout: 5 * time.Second,
		Host:         fixedHost,
	}
}
