package probe

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func split(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func TestReachable(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := split(t, srv)
	p := New(time.Second)
	assert.True(t, p.Reachable(t.Context(), host, port, "_stcore/health"))
	assert.Equal(t, "/_stcore/health", gotPath)
}

func TestServerErrorIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	host, port := split(t, srv)
	assert.False(t, New(time.Second).Reachable(t.Context(), host, port, "/"))
}

func TestRedirectCountsAsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://login.invalid/", http.StatusFound)
	}))
	defer srv.Close()

	host, port := split(t, srv)
	assert.True(t, New(time.Second).Reachable(t.Context(), host, port, "/"))
}

func TestProbeIsBoundedByTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	host, port := split(t, srv)
	start := time.Now()
	assert.False(t, New(100*time.Millisecond).Reachable(t.Context(), host, port, "/"))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClosedPortIsUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	assert.False(t, New(time.Second).Reachable(t.Context(), "127.0.0.1", port, "/"))
}
