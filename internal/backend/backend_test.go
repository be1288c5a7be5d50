package backend

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestFetchHeaders_UnknownDirectorIsFatal(t *testing.T) {
	b := NewBackendIO(Config{}, nil)
	_, status, err := b.FetchHeaders(context.Background(), Request{Director: "nope", Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.Equal(t, FetchFatal, status)
}

func TestFetchHeaders_SuccessReturnsStatusAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Backend", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	b := NewBackendIO(Config{}, nil)
	b.AddDirector("origin", addrOf(srv), false)

	resp, status, err := b.FetchHeaders(context.Background(), Request{
		Director: "origin",
		Method:   http.MethodGet,
		Path:     "/",
		Header:   make(http.Header),
	})
	require.NoError(t, err)
	assert.Equal(t, FetchOK, status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-From-Backend"))

	var buf bytes.Buffer
	require.NoError(t, b.PumpBody(context.Background(), resp, &buf))
	assert.Equal(t, "hello", buf.String())
}

func TestFetchHeaders_NonRecycledDialErrorIsFatal(t *testing.T) {
	b := NewBackendIO(Config{ConnectTimeout: 50 * time.Millisecond}, nil)
	b.AddDirector("deadend", "127.0.0.1:1", false)

	_, status, err := b.FetchHeaders(context.Background(), Request{
		Director: "deadend",
		Method:   http.MethodGet,
		Path:     "/",
		Header:   make(http.Header),
	})
	require.Error(t, err)
	assert.Equal(t, FetchFatal, status)
}

func TestPumpBody_CopiesUntilEOF(t *testing.T) {
	b := NewBackendIO(Config{}, nil)
	resp := &Response{Body: io.NopCloser(strings.NewReader("streamed content"))}

	var buf bytes.Buffer
	require.NoError(t, b.PumpBody(context.Background(), resp, &buf))
	assert.Equal(t, "streamed content", buf.String())
}

func TestPumpBody_RespectsContextCancellation(t *testing.T) {
	b := NewBackendIO(Config{}, nil)
	pr, pw := io.Pipe()
	resp := &Response{Body: pr}
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.PumpBody(ctx, resp, io.Discard)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirectorNames_ReflectsRegistrations(t *testing.T) {
	b := NewBackendIO(Config{}, nil)
	b.AddDirector("a", "127.0.0.1:8080", false)
	b.AddDirector("b", "127.0.0.1:8081", false)

	names := b.DirectorNames()
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestCloseFD_DoesNotPanicWithNoDirectors(t *testing.T) {
	b := NewBackendIO(Config{}, nil)
	assert.NotPanics(t, func() { b.CloseFD() })
}
