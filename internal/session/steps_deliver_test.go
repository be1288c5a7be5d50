package session

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/edgeproxy/internal/backend"
	"github.com/ocx/edgeproxy/internal/cacheindex"
	"github.com/ocx/edgeproxy/internal/object"
)

// gzipFixture gzip-compresses plain, returning the compressed bytes.
func gzipFixture(t *testing.T, plain string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(plain))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// newStreamingSession wires a Session against a real MemIndex, with
// s.rc.ObjCore set to a freshly-looked-up busy entry, the way stepMiss
// leaves it before StepFetch/StepStreamBody run. That makes Unbusy
// inside stepStreamBody a real, exercised call rather than a stub.
func newStreamingSession(t *testing.T) (*Session, *cacheindex.MemIndex, net.Conn) {
	t.Helper()
	storage := object.NewMemStorage(1<<20, 1<<20)
	idx := cacheindex.NewMemIndex(2, storage)
	be := backend.NewBackendIO(backend.Config{}, nil)
	e := NewEngine(DefaultConfig(), idx, be, nil, storage)

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	s := New(e, server)

	req, err := http.NewRequest("GET", "http://example.com/streamed", nil)
	require.NoError(t, err)
	s.req = req

	var digest [32]byte
	digest[0] = 1
	s.digest = digest
	res := idx.Lookup(digest, req)
	require.False(t, res.Parked)
	require.True(t, res.Core.HasFlag(object.FlagBusy))
	s.rc.ObjCore = res.Core

	return s, idx, client
}

// TestStepStreamBody_GunzipOverlayLeavesStorageCompressed covers
// scenario 5: a streamed, gzip-compressed backend body delivered to a
// client that only accepts identity encoding. The per-client copy on
// the wire must be plaintext while the copy retained for the cache
// stays gzip-compressed.
func TestStepStreamBody_GunzipOverlayLeavesStorageCompressed(t *testing.T) {
	s, _, client := newStreamingSession(t)

	const plain = "hello-streamed-widget, repeated for a little bulk"
	compressed := gzipFixture(t, plain)

	s.rc.Busy = object.NewBusyObj(s.rc.ObjCore)
	s.rc.Busy.DoStream = true
	s.rc.Busy.IsGzip = true

	obj := object.NewObject()
	obj.Status = http.StatusOK
	obj.Gzipped = true
	s.rc.Object = obj

	s.rc.RespHeader.Set("Content-Type", "text/plain")
	s.rc.RespMode = ModeGUNZIP | ModeCHUNKED
	buildResponseHeaders(s, s.rc.RespMode)

	s.rc.BackendResp = &backend.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(compressed)),
	}

	done := make(chan outcome, 1)
	go func() {
		done <- stepStreamBody(context.Background(), s)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(client), &http.Request{Method: "GET"})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, plain, string(body), "client must receive decoded identity bytes")
	require.Empty(t, resp.Header.Get("Content-Encoding"), "ModeGUNZIP must strip Content-Encoding")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stepStreamBody did not return")
	}

	require.Equal(t, compressed, obj.Body, "stored Object body must stay gzip-compressed")
	require.Equal(t, StepDone, s.step)
}

// TestStepStreamBody_IdentityPassthroughCapturesWrittenBytes covers the
// no-overlay branch: without ModeGUNZIP, the bytes written to the client
// are exactly what gets retained for storage.
func TestStepStreamBody_IdentityPassthroughCapturesWrittenBytes(t *testing.T) {
	s, _, client := newStreamingSession(t)

	const plain = "plain-bytes-no-transform"

	s.rc.Busy = object.NewBusyObj(s.rc.ObjCore)
	s.rc.Busy.DoStream = true

	obj := object.NewObject()
	obj.Status = http.StatusOK
	s.rc.Object = obj

	s.rc.RespMode = ModeCHUNKED
	buildResponseHeaders(s, s.rc.RespMode)

	s.rc.BackendResp = &backend.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(plain)),
	}

	done := make(chan outcome, 1)
	go func() {
		done <- stepStreamBody(context.Background(), s)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(client), &http.Request{Method: "GET"})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, plain, string(body))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stepStreamBody did not return")
	}

	require.Equal(t, []byte(plain), obj.Body)
}
