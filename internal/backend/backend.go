// Package backend implements BackendIO (spec.md §6): the connection pool
// and HTTP/1.1 fetch/pipe routines the Fetch/FetchBody/Pipe steps call
// into. It never sees a *session.Session — the state machine builds a
// Request from the session's bereq and hands it down, keeping the
// dependency direction one-way (session imports backend, never the
// reverse), the same layering the teacher used between its API handlers
// and internal/ghostpool.
//
// The pluggable-director shape is grounded on
// internal/ghostpool/pool_backend.go's PoolBackend interface: one named
// backend, swappable transport, Name() for logging. Varnish backends
// don't run inside containers, so this proxy only needs the HTTP
// transport case the teacher's DockerBackend stood in for; there's no
// Kubernetes-equivalent backend kind to carry over.
package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/ocx/edgeproxy/internal/circuitbreaker"
)

// FetchStatus mirrors spec.md §6's fetch_headers return codes.
type FetchStatus int

const (
	FetchOK        FetchStatus = 0
	FetchRetryable FetchStatus = 1
	FetchFatal     FetchStatus = 2
)

// Request is everything BackendIO needs to perform one backend request.
// The Fetch step builds this from session.BusyObj.BereqHeader plus the
// original request line.
type Request struct {
	Director string
	Method   string
	Path     string // request-target, already filtered/rewritten by the fetch rule set
	Header   http.Header
	Body     io.ReadCloser
}

// Response is what fetch_headers hands back once the backend's status
// line and headers have arrived. Body is unread at this point; FetchBody
// (or StreamBody) consumes it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Director names one backend: a host:port plus the transport used to
// reach it. Multiple directors model Varnish's backend selection; the
// `director` field on Session (spec.md §3) picks one by name.
type Director struct {
	Name    string
	Addr    string // host:port
	UseTLS  bool
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// BackendIO is the external collaborator named in spec.md §6.
type BackendIO struct {
	mu        sync.RWMutex
	directors map[string]*Director
	breakers  *circuitbreaker.Manager

	connectTimeout      time.Duration
	firstByteTimeout    time.Duration
	betweenBytesTimeout time.Duration
}

// Config holds the backend-I/O timeouts (spec.md §5's "connect/first-byte
// /between-bytes timeouts on backend I/O").
type Config struct {
	ConnectTimeout      time.Duration
	FirstByteTimeout    time.Duration
	BetweenBytesTimeout time.Duration
}

func NewBackendIO(cfg Config, breakers *circuitbreaker.Manager) *BackendIO {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.FirstByteTimeout == 0 {
		cfg.FirstByteTimeout = 5 * time.Second
	}
	if cfg.BetweenBytesTimeout == 0 {
		cfg.BetweenBytesTimeout = 5 * time.Second
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil)
	}
	return &BackendIO{
		directors:           make(map[string]*Director),
		breakers:            breakers,
		connectTimeout:      cfg.ConnectTimeout,
		firstByteTimeout:    cfg.FirstByteTimeout,
		betweenBytesTimeout: cfg.BetweenBytesTimeout,
	}
}

// AddDirector registers a named backend. Registration order does not pick
// spec.md §4.4's Recv default: the Recv step uses Cfg.DefaultDirector,
// falling back to the first name DirectorNames returns.
func (b *BackendIO) AddDirector(name, addr string, useTLS bool) {
	d := &Director{
		Name:   name,
		Addr:   addr,
		UseTLS: useTLS,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: b.connectTimeout}).DialContext,
				// One fetch at a time reuses a connection; backend
				// connections that the server recycled out from under us
				// are exactly the race §4.7 retries once for.
				MaxIdleConnsPerHost:   16,
				ResponseHeaderTimeout: b.firstByteTimeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		breaker: b.breakers.Get(name),
	}
	b.mu.Lock()
	b.directors[name] = d
	b.mu.Unlock()
}

func (b *BackendIO) director(name string) (*Director, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.directors[name]
	if !ok {
		return nil, fmt.Errorf("backend: unknown director %q", name)
	}
	return d, nil
}

// FetchHeaders performs the request and returns once the status line and
// headers are in hand (spec.md §4.7). The caller (Fetch step) is
// responsible for the exactly-once retry on FetchRetryable.
func (b *BackendIO) FetchHeaders(ctx context.Context, req Request) (*Response, FetchStatus, error) {
	d, err := b.director(req.Director)
	if err != nil {
		return nil, FetchFatal, err
	}

	if err := d.breaker.Allow(); err != nil {
		return nil, FetchRetryable, err
	}

	url := fmt.Sprintf("http://%s%s", d.Addr, req.Path)
	if d.UseTLS {
		url = fmt.Sprintf("https://%s%s", d.Addr, req.Path)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, req.Body)
	if err != nil {
		return nil, FetchFatal, err
	}
	httpReq.Header = req.Header

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.breaker.Execute(func() (interface{}, error) { return nil, err })
		if isRecycledConnErr(err) {
			return nil, FetchRetryable, err
		}
		return nil, FetchFatal, err
	}
	d.breaker.Execute(func() (interface{}, error) { return nil, nil })

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, FetchOK, nil
}

// isRecycledConnErr reports whether err looks like the server closed a
// connection the transport believed was still good — the exact race
// spec.md §4.7 names as the reason for the one retry. Deliberately
// narrow: a plain dial failure (backend down, connection refused) is
// not this race and must stay fatal rather than retry pointlessly.
func isRecycledConnErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET)
}

// PumpBody copies resp.Body through w until EOF, checking ctx between
// reads. It sets no between-bytes timer: a Read that blocks is not
// interrupted by PumpBody itself. The FetchBody and StreamBody steps do
// not call it; they read the body through codec.Chain.
func (b *BackendIO) PumpBody(ctx context.Context, resp *Response, w io.Writer) error {
	defer resp.Body.Close()

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Pipe performs a bidirectional relay between client and the named
// backend, for the Pipe step (§4.6): neither side is interpreted past
// the initial request line once the tunnel is up.
func (b *BackendIO) Pipe(ctx context.Context, client io.ReadWriter, req Request) error {
	d, err := b.director(req.Director)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", d.Addr, b.connectTimeout)
	if err != nil {
		return fmt.Errorf("backend: pipe dial %s: %w", d.Addr, err)
	}
	defer conn.Close()

	bw := bufio.NewWriter(conn)
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", req.Method, req.Path)
	if err := req.Header.Write(bw); err != nil {
		return err
	}
	fmt.Fprintf(bw, "\r\n")
	if err := bw.Flush(); err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() { _, err := io.Copy(conn, client); errc <- err }()
	go func() { _, err := io.Copy(client, conn); errc <- err }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseFD force-closes idle connections to every director. Named to
// match spec.md §6's close_fd; a connection-pooled http.Transport has no
// single "the fd", so this is the closest faithful equivalent — drop
// every idle connection rather than pick one.
func (b *BackendIO) CloseFD() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, d := range b.directors {
		if t, ok := d.client.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

// DirectorNames returns the registered director names in registration
// order is not guaranteed; Recv's "director defaults to backend[0]"
// (§4.4) is resolved by the caller tracking its own default name.
func (b *BackendIO) DirectorNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.directors))
	for n := range b.directors {
		names = append(names, n)
	}
	return names
}

func init() {
	slog.Debug("backend: package initialized")
}
