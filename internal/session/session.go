package session

import (
	"bufio"
	"context"
	"crypto/sha256"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/edgeproxy/internal/backend"
	"github.com/ocx/edgeproxy/internal/cacheindex"
	"github.com/ocx/edgeproxy/internal/logring"
	"github.com/ocx/edgeproxy/internal/metrics"
	"github.com/ocx/edgeproxy/internal/object"
	"github.com/ocx/edgeproxy/internal/policyvm"
	"github.com/ocx/edgeproxy/internal/streamhub"
	"github.com/ocx/edgeproxy/internal/workspace"
	"github.com/ocx/edgeproxy/internal/xid"
)

// ResponseMode is the bitmask of framing/transform overlays PrepResp
// selects (spec.md §4.9's {LEN, CHUNKED, EOF, ESI, ESI_CHILD, GUNZIP}).
type ResponseMode uint8

const (
	ModeLEN ResponseMode = 1 << iota
	ModeCHUNKED
	ModeEOF
	ModeESI
	ModeESIChild
	ModeGUNZIP
)

// Config holds the tunables spec.md names without binding them to a
// value: max_restarts, session_linger, gzip support, shortlived TTL
// threshold, lru_timeout.
type Config struct {
	MaxRestarts      int
	SessionLinger    time.Duration
	GzipSupport      bool
	ShortlivedTTL    time.Duration
	LRUTimeout       time.Duration
	DefaultDirector  string
	GzipStackBuffer  int
	ReadHeaderBudget int64
}

func DefaultConfig() Config {
	return Config{
		MaxRestarts:      4,
		SessionLinger:    50 * time.Millisecond,
		GzipSupport:      true,
		ShortlivedTTL:    10 * time.Second,
		LRUTimeout:       2 * time.Second,
		GzipStackBuffer:  8192,
		ReadHeaderBudget: 1 << 20,
	}
}

// Engine bundles the process-wide collaborators every Session shares:
// the cache index, backend I/O, policy hooks, storage, and the xid/prng
// generators the admin CLI can inspect (spec.md §6).
type Engine struct {
	Cfg     Config
	Index   cacheindex.CacheIndex
	Backend *backend.BackendIO
	Policy  *policyvm.VM
	Storage object.Storage
	XID     *xid.Counter
	PRNG    *xid.PRNG
	Metrics *metrics.Metrics // nil disables instrumentation
	Log     *logring.Ring    // nil disables the access-log ring
	Stream  *streamhub.Hub   // nil disables StreamBody event broadcast

	mu          sync.Mutex
	sessCount   int64
	sessClosed  int64
	reqCount    int64
	cacheHit    int64
	cacheMiss   int64
	cacheHitPas int64
}

func NewEngine(cfg Config, idx cacheindex.CacheIndex, be *backend.BackendIO, pol *policyvm.VM, storage object.Storage) *Engine {
	return &Engine{
		Cfg:     cfg,
		Index:   idx,
		Backend: be,
		Policy:  pol,
		Storage: storage,
		XID:     xid.New(),
		PRNG:    xid.NewPRNG(1),
	}
}

func (e *Engine) chargeSessionOpen() {
	e.mu.Lock()
	e.sessCount++
	e.mu.Unlock()
	if e.Metrics != nil {
		e.Metrics.SessionsOpened.Inc()
	}
}

func (e *Engine) chargeSessionClosed() {
	e.mu.Lock()
	e.sessClosed++
	e.mu.Unlock()
	if e.Metrics != nil {
		e.Metrics.SessionsClosed.Inc()
	}
}

func (e *Engine) chargeRequest() {
	e.mu.Lock()
	e.reqCount++
	e.mu.Unlock()
}

func (e *Engine) chargeCacheResult(hit, hitpass, miss bool) {
	e.mu.Lock()
	if hit {
		e.cacheHit++
	}
	if hitpass {
		e.cacheHitPas++
	}
	if miss {
		e.cacheMiss++
	}
	e.mu.Unlock()

	if e.Metrics == nil {
		return
	}
	switch {
	case hit:
		e.Metrics.CacheHits.Inc()
	case hitpass:
		e.Metrics.CacheHitPass.Inc()
	case miss:
		e.Metrics.CacheMisses.Inc()
	}
}

// recordRestart is a nil-safe passthrough to Metrics.RecordRestart.
func (e *Engine) recordRestart(fromStep string) {
	if e.Metrics != nil {
		e.Metrics.RecordRestart(fromStep)
	}
}

// Stats is a point-in-time accounting snapshot, the Go-native analog of
// the teacher's per-process counters surfaced by admin/debug endpoints.
type Stats struct {
	SessionsOpened int64
	SessionsClosed int64
	Requests       int64
	CacheHits      int64
	CacheHitPass   int64
	CacheMisses    int64
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		SessionsOpened: e.sessCount,
		SessionsClosed: e.sessClosed,
		Requests:       e.reqCount,
		CacheHits:      e.cacheHit,
		CacheHitPass:   e.cacheHitPas,
		CacheMisses:    e.cacheMiss,
	}
}

// RequestContext is the per-request state the teacher called a
// "scratchpad" and §9 renames into an explicit, owned type: the object
// reference, the busy placeholder while fetching, and the response
// framing decision. Unlike the teacher's thread-local struct, this is
// allocated once per Session and reused across requests on the same
// connection.
type RequestContext struct {
	Object  *object.Object
	ObjCore *object.ObjCore
	Busy    *object.BusyObj

	BackendResp *backend.Response

	RespHeader http.Header
	RespMode   ResponseMode

	ErrCode   int
	ErrReason string

	Vary map[string]string

	streamDone chan struct{}
}

func newRequestContext() *RequestContext {
	return &RequestContext{RespHeader: make(http.Header)}
}

// reset clears per-request fields, called from Done (spec.md §4.12).
// held object/objcore/busyobj must already be nil — Done asserts that
// before calling this, per the "worker.obj == null" invariant in §8.
func (rc *RequestContext) reset() {
	*rc = RequestContext{RespHeader: make(http.Header)}
}

// Session is the unit of scheduling (spec.md §3). One Session exists per
// TCP connection and is reused across the requests pipelined on it.
type Session struct {
	id uint64

	engine *Engine

	conn       net.Conn
	reader     *bufio.Reader
	remoteAddr string

	mu sync.Mutex

	step Step

	tOpen time.Time
	tReq  time.Time
	tResp time.Time
	tEnd  time.Time

	xid      uint64
	restarts int
	esiLevel int

	req   *http.Request
	http0 *http.Request // pre-modification snapshot, for restart

	director string

	wantBody       bool
	sendBody       bool
	hashAlwaysMiss bool
	hashIgnoreBusy bool
	disableESI     bool

	doClose string // non-empty => close after delivery

	digest [32]byte

	handling policyvm.Handling

	outcomeTag string // hit/miss/pass/pipe/error, set once per request for metrics

	wsSes *workspace.Workspace // high-water snapshot for the whole connection
	wsReq int                  // per-request watermark into wsSes

	traceID string

	rc *RequestContext

	parkedHead *cacheindex.ObjHead // set while parked in Lookup

	// resume, when set, is called to hand this Session back to the
	// worker pool after a park. cmd/edgeproxyd wires this to
	// Pool.Submit; tests may leave it nil and drive Run manually.
	resume func(*Session)

	closed bool
}

// SetResume installs the callback used to re-submit a parked Session to
// the worker pool (spec.md §5: "a reawakening ... pushes the Session
// back onto a Worker with step preserved").
func (s *Session) SetResume(fn func(*Session)) { s.resume = fn }

// New wraps a freshly accepted connection as a Session at Step First.
func New(engine *Engine, conn net.Conn) *Session {
	readerSize := int(engine.Cfg.ReadHeaderBudget)
	if readerSize <= 0 {
		readerSize = defaultProbeBudget
	}
	s := &Session{
		engine: engine,
		conn:   conn,
		// Sized to Cfg.ReadHeaderBudget: bufio.Reader.Peek(n) with n
		// larger than the buffer always returns ErrBufferFull and masks
		// the real underlying error (EOF, read timeout), so the reader's
		// capacity must be at least as large as probeComplete's probe.
		reader: bufio.NewReaderSize(conn, readerSize),
		remoteAddr: conn.RemoteAddr().String(),
		step:       StepFirst,
		tOpen:      time.Now(),
		rc:         newRequestContext(),
		traceID:    uuid.NewString(),
	}
	s.id = engine.XID.Next()
	return s
}

func (s *Session) ID() uint64 { return s.id }

// Run is the Runnable entrypoint the worker pool drives (spec.md §2:
// "run(session) which loops Steps until the session parks or
// terminates"). It is called once per turn on a Worker; after a park it
// is called again later, possibly on a different Worker, with Step
// already pointing at the resume location.
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		handler, ok := handlers[s.step]
		if !ok {
			slog.Error("session: no handler for step", "step", s.step, "xid", s.xid)
			return
		}

		s.assertParanoia()

		next := handler(ctx, s)
		if next == outcomePark {
			return
		}
	}
}

// assertParanoia implements the "paranoia assertions" §4.1 and §9
// describe: invariants from §3 re-checked on every dispatcher iteration
// in debug builds. Kept unconditional here since the cost is trivial
// next to a syscall-bound request loop.
func (s *Session) assertParanoia() {
	if s.xid > 0 && s.req == nil && s.step != StepStart && s.step != StepFirst && s.step != StepWait {
		slog.Warn("session: paranoia: active xid with no request", "xid", s.xid, "step", s.step)
	}
	if s.xid == 0 && s.rc.Object != nil {
		slog.Warn("session: paranoia: held object with no active request", "step", s.step)
	}
}

func (s *Session) digestWriter() *cacheindex.Digest {
	return cacheindex.NewDigest()
}

func (s *Session) newXID() {
	s.xid = s.engine.XID.Next()
}

func sha256Sum(b []byte) [32]byte {
	return sha256.Sum256(b)
}
