package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ocx/edgeproxy/internal/workspace"
)

// initialProbeTimeout bounds the very first httc probe on a connection so
// a worker never blocks on a client that has written nothing yet (or has
// written less than bufio's internal buffer and is waiting on the
// response). Without a deadline, Peek(budget) keeps filling its buffer
// until it's full or the read errors, which never happens on a quiet
// keep-alive connection.
const initialProbeTimeout = 5 * time.Millisecond

// stepFirst runs once per TCP connection (spec.md §4.2). Prepares the
// acceptor state, snapshots the workspace high-water mark, and hands off
// to Wait.
func stepFirst(ctx context.Context, s *Session) outcome {
	s.wsSes = workspace.New(16 * 1024)
	s.engine.chargeSessionOpen()
	s.step = StepWait
	return outcomeContinue
}

// httcResult mirrors the httc.complete() codes spec.md §4.3 names.
type httcResult int

const (
	httcComplete httcResult = 1
	httcPartial  httcResult = 0
	httcIOError  httcResult = -1
	httcOverflow httcResult = -2
)

// defaultProbeBudget is used when Cfg.ReadHeaderBudget is unset.
const defaultProbeBudget = 64 * 1024

// probeComplete probes s.reader for a full HTTP/1.x request line plus
// headers without consuming the body, the stand-in for the teacher's
// httc state machine. bufio.Reader.Peek lets it check without losing
// bytes if the request is still partial.
//
// budget must not exceed r's buffer capacity: Peek(n) with n larger than
// the buffer always returns ErrBufferFull and masks the real underlying
// error (EOF, a read timeout), regardless of how many bytes actually
// arrived. Session.New sizes the reader to Cfg.ReadHeaderBudget for
// exactly this reason.
func probeComplete(r *bufio.Reader, budget int64) httcResult {
	limit := int(budget)
	if limit <= 0 {
		limit = defaultProbeBudget
	}
	buf, err := r.Peek(limit)
	if len(buf) == 0 && err != nil {
		if errors.Is(err, io.EOF) {
			return httcIOError
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			return httcOverflow
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return httcPartial
		}
		return httcIOError
	}

	if idx := indexHeaderEnd(buf); idx >= 0 {
		return httcComplete
	}
	if len(buf) >= limit {
		return httcOverflow
	}
	return httcPartial
}

func indexHeaderEnd(b []byte) int {
	for i := 0; i+3 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' && b[i+2] == '\r' && b[i+3] == '\n' {
			return i
		}
	}
	return -1
}

// stepWait implements spec.md §4.3: poll for a complete request,
// honoring session_linger, and park on the waiter if nothing arrives.
func stepWait(ctx context.Context, s *Session) outcome {
	s.conn.SetReadDeadline(time.Now().Add(initialProbeTimeout))
	res := probeComplete(s.reader, s.engine.Cfg.ReadHeaderBudget)
	s.conn.SetReadDeadline(time.Time{})

	if res == httcPartial && s.engine.Cfg.SessionLinger > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.engine.Cfg.SessionLinger))
		if _, err := s.reader.Peek(1); err == nil {
			s.conn.SetReadDeadline(time.Time{})
			res = probeComplete(s.reader, s.engine.Cfg.ReadHeaderBudget)
		} else {
			s.conn.SetReadDeadline(time.Time{})
		}
	}

	switch res {
	case httcComplete:
		s.step = StepStart
		return outcomeContinue
	case httcOverflow:
		return closeAndDone(s, "overflow")
	case httcIOError:
		return closeAndDone(s, "EOF")
	default:
		// Still partial: park. A real acceptor hands the fd to a
		// PoolWaiter keyed on readability; here the resume callback, when
		// one is installed, re-submits the Session to the worker pool so
		// a later turn probes the socket again.
		if s.resume != nil {
			s.resume(s)
		}
		return outcomePark
	}
}

func closeAndDone(s *Session, reason string) outcome {
	s.doClose = reason
	s.step = StepDone
	return outcomeContinue
}

// stepStart implements spec.md §4.2: one request's worth of
// bookkeeping, dissection, and Expect/100 handling.
func stepStart(ctx context.Context, s *Session) outcome {
	s.newXID()
	s.tReq = time.Now()

	req, err := http.ReadRequest(s.reader)
	if err != nil {
		slog.Debug("session: dissection failed", "xid", s.xid, "error", err)
		return closeAndDone(s, "junk")
	}
	req = req.WithContext(ctx)
	s.req = req

	s.http0 = req.Clone(ctx)
	if req.Body != nil {
		s.http0.Body = nil // snapshot is for headers/line, not the body stream
	}

	s.doClose = ""
	if cv := req.Header.Get("Connection"); cv != "" {
		if httpConnectionWantsClose(cv, req.ProtoAtLeast(1, 1)) {
			s.doClose = "Connection: close"
		}
	} else if !req.ProtoAtLeast(1, 1) {
		s.doClose = "HTTP/1.0 default close"
	}

	if exp := req.Header.Get("Expect"); exp != "" {
		if equalFoldTrim(exp, "100-continue") {
			io.WriteString(s.conn, "HTTP/1.1 100 Continue\r\n\r\n")
			req.Header.Del("Expect")
		} else {
			s.rc.ErrCode = 417
			s.step = StepError
			return outcomeContinue
		}
	}

	s.step = StepRecv
	return outcomeContinue
}

func httpConnectionWantsClose(v string, http11 bool) bool {
	return containsTokenFold(v, "close")
}

func containsTokenFold(v, token string) bool {
	for _, part := range splitComma(v) {
		if equalFoldTrim(part, token) {
			return true
		}
	}
	return false
}

func splitComma(v string) []string {
	var out []string
	start := 0
	for i := 0; i < len(v); i++ {
		if v[i] == ',' {
			out = append(out, v[start:i])
			start = i + 1
		}
	}
	out = append(out, v[start:])
	return out
}

func equalFoldTrim(a, b string) bool {
	a = trimSpace(a)
	return len(a) == len(b) && foldEqual(a, b)
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}

func foldEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
