package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ocx/edgeproxy/internal/codec"
	"github.com/ocx/edgeproxy/internal/object"
	"github.com/ocx/edgeproxy/internal/policyvm"
)

// stepPrepResp implements spec.md §4.9: select the response mode,
// build the response headers, and invoke the deliver hook.
func stepPrepResp(ctx context.Context, s *Session) outcome {
	obj := s.rc.Object
	bo := s.rc.Busy

	var mode ResponseMode
	switch {
	case bo == nil:
		mode = ModeLEN
	case bo.FramingLength > 0 && !bo.DoStream && !bo.DoGzip && !bo.DoGunzip:
		mode = ModeLEN
	}

	esiEnabled := obj != nil && len(obj.ESIData) > 0 && !s.disableESI
	if esiEnabled {
		mode &^= ModeLEN
		mode |= ModeESI
	}
	if s.esiLevel > 0 {
		mode &^= ModeLEN
		mode |= ModeESIChild
	}
	if s.engine.Cfg.GzipSupport && obj != nil && obj.Gzipped && !acceptsGzip(s.req) {
		mode &^= ModeLEN
		mode |= ModeGUNZIP
	}

	if mode&(ModeLEN|ModeCHUNKED|ModeEOF) == 0 {
		switch {
		case obj != nil && len(obj.Body) == 0 && (bo == nil || !bo.DoStream):
			mode |= ModeLEN
		case !s.wantBody:
			// no framing needed
		case s.req.ProtoAtLeast(1, 1):
			mode |= ModeCHUNKED
		default:
			mode |= ModeEOF
			s.doClose = "EOF mode"
		}
	}
	s.rc.RespMode = mode

	s.tResp = time.Now()
	if obj != nil {
		now := time.Now()
		if now.Sub(obj.LastLRU()) > s.engine.Cfg.LRUTimeout {
			obj.TouchLRU(now)
		}
		obj.MarkUsed(now)
	}

	buildResponseHeaders(s, mode)

	h, _, err := s.engine.Policy.Dispatch(policyvm.HookDeliver, s.req)
	if err != nil {
		fatalPolicy(s, err)
		return outcomeContinue
	}

	switch h {
	case policyvm.HandlingDefault, policyvm.HandlingDeliver:
		if bo != nil && bo.DoStream {
			s.step = StepStreamBody
		} else {
			s.step = StepDeliver
		}
	case policyvm.HandlingRestart:
		if s.restarts >= s.engine.Cfg.MaxRestarts {
			s.step = StepDeliver
			return outcomeContinue
		}
		if bo != nil && bo.DoStream {
			s.engine.Index.Drop(s.rc.ObjCore)
		} else if obj != nil {
			s.engine.Index.Deref(obj)
		}
		s.rc.Object = nil
		s.rc.Busy = nil
		s.restarts++
		s.engine.recordRestart("deliver")
		s.step = StepRecv
	default:
		fatalPolicy(s, &policyvm.FatalPolicyError{Kind: policyvm.HookDeliver, Returned: h})
	}
	return outcomeContinue
}

func acceptsGzip(req *http.Request) bool {
	return containsTokenFold(req.Header.Get("Accept-Encoding"), "gzip")
}

func buildResponseHeaders(s *Session, mode ResponseMode) {
	h := s.rc.RespHeader
	obj := s.rc.Object
	if obj != nil {
		for k, v := range obj.Header {
			h[k] = v
		}
	}
	stripHopByHop(h)

	switch {
	case mode&ModeCHUNKED != 0:
		h.Set("Transfer-Encoding", "chunked")
		h.Del("Content-Length")
	case mode&ModeLEN != 0:
		if obj != nil {
			h.Set("Content-Length", strconv.Itoa(len(obj.Body)))
		}
	case mode&ModeEOF != 0:
		h.Del("Content-Length")
	}

	if mode&ModeGUNZIP != 0 {
		h.Del("Content-Encoding")
		h.Del("Content-Length")
	}

	if s.doClose != "" {
		h.Set("Connection", "close")
	} else {
		h.Set("Connection", "keep-alive")
	}
}

// stepDeliver implements spec.md §4.10's Deliver branch: a fully
// buffered Object, written in one shot.
func stepDeliver(ctx context.Context, s *Session) outcome {
	obj := s.rc.Object
	status := http.StatusOK
	if obj != nil {
		status = obj.Status
	}

	w := bufio.NewWriter(s.conn)
	writeStatusLine(w, s.req, status)
	s.rc.RespHeader.Write(w)
	io.WriteString(w, "\r\n")

	body, err := bodyBytes(obj, s.rc.RespMode, s.wantBody)
	if err != nil {
		s.doClose = "gunzip error"
	} else if err := writeFramedBody(w, s.rc.RespMode, body); err != nil {
		s.doClose = "write error"
	}
	w.Flush()

	if obj != nil {
		s.engine.Index.Deref(obj)
		s.rc.Object = nil
	}
	if s.engine.Stream != nil {
		s.engine.Stream.DeliverDone(s.xid)
	}
	s.step = StepDone
	return outcomeContinue
}

// bodyBytes returns the bytes to put on the wire for a fully buffered
// Deliver: the stored body as-is, or gunzipped on the fly when PrepResp
// selected GUNZIP mode (the stored Object itself stays gzipped either
// way, per spec.md scenario 5).
func bodyBytes(obj *object.Object, mode ResponseMode, wantBody bool) ([]byte, error) {
	if obj == nil || !wantBody {
		return nil, nil
	}
	if mode&ModeGUNZIP == 0 {
		return obj.Body, nil
	}
	var out bytes.Buffer
	if err := codec.NewGunzipFilter().Transform(&out, bytes.NewReader(obj.Body)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeStatusLine(w io.Writer, req *http.Request, status int) {
	proto := "HTTP/1.1"
	if !req.ProtoAtLeast(1, 1) {
		proto = "HTTP/1.0"
	}
	fmt.Fprintf(w, "%s %d %s\r\n", proto, status, http.StatusText(status))
}

func writeFramedBody(w *bufio.Writer, mode ResponseMode, body []byte) error {
	if mode&ModeCHUNKED != 0 {
		if len(body) > 0 {
			fmt.Fprintf(w, "%x\r\n", len(body))
			w.Write(body)
			io.WriteString(w, "\r\n")
		}
		io.WriteString(w, "0\r\n\r\n")
		return nil
	}
	_, err := w.Write(body)
	return err
}

// stepStreamBody implements spec.md §4.10's StreamBody branch: the
// fetch and the delivery run interleaved within this one step call
// (§9's "no cross-thread streaming"). The only helper goroutines, the
// gunzip overlay below and codec.Chain's pipe stages, are joined before
// it returns.
func stepStreamBody(ctx context.Context, s *Session) outcome {
	obj := s.rc.Object
	bo := s.rc.Busy

	w := bufio.NewWriter(s.conn)
	status := obj.Status
	writeStatusLine(w, s.req, status)
	s.rc.RespHeader.Write(w)
	io.WriteString(w, "\r\n")
	w.Flush()

	cw := &chunkedWriter{w: w, chunked: s.rc.RespMode&ModeCHUNKED != 0}
	if s.engine.Stream != nil {
		xid, director := s.xid, s.director
		cw.onWrite = func(n int) { s.engine.Stream.Chunk(xid, director, n) }
	}

	filters := codec.Select(bo.DoESI, nil, false, bo.DoGunzip, 0)

	var err error
	var storedBody []byte
	if s.rc.RespMode&ModeGUNZIP != 0 {
		// Mirrors bodyBytes: the stored Object keeps the backend's
		// original encoding (spec.md scenario 5 — "Object's stored body
		// remains gzipped and is reusable for gzip-capable clients"), so
		// the per-client gunzip overlay only runs on the copy written to
		// the wire, never on the copy captured for storage.
		var storageCapture bytes.Buffer
		pr, pw := io.Pipe()
		decodeErrc := make(chan error, 1)
		go func() {
			decodeErrc <- codec.NewGunzipFilter().Transform(cw, pr)
		}()
		err = codec.Chain(io.MultiWriter(&storageCapture, pw), s.rc.BackendResp.Body, filters...)
		pw.CloseWithError(err)
		if decErr := <-decodeErrc; err == nil {
			err = decErr
		}
		storedBody = storageCapture.Bytes()
	} else {
		err = codec.Chain(cw, s.rc.BackendResp.Body, filters...)
		storedBody = cw.captured
	}
	cw.Close()
	w.Flush()

	if err != nil {
		s.doClose = "Stream error"
		if s.engine.Stream != nil {
			s.engine.Stream.Error(s.xid, "stream error")
		}
	} else if s.rc.ObjCore != nil {
		obj.Body = storedBody
		s.engine.Index.Unbusy(s.rc.ObjCore, obj)
	}
	if err == nil && s.engine.Stream != nil {
		s.engine.Stream.FetchDone(s.xid, s.director, int64(len(storedBody)))
		s.engine.Stream.DeliverDone(s.xid)
	}

	s.engine.Index.Deref(obj)
	s.rc.Object = nil
	s.rc.Busy = nil
	s.step = StepDone
	return outcomeContinue
}

// chunkedWriter relays stream_write calls out to the client connection,
// optionally chunk-framing them. It also captures what it wrote, which
// stepStreamBody reuses as the stored Object body only when no per-client
// decode overlay ran on top of it — see stepStreamBody's ModeGUNZIP
// branch, where the stored copy is captured upstream of this writer
// instead (spec.md scenario 5: storage keeps the backend's encoding
// regardless of what's streamed to this particular client).
type chunkedWriter struct {
	w        *bufio.Writer
	chunked  bool
	captured []byte
	onWrite  func(n int) // optional observability hook, called per Write
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	c.captured = append(c.captured, p...)
	if c.onWrite != nil {
		c.onWrite(len(p))
	}
	if c.chunked {
		fmt.Fprintf(c.w, "%x\r\n", len(p))
		c.w.Write(p)
		io.WriteString(c.w, "\r\n")
		return len(p), nil
	}
	return c.w.Write(p)
}

func (c *chunkedWriter) Close() error {
	if c.chunked {
		io.WriteString(c.w, "0\r\n\r\n")
	}
	return nil
}
