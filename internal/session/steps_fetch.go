package session

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ocx/edgeproxy/internal/backend"
	"github.com/ocx/edgeproxy/internal/codec"
	"github.com/ocx/edgeproxy/internal/object"
	"github.com/ocx/edgeproxy/internal/policyvm"
)

// stepFetch implements spec.md §4.7.
func stepFetch(ctx context.Context, s *Session) outcome {
	method := s.rc.Busy.Method
	if method == "" {
		method = s.req.Method
	}
	breq := backend.Request{
		Director: s.director,
		Method:   method,
		Path:     s.req.URL.RequestURI(),
		Header:   s.rc.Busy.BereqHeader,
	}
	if s.sendBody && s.req.Body != nil {
		breq.Body = s.req.Body
	}

	if s.engine.Stream != nil {
		s.engine.Stream.FetchBegin(s.xid, s.director)
	}

	resp, status, err := s.engine.Backend.FetchHeaders(ctx, breq)
	if status == backend.FetchRetryable {
		resp, status, err = s.engine.Backend.FetchHeaders(ctx, breq)
	}
	if status != backend.FetchOK {
		if s.engine.Stream != nil {
			s.engine.Stream.Error(s.xid, fmt.Sprintf("backend fetch failed: %v", err))
		}
		s.rc.ErrCode = 503
		s.rc.ErrReason = fmt.Sprintf("backend fetch failed: %v", err)
		s.step = StepError
		return outcomeContinue
	}

	if s.engine.Stream != nil {
		s.engine.Stream.FirstByte(s.xid, s.director, resp.StatusCode)
	}

	collapseCacheControl(resp.Header)
	collapseVary(resp.Header)

	s.rc.Busy.BerespHeader = resp.Header
	s.rc.Busy.BerespStatus = resp.StatusCode
	s.rc.BackendResp = resp

	classifyFraming(s.rc.Busy, resp)

	if s.rc.ObjCore == nil {
		s.rc.Busy.Exp = object.Expiry{Entered: time.Now(), TTL: -1}
	} else {
		s.rc.Busy.Exp = computeTTL(resp.Header, resp.StatusCode)
	}

	h, _, err := s.engine.Policy.Dispatch(policyvm.HookFetch, s.req)
	if err != nil {
		fatalPolicy(s, err)
		return outcomeContinue
	}

	switch h {
	case policyvm.HandlingDefault, policyvm.HandlingDeliver:
		s.step = StepFetchBody
	case policyvm.HandlingAbandon: // mapped from spec's hit_for_pass
		if s.rc.ObjCore != nil {
			s.rc.ObjCore.SetFlag(object.FlagPass)
		}
		s.step = StepFetchBody
	case policyvm.HandlingRestart:
		s.engine.Backend.CloseFD()
		if s.rc.ObjCore != nil {
			s.engine.Index.Drop(s.rc.ObjCore)
		}
		s.rc.ObjCore = nil
		s.rc.Busy = nil
		s.restarts++
		s.engine.recordRestart("fetch")
		s.step = StepRecv
	case policyvm.HandlingError:
		s.engine.Backend.CloseFD()
		if s.rc.ObjCore != nil {
			s.engine.Index.Drop(s.rc.ObjCore)
		}
		s.rc.ObjCore = nil
		s.rc.Busy = nil
		s.step = StepError
	default:
		fatalPolicy(s, &policyvm.FatalPolicyError{Kind: policyvm.HookFetch, Returned: h})
	}
	return outcomeContinue
}

func classifyFraming(bo *object.BusyObj, resp *backend.Response) {
	if resp.Header.Get("Transfer-Encoding") == "chunked" {
		bo.FramingChunked = true
		return
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			bo.FramingLength = n
			return
		}
	}
	bo.FramingEOF = true
}

// computeTTL is the RFC2616.ttl stand-in spec.md §4.7 names as an
// external routine; kept inline here since it is a handful of header
// reads, not a collaborator with independent lifecycle.
func computeTTL(h http.Header, status int) object.Expiry {
	exp := object.Expiry{Entered: time.Now(), TTL: 120 * time.Second}
	if cc := h.Get("Cache-Control"); cc != "" {
		if ttl, ok := maxAgeFrom(cc); ok {
			exp.TTL = ttl
		}
		if containsTokenFold(cc, "no-store") || containsTokenFold(cc, "private") {
			exp.TTL = 0
		}
	} else if exp2 := h.Get("Expires"); exp2 != "" {
		if t, err := http.ParseTime(exp2); err == nil {
			if d := time.Until(t); d > 0 {
				exp.TTL = d
			} else {
				exp.TTL = 0
			}
		}
	}
	exp.Grace = 10 * time.Second
	exp.Keep = 0
	return exp
}

func maxAgeFrom(cc string) (time.Duration, bool) {
	for _, part := range splitComma(cc) {
		part = trimSpace(part)
		const prefix = "max-age="
		if len(part) > len(prefix) && foldEqual(part[:len(prefix)], prefix) {
			if n, err := strconv.Atoi(part[len(prefix):]); err == nil {
				return time.Duration(n) * time.Second, true
			}
		}
	}
	return 0, false
}

// stepFetchBody implements spec.md §4.8.
func stepFetchBody(ctx context.Context, s *Session) outcome {
	bo := s.rc.Busy
	cfg := s.engine.Cfg

	if !cfg.GzipSupport {
		bo.DoGzip, bo.DoGunzip = false, false
	}

	bo.IsGzip = foldEqual(bo.BerespHeader.Get("Content-Encoding"), "gzip")
	bo.IsGunzip = bo.BerespHeader.Get("Content-Encoding") == ""

	if !bo.IsGzip {
		bo.DoGunzip = false
	}
	if bo.DoGunzip {
		bo.BerespHeader.Del("Content-Encoding")
	}
	if !bo.IsGunzip {
		bo.DoGzip = false
	}
	if bo.DoGzip {
		bo.BerespHeader.Set("Content-Encoding", "gzip")
	}

	doESI := bo.DoESI && !s.disableESI
	switch {
	case doESI:
		bo.VFPName = string(codec.ESI)
	case bo.DoGunzip:
		bo.VFPName = string(codec.Gunzip)
	case bo.DoGzip:
		bo.VFPName = string(codec.Gzip)
	case bo.IsGzip:
		bo.VFPName = string(codec.TestGzip)
	default:
		bo.VFPName = string(codec.Identity)
	}

	hasEmbeddedInclude := s.esiLevel > 0
	if doESI || hasEmbeddedInclude || !s.wantBody {
		bo.DoStream = false
	}

	ttlShort := bo.Exp.TTL < cfg.ShortlivedTTL
	hint := object.StorageDefault
	if s.rc.ObjCore == nil || ttlShort {
		hint = object.StorageTransient
	}

	obj, err := s.engine.Storage.NewObject(hint, int(bo.FramingLength), bo.BerespHeader.Len()+16)
	if err != nil {
		obj, err = s.engine.Storage.NewObject(object.StorageTransient, int(bo.FramingLength), bo.BerespHeader.Len()+16)
		if err != nil {
			s.engine.Backend.CloseFD()
			s.rc.ErrCode = 503
			s.step = StepError
			return outcomeContinue
		}
		bo.Exp.TTL = cfg.ShortlivedTTL
		bo.Exp.Grace = 0
		bo.Exp.Keep = 0
	}

	if s.rc.ObjCore != nil && len(s.rc.Vary) > 0 {
		obj.Vary = varyNames(bo.BerespHeader)
		obj.VaryValues = s.rc.Vary
	}

	obj.Status = bo.BerespStatus
	obj.Header = cloneHeader(bo.BerespHeader)
	stripHopByHop(obj.Header)
	obj.Gzipped = bo.IsGzip && !bo.DoGunzip
	if lm := obj.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			obj.LastModified = t
		}
	}
	if obj.LastModified.IsZero() {
		obj.LastModified = bo.Exp.Entered.Truncate(time.Second)
	}
	obj.Exp = bo.Exp
	obj.XID = s.xid

	if bo.BerespStatus == 200 && hasConditionalHeaders(s.req) && conditionalMatches(s.req, obj) {
		bo.DoStream = false
	}

	s.rc.Object = obj

	if bo.DoStream {
		s.step = StepPrepResp
		return outcomeContinue
	}

	filters := codec.Select(doESI, nil, bo.DoGzip, bo.DoGunzip, 0)
	var buf bytes.Buffer
	if err := codec.Chain(&buf, s.rc.BackendResp.Body, filters...); err != nil {
		s.engine.Storage.Destroy(obj)
		s.rc.Object = nil
		s.rc.ErrCode = 503
		s.step = StepError
		return outcomeContinue
	}
	obj.Body = buf.Bytes()
	if s.engine.Stream != nil {
		s.engine.Stream.FetchDone(s.xid, s.director, int64(len(obj.Body)))
	}

	if s.rc.ObjCore != nil {
		s.engine.Index.Unbusy(s.rc.ObjCore, obj)
	}
	s.step = StepPrepResp
	return outcomeContinue
}

func varyNames(h http.Header) []string {
	v := h.Get("Vary")
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range splitComma(v) {
		out = append(out, trimSpace(p))
	}
	return out
}

func hasConditionalHeaders(req *http.Request) bool {
	return req.Header.Get("If-Modified-Since") != "" || req.Header.Get("If-None-Match") != ""
}

func conditionalMatches(req *http.Request, obj *object.Object) bool {
	if etag := req.Header.Get("If-None-Match"); etag != "" {
		return etag == obj.Header.Get("ETag")
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			return !obj.LastModified.After(t)
		}
	}
	return false
}
