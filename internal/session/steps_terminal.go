package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ocx/edgeproxy/internal/logring"
	"github.com/ocx/edgeproxy/internal/object"
	"github.com/ocx/edgeproxy/internal/policyvm"
)

func methodOf(req *http.Request) string {
	if req == nil {
		return "-"
	}
	return req.Method
}

func pathOf(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "-"
	}
	return req.URL.RequestURI()
}

// stepError implements spec.md §4.11: synthesize an error response
// Object when none is already held, then invoke the error hook.
func stepError(ctx context.Context, s *Session) outcome {
	s.outcomeTag = "error"
	if s.rc.Object == nil {
		obj, err := s.engine.Storage.NewObject(object.StorageDefault, 256, 8)
		if err != nil {
			obj, err = s.engine.Storage.NewObject(object.StorageTransient, 256, 8)
		}
		if err != nil {
			s.doClose = "Out of objects"
			s.step = StepDone
			return outcomeContinue
		}
		s.rc.Object = obj
	}

	code := s.rc.ErrCode
	if code < 100 || code > 999 {
		code = 501
	}
	obj := s.rc.Object
	obj.Status = code
	obj.Header = make(http.Header)
	obj.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	obj.Header.Set("Server", "edgeproxyd")
	obj.Header.Set("Content-Type", "text/plain; charset=utf-8")
	reason := s.rc.ErrReason
	if reason == "" {
		reason = http.StatusText(code)
	}
	obj.Body = []byte(reason)
	obj.Exp = object.Expiry{Entered: time.Now(), TTL: 0}
	obj.LastModified = time.Now()

	h, _, err := s.engine.Policy.Dispatch(policyvm.HookError, s.req)
	if err != nil {
		h = policyvm.HandlingDefault
	}

	switch h {
	case policyvm.HandlingRestart:
		if s.restarts < s.engine.Cfg.MaxRestarts {
			if s.rc.ObjCore != nil {
				s.engine.Index.Drop(s.rc.ObjCore)
				s.rc.ObjCore = nil
			}
			s.engine.Storage.Destroy(s.rc.Object)
			s.rc.Object = nil
			s.restarts++
			s.engine.recordRestart("error")
			s.step = StepRecv
			return outcomeContinue
		}
		fallthrough
	case policyvm.HandlingDefault, policyvm.HandlingFail:
		s.doClose = "error"
		s.wantBody = true
		s.step = StepPrepResp
	default:
		s.doClose = "error"
		s.wantBody = true
		s.step = StepPrepResp
	}
	return outcomeContinue
}

// stepDone implements spec.md §4.12: terminal per-request bookkeeping,
// connection close decision, and reset for the next request.
func stepDone(ctx context.Context, s *Session) outcome {
	s.engine.chargeRequest()
	if s.outcomeTag != "" {
		if s.engine.Metrics != nil {
			s.engine.Metrics.RecordOutcome(s.outcomeTag)
		}
		if s.engine.Log != nil {
			s.engine.Log.Push(logring.Entry{
				XID: s.xid, Step: s.outcomeTag, Level: logring.LevelInfo,
				Message: fmt.Sprintf("%s %s", methodOf(s.req), pathOf(s.req)),
				Timestamp: time.Now(),
			})
		}
	}
	s.outcomeTag = ""
	s.rc.Busy = nil

	if s.esiLevel > 0 {
		return outcomePark
	}

	s.tEnd = time.Now()
	s.xid = 0
	s.tReq = time.Time{}
	s.tResp = time.Time{}
	s.hashAlwaysMiss = false
	s.hashIgnoreBusy = false
	s.rc.reset()

	if s.doClose != "" {
		s.conn.Close()
		s.closed = true
		s.engine.chargeSessionClosed()
		return outcomePark
	}

	if s.wsSes != nil {
		s.wsSes.Reset(s.wsReq)
	}

	// Don't probe here directly: stepWait's own bounded probe picks up a
	// pipelined request already buffered without risking a blocking read
	// on a connection that's simply done for now.
	s.step = StepWait
	return outcomeContinue
}
