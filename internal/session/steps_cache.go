package session

import (
	"context"
	"io"
	"net/http"

	"github.com/ocx/edgeproxy/internal/backend"
	"github.com/ocx/edgeproxy/internal/object"
	"github.com/ocx/edgeproxy/internal/policyvm"
)

// stepLookup implements spec.md §4.5.
func stepLookup(ctx context.Context, s *Session) outcome {
	res := s.engine.Index.Lookup(s.digest, s.req)

	if res.Parked {
		s.parkedHead = res.Head
		go s.waitForWake(res.Head)
		return outcomePark
	}
	s.parkedHead = nil

	if res.Core.HasFlag(object.FlagBusy) {
		s.rc.ObjCore = res.Core
		s.engine.chargeCacheResult(false, false, true)
		s.outcomeTag = "miss"
		s.step = StepMiss
		return outcomeContinue
	}

	obj := res.Core.Object()
	if obj != nil {
		obj.Ref()
	}
	if res.Core.HasFlag(object.FlagPass) {
		s.engine.chargeCacheResult(false, true, false)
		s.engine.Index.Deref(obj)
		s.outcomeTag = "pass"
		s.step = StepPass
		return outcomeContinue
	}

	s.engine.chargeCacheResult(true, false, false)
	s.rc.Object = obj
	s.outcomeTag = "hit"
	s.step = StepHit
	return outcomeContinue
}

// waitForWake parks the goroutine driving this session until head
// broadcasts, then re-submits the Session to the worker pool at Lookup
// (spec.md §9's "condition queue on the ObjHead"). The server wiring
// (cmd/edgeproxyd) installs the actual resubmission callback; tests can
// drive Run directly after the channel fires.
func (s *Session) waitForWake(head interface{ Wait() <-chan struct{} }) {
	<-head.Wait()
	if s.resume != nil {
		s.resume(s)
	}
}

// stepHit implements spec.md §4.6's Hit branch.
func stepHit(ctx context.Context, s *Session) outcome {
	h, _, err := s.engine.Policy.Dispatch(policyvm.HookHit, s.req)
	if err != nil {
		fatalPolicy(s, err)
		return outcomeContinue
	}

	switch h {
	case policyvm.HandlingDefault, policyvm.HandlingDeliver:
		drainRequestBody(s.req)
		s.step = StepPrepResp
	case policyvm.HandlingPass:
		s.engine.Index.Deref(s.rc.Object)
		s.rc.Object = nil
		s.step = StepPass
	case policyvm.HandlingError:
		s.engine.Index.Deref(s.rc.Object)
		s.rc.Object = nil
		s.step = StepError
	case policyvm.HandlingRestart:
		s.engine.Index.Deref(s.rc.Object)
		s.rc.Object = nil
		s.restarts++
		s.engine.recordRestart("hit")
		s.step = StepRecv
	default:
		fatalPolicy(s, &policyvm.FatalPolicyError{Kind: policyvm.HookHit, Returned: h})
	}
	return outcomeContinue
}

func drainRequestBody(req *http.Request) {
	if req.Body != nil {
		io.Copy(io.Discard, io.LimitReader(req.Body, 1<<20))
	}
}

// stepMiss implements spec.md §4.6's Miss branch.
func stepMiss(ctx context.Context, s *Session) outcome {
	s.rc.Busy = object.NewBusyObj(s.rc.ObjCore)
	s.rc.Busy.Method = "GET"
	s.rc.Busy.BereqHeader = buildBereq(s.req, "fetch")
	if s.engine.Cfg.GzipSupport {
		normalizeAcceptEncoding(s.req)
	}

	h, _, err := s.engine.Policy.Dispatch(policyvm.HookMiss, s.req)
	if err != nil {
		fatalPolicy(s, err)
		return outcomeContinue
	}

	switch h {
	case policyvm.HandlingDefault:
		s.sendBody = false
		s.step = StepFetch
	case policyvm.HandlingPass, policyvm.HandlingError:
		s.engine.Index.Drop(s.rc.ObjCore)
		s.rc.ObjCore = nil
		s.rc.Busy = nil
		if h == policyvm.HandlingPass {
			s.step = StepPass
		} else {
			s.step = StepError
		}
	default:
		// spec.md §9: vcl_miss's restart return is an inherited gap —
		// treated as fatal, not fabricated.
		fatalPolicy(s, &policyvm.FatalPolicyError{Kind: policyvm.HookMiss, Returned: h})
	}
	return outcomeContinue
}

// stepPass implements spec.md §4.6's Pass branch.
func stepPass(ctx context.Context, s *Session) outcome {
	s.wsReq = s.wsSes.Snapshot()

	h, _, err := s.engine.Policy.Dispatch(policyvm.HookPass, s.req)
	if err != nil {
		fatalPolicy(s, err)
		return outcomeContinue
	}

	switch h {
	case policyvm.HandlingDefault, policyvm.HandlingPass:
		// A pass fetch is never inserted into the index — bind a BusyObj
		// to a bare ObjCore that CacheIndex never sees (spec.md §4.6: "On
		// pass, bind a fresh busyobj").
		s.rc.ObjCore = nil
		s.rc.Busy = object.NewBusyObj(object.NewObjCore(s.digest))
		s.rc.Busy.Method = s.req.Method
		s.rc.Busy.BereqHeader = buildBereq(s.req, "pass")
		s.sendBody = true
		s.step = StepFetch
	case policyvm.HandlingError:
		s.step = StepError
	default:
		fatalPolicy(s, &policyvm.FatalPolicyError{Kind: policyvm.HookPass, Returned: h})
	}
	return outcomeContinue
}

// stepPipe implements spec.md §4.6's Pipe branch.
func stepPipe(ctx context.Context, s *Session) outcome {
	s.outcomeTag = "pipe"
	h, _, err := s.engine.Policy.Dispatch(policyvm.HookPipe, s.req)
	if err != nil {
		fatalPolicy(s, err)
		return outcomeContinue
	}
	if h != policyvm.HandlingDefault && h != policyvm.HandlingPipe {
		fatalPolicy(s, &policyvm.FatalPolicyError{Kind: policyvm.HookPipe, Returned: h})
		return outcomeContinue
	}

	bereq := backend.Request{
		Director: s.director,
		Method:   s.req.Method,
		Path:     s.req.URL.RequestURI(),
		Header:   buildBereq(s.req, "pipe"),
		Body:     s.req.Body,
	}
	if err := s.engine.Backend.Pipe(ctx, s.conn, bereq); err != nil {
		s.doClose = "pipe error"
	}
	s.step = StepDone
	return outcomeContinue
}
