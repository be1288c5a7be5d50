package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ocx/edgeproxy/internal/policyvm"
)

// fatalPolicy drives s into the Error step after a hook returned a
// Handling its kind does not recognize (spec.md §6: "an illegal return
// is fatal").
func fatalPolicy(s *Session, err error) {
	slog.Warn("session: fatal policy return", "xid", s.xid, "error", err)
	if fp, ok := err.(*policyvm.FatalPolicyError); ok && s.engine.Metrics != nil {
		s.engine.Metrics.RecordPolicyFatal(string(fp.Kind))
	}
	s.outcomeTag = "error"
	if s.rc.ErrCode == 0 {
		s.rc.ErrCode = 500
	}
	s.rc.ErrReason = err.Error()
	s.step = StepError
}

// stepRecv implements spec.md §4.4.
func stepRecv(ctx context.Context, s *Session) outcome {
	if s.director == "" {
		s.director = s.engine.Cfg.DefaultDirector
		if s.director == "" {
			if names := s.engine.Backend.DirectorNames(); len(names) > 0 {
				s.director = names[0]
			}
		}
	}

	s.hashAlwaysMiss = false
	s.hashIgnoreBusy = false

	collapseCacheControl(s.req.Header)

	h, hctx, err := s.engine.Policy.Dispatch(policyvm.HookRecv, s.req)
	if err != nil {
		fatalPolicy(s, err)
		return outcomeContinue
	}

	if s.restarts >= s.engine.Cfg.MaxRestarts {
		if s.rc.ErrCode == 0 {
			s.rc.ErrCode = 503
		}
		s.step = StepError
		return outcomeContinue
	}

	if s.engine.Cfg.GzipSupport && h != policyvm.HandlingPipe && h != policyvm.HandlingPass {
		normalizeAcceptEncoding(s.req)
	}

	d := s.digestWriter()
	d.Write([]byte(s.req.Host))
	d.Write([]byte(s.req.URL.Path))
	if hctx.ExtraHeader != nil {
		if extra := hctx.ExtraHeader.Get("X-Hash-Extra"); extra != "" {
			d.Write([]byte(extra))
		}
	}
	dispatchHashHook(s, d)
	s.digest = d.Sum()

	s.wantBody = s.req.Method != "HEAD"
	s.sendBody = false

	switch h {
	case policyvm.HandlingDefault, policyvm.HandlingLookup:
		s.step = StepLookup
	case policyvm.HandlingPipe:
		s.step = StepPipe
	case policyvm.HandlingPass:
		s.step = StepPass
	case policyvm.HandlingRestart:
		s.restarts++
		s.engine.recordRestart("recv")
		s.step = StepRecv
	case policyvm.HandlingError:
		s.step = StepError
	default:
		fatalPolicy(s, &policyvm.FatalPolicyError{Kind: policyvm.HookRecv, Returned: h})
		return outcomeContinue
	}
	return outcomeContinue
}

func dispatchHashHook(s *Session, d interface{ Write([]byte) }) {
	if !s.engine.Policy.Has(policyvm.HookHash) {
		return
	}
	s.engine.Policy.Dispatch(policyvm.HookHash, s.req)
}

func normalizeAcceptEncoding(req *http.Request) {
	ae := req.Header.Get("Accept-Encoding")
	if strings.Contains(strings.ToLower(ae), "gzip") {
		req.Header.Set("Accept-Encoding", "gzip")
	} else {
		req.Header.Del("Accept-Encoding")
	}
}
