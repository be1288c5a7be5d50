// Package session is the request lifecycle state engine: the Session
// type, the RequestContext it owns for the duration of one request (see
// §9's redesign of the teacher's worker-scratchpad shape into an owned
// type), and the sixteen Step handlers that walk a request from
// acceptance to delivery.
//
// Grounded on internal/federation/state_machine.go's HandshakeStateMachine
// for the "enum + transition table + history" shape, generalized from a
// handshake's linear phases to this engine's branching step graph, and
// on internal/protocol/session.go for the mutex-guarded Session struct
// with small, single-purpose accessor methods.
package session

import "fmt"

// Step names one node in the request state machine (spec.md §2/§4).
// Kept as a closed, enumerable set per §9's design note rather than
// dynamic dispatch.
type Step int

const (
	StepFirst Step = iota
	StepStart
	StepWait
	StepRecv
	StepLookup
	StepHit
	StepMiss
	StepPass
	StepPipe
	StepFetch
	StepFetchBody
	StepPrepResp
	StepDeliver
	StepStreamBody
	StepError
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepFirst:
		return "first"
	case StepStart:
		return "start"
	case StepWait:
		return "wait"
	case StepRecv:
		return "recv"
	case StepLookup:
		return "lookup"
	case StepHit:
		return "hit"
	case StepMiss:
		return "miss"
	case StepPass:
		return "pass"
	case StepPipe:
		return "pipe"
	case StepFetch:
		return "fetch"
	case StepFetchBody:
		return "fetchbody"
	case StepPrepResp:
		return "prepresp"
	case StepDeliver:
		return "deliver"
	case StepStreamBody:
		return "streambody"
	case StepError:
		return "error"
	case StepDone:
		return "done"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// entryPoints are the only steps the dispatcher may be (re-)entered at —
// spec.md §4.1: "The dispatcher may be entered only at states {First,
// Start, Lookup, Recv}." Wait and Done are suspension points reached
// only from inside the loop, not external re-entry targets — a woken
// session resumes at whichever step it parked on (Wait or Lookup), which
// the loop already encodes in Session.step.
var entryPoints = map[Step]bool{
	StepFirst:  true,
	StepStart:  true,
	StepLookup: true,
	StepRecv:   true,
}

// outcome is what a step handler returns to the dispatcher.
type outcome int

const (
	outcomeContinue outcome = iota
	outcomePark
)
