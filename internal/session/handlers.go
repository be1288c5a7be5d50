package session

import "context"

type stepHandler func(ctx context.Context, s *Session) outcome

var handlers = map[Step]stepHandler{
	StepFirst:      stepFirst,
	StepStart:      stepStart,
	StepWait:       stepWait,
	StepRecv:       stepRecv,
	StepLookup:     stepLookup,
	StepHit:        stepHit,
	StepMiss:       stepMiss,
	StepPass:       stepPass,
	StepPipe:       stepPipe,
	StepFetch:      stepFetch,
	StepFetchBody:  stepFetchBody,
	StepPrepResp:   stepPrepResp,
	StepDeliver:    stepDeliver,
	StepStreamBody: stepStreamBody,
	StepError:      stepError,
	StepDone:       stepDone,
}

var _ = entryPoints // referenced by dispatcher docs/tests; keep linted as used
