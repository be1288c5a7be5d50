// Package policyvm implements the PolicyVM hook protocol (spec.md §6 and
// §4's per-step hook calls): a fixed set of named hooks, each given a
// read/write view of the in-flight session state and returning a
// Handling code that either confirms the step's default transition or
// forces a different one.
//
// The dispatch shape — run the handler, inspect what it decided, then
// gate the caller's next move on that decision — is grounded on
// internal/escrow/interceptor.go's EscrowInterceptor: call through,
// extract a decision, act on it before control returns to the caller.
// That file wraps gRPC; this proxy has no gRPC surface (its transport is
// plain HTTP, per SPEC_FULL.md's ambient stack), so the grpc.
// UnaryServerInterceptor plumbing is dropped and the same before/decide/
// after shape is rebuilt as a plain Go function type instead.
package policyvm

import (
	"fmt"
	"net/http"
)

// Handling is the hook return-code enum from spec.md §6. Each hook kind
// only recognizes a subset of these; an unrecognized code is a fatal
// policy error (spec.md's "illegal return = fatal"), not a silently
// ignored one.
type Handling int

const (
	HandlingDefault Handling = iota
	HandlingLookup
	HandlingPass
	HandlingPipe
	HandlingHash
	HandlingDeliver
	HandlingRestart
	HandlingRetry
	HandlingAbandon
	HandlingError
	HandlingFail
)

func (h Handling) String() string {
	switch h {
	case HandlingDefault:
		return "default"
	case HandlingLookup:
		return "lookup"
	case HandlingPass:
		return "pass"
	case HandlingPipe:
		return "pipe"
	case HandlingHash:
		return "hash"
	case HandlingDeliver:
		return "deliver"
	case HandlingRestart:
		return "restart"
	case HandlingRetry:
		return "retry"
	case HandlingAbandon:
		return "abandon"
	case HandlingError:
		return "error"
	case HandlingFail:
		return "fail"
	default:
		return "unknown"
	}
}

// HookKind names one of the nine call sites spec.md §4 invokes a policy
// hook from.
type HookKind string

const (
	HookRecv    HookKind = "recv"
	HookHash    HookKind = "hash"
	HookPipe    HookKind = "pipe"
	HookPass    HookKind = "pass"
	HookMiss    HookKind = "miss"
	HookHit     HookKind = "hit"
	HookFetch   HookKind = "fetch"
	HookDeliver HookKind = "deliver"
	HookError   HookKind = "error"
)

// legalReturns enumerates, per hook kind, the Handling values a policy
// author may return. Any other value reaching Dispatch is a fatal policy
// error — spec.md is explicit that a hook returning an action it has no
// business returning is a programming error in the policy, not input to
// tolerate.
var legalReturns = map[HookKind]map[Handling]bool{
	HookRecv:    {HandlingDefault: true, HandlingLookup: true, HandlingPass: true, HandlingPipe: true, HandlingRestart: true, HandlingError: true},
	HookHash:    {HandlingDefault: true, HandlingHash: true},
	HookPipe:    {HandlingDefault: true, HandlingPipe: true},
	HookPass:    {HandlingDefault: true, HandlingPass: true, HandlingError: true},
	HookMiss:    {HandlingDefault: true, HandlingPass: true, HandlingError: true},
	HookHit:     {HandlingDefault: true, HandlingDeliver: true, HandlingPass: true, HandlingRestart: true, HandlingError: true},
	HookFetch:   {HandlingDefault: true, HandlingDeliver: true, HandlingAbandon: true, HandlingRestart: true, HandlingError: true},
	HookDeliver: {HandlingDefault: true, HandlingDeliver: true, HandlingRestart: true},
	HookError:   {HandlingDefault: true, HandlingDeliver: true, HandlingRestart: true, HandlingFail: true},
}

// FatalPolicyError is returned by Dispatch when a hook returns a
// Handling its kind does not recognize. The step dispatcher (internal/
// session) treats this as grounds to drive the session straight to the
// Error step, bypassing any further hook calls.
type FatalPolicyError struct {
	Kind     HookKind
	Returned Handling
}

func (e *FatalPolicyError) Error() string {
	return fmt.Sprintf("policyvm: hook %q returned illegal handling %q", e.Kind, e.Returned)
}

// Context is the read/write view a hook gets. It deliberately exposes
// only http.Header-shaped request/response state plus a handful of
// scalars — not the full session.Session — so policy code can't reach
// into scheduling internals the way a step handler can.
type Context struct {
	Kind HookKind

	Request  *http.Request
	Response http.Header // set only inside deliver/error hooks

	Status  int // deliver/error: response status so far
	Restart int // number of restarts already taken this request

	// ExtraHeader lets a hook stash values for the next step without
	// mutating Request/Response directly — e.g. a computed Director name
	// (spec.md's hash hook output) or a synthetic error reason.
	ExtraHeader http.Header
}

func newContext(kind HookKind, req *http.Request) *Context {
	return &Context{Kind: kind, Request: req, ExtraHeader: make(http.Header)}
}

// Hook is one policy function. Implementations live outside this
// package (an operator's policy plugin); PolicyVM only dispatches to
// them.
type Hook func(*Context) Handling

// VM holds at most one hook per kind, matching spec.md's "a policy
// supplies zero or one handler per call site."
type VM struct {
	hooks map[HookKind]Hook
}

func New() *VM {
	return &VM{hooks: make(map[HookKind]Hook)}
}

// Register installs fn as the handler for kind, replacing any previous
// registration. A kind with no registered hook always yields
// HandlingDefault without being called.
func (vm *VM) Register(kind HookKind, fn Hook) {
	vm.hooks[kind] = fn
}

// Dispatch runs the hook registered for kind, if any, validates its
// return value, and hands back the Context (so the caller can read
// ExtraHeader / Response) alongside the Handling.
func (vm *VM) Dispatch(kind HookKind, req *http.Request) (Handling, *Context, error) {
	ctx := newContext(kind, req)
	fn, ok := vm.hooks[kind]
	if !ok {
		return HandlingDefault, ctx, nil
	}

	h := fn(ctx)
	if legal := legalReturns[kind]; !legal[h] {
		return h, ctx, &FatalPolicyError{Kind: kind, Returned: h}
	}
	return h, ctx, nil
}

// Has reports whether a hook is registered for kind, letting a step
// handler skip Dispatch's allocation on the hot path when no policy is
// installed at all.
func (vm *VM) Has(kind HookKind) bool {
	_, ok := vm.hooks[kind]
	return ok
}
