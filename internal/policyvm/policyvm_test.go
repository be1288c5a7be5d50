package policyvm

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_NoHookRegisteredYieldsDefault(t *testing.T) {
	vm := New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	h, ctx, err := vm.Dispatch(HookRecv, req)
	require.NoError(t, err)
	assert.Equal(t, HandlingDefault, h)
	assert.Equal(t, HookRecv, ctx.Kind)
	assert.False(t, vm.Has(HookRecv))
}

func TestDispatch_RegisteredHookRuns(t *testing.T) {
	vm := New()
	vm.Register(HookRecv, func(ctx *Context) Handling {
		ctx.ExtraHeader.Set("X-Director", "origin-a")
		return HandlingPass
	})
	require.True(t, vm.Has(HookRecv))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h, ctx, err := vm.Dispatch(HookRecv, req)
	require.NoError(t, err)
	assert.Equal(t, HandlingPass, h)
	assert.Equal(t, "origin-a", ctx.ExtraHeader.Get("X-Director"))
}

func TestDispatch_IllegalReturnIsFatal(t *testing.T) {
	vm := New()
	vm.Register(HookHash, func(ctx *Context) Handling {
		return HandlingPipe // not in HookHash's legal set
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h, _, err := vm.Dispatch(HookHash, req)
	assert.Equal(t, HandlingPipe, h)
	require.Error(t, err)

	var fatal *FatalPolicyError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, HookHash, fatal.Kind)
	assert.Equal(t, HandlingPipe, fatal.Returned)
}

func TestLegalReturns_EveryHookKindAcceptsDefault(t *testing.T) {
	for kind, legal := range legalReturns {
		assert.True(t, legal[HandlingDefault], "hook kind %q should always accept HandlingDefault", kind)
	}
}

func TestRegister_ReplacesPreviousHook(t *testing.T) {
	vm := New()
	vm.Register(HookMiss, func(ctx *Context) Handling { return HandlingPass })
	vm.Register(HookMiss, func(ctx *Context) Handling { return HandlingDefault })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h, _, err := vm.Dispatch(HookMiss, req)
	require.NoError(t, err)
	assert.Equal(t, HandlingDefault, h)
}

func TestHandling_StringUnknownValue(t *testing.T) {
	assert.Equal(t, "unknown", Handling(999).String())
}
