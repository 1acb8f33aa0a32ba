package archswitch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSwitchHookIsOverridable(t *testing.T) {
	defer Reset()
	var got [2]ThreadHandle
	Switch = func(cur, next ThreadHandle) { got[0] = cur; got[1] = next }

	Switch("a", "b")
	require.Equal(t, ThreadHandle("a"), got[0])
	require.Equal(t, ThreadHandle("b"), got[1])
}

func TestFlushHooksDefaultToNoop(t *testing.T) {
	defer Reset()
	require.NotPanics(t, func() {
		FlushTLBPage(0x1000)
		FlushTLBAll()
	})
}

func TestResetRestoresDefaults(t *testing.T) {
	called := false
	Switch = func(cur, next ThreadHandle) { called = true }
	Reset()
	Switch(nil, nil)
	require.False(t, called)
}
