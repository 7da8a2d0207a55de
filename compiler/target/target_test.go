package target_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xyproto/env/v2"

	"github.com/slowlang/loopidiom/compiler/target"
)

// reloadEnv refreshes the env package cache: it reads os.Environ once
// and would not see t.Setenv values set by later tests otherwise.
func reloadEnv(t *testing.T) {
	t.Helper()
	env.Load()
}

func TestDetectDefaults(t *testing.T) {
	t.Setenv("LOOPIDIOM_DISABLE", "")
	t.Setenv("LOOPIDIOM_SIZE_LEVEL", "")
	t.Setenv("LOOPIDIOM_ATOMIC_MEMCPY_MAX", "")
	reloadEnv(t)

	tg := target.Detect()

	require.True(t, tg.MemSet)
	require.True(t, tg.MemSetPattern)
	require.True(t, tg.MemCpy)
	require.True(t, tg.BCmp)
	require.True(t, tg.CtLz)
	require.True(t, tg.CtTz)
	require.Equal(t, 8, tg.AtomicMemCpyMaxElem)
	require.Equal(t, 0, tg.SizeLevel)
}

func TestDetectDisable(t *testing.T) {
	t.Setenv("LOOPIDIOM_DISABLE", "memset, bcmp")
	reloadEnv(t)

	tg := target.Detect()

	require.False(t, tg.MemSet)
	require.False(t, tg.BCmp)
	require.True(t, tg.MemCpy)
	require.True(t, tg.MemSetPattern)
}

func TestDetectDisableMemCpy(t *testing.T) {
	t.Setenv("LOOPIDIOM_DISABLE", "memcpy")
	reloadEnv(t)

	tg := target.Detect()

	require.False(t, tg.MemCpy)
	require.Equal(t, 0, tg.AtomicMemCpyMaxElem)
}

func TestDetectDisableAll(t *testing.T) {
	t.Setenv("LOOPIDIOM_DISABLE", "all")
	reloadEnv(t)

	tg := target.Detect()

	require.Equal(t, target.Caps{}, tg.Caps)
}

func TestDetectPolicy(t *testing.T) {
	t.Setenv("LOOPIDIOM_SIZE_LEVEL", "2")
	t.Setenv("LOOPIDIOM_ATOMIC_MEMCPY_MAX", "4")
	reloadEnv(t)

	tg := target.Detect()

	require.Equal(t, 2, tg.SizeLevel)
	require.Equal(t, 4, tg.AtomicMemCpyMaxElem)
}
