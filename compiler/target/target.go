// Package target describes which bulk memory and bit counting
// primitives the target provides and carries the pass policy knobs.
// Detection starts from the host and env variables override it, so
// tests and the cli can force any combination.
package target

import (
	"runtime"
	"strings"

	"github.com/xyproto/env/v2"
	"golang.org/x/sys/cpu"
)

type (
	// Caps is the availability of replacement primitives.
	Caps struct {
		MemSet        bool
		MemSetPattern bool
		MemCpy        bool
		BCmp          bool
		CtPop         bool
		CtLz          bool
		CtTz          bool

		// AtomicMemCpyMaxElem is the largest element size in bytes
		// the element-atomic copy supports, 0 disables it.
		AtomicMemCpyMaxElem int
	}

	// Policy is tunable behavior that does not affect correctness.
	Policy struct {
		// SizeLevel >= 1 avoids transforms that could grow
		// multi-block top level loops.
		SizeLevel int
	}

	Target struct {
		Caps
		Policy
	}
)

// Detect builds the host target and applies LOOPIDIOM_* overrides.
func Detect() Target {
	t := Target{
		Caps: Caps{
			MemSet:              true,
			MemSetPattern:       true,
			MemCpy:              true,
			BCmp:                true,
			CtPop:               fastPopCount(),
			CtLz:                true,
			CtTz:                true,
			AtomicMemCpyMaxElem: 8,
		},
	}

	t.SizeLevel = env.Int("LOOPIDIOM_SIZE_LEVEL", 0)
	t.AtomicMemCpyMaxElem = env.Int("LOOPIDIOM_ATOMIC_MEMCPY_MAX", t.AtomicMemCpyMaxElem)

	for _, d := range strings.Split(env.Str("LOOPIDIOM_DISABLE"), ",") {
		t.disable(strings.TrimSpace(d))
	}

	return t
}

func (t *Target) disable(name string) {
	switch name {
	case "":
	case "memset":
		t.MemSet = false
	case "memset-pattern":
		t.MemSetPattern = false
	case "memcpy":
		t.MemCpy = false
		t.AtomicMemCpyMaxElem = 0
	case "bcmp":
		t.BCmp = false
	case "ctpop":
		t.CtPop = false
	case "ctlz":
		t.CtLz = false
	case "cttz":
		t.CtTz = false
	case "all":
		t.Caps = Caps{}
	}
}

// fastPopCount reports whether the host counts bits in hardware.
// Software fallbacks make the popcount rewrite a wash.
func fastPopCount() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasPOPCNT
	case "arm64":
		return true
	default:
		return false
	}
}
