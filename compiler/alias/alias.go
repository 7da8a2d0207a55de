// Package alias answers may-alias and effect queries over the IR.
// It disambiguates distinct allocations and noalias arguments and is
// conservative everywhere else: an unknown root aliases anything, an
// opaque call reads and writes everything.
package alias

import (
	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/loops"
	"github.com/slowlang/loopidiom/compiler/set"
)

type (
	Analysis struct {
		f *ir.Func
	}

	// Loc is a memory region named by the object it is part of.
	// Nil Root means any memory.
	Loc struct {
		Root    ir.Expr
		NoAlias bool
	}

	Kind int
)

const (
	Ref Kind = 1 << iota
	Mod

	NoModRef Kind = 0
	ModRef        = Ref | Mod
)

func New(f *ir.Func) *Analysis {
	return &Analysis{f: f}
}

// LocOf resolves a pointer to the object it points into by walking
// invariant offset arithmetic. Loop-variant pointers resolve through
// their recurrence start on the caller side.
func (a *Analysis) LocOf(ptr ir.Expr) Loc {
	root := a.root(ptr, 0)

	loc := Loc{Root: root}

	if root != ir.Nil {
		if arg, ok := a.f.Exprs[root].(ir.Arg); ok {
			loc.NoAlias = arg.NoAlias
		}
	}

	return loc
}

func (a *Analysis) root(ptr ir.Expr, depth int) ir.Expr {
	if ptr == ir.Nil || depth > 16 {
		return ir.Nil
	}

	switch x := a.f.Exprs[ptr].(type) {
	case ir.Arg, ir.Alloc:
		return ptr
	case ir.Add:
		if r := a.root(x.L, depth+1); r != ir.Nil {
			return r
		}

		return a.root(x.R, depth+1)
	case ir.Sub:
		return a.root(x.L, depth+1)
	default:
		return ir.Nil
	}
}

// MayAlias on roots. Distinct allocations are fresh memory, so they
// alias neither each other nor anything the caller handed in.
func (a *Analysis) MayAlias(x, y Loc) bool {
	if x.Root == ir.Nil || y.Root == ir.Nil {
		return true
	}

	if x.Root == y.Root {
		return true
	}

	_, xAlloc := a.f.Exprs[x.Root].(ir.Alloc)
	_, yAlloc := a.f.Exprs[y.Root].(ir.Alloc)

	if xAlloc || yAlloc {
		return false
	}

	// both are distinct args
	return !x.NoAlias && !y.NoAlias
}

// ModRef classifies the effect of an instruction on a location.
func (a *Analysis) ModRef(id ir.Expr, loc Loc) Kind {
	switch x := a.f.Exprs[id].(type) {
	case ir.Load:
		if a.MayAlias(a.LocOf(x.Ptr), loc) {
			return Ref
		}
	case ir.Store:
		if a.MayAlias(a.LocOf(x.Ptr), loc) {
			return Mod
		}
	case ir.Call:
		return ModRef
	case ir.MemSet:
		if a.MayAlias(a.LocOf(x.Dst), loc) {
			return Mod
		}
	case ir.MemSetPattern:
		if a.MayAlias(a.LocOf(x.Dst), loc) {
			return Mod
		}
	case ir.MemCpy:
		k := NoModRef

		if a.MayAlias(a.LocOf(x.Dst), loc) {
			k |= Mod
		}

		if a.MayAlias(a.LocOf(x.Src), loc) {
			k |= Ref
		}

		return k
	case ir.BCmp:
		if a.MayAlias(a.LocOf(x.A), loc) || a.MayAlias(a.LocOf(x.B), loc) {
			return Ref
		}
	}

	return NoModRef
}

// MayLoopAccess reports whether any instruction of the loop outside
// the excluded set touches the location the given way.
func (a *Analysis) MayLoopAccess(l *loops.Loop, kind Kind, loc Loc, excl set.Bits[ir.Expr]) (conflict bool) {
	l.Blocks.Range(func(b ir.Block) bool {
		for _, id := range a.f.Blocks[b].Code {
			if excl.IsSet(id) {
				continue
			}

			if a.ModRef(id, loc)&kind != 0 {
				conflict = true
				return false
			}
		}

		return true
	})

	return conflict
}

// HasSideEffect reports whether the loop does anything observable
// besides plain loads: stores, calls, volatile accesses, bulk ops.
func (a *Analysis) HasSideEffect(l *loops.Loop, excl set.Bits[ir.Expr]) (effect bool) {
	l.Blocks.Range(func(b ir.Block) bool {
		for _, id := range a.f.Blocks[b].Code {
			if excl.IsSet(id) {
				continue
			}

			switch x := a.f.Exprs[id].(type) {
			case ir.Store, ir.Call, ir.MemSet, ir.MemSetPattern, ir.MemCpy:
				effect = true
			case ir.Load:
				effect = x.Volatile || x.Atomic
			}

			if effect {
				return false
			}
		}

		return true
	})

	return effect
}
