// Package idiom recognizes loop patterns with a known bulk equivalent
// and rewrites them: strided stores become memset or memcpy, the byte
// compare loop becomes one bcmp call, the bit clearing and shifting
// loops become ctpop/ctlz/cttz driven countable loops.
//
// Matching is free of side effects. A transform mutates the function
// only after its safety checks pass, and anything materialized before
// a late bail-out is rolled back, so a declined idiom leaves the IR
// exactly as it was.
package idiom

import (
	"context"
	"fmt"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/loopidiom/compiler/alias"
	"github.com/slowlang/loopidiom/compiler/dom"
	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/loops"
	"github.com/slowlang/loopidiom/compiler/scev"
	"github.com/slowlang/loopidiom/compiler/target"
)

type (
	Pass struct {
		Target target.Target

		Stats Stats
	}

	// Stats counts fired transforms per idiom over the pass lifetime.
	Stats struct {
		MemSet        int
		MemSetPattern int
		MemCpy        int
		BCmp          int
		CtPop         int
		CtLzTz        int
	}

	// cursor bundles the per-function analyses a transform consults.
	cursor struct {
		f  *ir.Func
		dt *dom.Tree
		du *dom.Updater
		lf *loops.Forest
		sc *scev.Analysis
		al *alias.Analysis
	}
)

func New(t target.Target) *Pass {
	return &Pass{Target: t}
}

// Run processes every function of the package.
func (p *Pass) Run(ctx context.Context, pkg *ir.Package) (changed bool, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "idiom: run package", "name", pkg.Path)
	defer tr.Finish("changed", &changed, "err", &err)

	for _, f := range pkg.Funcs {
		ch, err := p.RunFunc(ctx, f)
		if err != nil {
			return changed, errors.Wrap(err, "func %v", f.Name)
		}

		changed = changed || ch
	}

	return changed, nil
}

// RunFunc tries every loop of the function once, deepest first, so an
// inner rewrite is settled before the enclosing loop is looked at.
func (p *Pass) RunFunc(ctx context.Context, f *ir.Func) (changed bool, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "idiom: run func", "func", f.Name)
	defer tr.Finish("changed", &changed, "err", &err)

	// lowering a primitive into a call to itself would recurse
	if replacementFunc(f.Name) {
		return false, nil
	}

	dt := dom.New(f)
	lf := loops.Find(ctx, f, dt)

	c := &cursor{
		f:  f,
		dt: dt,
		du: dt.Updater(),
		lf: lf,
		sc: scev.New(f, dt),
		al: alias.New(f),
	}

	jobs := heap.Heap[*loops.Loop]{
		Less: func(d []*loops.Loop, i, j int) bool {
			if d[i].Depth != d[j].Depth {
				return d[i].Depth > d[j].Depth
			}

			return dt.PostNum(d[i].Header) < dt.PostNum(d[j].Header)
		},
	}

	for _, l := range lf.Loops {
		jobs.Push(l)
	}

	for jobs.Len() != 0 {
		l := jobs.Pop()
		if l.Dead() {
			continue
		}

		if !lf.Simplify(ctx, l, c.du) {
			continue
		}

		c.du.Flush()

		if p.runOnLoop(ctx, c, l) {
			changed = true
		}
	}

	if changed {
		err = f.Validate()
		if err != nil {
			return changed, errors.Wrap(err, "after rewrite")
		}
	}

	return changed, nil
}

// runOnLoop classifies the loop and tries idioms in priority order.
// Countable loops are scanned for strided stores, the rest go through
// bcmp, then popcount, then shift-until-zero. Idioms are structurally
// exclusive, the first hit wins.
func (p *Pass) runOnLoop(ctx context.Context, c *cursor, l *loops.Loop) bool {
	if !l.IsRotated() || !l.IsSimplified() {
		return false
	}

	if bec, ok := c.sc.BackedgeCount(l); ok {
		if z, isC := bec.Const(); isC && z == 0 {
			// the body runs exactly once, a bulk call cannot pay off
			return false
		}

		return p.runCountable(ctx, c, l, bec)
	}

	if p.tryBCmp(ctx, c, l) {
		return true
	}

	if p.tryPopCount(ctx, c, l) {
		return true
	}

	return p.tryFFS(ctx, c, l)
}

// avoidForSize declines fill and copy rewrites that could grow the
// code when compiling for size: a multi-block top level loop keeps its
// shape after the rewrite, so the bulk call is a net addition. A loop
// that was a single memset already does not get bigger.
func (p *Pass) avoidForSize(l *loops.Loop, wholeLoopSet bool) bool {
	if p.Target.SizeLevel == 0 || wholeLoopSet {
		return false
	}

	return l.Blocks.Size() > 1 && l.Parent == nil
}

func replacementFunc(name string) bool {
	switch name {
	case "memset", "memset_pattern", "memset_pattern16", "memcpy", "memcmp", "bcmp":
		return true
	}

	return false
}

// outsideUses counts uses of the value from instructions outside the loop.
func (c *cursor) outsideUses(l *loops.Loop, id ir.Expr) (n int) {
	for uid := range c.f.Exprs {
		b := c.f.EBlock[uid]
		if b == ir.NoBlock || l.Contains(b) {
			continue
		}

		ir.Operands(c.f.Exprs[uid], func(op ir.Expr) {
			if op == id {
				n++
			}
		})
	}

	return n
}

// replaceOutsideUses rewrites references to old from outside the loop.
// The new value must dominate every such use, which holds for values
// materialized in the preheader.
func (c *cursor) replaceOutsideUses(l *loops.Loop, old, new ir.Expr) {
	for uid := range c.f.Exprs {
		b := c.f.EBlock[uid]
		if b == ir.NoBlock || l.Contains(b) {
			continue
		}

		c.f.Exprs[uid] = ir.MapOperands(c.f.Exprs[uid], func(op ir.Expr) ir.Expr {
			if op == old {
				return new
			}

			return op
		})
	}
}

// sweepDead removes computations in the loop that fed only the
// replaced memory instructions. The loop skeleton (IV, compare,
// branches) keeps itself alive through the phi cycle.
func (c *cursor) sweepDead(l *loops.Loop) {
	for again := true; again; {
		again = false

		l.Blocks.Range(func(b ir.Block) bool {
			code := c.f.Blocks[b].Code

			for i := len(code) - 1; i >= 0; i-- {
				id := code[i]

				if !pure(c.f.Exprs[id]) || c.f.NumUses(id) != 0 {
					continue
				}

				c.f.Remove(id)
				again = true
			}

			return true
		})
	}
}

// pure instructions may be dropped when unused.
func pure(x any) bool {
	switch x := x.(type) {
	case ir.Add, ir.Sub, ir.Mul, ir.And, ir.Or, ir.Xor,
		ir.Shl, ir.Lsr, ir.Asr, ir.Cmp, ir.Phi, ir.Imm:
		return true
	case ir.Load:
		return !x.Volatile && !x.Atomic
	default:
		return false
	}
}

func (s Stats) Total() int {
	return s.MemSet + s.MemSetPattern + s.MemCpy + s.BCmp + s.CtPop + s.CtLzTz
}

func (s Stats) String() string {
	return fmt.Sprintf("memset %d  memset_pattern %d  memcpy %d  bcmp %d  ctpop %d  ctlz/cttz %d",
		s.MemSet, s.MemSetPattern, s.MemCpy, s.BCmp, s.CtPop, s.CtLzTz)
}
