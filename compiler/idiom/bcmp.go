package idiom

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/loops"
	"github.com/slowlang/loopidiom/compiler/scev"
	"github.com/slowlang/loopidiom/compiler/set"
	"github.com/slowlang/loopidiom/compiler/tp"
)

// bcmpMatch captures the element compare loop:
//
//	header:  a = load A[i]; b = load B[i]
//	         bcond (a == b), latch, exitNE
//	latch:   i' = i + 1
//	         bcond (i' < n), header, exitEQ
//
// plus the symbolic facts needed to emit one bcmp over the whole range.
type bcmpMatch struct {
	loadA, loadB   ir.Expr
	startA, startB scev.Lin
	width          int64

	iters scev.Count // header executions, bcmp element count

	exitEQ ir.Block // taken when all elements matched
	exitNE ir.Block // taken on the first mismatch
}

func (p *Pass) tryBCmp(ctx context.Context, c *cursor, l *loops.Loop) bool {
	if !p.Target.BCmp {
		return false
	}

	m, ok := p.matchBCmp(ctx, c, l)
	if !ok {
		return false
	}

	return p.rewriteBCmp(ctx, c, l, m)
}

func (p *Pass) matchBCmp(ctx context.Context, c *cursor, l *loops.Loop) (m bcmpMatch, ok bool) {
	if l.Blocks.Size() != 2 || l.Latch == ir.NoBlock || l.Latch == l.Header {
		return m, false
	}

	if len(l.Exits) != 2 {
		return m, false
	}

	f := c.f

	// header: equality of two loads decides between latch and exit
	hterm := f.Blocks[l.Header].Term

	hbr, isBr := f.Exprs[hterm].(ir.BCond)
	if !isBr {
		return m, false
	}

	cmp, isCmp := f.Exprs[hbr.Expr].(ir.Cmp)
	if !isCmp || cmp.Cond != ir.CondEq && cmp.Cond != ir.CondNe {
		return m, false
	}

	cont, exitNE := hbr.Then, hbr.Else
	onEqual := cmp.Cond == ir.CondEq

	if !l.Contains(cont) {
		cont, exitNE = exitNE, cont
		onEqual = !onEqual
	}

	// the loop must continue while elements are equal
	if cont != l.Latch || l.Contains(exitNE) || !onEqual {
		return m, false
	}

	m.loadA, m.loadB = cmp.L, cmp.R
	m.exitNE = exitNE

	for _, id := range []ir.Expr{m.loadA, m.loadB} {
		ld, isLoad := f.Exprs[id].(ir.Load)
		if !isLoad || ld.Volatile || ld.Atomic || f.EBlock[id] != l.Header {
			return m, false
		}
	}

	if f.TypeOf(m.loadA).Size() != f.TypeOf(m.loadB).Size() {
		return m, false
	}

	m.width = int64(f.TypeOf(m.loadA).Size())

	// latch: counting branch back to the header or out
	lterm := f.Blocks[l.Latch].Term

	lbr, isBr := f.Exprs[lterm].(ir.BCond)
	if !isBr {
		return m, false
	}

	m.exitEQ = lbr.Then
	if m.exitEQ == l.Header {
		m.exitEQ = lbr.Else
	}

	if l.Contains(m.exitEQ) {
		return m, false
	}

	// both pointers advance one element per header execution
	ldA := f.Exprs[m.loadA].(ir.Load)
	ldB := f.Exprs[m.loadB].(ir.Load)

	recA, okA := c.sc.AddRecOf(l, ldA.Ptr)
	recB, okB := c.sc.AddRecOf(l, ldB.Ptr)

	if !okA || !okB || recA.Step != recB.Step || recA.Step != m.width {
		return m, false
	}

	m.startA, m.startB = recA.Start, recB.Start

	// the latch count bounds the equal path, header runs once more
	cnt, okC := c.sc.LatchCount(l)
	if !okC {
		return m, false
	}

	m.iters = cnt.Plus(1)

	// no observable effect besides the two loads may exist
	if c.al.HasSideEffect(l, set.MakeBits[ir.Expr]()) {
		return m, false
	}

	// nothing defined inside may be needed after the loop: the bcmp
	// result cannot reproduce intermediate values like the mismatch
	// position
	escapes := false

	l.Blocks.Range(func(b ir.Block) bool {
		for _, id := range f.Blocks[b].Code {
			if c.outsideUses(l, id) != 0 {
				escapes = true
				return false
			}
		}

		return true
	})

	if escapes {
		return m, false
	}

	// exit phi incomings flowing over the exit edges must be
	// computable without the loop
	for _, e := range [][2]ir.Block{{l.Latch, m.exitEQ}, {l.Header, m.exitNE}} {
		for _, phi := range f.Phis(e[1]) {
			v := f.PhiIncoming(phi, e[0])
			if v != ir.Nil && !c.sc.IsInvariant(l, v) {
				return m, false
			}
		}
	}

	return m, true
}

// rewriteBCmp replaces the loop with a preheader bcmp call and a
// two-way dispatch on its result. The loop is deleted outright, exit
// phis keep their values through fresh forwarding blocks, and the
// dominator tree is patched with batched edge updates.
func (p *Pass) rewriteBCmp(ctx context.Context, c *cursor, l *loops.Loop, m bcmpMatch) bool {
	tr := tlog.SpanFromContext(ctx)
	f := c.f

	ph := l.Preheader()

	if !c.sc.CanExpandLin(m.startA, ph) || !c.sc.CanExpandLin(m.startB, ph) || !c.sc.CanExpand(m.iters, ph) {
		return false
	}

	ex := scev.NewExpander(f, ph)

	ptrA := ex.Lin(m.startA, tp.Ptr{})
	ptrB := ex.Lin(m.startB, tp.Ptr{})
	bytes := ex.Mul(ex.Count(m.iters, tp.I64), m.width, tp.I64)

	call := f.NewExpr(ir.BCmp{A: ptrA, B: ptrB, Len: bytes}, tp.I32)
	f.AppendTo(ph, call)

	zero := f.NewExpr(ir.Imm(0), tp.I32)
	eq := f.NewExpr(ir.Cmp{Cond: ir.CondEq, L: call, R: zero}, tp.Bool{})
	f.AppendTo(ph, eq)

	// forwarding blocks carry the per-exit phi values, and keep the
	// two outcomes apart when both exits lead to the same block
	hname := f.Blocks[l.Header].Name

	eqb := f.NewBlock(hname + ".eq")
	f.SetTerm(eqb, f.NewExpr(ir.B{To: m.exitEQ}, nil))

	neb := f.NewBlock(hname + ".ne")
	f.SetTerm(neb, f.NewExpr(ir.B{To: m.exitNE}, nil))

	for _, phi := range f.Phis(m.exitEQ) {
		if v := f.PhiIncoming(phi, l.Latch); v != ir.Nil {
			f.AddPhiIncoming(phi, eqb, v)
		}
	}

	for _, phi := range f.Phis(m.exitNE) {
		if v := f.PhiIncoming(phi, l.Header); v != ir.Nil {
			f.AddPhiIncoming(phi, neb, v)
		}
	}

	// detach the loop and dispatch on the compare instead
	f.SetTerm(ph, f.NewExpr(ir.BCond{Expr: eq, Then: eqb, Else: neb}, nil))

	c.du.Delete(ph, l.Header)
	c.du.Insert(ph, eqb)
	c.du.Insert(ph, neb)
	c.du.Insert(eqb, m.exitEQ)
	c.du.Insert(neb, m.exitNE)
	c.du.Delete(l.Latch, m.exitEQ)
	c.du.Delete(l.Header, m.exitNE)

	c.lf.Delete(l)
	c.du.Flush()

	// fold the now single-predecessor exits into their forwarders
	for _, e := range [][2]ir.Block{{eqb, m.exitEQ}, {neb, m.exitNE}} {
		if !f.MergeIntoPred(e[1]) {
			continue
		}

		c.du.Delete(e[0], e[1])

		for _, s := range f.Succs(e[0]) {
			c.du.Insert(e[0], s)
		}
	}

	c.du.Flush()

	p.Stats.BCmp++

	tr.V("idiom").Printw("bcmp formed", "header", hname, "width", m.width)

	return true
}
