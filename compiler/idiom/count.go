package idiom

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/loops"
	"github.com/slowlang/loopidiom/compiler/tp"
)

// countMatch captures the bit counting loops, both of which have the
// single-block shape
//
//	h:  x = phi [ph: x0], [h: xNext]
//	    cnt = phi [ph: cnt0], [h: cntNext]
//	    xNext = step(x)
//	    cntNext = cnt + 1
//	    bcond (xNext != 0), h, exit
//
// where step is x&(x-1) for popcount and a shift by one for ffs.
type countMatch struct {
	x0      ir.Expr // initial value entering the loop
	xPhi    ir.Expr
	xNext   ir.Expr
	cntPhi  ir.Expr
	cntNext ir.Expr
	cnt0    ir.Expr
}

func (p *Pass) tryPopCount(ctx context.Context, c *cursor, l *loops.Loop) bool {
	if !p.Target.CtPop {
		return false
	}

	m, ok := c.matchCountLoop(l, func(xNext, xPhi ir.Expr) (ir.Expr, bool) {
		// xNext = x & (x-1), clearing the lowest set bit
		and, isAnd := c.f.Exprs[xNext].(ir.And)
		if !isAnd {
			return ir.Nil, false
		}

		o, v := and.L, and.R
		if o != xPhi {
			o, v = v, o
		}

		if o != xPhi || !c.isMinusOne(v, xPhi) {
			return ir.Nil, false
		}

		// the x-1 feeder lives in the body too
		return v, true
	})
	if !ok {
		return false
	}

	// the counter must be wanted after the loop
	if c.outsideUses(l, m.cntNext) == 0 {
		return false
	}

	if c.outsideUses(l, m.cntPhi) != 0 || c.outsideUses(l, m.xPhi) != 0 || c.outsideUses(l, m.xNext) != 0 {
		return false
	}

	// a zero input still runs the body once, counting one too many;
	// the closed form is only right when the loop is entered on x != 0
	if !c.knownNonZero(l, m.x0) {
		return false
	}

	p.rewritePopCount(ctx, c, l, m)

	return true
}

// rewritePopCount makes the loop countable: the popcount of the input
// is the exact trip count, a fresh decrementing counter takes over the
// latch condition, and uses of the counter after the loop get the
// closed form.
func (p *Pass) rewritePopCount(ctx context.Context, c *cursor, l *loops.Loop, m countMatch) {
	f := c.f
	b := l.Header
	ph := l.Preheader()

	xt := f.TypeOf(m.x0)

	pc := f.NewExpr(ir.CtPop{X: m.x0}, xt)
	f.AppendTo(ph, pc)

	newCount := c.addInit(ph, pc, m.cnt0, f.TypeOf(m.cntNext))

	c.retargetLatch(l, pc, xt, ir.CondUGt, ir.CondULe)
	c.replaceOutsideUses(l, m.cntNext, newCount)
	c.sweepDead(l)

	p.Stats.CtPop++

	tlog.SpanFromContext(ctx).V("idiom").Printw("popcount formed", "header", f.Blocks[b].Name)
}

func (p *Pass) tryFFS(ctx context.Context, c *cursor, l *loops.Loop) bool {
	var opc byte // 'l' lsr, 'a' asr, 's' shl

	m, ok := c.matchCountLoop(l, func(xNext, xPhi ir.Expr) (ir.Expr, bool) {
		var x, amt ir.Expr

		switch v := c.f.Exprs[xNext].(type) {
		case ir.Lsr:
			opc, x, amt = 'l', v.L, v.R
		case ir.Asr:
			opc, x, amt = 'a', v.L, v.R
		case ir.Shl:
			opc, x, amt = 's', v.L, v.R
		default:
			return ir.Nil, false
		}

		one, isC := c.sc.ConstOf(amt)

		return ir.Nil, x == xPhi && isC && one == 1
	})
	if !ok {
		return false
	}

	if opc == 's' {
		if !p.Target.CtTz {
			return false
		}
	} else if !p.Target.CtLz {
		return false
	}

	// an arithmetic shift of a negative value never reaches zero
	if opc == 'a' {
		v, isC := c.sc.ConstOf(m.x0)
		if !isC || v < 0 {
			return false
		}
	}

	phiOut := c.outsideUses(l, m.cntPhi) != 0
	instOut := c.outsideUses(l, m.cntNext) != 0

	if phiOut && instOut {
		return false
	}

	if c.outsideUses(l, m.xPhi) != 0 || c.outsideUses(l, m.xNext) != 0 {
		return false
	}

	// with the incremented counter observed after the loop, zero and
	// one input run the same single iteration and only a dominating
	// zero check tells them apart
	zeroCheck := false

	if !phiOut {
		if !c.knownNonZero(l, m.x0) {
			return false
		}

		zeroCheck = true
	}

	p.rewriteFFS(ctx, c, l, m, opc, zeroCheck, phiOut)

	return true
}

// rewriteFFS computes the trip count as bitwidth - ctlz(x0) (cttz for
// the shl variant) and converts the loop the same way popcount does.
// When the pre-increment counter is the observed value, the count is
// taken on x0 shifted once so the closed form lands one lower, and the
// trip count is that plus one.
func (p *Pass) rewriteFFS(ctx context.Context, c *cursor, l *loops.Loop, m countMatch, opc byte, zeroCheck, phiOut bool) {
	f := c.f
	b := l.Header
	ph := l.Preheader()

	xt := f.TypeOf(m.x0)
	w := int64(xt.Size() * 8)

	initX := m.x0

	if phiOut {
		one := f.NewExpr(ir.Imm(1), xt)

		var sh any

		switch opc {
		case 'l':
			sh = ir.Lsr{L: m.x0, R: one}
		case 'a':
			sh = ir.Asr{L: m.x0, R: one}
		case 's':
			sh = ir.Shl{L: m.x0, R: one}
		}

		initX = f.NewExpr(sh, xt)
		f.AppendTo(ph, initX)
	}

	var ffs ir.Expr
	if opc == 's' {
		ffs = f.NewExpr(ir.CtTz{X: initX, ZeroUndef: zeroCheck}, xt)
	} else {
		ffs = f.NewExpr(ir.CtLz{X: initX, ZeroUndef: zeroCheck}, xt)
	}

	f.AppendTo(ph, ffs)

	wc := f.NewExpr(ir.Imm(w), xt)
	count := f.NewExpr(ir.Sub{L: wc, R: ffs}, xt)
	f.AppendTo(ph, count)

	closed := count

	if phiOut {
		// trips = count + 1, the observed value stays pre-shift
		one := f.NewExpr(ir.Imm(1), xt)
		trips := f.NewExpr(ir.Add{L: count, R: one}, xt)
		f.AppendTo(ph, trips)

		newCount := c.addInit(ph, closed, m.cnt0, f.TypeOf(m.cntPhi))

		c.retargetLatch(l, trips, xt, ir.CondNe, ir.CondEq)
		c.replaceOutsideUses(l, m.cntPhi, newCount)
	} else {
		newCount := c.addInit(ph, closed, m.cnt0, f.TypeOf(m.cntNext))

		c.retargetLatch(l, count, xt, ir.CondNe, ir.CondEq)
		c.replaceOutsideUses(l, m.cntNext, newCount)
	}

	c.sweepDead(l)

	p.Stats.CtLzTz++

	tlog.SpanFromContext(ctx).V("idiom").Printw("ffs formed", "header", f.Blocks[b].Name, "op", string(opc))
}

// matchCountLoop matches the shared single-block skeleton and lets
// stepOK validate the per-idiom update of the data value, naming at
// most one extra feeder instruction it involves. The block must
// contain nothing beyond the idiom: stray work would be lost when the
// latch condition stops depending on the data.
func (c *cursor) matchCountLoop(l *loops.Loop, stepOK func(xNext, xPhi ir.Expr) (ir.Expr, bool)) (m countMatch, ok bool) {
	if l.Blocks.Size() != 1 || l.Latch != l.Header {
		return m, false
	}

	f := c.f
	b := l.Header
	ph := l.Preheader()

	term := f.Blocks[b].Term

	br, isBr := f.Exprs[term].(ir.BCond)
	if !isBr {
		return m, false
	}

	cmp, isCmp := f.Exprs[br.Expr].(ir.Cmp)
	if !isCmp {
		return m, false
	}

	// continue while xNext != 0
	cond := cmp.Cond
	if br.Then != b {
		cond = negCondIdiom(cond)
	}

	if cond != ir.CondNe {
		return m, false
	}

	m.xNext = cmp.L

	if z, isC := c.sc.ConstOf(cmp.R); !isC || z != 0 {
		if z, isC := c.sc.ConstOf(cmp.L); !isC || z != 0 {
			return m, false
		}

		m.xNext = cmp.R
	}

	phis := f.Phis(b)
	if len(phis) != 2 {
		return m, false
	}

	m.xPhi, m.cntPhi = ir.Nil, ir.Nil

	// find the data phi: the one fed back by xNext
	for _, phi := range phis {
		if f.PhiIncoming(phi, b) == m.xNext {
			m.xPhi = phi
		} else {
			m.cntPhi = phi
		}
	}

	if m.xPhi == ir.Nil || m.cntPhi == ir.Nil || m.xPhi == m.cntPhi {
		return m, false
	}

	extra, okStep := stepOK(m.xNext, m.xPhi)
	if !okStep {
		return m, false
	}

	m.x0 = f.PhiIncoming(m.xPhi, ph)
	m.cnt0 = f.PhiIncoming(m.cntPhi, ph)
	m.cntNext = f.PhiIncoming(m.cntPhi, b)

	if m.x0 == ir.Nil || m.cnt0 == ir.Nil || m.cntNext == ir.Nil {
		return m, false
	}

	// cntNext = cntPhi + 1
	add, isAdd := f.Exprs[m.cntNext].(ir.Add)
	if !isAdd {
		return m, false
	}

	o, v := add.L, add.R
	if o != m.cntPhi {
		o, v = v, o
	}

	if one, isC := c.sc.ConstOf(v); o != m.cntPhi || !isC || one != 1 {
		return m, false
	}

	// nothing else in the body
	for _, id := range f.Blocks[b].Code[len(phis):] {
		switch id {
		case m.xNext, m.cntNext, br.Expr, extra:
		default:
			if _, isImm := f.Exprs[id].(ir.Imm); !isImm {
				return m, false
			}
		}
	}

	return m, true
}

// isMinusOne matches x-1 and x+(-1).
func (c *cursor) isMinusOne(id, x ir.Expr) bool {
	switch v := c.f.Exprs[id].(type) {
	case ir.Sub:
		d, isC := c.sc.ConstOf(v.R)
		return v.L == x && isC && d == 1
	case ir.Add:
		if d, isC := c.sc.ConstOf(v.R); isC && d == -1 && v.L == x {
			return true
		}

		d, isC := c.sc.ConstOf(v.L)

		return isC && d == -1 && v.R == x
	default:
		return false
	}
}

func (c *cursor) knownNonZero(l *loops.Loop, id ir.Expr) bool {
	if v, isC := c.sc.ConstOf(id); isC {
		return v != 0
	}

	return c.sc.GuardedNonZero(l, id)
}

// addInit folds the counter's initial value into the closed form.
// The add is typed as the original counter so narrow counters keep
// their wrap behavior.
func (c *cursor) addInit(ph ir.Block, count, init ir.Expr, ct tp.Type) ir.Expr {
	if v, isC := c.sc.ConstOf(init); isC && v == 0 && sameWidth(c.f.TypeOf(count), ct) {
		return count
	}

	id := c.f.NewExpr(ir.Add{L: count, R: init}, ct)
	c.f.AppendTo(ph, id)

	return id
}

// retargetLatch installs a fresh decrementing trip counter and points
// the latch condition at it. Successors stay as they are, the
// condition polarity follows which side takes the backedge.
func (c *cursor) retargetLatch(l *loops.Loop, trips ir.Expr, t tp.Type, onThen, onElse ir.Cond) {
	f := c.f
	b := l.Header
	ph := l.Preheader()

	tcPhi := f.NewExpr(ir.Phi{}, t)
	f.AddPhi(b, tcPhi)

	one := f.NewExpr(ir.Imm(1), t)
	tcDec := f.NewExpr(ir.Sub{L: tcPhi, R: one}, t)
	f.AppendTo(b, tcDec)

	f.AddPhiIncoming(tcPhi, ph, trips)
	f.AddPhiIncoming(tcPhi, b, tcDec)

	term := f.Blocks[b].Term
	br := f.Exprs[term].(ir.BCond)

	cond := onThen
	if br.Then != b {
		cond = onElse
	}

	zero := f.NewExpr(ir.Imm(0), t)
	cmp := f.NewExpr(ir.Cmp{Cond: cond, L: tcDec, R: zero}, tp.Bool{})
	f.AppendTo(b, cmp)

	br.Expr = cmp
	f.Exprs[term] = br
}

func sameWidth(a, b tp.Type) bool {
	return a != nil && b != nil && a.Size() == b.Size()
}

func negCondIdiom(c ir.Cond) ir.Cond {
	switch c {
	case ir.CondEq:
		return ir.CondNe
	case ir.CondNe:
		return ir.CondEq
	default:
		return c
	}
}
