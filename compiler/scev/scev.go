// Package scev recognizes affine recurrences and symbolic trip counts,
// covering the slice of scalar evolution the loop rewrites consume.
package scev

import (
	"github.com/slowlang/loopidiom/compiler/dom"
	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/loops"
	"github.com/slowlang/loopidiom/compiler/tp"
)

type (
	Analysis struct {
		f  *ir.Func
		dt *dom.Tree
	}

	// Lin is an invariant linear form [X] + C. Nil X means just C.
	Lin struct {
		X ir.Expr
		C int64
	}

	// AddRec is an affine recurrence Start + Step*i over iterations of
	// a loop, i counted from 0. Step 0 is a plain invariant.
	AddRec struct {
		Start Lin
		Step  int64

		// Phi and Next are set when the recurrence is the loop IV
		// itself: the header phi and its latch increment.
		Phi  ir.Expr
		Next ir.Expr
	}

	// Count is an unsigned quantity [X] - [Y] + C.
	Count struct {
		X, Y ir.Expr
		C    int64
	}
)

func New(f *ir.Func, dt *dom.Tree) *Analysis {
	return &Analysis{f: f, dt: dt}
}

// IsInvariant reports whether the value does not change while the loop
// runs. In SSA that is: defined outside the loop.
func (s *Analysis) IsInvariant(l *loops.Loop, id ir.Expr) bool {
	b := s.f.EBlock[id]
	if b == ir.NoBlock {
		switch s.f.Exprs[id].(type) {
		case ir.Imm, ir.Arg:
			return true
		default:
			return false
		}
	}

	return !l.Contains(b)
}

// AvailableAt reports whether the value can be referenced by code at
// the end of block b.
func (s *Analysis) AvailableAt(id ir.Expr, b ir.Block) bool {
	home := s.f.EBlock[id]
	if home == ir.NoBlock {
		switch s.f.Exprs[id].(type) {
		case ir.Imm, ir.Arg:
			return true
		default:
			return false
		}
	}

	return s.dt.Dominates(home, b)
}

func (s *Analysis) ConstOf(id ir.Expr) (int64, bool) {
	x, ok := s.f.Exprs[id].(ir.Imm)
	return int64(x), ok
}

// linOf builds the invariant linear form of a value.
func (s *Analysis) linOf(l *loops.Loop, id ir.Expr) (Lin, bool) {
	if c, ok := s.ConstOf(id); ok {
		return Lin{X: ir.Nil, C: c}, true
	}

	if !s.IsInvariant(l, id) {
		return Lin{}, false
	}

	return Lin{X: id, C: 0}, true
}

func addLin(a, b Lin) (Lin, bool) {
	if a.X != ir.Nil && b.X != ir.Nil {
		return Lin{}, false
	}

	x := a.X
	if x == ir.Nil {
		x = b.X
	}

	return Lin{X: x, C: a.C + b.C}, true
}

func subLin(a, b Lin) (Lin, bool) {
	if b.X != ir.Nil {
		return Lin{}, false
	}

	return Lin{X: a.X, C: a.C - b.C}, true
}

func mulLin(a Lin, c int64) (Lin, bool) {
	if a.X != ir.Nil && c != 1 {
		return Lin{}, false
	}

	return Lin{X: a.X, C: a.C * c}, true
}

// AddRecOf derives the affine recurrence of a value over the loop.
// Composition follows SSA shape: the header phi is the base case,
// add/sub/mul of recurrences combine when the forms stay linear.
func (s *Analysis) AddRecOf(l *loops.Loop, id ir.Expr) (AddRec, bool) {
	if lin, ok := s.linOf(l, id); ok {
		return AddRec{Start: lin}, true
	}

	switch x := s.f.Exprs[id].(type) {
	case ir.Phi:
		return s.ivOf(l, id)
	case ir.Add:
		a, ok := s.AddRecOf(l, x.L)
		if !ok {
			return AddRec{}, false
		}

		b, ok := s.AddRecOf(l, x.R)
		if !ok {
			return AddRec{}, false
		}

		start, ok := addLin(a.Start, b.Start)
		if !ok {
			return AddRec{}, false
		}

		return AddRec{Start: start, Step: a.Step + b.Step}, true
	case ir.Sub:
		a, ok := s.AddRecOf(l, x.L)
		if !ok {
			return AddRec{}, false
		}

		b, ok := s.AddRecOf(l, x.R)
		if !ok {
			return AddRec{}, false
		}

		start, ok := subLin(a.Start, b.Start)
		if !ok {
			return AddRec{}, false
		}

		return AddRec{Start: start, Step: a.Step - b.Step}, true
	case ir.Mul:
		a, ok := s.AddRecOf(l, x.L)
		if !ok {
			return AddRec{}, false
		}

		b, ok := s.AddRecOf(l, x.R)
		if !ok {
			return AddRec{}, false
		}

		// one side must be a constant
		if c, isC := constRec(b); isC {
			start, ok := mulLin(a.Start, c)
			if !ok {
				return AddRec{}, false
			}

			return AddRec{Start: start, Step: a.Step * c}, true
		}

		if c, isC := constRec(a); isC {
			start, ok := mulLin(b.Start, c)
			if !ok {
				return AddRec{}, false
			}

			return AddRec{Start: start, Step: b.Step * c}, true
		}

		return AddRec{}, false
	default:
		return AddRec{}, false
	}
}

func constRec(r AddRec) (int64, bool) {
	if r.Step != 0 || r.Start.X != ir.Nil {
		return 0, false
	}

	return r.Start.C, true
}

// ivOf matches the canonical induction phi: two incomings, invariant
// start from the preheader, plus or minus a constant from the latch.
func (s *Analysis) ivOf(l *loops.Loop, id ir.Expr) (AddRec, bool) {
	if s.f.EBlock[id] != l.Header || l.Latch == ir.NoBlock {
		return AddRec{}, false
	}

	ph := l.Preheader()
	if ph == ir.NoBlock {
		return AddRec{}, false
	}

	phi := s.f.Exprs[id].(ir.Phi)
	if len(phi) != 2 {
		return AddRec{}, false
	}

	startID := s.f.PhiIncoming(id, ph)
	next := s.f.PhiIncoming(id, l.Latch)

	if startID == ir.Nil || next == ir.Nil {
		return AddRec{}, false
	}

	start, ok := s.linOf(l, startID)
	if !ok {
		return AddRec{}, false
	}

	step, ok := s.stepOf(id, next)
	if !ok {
		return AddRec{}, false
	}

	return AddRec{Start: start, Step: step, Phi: id, Next: next}, true
}

func (s *Analysis) stepOf(phi, next ir.Expr) (int64, bool) {
	switch x := s.f.Exprs[next].(type) {
	case ir.Add:
		if c, ok := s.ConstOf(x.R); ok && x.L == phi {
			return c, true
		}

		if c, ok := s.ConstOf(x.L); ok && x.R == phi {
			return c, true
		}
	case ir.Sub:
		if c, ok := s.ConstOf(x.R); ok && x.L == phi {
			return -c, true
		}
	}

	return 0, false
}

// IndVar resolves a value used in the latch compare to the loop IV.
// post is true when the value is the incremented one.
func (s *Analysis) IndVar(l *loops.Loop, id ir.Expr) (rec AddRec, post bool, ok bool) {
	if _, isPhi := s.f.Exprs[id].(ir.Phi); isPhi {
		rec, ok = s.ivOf(l, id)
		return rec, false, ok
	}

	// try as the increment of some header phi
	for _, phiID := range s.f.Phis(l.Header) {
		r, ok := s.ivOf(l, phiID)
		if ok && r.Next == id {
			return r, true, true
		}
	}

	return AddRec{}, false, false
}

func negCond(c ir.Cond) ir.Cond {
	switch c {
	case ir.CondEq:
		return ir.CondNe
	case ir.CondNe:
		return ir.CondEq
	case ir.CondLt:
		return ir.CondGe
	case ir.CondGe:
		return ir.CondLt
	case ir.CondGt:
		return ir.CondLe
	case ir.CondLe:
		return ir.CondGt
	case ir.CondULt:
		return ir.CondUGe
	case ir.CondUGe:
		return ir.CondULt
	case ir.CondUGt:
		return ir.CondULe
	case ir.CondULe:
		return ir.CondUGt
	default:
		panic(string(c))
	}
}

func flipCond(c ir.Cond) ir.Cond {
	switch c {
	case ir.CondEq, ir.CondNe:
		return c
	case ir.CondLt:
		return ir.CondGt
	case ir.CondGt:
		return ir.CondLt
	case ir.CondLe:
		return ir.CondGe
	case ir.CondGe:
		return ir.CondLe
	case ir.CondULt:
		return ir.CondUGt
	case ir.CondUGt:
		return ir.CondULt
	case ir.CondULe:
		return ir.CondUGe
	case ir.CondUGe:
		return ir.CondULe
	default:
		panic(string(c))
	}
}

// BackedgeCount computes the exact number of backedges taken once the
// loop is entered. The latch must be the only exit, otherwise an
// earlier exit could cut the count short.
func (s *Analysis) BackedgeCount(l *loops.Loop) (Count, bool) {
	if len(l.Exits) != 1 || l.Exits[0].From != l.Latch {
		return Count{}, false
	}

	return s.LatchCount(l)
}

// LatchCount computes how many backedges the latch takes once the loop
// is entered, assuming no other exit fires first. Only rotated loops
// with a unit step IV and an unsigned or ne latch compare count. For
// bounded compares the result must be provably non-negative: a
// constant, or an entry guard showing the bound clears the start. An ne
// compare is exact on its own, a non-terminating range would never exit
// and is taken as absent.
func (s *Analysis) LatchCount(l *loops.Loop) (Count, bool) {
	if !l.IsRotated() {
		return Count{}, false
	}

	term := s.f.Blocks[l.Latch].Term

	br := s.f.Exprs[term].(ir.BCond)

	cmpID := br.Expr

	cmp, ok := s.f.Exprs[cmpID].(ir.Cmp)
	if !ok {
		return Count{}, false
	}

	cont := cmp.Cond
	if br.Then != l.Header {
		cont = negCond(cont)
	}

	ivID, boundID := cmp.L, cmp.R

	rec, post, ok := s.IndVar(l, ivID)
	if !ok {
		ivID, boundID = cmp.R, cmp.L
		cont = flipCond(cont)

		rec, post, ok = s.IndVar(l, ivID)
		if !ok {
			return Count{}, false
		}
	}

	if rec.Step != 1 && rec.Step != -1 {
		return Count{}, false
	}

	bound, ok := s.linOf(l, boundID)
	if !ok {
		return Count{}, false
	}

	up := rec.Step == 1

	switch cont {
	case ir.CondULt:
		if !up {
			return Count{}, false
		}
	case ir.CondUGt:
		if up {
			return Count{}, false
		}
	case ir.CondNe:
	default:
		return Count{}, false
	}

	adj := int64(0)
	if post {
		adj = 1
	}

	var cnt Count
	if up {
		cnt = Count{X: bound.X, Y: rec.Start.X, C: bound.C - rec.Start.C - adj}
	} else {
		cnt = Count{X: rec.Start.X, Y: bound.X, C: rec.Start.C - bound.C - adj}
	}

	if c, isC := cnt.Const(); isC {
		return cnt, c >= 0
	}

	if cont == ir.CondNe {
		return cnt, true
	}

	if !s.entryClears(l, cnt) {
		return Count{}, false
	}

	return cnt, true
}

// entryClears proves Count >= 0 from branch conditions dominating the
// preheader: some guard must show X > Y + (-C) - 1, i.e. the bound
// clears the start by enough.
func (s *Analysis) entryClears(l *loops.Loop, cnt Count) bool {
	if cnt.X == ir.Nil {
		return false
	}

	return s.entryGuard(l, func(cmp ir.Cmp) bool {
		return s.implies(cmp, cnt)
	})
}

// GuardedNonZero proves the value is not zero when the loop is entered.
func (s *Analysis) GuardedNonZero(l *loops.Loop, x ir.Expr) bool {
	return s.entryGuard(l, func(cmp ir.Cmp) bool {
		return s.impliesNonZero(cmp, x)
	})
}

// entryGuard walks the idom chain above the preheader looking for a
// dominating branch condition the predicate accepts.
func (s *Analysis) entryGuard(l *loops.Loop, pred func(ir.Cmp) bool) bool {
	ph := l.Preheader()
	if ph == ir.NoBlock {
		return false
	}

	for b := ph; b != ir.NoBlock; {
		g := s.dt.IDom(b)
		if g == ir.NoBlock {
			break
		}

		cond, ok := s.guardCond(g, b)
		if ok && pred(cond) {
			return true
		}

		b = g
	}

	return false
}

func (s *Analysis) impliesNonZero(cmp ir.Cmp, x ir.Expr) bool {
	if cmp.R == x {
		cmp.L, cmp.R = cmp.R, cmp.L
		cmp.Cond = flipCond(cmp.Cond)
	}

	if cmp.L != x {
		return false
	}

	r, ok := s.ConstOf(cmp.R)
	if !ok {
		return false
	}

	switch cmp.Cond {
	case ir.CondNe, ir.CondUGt, ir.CondGt:
		return r == 0
	case ir.CondEq:
		return r != 0
	case ir.CondUGe:
		return r >= 1
	default:
		return false
	}
}

// guardCond returns the compare known to hold when control reaches
// `below` through the conditional block g, normalized to be true.
func (s *Analysis) guardCond(g, below ir.Block) (ir.Cmp, bool) {
	term := s.f.Blocks[g].Term
	if term == ir.Nil {
		return ir.Cmp{}, false
	}

	br, ok := s.f.Exprs[term].(ir.BCond)
	if !ok {
		return ir.Cmp{}, false
	}

	cmp, ok := s.f.Exprs[br.Expr].(ir.Cmp)
	if !ok {
		return ir.Cmp{}, false
	}

	// the side actually taken must funnel into below
	switch {
	case s.dt.Dominates(br.Then, below) && !s.dt.Dominates(br.Else, below):
		return cmp, true
	case s.dt.Dominates(br.Else, below) && !s.dt.Dominates(br.Then, below):
		cmp.Cond = negCond(cmp.Cond)
		return cmp, true
	default:
		return ir.Cmp{}, false
	}
}

// implies checks that a true compare forces X - Y + C >= 0.
func (s *Analysis) implies(cmp ir.Cmp, cnt Count) bool {
	// normalize to X on the left
	if cmp.R == cnt.X {
		cmp.L, cmp.R = cmp.R, cmp.L
		cmp.Cond = flipCond(cmp.Cond)
	}

	if cmp.L != cnt.X {
		return false
	}

	// need X >= K, K = -C (+Y)
	if cnt.Y == ir.Nil {
		k := -cnt.C

		r, ok := s.ConstOf(cmp.R)
		if !ok {
			return false
		}

		switch cmp.Cond {
		case ir.CondUGt:
			return r+1 >= k && r+1 > r // no wrap
		case ir.CondUGe:
			return r >= k
		case ir.CondEq:
			return r >= k
		case ir.CondNe:
			return r == 0 && k <= 1
		default:
			return false
		}
	}

	if cmp.R != cnt.Y {
		return false
	}

	// X vs Y directly: X > Y covers C >= -1, X >= Y covers C >= 0
	switch cmp.Cond {
	case ir.CondUGt:
		return cnt.C >= -1
	case ir.CondUGe:
		return cnt.C >= 0
	default:
		return false
	}
}

func (c Count) Const() (int64, bool) {
	if c.X != ir.Nil || c.Y != ir.Nil {
		return 0, false
	}

	return c.C, true
}

func (c Count) Plus(d int64) Count {
	c.C += d
	return c
}

// Expander materializes symbolic quantities at the end of a block and
// journals what it placed, so a transform that gives up mid-way can
// roll the arena back.
type Expander struct {
	f  *ir.Func
	at ir.Block

	mark   int
	placed []ir.Expr
}

func NewExpander(f *ir.Func, at ir.Block) *Expander {
	return &Expander{
		f:    f,
		at:   at,
		mark: len(f.Exprs),
	}
}

// CanExpand reports whether every symbol of the count is available at
// the insertion block.
func (s *Analysis) CanExpand(c Count, at ir.Block) bool {
	if c.X != ir.Nil && !s.AvailableAt(c.X, at) {
		return false
	}

	if c.Y != ir.Nil && !s.AvailableAt(c.Y, at) {
		return false
	}

	return true
}

func (s *Analysis) CanExpandLin(l Lin, at ir.Block) bool {
	return l.X == ir.Nil || s.AvailableAt(l.X, at)
}

func (e *Expander) emit(x any, t tp.Type) ir.Expr {
	id := e.f.NewExpr(x, t)

	e.f.AppendTo(e.at, id)
	e.placed = append(e.placed, id)

	return id
}

func (e *Expander) Const(c int64, t tp.Type) ir.Expr {
	return e.f.NewExpr(ir.Imm(c), t)
}

// Count materializes [X] - [Y] + C, folding what it can. A count that
// collapses to a live value costs nothing.
func (e *Expander) Count(c Count, t tp.Type) ir.Expr {
	switch {
	case c.X == ir.Nil && c.Y == ir.Nil:
		return e.Const(c.C, t)
	case c.Y == ir.Nil && c.C == 0:
		return c.X
	case c.Y == ir.Nil:
		return e.emit(ir.Add{L: c.X, R: e.Const(c.C, t)}, t)
	case c.X == ir.Nil:
		return e.emit(ir.Sub{L: e.Const(c.C, t), R: c.Y}, t)
	default:
		d := e.emit(ir.Sub{L: c.X, R: c.Y}, t)

		if c.C == 0 {
			return d
		}

		return e.emit(ir.Add{L: d, R: e.Const(c.C, t)}, t)
	}
}

func (e *Expander) Lin(l Lin, t tp.Type) ir.Expr {
	switch {
	case l.X == ir.Nil:
		return e.Const(l.C, t)
	case l.C == 0:
		return l.X
	default:
		return e.emit(ir.Add{L: l.X, R: e.Const(l.C, t)}, t)
	}
}

func (e *Expander) Mul(a ir.Expr, c int64, t tp.Type) ir.Expr {
	if c == 1 {
		return a
	}

	return e.emit(ir.Mul{L: a, R: e.Const(c, t)}, t)
}

func (e *Expander) Add(a, b ir.Expr, t tp.Type) ir.Expr {
	return e.emit(ir.Add{L: a, R: b}, t)
}

func (e *Expander) Sub(a, b ir.Expr, t tp.Type) ir.Expr {
	return e.emit(ir.Sub{L: a, R: b}, t)
}

// Rollback removes everything the expander placed and shrinks the
// arena back to the mark. Only valid while the transform owns the
// arena tail.
func (e *Expander) Rollback() {
	for _, id := range e.placed {
		e.f.Remove(id)
	}

	e.placed = nil
	e.f.TruncExprs(e.mark)
}
