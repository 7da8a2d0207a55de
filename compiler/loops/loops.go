package loops

import (
	"context"
	"fmt"
	"sort"

	"tlog.app/go/tlog"

	"github.com/slowlang/loopidiom/compiler/dom"
	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/set"
)

type (
	// Forest is the loop nesting of a function.
	Forest struct {
		f *ir.Func

		// Loops holds discovered loops, inner before outer.
		Loops []*Loop

		inner []*Loop // innermost loop per block
	}

	Loop struct {
		f *ir.Func

		Header ir.Block

		// Latch is the single backedge source, NoBlock if there are
		// several.
		Latch ir.Block

		Blocks set.Bits[ir.Block]
		Exits  []Edge

		Parent   *Loop
		Children []*Loop

		// Depth is the nesting depth, 1 for a top level loop.
		Depth int

		dead bool
	}

	Edge struct {
		From, To ir.Block
	}
)

// Find discovers natural loops: a backedge is an edge whose target
// dominates its source, the loop body is everything that reaches the
// backedge without passing the header.
func Find(ctx context.Context, f *ir.Func, dt *dom.Tree) *Forest {
	lf := &Forest{
		f:     f,
		inner: make([]*Loop, len(f.Blocks)),
	}

	byHeader := map[ir.Block]*Loop{}

	for _, b := range dt.Order {
		for _, h := range f.Succs(b) {
			if !dt.Dominates(h, b) {
				continue
			}

			l, ok := byHeader[h]
			if !ok {
				l = &Loop{
					f:      f,
					Header: h,
					Latch:  b,
					Blocks: set.MakeBits(h),
				}

				byHeader[h] = l
				lf.Loops = append(lf.Loops, l)
			} else {
				l.Latch = ir.NoBlock
			}

			lf.fill(l, b, dt)
		}
	}

	for _, l := range lf.Loops {
		l.rescanExits()
	}

	lf.nest()

	if tr := tlog.SpanFromContext(ctx); tr.If("loops") {
		for _, l := range lf.Loops {
			tr.Printw("loop", "header", f.Blocks[l.Header].Name, "depth", l.Depth, "blocks", l.Blocks.Size())
		}
	}

	return lf
}

// fill walks predecessors from the latch up to the header.
func (lf *Forest) fill(l *Loop, latch ir.Block, dt *dom.Tree) {
	if l.Blocks.IsSet(latch) {
		return
	}

	l.Blocks.Set(latch)

	stack := []ir.Block{latch}

	for len(stack) != 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, p := range lf.f.Blocks[b].Preds {
			if l.Blocks.IsSet(p) || !dt.Reachable(p) {
				continue
			}

			l.Blocks.Set(p)
			stack = append(stack, p)
		}
	}
}

func (l *Loop) rescanExits() {
	l.Exits = l.Exits[:0]

	l.Blocks.Range(func(b ir.Block) bool {
		for _, s := range l.f.Succs(b) {
			if !l.Blocks.IsSet(s) {
				l.Exits = append(l.Exits, Edge{From: b, To: s})
			}
		}

		return true
	})
}

// nest orders loops inner first and links the nesting.
func (lf *Forest) nest() {
	sort.SliceStable(lf.Loops, func(i, j int) bool {
		return lf.Loops[i].Blocks.Size() < lf.Loops[j].Blocks.Size()
	})

	for _, l := range lf.Loops {
		l.Blocks.Range(func(b ir.Block) bool {
			if lf.inner[b] == nil {
				lf.inner[b] = l
			}

			return true
		})
	}

	for i, l := range lf.Loops {
		for _, m := range lf.Loops[i+1:] {
			if !m.Blocks.IsSet(l.Header) {
				continue
			}

			l.Parent = m
			m.Children = append(m.Children, l)

			break
		}
	}

	for i := len(lf.Loops) - 1; i >= 0; i-- {
		l := lf.Loops[i]

		l.Depth = 1
		if l.Parent != nil {
			l.Depth = l.Parent.Depth + 1
		}
	}
}

// LoopOf returns the innermost loop containing the block.
func (lf *Forest) LoopOf(b ir.Block) *Loop {
	if int(b) >= len(lf.inner) {
		return nil
	}

	return lf.inner[b]
}

func (l *Loop) Contains(b ir.Block) bool {
	return l.Blocks.IsSet(b)
}

func (l *Loop) Dead() bool { return l.dead }

// Preheader is the only predecessor of the header outside the loop.
// It must have no other successors, so code inserted there runs iff
// the loop is entered.
func (l *Loop) Preheader() ir.Block {
	ph := ir.NoBlock

	for _, p := range l.f.Blocks[l.Header].Preds {
		if l.Contains(p) {
			continue
		}

		if ph != ir.NoBlock {
			return ir.NoBlock
		}

		ph = p
	}

	if ph == ir.NoBlock || len(l.f.Succs(ph)) != 1 {
		return ir.NoBlock
	}

	return ph
}

// IsSimplified: preheader, single latch, and every exit target is
// reached from this loop only.
func (l *Loop) IsSimplified() bool {
	if l.Preheader() == ir.NoBlock || l.Latch == ir.NoBlock {
		return false
	}

	for _, e := range l.Exits {
		for _, p := range l.f.Blocks[e.To].Preds {
			if !l.Contains(p) {
				return false
			}
		}
	}

	return true
}

// IsRotated: the latch both takes the backedge and exits, the
// do-while shape.
func (l *Loop) IsRotated() bool {
	if l.Latch == ir.NoBlock {
		return false
	}

	t := l.f.Blocks[l.Latch].Term
	if t == ir.Nil {
		return false
	}

	x, ok := l.f.Exprs[t].(ir.BCond)
	if !ok {
		return false
	}

	in, out := x.Then, x.Else
	if !l.Contains(in) {
		in, out = out, in
	}

	return in == l.Header && !l.Contains(out)
}

// ExitBlock returns the single exit target, or NoBlock.
func (l *Loop) ExitBlock() ir.Block {
	ex := ir.NoBlock

	for _, e := range l.Exits {
		if ex != ir.NoBlock && ex != e.To {
			return ir.NoBlock
		}

		ex = e.To
	}

	return ex
}

// Simplify brings the loop to the canonical shape: a preheader the
// loop is entered through and exit targets reached from this loop only.
// Edge splits are queued on du, the caller flushes. Reports whether the
// loop is in shape afterwards.
func (lf *Forest) Simplify(ctx context.Context, l *Loop, du *dom.Updater) bool {
	if l.Latch == ir.NoBlock {
		return false
	}

	if l.Preheader() == ir.NoBlock && !lf.insertPreheader(l, du) {
		return false
	}

	lf.dedicateExits(l, du)

	ok := l.IsSimplified()

	if tr := tlog.SpanFromContext(ctx); tr.If("loops") {
		tr.Printw("simplify loop", "header", lf.f.Blocks[l.Header].Name, "ok", ok)
	}

	return ok
}

func (lf *Forest) insertPreheader(l *Loop, du *dom.Updater) bool {
	in := ir.NoBlock

	for _, p := range lf.f.Blocks[l.Header].Preds {
		if l.Contains(p) {
			continue
		}

		if in != ir.NoBlock {
			return false // more than one entering edge
		}

		in = p
	}

	if in == ir.NoBlock {
		return false
	}

	lf.split(in, l.Header, lf.f.Blocks[l.Header].Name+".ph", du)

	return true
}

func (lf *Forest) dedicateExits(l *Loop, du *dom.Updater) {
	exits := append([]Edge{}, l.Exits...)

	for _, e := range exits {
		shared := false

		for _, p := range lf.f.Blocks[e.To].Preds {
			if !l.Contains(p) {
				shared = true
				break
			}
		}

		if !shared {
			continue
		}

		lf.split(e.From, e.To, lf.f.Blocks[e.To].Name+".lx", du)
	}
}

// split inserts a block on the edge and registers it with the loops
// containing both edge ends.
func (lf *Forest) split(from, to ir.Block, name string, du *dom.Updater) ir.Block {
	s := lf.f.SplitEdge(from, to, name)

	for len(lf.inner) < len(lf.f.Blocks) {
		lf.inner = append(lf.inner, nil)
	}

	a := lf.LoopOf(from)
	for a != nil && !a.Contains(to) {
		a = a.Parent
	}

	lf.inner[s] = a

	for ; a != nil; a = a.Parent {
		a.Blocks.Set(s)
	}

	for _, m := range lf.Loops {
		m.rescanExits()
	}

	du.Delete(from, to)
	du.Insert(from, s)
	du.Insert(s, to)

	return s
}

// Delete removes a loop whose blocks are no longer entered from
// outside: the caller already retargeted the preheader. Works on any
// internal shape. Exit targets lose their phi incomings from the loop,
// the caller is responsible for adding replacement ones beforehand.
func (lf *Forest) Delete(l *Loop) {
	l.Blocks.Range(func(b ir.Block) bool {
		for _, p := range lf.f.Blocks[b].Preds {
			if !l.Contains(p) {
				panic(fmt.Sprintf("deleting loop %v entered from %v", lf.f.Blocks[l.Header].Name, lf.f.Blocks[p].Name))
			}
		}

		return true
	})

	l.Blocks.Range(func(b ir.Block) bool {
		lf.f.SetTerm(b, ir.Nil)
		return true
	})

	l.Blocks.Range(func(b ir.Block) bool {
		lf.f.Detach(b)
		lf.inner[b] = nil

		return true
	})

	l.kill()

	if l.Parent != nil {
		for i, c := range l.Parent.Children {
			if c == l {
				l.Parent.Children = append(l.Parent.Children[:i], l.Parent.Children[i+1:]...)
				break
			}
		}
	}

	for a := l.Parent; a != nil; a = a.Parent {
		a.Blocks.Substract(l.Blocks)
		a.rescanExits()
	}
}

func (l *Loop) kill() {
	l.dead = true

	for _, c := range l.Children {
		c.kill()
	}
}
