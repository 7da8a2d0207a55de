package idiom

import (
	"context"
	"sort"

	"tlog.app/go/tlog"

	"github.com/slowlang/loopidiom/compiler/alias"
	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/loops"
	"github.com/slowlang/loopidiom/compiler/scev"
	"github.com/slowlang/loopidiom/compiler/set"
	"github.com/slowlang/loopidiom/compiler/tp"
)

type (
	// fillCand is one store (or in-loop memset) writing an affine
	// address with a value expressible as a repeated byte or pattern.
	fillCand struct {
		id    ir.Expr // the store or memset
		ptr   ir.Expr
		start scev.Lin
		step  int64
		width int64 // bytes written per iteration

		// exactly one of the value forms is set
		valExpr ir.Expr // invariant value, byte-wide
		byteVal byte    // splat constant
		isConst bool
		pattern []byte // non-splat constant, memory order

		wholeLoopSet bool // promoted from an in-loop memset
	}

	// fillGroup is a chain of consecutive fill candidates whose
	// cumulative width covers the stride.
	fillGroup struct {
		fillCand

		ids []ir.Expr // all merged stores
	}

	copyCand struct {
		store, load        ir.Expr
		dstStart, srcStart scev.Lin
		dstPtr, srcPtr     ir.Expr
		step               int64
		width              int64
		atomic             bool
	}
)

// runCountable scans loop blocks that run on every iteration for
// promotable stores and in-loop memsets. Blocks of nested loops run a
// different number of times and are skipped.
func (p *Pass) runCountable(ctx context.Context, c *cursor, l *loops.Loop, bec scev.Count) (changed bool) {
	l.Blocks.Range(func(b ir.Block) bool {
		if c.lf.LoopOf(b) != l {
			return true
		}

		// the block must execute whenever the backedge is taken,
		// otherwise hoisting its stores changes behavior
		if !c.dt.Dominates(b, l.Latch) {
			return true
		}

		if p.processBlock(ctx, c, l, b, bec) {
			changed = true
		}

		return true
	})

	return changed
}

func (p *Pass) processBlock(ctx context.Context, c *cursor, l *loops.Loop, b ir.Block, bec scev.Count) (changed bool) {
	var fills []fillCand
	var copies []copyCand

	for _, id := range c.f.Blocks[b].Code {
		switch x := c.f.Exprs[id].(type) {
		case ir.Store:
			fc, cc := p.classifyStore(c, l, id, x)

			if fc != nil {
				fills = append(fills, *fc)
			}

			if cc != nil {
				copies = append(copies, *cc)
			}
		case ir.MemSet:
			if fc := p.classifyLoopMemSet(c, l, id, x); fc != nil {
				fills = append(fills, *fc)
			}
		}
	}

	for _, g := range chainFills(fills) {
		if p.processFill(ctx, c, l, g, bec) {
			changed = true
		}
	}

	for _, cc := range copies {
		if p.processCopy(ctx, c, l, cc, bec) {
			changed = true
		}
	}

	return changed
}

// classifyStore decides what a store could become. A store never
// qualifies for both: a splat or pattern value is invariant, a copied
// value is loaded inside the loop.
func (p *Pass) classifyStore(c *cursor, l *loops.Loop, id ir.Expr, x ir.Store) (*fillCand, *copyCand) {
	if x.Volatile {
		return nil, nil
	}

	sz := int64(c.f.TypeOf(x.Val).Size())

	rec, ok := c.sc.AddRecOf(l, x.Ptr)
	if !ok || rec.Step == 0 {
		return nil, nil
	}

	fc := &fillCand{
		id:    id,
		ptr:   x.Ptr,
		start: rec.Start,
		step:  rec.Step,
		width: sz,
	}

	if v, isC := c.sc.ConstOf(x.Val); isC && !x.Atomic {
		mem := leBytes(v, sz)

		if bv, splat := splatOf(mem); splat && p.Target.MemSet {
			fc.byteVal = bv
			fc.isConst = true

			return fc, nil
		}

		if p.Target.MemSetPattern && sz <= 16 && 16%sz == 0 {
			fc.pattern = mem

			return fc, nil
		}

		return nil, nil
	}

	if sz == 1 && !x.Atomic && p.Target.MemSet && c.sc.IsInvariant(l, x.Val) {
		fc.valExpr = x.Val

		return fc, nil
	}

	// store of a load: copy candidate
	ld, isLoad := c.f.Exprs[x.Val].(ir.Load)
	if !isLoad || ld.Volatile || ld.Atomic != x.Atomic {
		return nil, nil
	}

	lb := c.f.EBlock[x.Val]
	if lb == ir.NoBlock || !l.Contains(lb) {
		return nil, nil
	}

	if x.Atomic {
		if int64(p.Target.AtomicMemCpyMaxElem) < sz {
			return nil, nil
		}
	} else if !p.Target.MemCpy {
		return nil, nil
	}

	lrec, ok := c.sc.AddRecOf(l, ld.Ptr)
	if !ok || lrec.Step != rec.Step {
		return nil, nil
	}

	if abs(rec.Step) != sz {
		return nil, nil
	}

	return nil, &copyCand{
		store:    id,
		load:     x.Val,
		dstStart: rec.Start,
		srcStart: lrec.Start,
		dstPtr:   x.Ptr,
		srcPtr:   ld.Ptr,
		step:     rec.Step,
		width:    sz,
		atomic:   x.Atomic,
	}
}

// classifyLoopMemSet promotes a memset already inside the loop that
// covers exactly one stride per iteration into a whole-range fill.
func (p *Pass) classifyLoopMemSet(c *cursor, l *loops.Loop, id ir.Expr, x ir.MemSet) *fillCand {
	if !p.Target.MemSet {
		return nil
	}

	n, isC := c.sc.ConstOf(x.Len)
	if !isC || n <= 0 {
		return nil
	}

	if !c.sc.IsInvariant(l, x.Val) {
		return nil
	}

	rec, ok := c.sc.AddRecOf(l, x.Dst)
	if !ok || abs(rec.Step) != n {
		return nil
	}

	return &fillCand{
		id:           id,
		ptr:          x.Dst,
		start:        rec.Start,
		step:         rec.Step,
		width:        n,
		valExpr:      x.Val,
		wholeLoopSet: true,
	}
}

// chainFills merges same-value consecutive candidates. A group fires
// only when its cumulative width equals the stride: narrower leaves
// unwritten gaps, wider means overlapping stores we do not model.
func chainFills(fills []fillCand) (groups []fillGroup) {
	used := make([]bool, len(fills))

	// splat candidates chain; pattern and promoted memsets go alone
	for i := range fills {
		f := &fills[i]

		if used[i] || f.pattern != nil || f.wholeLoopSet {
			continue
		}

		run := []int{i}

		for {
			next := -1
			end := fills[run[len(run)-1]].start.C + fills[run[len(run)-1]].width

			for j := range fills {
				if used[j] || j == run[0] || fills[j].pattern != nil || fills[j].wholeLoopSet {
					continue
				}

				if sameSplat(f, &fills[j]) && fills[j].start.C == end && !contains(run, j) {
					next = j
					break
				}
			}

			if next < 0 {
				break
			}

			run = append(run, next)
		}

		total := int64(0)
		for _, j := range run {
			total += fills[j].width
		}

		if total != abs(f.step) {
			continue
		}

		g := fillGroup{fillCand: *f}
		g.width = total

		sort.Ints(run)

		lo := run[0]

		for _, j := range run {
			used[j] = true
			g.ids = append(g.ids, fills[j].id)

			if fills[j].start.C < fills[lo].start.C {
				lo = j
			}
		}

		// anchor the group at its lowest per-iteration offset
		g.start = fills[lo].start
		g.ptr = fills[lo].ptr

		groups = append(groups, g)
	}

	for i := range fills {
		f := &fills[i]

		if used[i] || (f.pattern == nil && !f.wholeLoopSet) {
			continue
		}

		if f.pattern != nil && abs(f.step) != f.width {
			continue
		}

		groups = append(groups, fillGroup{fillCand: *f, ids: []ir.Expr{f.id}})
	}

	return groups
}

func sameSplat(a, b *fillCand) bool {
	if a.start.X != b.start.X || a.step != b.step {
		return false
	}

	if a.isConst != b.isConst {
		return false
	}

	if a.isConst {
		return a.byteVal == b.byteVal
	}

	return a.valExpr == b.valExpr && a.valExpr != ir.Nil
}

// processFill replaces the group with one preheader memset covering
// trip*width bytes. Follows the one-shot discipline: match, expand,
// safety check, and only then mutate; a late decline rolls the
// expanded instructions back.
func (p *Pass) processFill(ctx context.Context, c *cursor, l *loops.Loop, g fillGroup, bec scev.Count) bool {
	tr := tlog.SpanFromContext(ctx)

	if p.avoidForSize(l, g.wholeLoopSet) {
		tr.V("idiom").Printw("fill declined by size policy", "header", c.f.Blocks[l.Header].Name)
		return false
	}

	ph := l.Preheader()

	if !c.sc.CanExpandLin(g.start, ph) || !c.sc.CanExpand(bec, ph) {
		return false
	}

	ex := scev.NewExpander(c.f, ph)

	base := ex.Lin(g.start, tp.Ptr{})

	if g.step < 0 {
		// the recurrence anchors at the first iteration, the fill
		// needs the lowest address: start - |step|*bec
		off := ex.Mul(ex.Count(bec, tp.I64), -g.step, tp.I64)
		base = ex.Sub(base, off, tp.Ptr{})
	}

	loc := c.al.LocOf(g.ptr)
	excl := set.MakeBits(g.ids...)

	if c.al.MayLoopAccess(l, alias.ModRef, loc, excl) {
		tr.V("idiom").Printw("fill aliased", "header", c.f.Blocks[l.Header].Name)
		ex.Rollback()

		return false
	}

	trip := ex.Count(bec.Plus(1), tp.I64)
	bytes := ex.Mul(trip, g.width, tp.I64)

	var call ir.Expr

	switch {
	case g.pattern != nil:
		call = c.f.NewExpr(ir.MemSetPattern{Dst: base, Pattern: tile16(g.pattern), Len: bytes}, nil)
		p.Stats.MemSetPattern++
	case g.valExpr != ir.Nil:
		call = c.f.NewExpr(ir.MemSet{Dst: base, Val: g.valExpr, Len: bytes}, nil)
		p.Stats.MemSet++
	default:
		v := c.f.NewExpr(ir.Imm(g.byteVal), tp.I8)
		call = c.f.NewExpr(ir.MemSet{Dst: base, Val: v, Len: bytes}, nil)
		p.Stats.MemSet++
	}

	c.f.AppendTo(ph, call)

	for _, id := range g.ids {
		c.f.Remove(id)
	}

	c.sweepDead(l)

	tr.V("idiom").Printw("fill formed", "header", c.f.Blocks[l.Header].Name, "stores", len(g.ids), "width", g.width)

	return true
}

// processCopy replaces a load/store pair with one preheader memcpy.
func (p *Pass) processCopy(ctx context.Context, c *cursor, l *loops.Loop, cc copyCand, bec scev.Count) bool {
	tr := tlog.SpanFromContext(ctx)

	if p.avoidForSize(l, false) {
		tr.V("idiom").Printw("copy declined by size policy", "header", c.f.Blocks[l.Header].Name)
		return false
	}

	ph := l.Preheader()

	dstLoc := c.al.LocOf(cc.dstPtr)
	srcLoc := c.al.LocOf(cc.srcPtr)

	// overlapping ranges make a bulk copy read its own output
	if c.al.MayAlias(dstLoc, srcLoc) {
		tr.V("idiom").Printw("copy overlaps", "header", c.f.Blocks[l.Header].Name)
		return false
	}

	if !c.sc.CanExpandLin(cc.dstStart, ph) || !c.sc.CanExpandLin(cc.srcStart, ph) || !c.sc.CanExpand(bec, ph) {
		return false
	}

	ex := scev.NewExpander(c.f, ph)

	dst := ex.Lin(cc.dstStart, tp.Ptr{})
	src := ex.Lin(cc.srcStart, tp.Ptr{})

	if cc.step < 0 {
		off := ex.Mul(ex.Count(bec, tp.I64), -cc.step, tp.I64)
		dst = ex.Sub(dst, off, tp.Ptr{})
		src = ex.Sub(src, off, tp.Ptr{})
	}

	excl := set.MakeBits(cc.store, cc.load)

	if c.al.MayLoopAccess(l, alias.ModRef, dstLoc, excl) {
		ex.Rollback()
		return false
	}

	// reads of the source are fine, a write would change what we copy
	if c.al.MayLoopAccess(l, alias.Mod, srcLoc, excl) {
		ex.Rollback()
		return false
	}

	trip := ex.Count(bec.Plus(1), tp.I64)
	bytes := ex.Mul(trip, cc.width, tp.I64)

	elem := 0
	if cc.atomic {
		elem = int(cc.width)
	}

	call := c.f.NewExpr(ir.MemCpy{Dst: dst, Src: src, Len: bytes, Elem: elem}, nil)
	c.f.AppendTo(ph, call)

	c.f.Remove(cc.store)
	c.sweepDead(l) // takes the load with it unless something else reads it

	p.Stats.MemCpy++

	tr.V("idiom").Printw("copy formed", "header", c.f.Blocks[l.Header].Name, "width", cc.width, "atomic", cc.atomic)

	return true
}

// leBytes is the little-endian memory image of the low sz bytes.
func leBytes(v int64, sz int64) []byte {
	b := make([]byte, sz)

	for i := range b {
		b[i] = byte(v >> (8 * i))
	}

	return b
}

func splatOf(mem []byte) (byte, bool) {
	for _, q := range mem {
		if q != mem[0] {
			return 0, false
		}
	}

	return mem[0], true
}

// tile16 repeats the element pattern into the 16 byte block the
// pattern fill primitive takes.
func tile16(pat []byte) []byte {
	out := make([]byte, 0, 16)

	for len(out) < 16 {
		out = append(out, pat...)
	}

	return out[:16]
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}

	return v
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}

	return false
}
