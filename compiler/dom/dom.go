package dom

import (
	"fmt"

	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/set"
)

type (
	// Tree is the dominator tree of a function.
	// Unreachable blocks have no idom, post number -1 and depth -1.
	Tree struct {
		f *ir.Func

		// Order is a postorder of reachable blocks, entry last.
		Order []ir.Block

		post  []int
		idom  []ir.Block
		depth []int
	}

	// Updater batches CFG edits and reflows the affected part of the
	// tree on Flush instead of rebuilding it from scratch.
	Updater struct {
		t    *Tree
		pend []edit
	}

	edit struct {
		from, to ir.Block
		insert   bool
	}
)

func New(f *ir.Func) *Tree {
	t := &Tree{f: f}
	t.Rebuild()

	return t
}

func (t *Tree) Rebuild() {
	t.rebuildOrder()

	r := set.MakeBits[ir.Block]()

	for _, b := range t.Order {
		if b != t.f.Entry {
			r.Set(b)
		}
	}

	t.solve(r)
	t.rebuildDepth()
}

func (t *Tree) Reachable(b ir.Block) bool {
	return int(b) < len(t.post) && t.post[b] >= 0
}

// IDom returns the immediate dominator, or NoBlock for the entry and
// unreachable blocks.
func (t *Tree) IDom(b ir.Block) ir.Block {
	if b == t.f.Entry || !t.Reachable(b) {
		return ir.NoBlock
	}

	return t.idom[b]
}

func (t *Tree) Depth(b ir.Block) int {
	if !t.Reachable(b) {
		return -1
	}

	return t.depth[b]
}

func (t *Tree) PostNum(b ir.Block) int {
	if int(b) >= len(t.post) {
		return -1
	}

	return t.post[b]
}

// Dominates reports whether a dominates b. A block dominates itself.
func (t *Tree) Dominates(a, b ir.Block) bool {
	if !t.Reachable(a) || !t.Reachable(b) {
		return false
	}

	for t.depth[b] > t.depth[a] {
		b = t.idom[b]
	}

	return a == b
}

// NCA returns the nearest common ancestor of two reachable blocks.
func (t *Tree) NCA(a, b ir.Block) ir.Block {
	if !t.Reachable(a) || !t.Reachable(b) {
		return ir.NoBlock
	}

	for t.depth[a] > t.depth[b] {
		a = t.idom[a]
	}

	for t.depth[b] > t.depth[a] {
		b = t.idom[b]
	}

	for a != b {
		a = t.idom[a]
		b = t.idom[b]
	}

	return a
}

func (t *Tree) grow() {
	for len(t.post) < len(t.f.Blocks) {
		t.post = append(t.post, -1)
		t.idom = append(t.idom, ir.NoBlock)
		t.depth = append(t.depth, -1)
	}
}

// rebuildOrder redoes the postorder DFS. It is the cheap part of the
// rebuild, incremental updates redo it in full.
func (t *Tree) rebuildOrder() {
	t.grow()

	for b := range t.post {
		t.post[b] = -1
	}

	t.Order = t.Order[:0]

	type frame struct {
		b ir.Block
		i int
	}

	seen := set.MakeBits(t.f.Entry)
	stack := []frame{{b: t.f.Entry}}

	for len(stack) != 0 {
		tos := len(stack) - 1
		x := stack[tos]

		succs := t.f.Succs(x.b)

		if x.i < len(succs) {
			stack[tos].i++

			s := succs[x.i]
			if !seen.IsSet(s) {
				seen.Set(s)
				stack = append(stack, frame{b: s})
			}

			continue
		}

		stack = stack[:tos]

		t.post[x.b] = len(t.Order)
		t.Order = append(t.Order, x.b)
	}

	for b := range t.f.Blocks {
		if t.post[b] < 0 {
			t.idom[ir.Block(b)] = ir.NoBlock
		}
	}
}

// solve runs the iterative idom fixpoint over the given region.
// Blocks outside the region keep their idoms and act as the settled
// boundary. The entry idom points to itself while solving.
func (t *Tree) solve(r set.Bits[ir.Block]) {
	t.idom[t.f.Entry] = t.f.Entry

	r.Range(func(b ir.Block) bool {
		if t.post[b] >= 0 && b != t.f.Entry {
			t.idom[b] = ir.NoBlock
		}

		return true
	})

	for changed := true; changed; {
		changed = false

		for i := len(t.Order) - 1; i >= 0; i-- {
			b := t.Order[i]

			if b == t.f.Entry || !r.IsSet(b) {
				continue
			}

			nid := ir.NoBlock

			for _, p := range t.f.Blocks[b].Preds {
				if t.post[p] < 0 || t.idom[p] == ir.NoBlock {
					continue
				}

				if nid == ir.NoBlock {
					nid = p
				} else {
					nid = t.intersect(nid, p)
				}
			}

			if nid != ir.NoBlock && nid != t.idom[b] {
				t.idom[b] = nid
				changed = true
			}
		}
	}
}

func (t *Tree) intersect(b, c ir.Block) ir.Block {
	for b != c {
		if t.post[b] < t.post[c] {
			b = t.idom[b]
		} else {
			c = t.idom[c]
		}
	}

	return b
}

func (t *Tree) rebuildDepth() {
	for i := len(t.Order) - 1; i >= 0; i-- {
		b := t.Order[i]

		if b == t.f.Entry {
			t.depth[b] = 0
			continue
		}

		t.depth[b] = t.depth[t.idom[b]] + 1
	}

	for b := range t.f.Blocks {
		if t.post[b] < 0 {
			t.depth[ir.Block(b)] = -1
		}
	}
}

func (t *Tree) Updater() *Updater {
	return &Updater{t: t}
}

// Insert records an added from->to edge. The CFG must be edited
// separately, the updater only reflows the tree.
func (u *Updater) Insert(from, to ir.Block) {
	u.pend = append(u.pend, edit{from: from, to: to, insert: true})
}

// Delete records a removed from->to edge.
func (u *Updater) Delete(from, to ir.Block) {
	u.pend = append(u.pend, edit{from: from, to: to})
}

// Flush applies pending edits. An edge change at (from, to) can only
// move idoms of blocks reachable from to, so the fixpoint reruns over
// that region while the rest of the tree is kept.
func (u *Updater) Flush() {
	if len(u.pend) == 0 {
		return
	}

	t := u.t

	t.rebuildOrder()

	r := set.MakeBits[ir.Block]()

	var stack []ir.Block

	for _, e := range u.pend {
		if e.to == ir.NoBlock {
			panic(fmt.Sprintf("edit %v -> nowhere", e.from))
		}

		if !r.IsSet(e.to) {
			r.Set(e.to)
			stack = append(stack, e.to)
		}
	}

	for len(stack) != 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, s := range t.f.Succs(b) {
			if !r.IsSet(s) {
				r.Set(s)
				stack = append(stack, s)
			}
		}
	}

	t.solve(r)
	t.rebuildDepth()

	u.pend = u.pend[:0]
}
