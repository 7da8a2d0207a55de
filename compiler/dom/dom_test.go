package dom_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slowlang/loopidiom/compiler/dom"
	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/parse"
)

func parseFunc(tb testing.TB, text string) *ir.Func {
	tb.Helper()

	p, err := parse.Parse(context.Background(), "test", []byte(text))
	require.NoError(tb, err)
	require.Len(tb, p.Funcs, 1)

	return p.Funcs[0]
}

func block(tb testing.TB, f *ir.Func, name string) ir.Block {
	tb.Helper()

	for b := range f.Blocks {
		if f.Blocks[b].Name == name {
			return ir.Block(b)
		}
	}

	tb.Fatalf("no block %v", name)

	return ir.NoBlock
}

const diamond = `
func g(n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, a, x
a:
	%c2 = cmp ult %n, 10
	bcond %c2, b1, b2
b1:
	b j
b2:
	b j
j:
	%r = phi [b1: 1], [b2: 2]
	b x
x:
	%q = phi [e: 0], [j: %r]
	ret %q
}
`

func TestTreeDiamond(t *testing.T) {
	f := parseFunc(t, diamond)
	dt := dom.New(f)

	e := block(t, f, "e")
	a := block(t, f, "a")
	b1 := block(t, f, "b1")
	b2 := block(t, f, "b2")
	j := block(t, f, "j")
	x := block(t, f, "x")

	require.Equal(t, ir.NoBlock, dt.IDom(e))
	require.Equal(t, e, dt.IDom(a))
	require.Equal(t, a, dt.IDom(b1))
	require.Equal(t, a, dt.IDom(b2))
	require.Equal(t, a, dt.IDom(j))
	require.Equal(t, e, dt.IDom(x))

	require.True(t, dt.Dominates(e, x))
	require.True(t, dt.Dominates(a, j))
	require.True(t, dt.Dominates(j, j))
	require.False(t, dt.Dominates(b1, j))
	require.False(t, dt.Dominates(j, x))

	require.Equal(t, a, dt.NCA(b1, b2))
	require.Equal(t, e, dt.NCA(j, x))

	require.Equal(t, 0, dt.Depth(e))
	require.Equal(t, 2, dt.Depth(b1))
	require.Equal(t, 1, dt.Depth(x))
}

func TestTreeLoop(t *testing.T) {
	f := parseFunc(t, `
func h(n i64) i64 {
e:
	b hdr
hdr:
	%i = phi [e: 0], [lat: %i1]
	%c = cmp ult %i, %n
	bcond %c, lat, ex
lat:
	%i1 = add %i, 1
	b hdr
ex:
	ret %i
}
`)
	dt := dom.New(f)

	e := block(t, f, "e")
	hdr := block(t, f, "hdr")
	lat := block(t, f, "lat")
	ex := block(t, f, "ex")

	require.Equal(t, e, dt.IDom(hdr))
	require.Equal(t, hdr, dt.IDom(lat))
	require.Equal(t, hdr, dt.IDom(ex))

	require.True(t, dt.Dominates(hdr, lat))
	require.True(t, dt.Dominates(hdr, ex))
	require.False(t, dt.Dominates(lat, ex))

	require.Equal(t, hdr, dt.NCA(lat, ex))

	// entry is last in postorder
	require.Equal(t, e, dt.Order[len(dt.Order)-1])
	require.Equal(t, len(f.Blocks), len(dt.Order))
}

func requireSameTree(t *testing.T, f *ir.Func, got *dom.Tree) {
	t.Helper()

	want := dom.New(f)

	for b := range f.Blocks {
		bb := ir.Block(b)

		require.Equal(t, want.Reachable(bb), got.Reachable(bb), "block %v reachable", f.Blocks[b].Name)
		require.Equal(t, want.IDom(bb), got.IDom(bb), "block %v idom", f.Blocks[b].Name)
		require.Equal(t, want.Depth(bb), got.Depth(bb), "block %v depth", f.Blocks[b].Name)
	}
}

func TestUpdaterInsert(t *testing.T) {
	f := parseFunc(t, diamond)
	dt := dom.New(f)

	a := block(t, f, "a")
	b2 := block(t, f, "b2")

	// split the a->b2 edge with a fresh block
	d := f.NewBlock("d")
	f.SetTerm(d, f.NewExpr(ir.B{To: b2}, nil))
	f.Retarget(a, b2, d)

	require.NoError(t, f.Validate())

	u := dt.Updater()
	u.Delete(a, b2)
	u.Insert(a, d)
	u.Insert(d, b2)
	u.Flush()

	require.Equal(t, a, dt.IDom(d))
	require.Equal(t, d, dt.IDom(b2))

	requireSameTree(t, f, dt)
}

func TestUpdaterDelete(t *testing.T) {
	f := parseFunc(t, `
func h(n i64) i64 {
e:
	b hdr
hdr:
	%i = phi [e: 0], [lat: %i1]
	%c = cmp ult %i, %n
	bcond %c, lat, ex
lat:
	%i1 = add %i, 1
	b hdr
ex:
	ret %i
}
`)
	dt := dom.New(f)

	hdr := block(t, f, "hdr")
	lat := block(t, f, "lat")
	ex := block(t, f, "ex")

	// short-circuit the loop: hdr jumps straight to the exit
	f.SetTerm(hdr, f.NewExpr(ir.B{To: ex}, nil))

	u := dt.Updater()
	u.Delete(hdr, lat)
	u.Insert(hdr, ex)
	u.Flush()

	require.False(t, dt.Reachable(lat))
	require.Equal(t, ir.NoBlock, dt.IDom(lat))
	require.Equal(t, hdr, dt.IDom(ex))

	requireSameTree(t, f, dt)
}

func TestUpdaterBatch(t *testing.T) {
	f := parseFunc(t, diamond)
	dt := dom.New(f)

	a := block(t, f, "a")
	b1 := block(t, f, "b1")
	b2 := block(t, f, "b2")

	// two edge splits flushed at once
	d1 := f.NewBlock("d1")
	f.SetTerm(d1, f.NewExpr(ir.B{To: b1}, nil))
	f.Retarget(a, b1, d1)

	d2 := f.NewBlock("d2")
	f.SetTerm(d2, f.NewExpr(ir.B{To: b2}, nil))
	f.Retarget(a, b2, d2)

	require.NoError(t, f.Validate())

	u := dt.Updater()
	u.Delete(a, b1)
	u.Insert(a, d1)
	u.Insert(d1, b1)
	u.Delete(a, b2)
	u.Insert(a, d2)
	u.Insert(d2, b2)
	u.Flush()

	requireSameTree(t, f, dt)
}
