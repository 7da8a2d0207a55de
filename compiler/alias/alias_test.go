package alias_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slowlang/loopidiom/compiler/alias"
	"github.com/slowlang/loopidiom/compiler/dom"
	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/loops"
	"github.com/slowlang/loopidiom/compiler/parse"
	"github.com/slowlang/loopidiom/compiler/set"
)

func parseFunc(tb testing.TB, text string) *ir.Func {
	tb.Helper()

	p, err := parse.Parse(context.Background(), "test", []byte(text))
	require.NoError(tb, err)
	require.Len(tb, p.Funcs, 1)

	return p.Funcs[0]
}

func TestLocOf(t *testing.T) {
	f := parseFunc(t, `
func k(a ptr noalias, b ptr, n i64) i64 {
e:
	%o = add %n, 8
	%p = add %a, %o
	%q = sub %p, 4
	%m = alloc 16
	%r = add %m, %n
	%u = mul %n, 2
	ret 0
}
`)

	al := alias.New(f)

	a := f.In[0]
	b := f.In[1]

	find := func(x any) ir.Expr {
		t.Helper()

		for id := range f.Exprs {
			if f.Exprs[id] == x {
				return ir.Expr(id)
			}
		}

		t.Fatalf("no value %v", x)

		return ir.Nil
	}

	la := al.LocOf(a)
	require.Equal(t, a, la.Root)
	require.True(t, la.NoAlias)

	lb := al.LocOf(b)
	require.Equal(t, b, lb.Root)
	require.False(t, lb.NoAlias)

	// offsets resolve through add and sub chains
	o := find(ir.Add{L: f.In[2], R: find(ir.Imm(8))})
	p := find(ir.Add{L: a, R: o})
	q := find(ir.Sub{L: p, R: find(ir.Imm(4))})

	require.Equal(t, a, al.LocOf(p).Root)
	require.Equal(t, a, al.LocOf(q).Root)

	// an alloc is its own root
	var m ir.Expr = ir.Nil

	for id := range f.Exprs {
		if _, ok := f.Exprs[id].(ir.Alloc); ok {
			m = ir.Expr(id)
		}
	}

	require.NotEqual(t, ir.Nil, m)
	require.Equal(t, m, al.LocOf(m).Root)
	require.Equal(t, m, al.LocOf(find(ir.Add{L: m, R: f.In[2]})).Root)

	// arithmetic that never touches a pointer has no root
	u := find(ir.Mul{L: f.In[2], R: find(ir.Imm(2))})
	require.Equal(t, ir.Nil, al.LocOf(u).Root)
}

func TestMayAlias(t *testing.T) {
	f := parseFunc(t, `
func k(a ptr noalias, b ptr noalias, c ptr, d ptr) i64 {
e:
	%m = alloc 8
	%o = add %a, 4
	ret 0
}
`)

	al := alias.New(f)

	a := al.LocOf(f.In[0])
	b := al.LocOf(f.In[1])
	c := al.LocOf(f.In[2])
	d := al.LocOf(f.In[3])

	var m alias.Loc

	for id := range f.Exprs {
		if _, ok := f.Exprs[id].(ir.Alloc); ok {
			m = al.LocOf(ir.Expr(id))
		}
	}

	// same root always aliases, offset or not
	require.True(t, al.MayAlias(a, a))

	// noalias args are disjoint from everything else the caller passed
	require.False(t, al.MayAlias(a, b))
	require.False(t, al.MayAlias(a, c))

	// two plain args may be the same pointer
	require.True(t, al.MayAlias(c, d))

	// fresh memory never aliases arguments
	require.False(t, al.MayAlias(m, c))
	require.False(t, al.MayAlias(m, a))

	// unknown root aliases everything
	require.True(t, al.MayAlias(alias.Loc{Root: ir.Nil}, a))
}

func TestModRefAndLoopAccess(t *testing.T) {
	f := parseFunc(t, `
func k(a ptr noalias, b ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%pa = add %a, %i
	%pb = add %b, %i
	%v = load i8, %pb
	store i8 %v, %pa
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`)

	ctx := context.Background()

	dt := dom.New(f)
	lf := loops.Find(ctx, f, dt)
	require.Len(t, lf.Loops, 1)

	l := lf.Loops[0]
	al := alias.New(f)

	la := al.LocOf(f.In[0])
	lb := al.LocOf(f.In[1])

	var st, ld ir.Expr = ir.Nil, ir.Nil

	for id := range f.Exprs {
		switch f.Exprs[id].(type) {
		case ir.Store:
			st = ir.Expr(id)
		case ir.Load:
			ld = ir.Expr(id)
		}
	}

	require.Equal(t, alias.Mod, al.ModRef(st, la))
	require.Equal(t, alias.NoModRef, al.ModRef(st, lb))
	require.Equal(t, alias.Ref, al.ModRef(ld, lb))
	require.Equal(t, alias.NoModRef, al.ModRef(ld, la))

	// the store is the only access of a, the load the only one of b
	require.True(t, al.MayLoopAccess(l, alias.ModRef, la, set.MakeBits[ir.Expr]()))
	require.False(t, al.MayLoopAccess(l, alias.ModRef, la, set.MakeBits(st)))

	require.False(t, al.MayLoopAccess(l, alias.Mod, lb, set.MakeBits[ir.Expr]()))
	require.True(t, al.MayLoopAccess(l, alias.Ref, lb, set.MakeBits[ir.Expr]()))
	require.False(t, al.MayLoopAccess(l, alias.Ref, lb, set.MakeBits(ld)))

	require.True(t, al.HasSideEffect(l, set.MakeBits[ir.Expr]()))
	require.False(t, al.HasSideEffect(l, set.MakeBits(st)))
}

func TestCallClobbersEverything(t *testing.T) {
	f := parseFunc(t, `
func k(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	call tick
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`)

	ctx := context.Background()

	dt := dom.New(f)
	lf := loops.Find(ctx, f, dt)

	l := lf.Loops[0]
	al := alias.New(f)

	la := al.LocOf(f.In[0])

	require.True(t, al.MayLoopAccess(l, alias.Mod, la, set.MakeBits[ir.Expr]()))
	require.True(t, al.MayLoopAccess(l, alias.Ref, la, set.MakeBits[ir.Expr]()))
	require.True(t, al.HasSideEffect(l, set.MakeBits[ir.Expr]()))
}
