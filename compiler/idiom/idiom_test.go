package idiom_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slowlang/loopidiom/compiler/dom"
	"github.com/slowlang/loopidiom/compiler/idiom"
	"github.com/slowlang/loopidiom/compiler/interp"
	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/loops"
	"github.com/slowlang/loopidiom/compiler/parse"
	"github.com/slowlang/loopidiom/compiler/target"
)

const fillByteText = `
func fill(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%p = add %a, %i
	store i8 7, %p
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`

const copyText = `
func copy4(a ptr noalias, b ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%dp = phi [e: %a], [h: %dp1]
	%sp = phi [e: %b], [h: %sp1]
	%v = load i32, %sp
	store i32 %v, %dp
	%dp1 = add %dp, 4
	%sp1 = add %sp, 4
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`

const bcmpText = `
func eq(a ptr noalias, b ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, req
h:
	%i = phi [e: 0], [lt: %i1]
	%pa = add %a, %i
	%pb = add %b, %i
	%va = load i8, %pa
	%vb = load i8, %pb
	%c2 = cmp eq %va, %vb
	bcond %c2, lt, rne
lt:
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, req
req:
	b out
rne:
	b out
out:
	%r = phi [req: 1], [rne: 0]
	ret %r
}
`

const popCountText = `
func pop(x i64) i64 {
e:
	%c = cmp ne %x, 0
	bcond %c, h, out
h:
	%v = phi [e: %x], [h: %v1]
	%n = phi [e: 0], [h: %n1]
	%t = sub %v, 1
	%v1 = and %v, %t
	%n1 = add %n, 1
	%d = cmp ne %v1, 0
	bcond %d, h, out
out:
	%r = phi [e: 0], [h: %n1]
	ret %r
}
`

const bitLenText = `
func bl(x i64) i64 {
e:
	%c = cmp ne %x, 0
	bcond %c, h, out
h:
	%v = phi [e: %x], [h: %v1]
	%n = phi [e: 0], [h: %n1]
	%v1 = lsr %v, 1
	%n1 = add %n, 1
	%d = cmp ne %v1, 0
	bcond %d, h, out
out:
	%r = phi [e: 0], [h: %n1]
	ret %r
}
`

func parseFunc(tb testing.TB, text string) *ir.Func {
	tb.Helper()

	p, err := parse.Parse(context.Background(), "test", []byte(text))
	require.NoError(tb, err)
	require.Len(tb, p.Funcs, 1)

	return p.Funcs[0]
}

func allCaps() target.Target {
	return target.Target{
		Caps: target.Caps{
			MemSet:              true,
			MemSetPattern:       true,
			MemCpy:              true,
			BCmp:                true,
			CtPop:               true,
			CtLz:                true,
			CtTz:                true,
			AtomicMemCpyMaxElem: 8,
		},
	}
}

func optFunc(tb testing.TB, f *ir.Func, tgt target.Target) (*idiom.Pass, bool) {
	tb.Helper()

	p := idiom.New(tgt)

	changed, err := p.RunFunc(context.Background(), f)
	require.NoError(tb, err)

	return p, changed
}

// sameRun executes both functions on identical memory and arguments
// and requires the same return value and final memory.
func sameRun(tb testing.TB, a, b *ir.Func, mem []byte, args []int64) {
	tb.Helper()
	ctx := context.Background()

	m0 := interp.New(append([]byte(nil), mem...))
	r0, err := m0.Run(ctx, a, args)
	require.NoError(tb, err, "args %v", args)

	m1 := interp.New(append([]byte(nil), mem...))
	r1, err := m1.Run(ctx, b, args)
	require.NoError(tb, err, "args %v", args)

	require.Equal(tb, r0, r1, "ret, args %v", args)
	require.Equal(tb, m0.Mem, m1.Mem, "memory, args %v", args)
}

// checkRewrite transforms a copy of the program and verifies it stays
// observably equivalent to the original on every argument list, over
// random initial memory.
func checkRewrite(tb testing.TB, text string, tgt target.Target, wantChanged bool, memSize int, argss ...[]int64) *idiom.Pass {
	tb.Helper()

	orig := parseFunc(tb, text)
	f := parseFunc(tb, text)

	p, changed := optFunc(tb, f, tgt)
	require.Equal(tb, wantChanged, changed)

	rnd := rand.New(rand.NewSource(1))

	for _, args := range argss {
		mem := make([]byte, memSize)
		rnd.Read(mem)

		sameRun(tb, orig, f, mem, args)
	}

	return p
}

// opCount counts placed instructions the matcher accepts.
func opCount(f *ir.Func, match func(any) bool) (n int) {
	for id := range f.Exprs {
		if f.EBlock[id] == ir.NoBlock {
			continue
		}

		if match(f.Exprs[id]) {
			n++
		}
	}

	return n
}

func isMemSet(x any) bool { _, ok := x.(ir.MemSet); return ok }
func isStore(x any) bool  { _, ok := x.(ir.Store); return ok }

func TestFillByte(t *testing.T) {
	p := checkRewrite(t, fillByteText, allCaps(), true, 1024,
		[]int64{16, 0}, []int64{16, 1}, []int64{0, 1000})

	require.Equal(t, 1, p.Stats.MemSet)
	require.Equal(t, 1, p.Stats.Total())
}

func TestFillShape(t *testing.T) {
	f := parseFunc(t, fillByteText)

	_, changed := optFunc(t, f, allCaps())
	require.True(t, changed)

	require.Equal(t, 1, opCount(f, isMemSet))
	require.Equal(t, 0, opCount(f, isStore))

	// the memset landed outside the loop, in the preheader
	dt := dom.New(f)
	lf := loops.Find(context.Background(), f, dt)
	require.Len(t, lf.Loops, 1)

	for id := range f.Exprs {
		if f.EBlock[id] == ir.NoBlock || !isMemSet(f.Exprs[id]) {
			continue
		}

		require.Equal(t, lf.Loops[0].Preheader(), f.EBlock[id])
	}
}

func TestFillRunsOnce(t *testing.T) {
	// constant backedge count 0: the body runs once, not worth a call
	p := checkRewrite(t, `
func one(a ptr noalias) i64 {
e:
	b h
h:
	%i = phi [e: 0], [h: %i1]
	%p = add %a, %i
	store i8 7, %p
	%i1 = add %i, 1
	%d = cmp ult %i1, 1
	bcond %d, h, x
x:
	ret 0
}
`, allCaps(), false, 8, []int64{0})

	require.Equal(t, 0, p.Stats.Total())
}

func TestFillSplat4(t *testing.T) {
	// 0x07070707: four identical bytes, still a plain memset
	p := checkRewrite(t, `
func fill(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%p = phi [e: %a], [h: %p1]
	store i32 117901063, %p
	%p1 = add %p, 4
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`, allCaps(), true, 256, []int64{0, 0}, []int64{0, 1}, []int64{0, 63}, []int64{128, 32})

	require.Equal(t, 1, p.Stats.MemSet)
}

const fillPatternText = `
func fill(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%p = phi [e: %a], [h: %p1]
	store i32 67305985, %p
	%p1 = add %p, 4
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`

func TestFillPattern(t *testing.T) {
	// 0x04030201 is not a splat, it takes the pattern primitive
	p := checkRewrite(t, fillPatternText, allCaps(), true, 256,
		[]int64{0, 0}, []int64{0, 10}, []int64{0, 64})

	require.Equal(t, 1, p.Stats.MemSetPattern)
	require.Equal(t, 0, p.Stats.MemSet)
}

func TestFillPatternUnsupported(t *testing.T) {
	tgt := allCaps()
	tgt.MemSetPattern = false

	f := parseFunc(t, fillPatternText)

	_, changed := optFunc(t, f, tgt)
	require.False(t, changed)
}

func TestFillChain(t *testing.T) {
	// two byte stores cover the 2 byte stride together
	p := checkRewrite(t, `
func fill(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%p = phi [e: %a], [h: %p2]
	store i8 7, %p
	%q = add %p, 1
	store i8 7, %q
	%p2 = add %p, 2
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`, allCaps(), true, 256, []int64{0, 0}, []int64{0, 1}, []int64{0, 100})

	require.Equal(t, 1, p.Stats.MemSet)
}

func TestFillNegativeStride(t *testing.T) {
	// descending pointer: the emitted fill starts at the lowest
	// address, a itself
	p := checkRewrite(t, `
func fill(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, g, x
g:
	%n1 = sub %n, 1
	%pe = add %a, %n1
	b h
h:
	%i = phi [g: 0], [h: %i1]
	%p = phi [g: %pe], [h: %p1]
	store i8 9, %p
	%p1 = sub %p, 1
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`, allCaps(), true, 128, []int64{0, 0}, []int64{0, 1}, []int64{0, 128}, []int64{32, 64})

	require.Equal(t, 1, p.Stats.MemSet)
}

func TestFillNegativeStrideBase(t *testing.T) {
	f := parseFunc(t, `
func fill(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, g, x
g:
	%n1 = sub %n, 1
	%pe = add %a, %n1
	b h
h:
	%i = phi [g: 0], [h: %i1]
	%p = phi [g: %pe], [h: %p1]
	store i8 9, %p
	%p1 = sub %p, 1
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`)

	_, changed := optFunc(t, f, allCaps())
	require.True(t, changed)

	// the emitted base is reanchored below the recurrence start
	for id := range f.Exprs {
		if f.EBlock[id] == ir.NoBlock || !isMemSet(f.Exprs[id]) {
			continue
		}

		ms := f.Exprs[id].(ir.MemSet)
		_, isSub := f.Exprs[ms.Dst].(ir.Sub)
		require.True(t, isSub, "memset base must be start minus the descended extent")
	}
}

func TestLoopMemSetPromoted(t *testing.T) {
	// a memset of one stride per iteration becomes one big memset
	p := checkRewrite(t, `
func fill(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%p = phi [e: %a], [h: %p1]
	memset %p, 5, 4
	%p1 = add %p, 4
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`, allCaps(), true, 256, []int64{0, 0}, []int64{0, 7}, []int64{0, 64})

	require.Equal(t, 1, p.Stats.MemSet)
}

func TestSizePolicy(t *testing.T) {
	tgt := allCaps()
	tgt.SizeLevel = 1

	// a multi-block top level fill keeps its shape, the call is a net
	// code growth
	f := parseFunc(t, `
func fill(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [lt: %i1]
	%p = add %a, %i
	store i8 7, %p
	b lt
lt:
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`)

	_, changed := optFunc(t, f, tgt)
	require.False(t, changed)

	// single block loops still qualify
	g := parseFunc(t, fillByteText)

	_, changed = optFunc(t, g, tgt)
	require.True(t, changed)
}

func TestCopy(t *testing.T) {
	p := checkRewrite(t, copyText, allCaps(), true, 512,
		[]int64{0, 256, 0}, []int64{0, 256, 1}, []int64{0, 256, 64}, []int64{16, 300, 32})

	require.Equal(t, 1, p.Stats.MemCpy)
}

func TestCopyOverlap(t *testing.T) {
	// both ranges hang off the same root, a bulk copy could read its
	// own output
	f := parseFunc(t, `
func shift(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%sp = add %a, %i
	%q = add %i, 1
	%dp = add %a, %q
	%v = load i8, %sp
	store i8 %v, %dp
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`)

	p, changed := optFunc(t, f, allCaps())
	require.False(t, changed)
	require.Equal(t, 0, p.Stats.Total())
}

const atomicCopyText = `
func copy4(a ptr noalias, b ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%dp = phi [e: %a], [h: %dp1]
	%sp = phi [e: %b], [h: %sp1]
	%v = load atomic i32, %sp
	store atomic i32 %v, %dp
	%dp1 = add %dp, 4
	%sp1 = add %sp, 4
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`

func TestCopyAtomic(t *testing.T) {
	p := checkRewrite(t, atomicCopyText, allCaps(), true, 512,
		[]int64{0, 256, 0}, []int64{0, 256, 60})

	require.Equal(t, 1, p.Stats.MemCpy)

	// element size above the target limit
	tgt := allCaps()
	tgt.AtomicMemCpyMaxElem = 2

	f := parseFunc(t, atomicCopyText)

	_, changed := optFunc(t, f, tgt)
	require.False(t, changed)
}

func TestBCmp(t *testing.T) {
	p := checkRewrite(t, bcmpText, allCaps(), true, 64,
		[]int64{0, 32, 0}, []int64{0, 32, 1}, []int64{0, 32, 32})

	require.Equal(t, 1, p.Stats.BCmp)

	f := parseFunc(t, bcmpText)

	_, changed := optFunc(t, f, allCaps())
	require.True(t, changed)

	// the loop is gone entirely
	lf := loops.Find(context.Background(), f, dom.New(f))
	require.Empty(t, lf.Loops)

	ctx := context.Background()

	// equal buffers take the match exit
	m := interp.New(make([]byte, 64))
	ret, err := m.Run(ctx, f, []int64{0, 32, 16})
	require.NoError(t, err)
	require.EqualValues(t, 1, ret)

	// mismatch in the middle takes the other one
	m = interp.New(make([]byte, 64))
	m.Mem[32+9] = 1

	ret, err = m.Run(ctx, f, []int64{0, 32, 16})
	require.NoError(t, err)
	require.EqualValues(t, 0, ret)
}

func TestBCmpEscape(t *testing.T) {
	// the mismatch position is observed after the loop, one bcmp
	// result cannot reproduce it
	f := parseFunc(t, `
func find(a ptr noalias, b ptr noalias, n i64) i64 {
e:
	b h
h:
	%i = phi [e: 0], [lt: %i1]
	%pa = add %a, %i
	%pb = add %b, %i
	%va = load i8, %pa
	%vb = load i8, %pb
	%c2 = cmp eq %va, %vb
	bcond %c2, lt, out
lt:
	%i1 = add %i, 1
	%d = cmp ne %i1, %n
	bcond %d, h, out
out:
	ret %i
}
`)

	p, changed := optFunc(t, f, allCaps())
	require.False(t, changed)
	require.Equal(t, 0, p.Stats.BCmp)
}

func TestPopCount(t *testing.T) {
	p := checkRewrite(t, popCountText, allCaps(), true, 0,
		[]int64{0}, []int64{1}, []int64{13}, []int64{255}, []int64{-1}, []int64{1 << 40})

	require.Equal(t, 1, p.Stats.CtPop)
}

func TestPopCountInit(t *testing.T) {
	// counter starts at 7, the closed form adds the initial value
	p := checkRewrite(t, `
func pop(x i64) i64 {
e:
	%c = cmp ne %x, 0
	bcond %c, h, out
h:
	%v = phi [e: %x], [h: %v1]
	%n = phi [e: 7], [h: %n1]
	%t = sub %v, 1
	%v1 = and %v, %t
	%n1 = add %n, 1
	%d = cmp ne %v1, 0
	bcond %d, h, out
out:
	%r = phi [e: 7], [h: %n1]
	ret %r
}
`, allCaps(), true, 0, []int64{0}, []int64{1}, []int64{13}, []int64{-1})

	require.Equal(t, 1, p.Stats.CtPop)
}

func TestPopCountNoGuard(t *testing.T) {
	// without the x != 0 entry guard a zero input runs the body once
	// and the closed form would be off by one
	f := parseFunc(t, `
func pop(x i64) i64 {
e:
	b h
h:
	%v = phi [e: %x], [h: %v1]
	%n = phi [e: 0], [h: %n1]
	%t = sub %v, 1
	%v1 = and %v, %t
	%n1 = add %n, 1
	%d = cmp ne %v1, 0
	bcond %d, h, out
out:
	ret %n1
}
`)

	_, changed := optFunc(t, f, allCaps())
	require.False(t, changed)
}

func TestBitLen(t *testing.T) {
	p := checkRewrite(t, bitLenText, allCaps(), true, 0,
		[]int64{0}, []int64{1}, []int64{2}, []int64{3}, []int64{255}, []int64{1 << 62}, []int64{-1})

	require.Equal(t, 1, p.Stats.CtLzTz)
}

func TestBitLenPhiObserved(t *testing.T) {
	// the pre-increment counter is the live value, no guard needed:
	// the count is taken on x shifted once and zero stays exact
	p := checkRewrite(t, `
func bl(x i64) i64 {
e:
	b h
h:
	%v = phi [e: %x], [h: %v1]
	%n = phi [e: 0], [h: %n1]
	%v1 = lsr %v, 1
	%n1 = add %n, 1
	%d = cmp ne %v1, 0
	bcond %d, h, out
out:
	ret %n
}
`, allCaps(), true, 0,
		[]int64{0}, []int64{1}, []int64{2}, []int64{5}, []int64{255}, []int64{-1}, []int64{1 << 62})

	require.Equal(t, 1, p.Stats.CtLzTz)
}

func TestShiftLeftUntilZero(t *testing.T) {
	// shl variant counts via cttz
	p := checkRewrite(t, `
func tz(x i64) i64 {
e:
	%c = cmp ne %x, 0
	bcond %c, h, out
h:
	%v = phi [e: %x], [h: %v1]
	%n = phi [e: 0], [h: %n1]
	%v1 = shl %v, 1
	%n1 = add %n, 1
	%d = cmp ne %v1, 0
	bcond %d, h, out
out:
	%r = phi [e: 0], [h: %n1]
	ret %r
}
`, allCaps(), true, 0,
		[]int64{0}, []int64{1}, []int64{2}, []int64{8}, []int64{-1}, []int64{1 << 62})

	require.Equal(t, 1, p.Stats.CtLzTz)
}

func TestIdempotent(t *testing.T) {
	for _, text := range []string{fillByteText, copyText, bcmpText, popCountText, bitLenText} {
		f := parseFunc(t, text)

		_, changed := optFunc(t, f, allCaps())
		require.True(t, changed, "first run: %v", f.Name)

		_, changed = optFunc(t, f, allCaps())
		require.False(t, changed, "second run: %v", f.Name)

		require.NoError(t, f.Validate())
	}
}

func TestSafetyGates(t *testing.T) {
	// volatile store
	f := parseFunc(t, `
func fill(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%p = add %a, %i
	store volatile i8 7, %p
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`)

	_, changed := optFunc(t, f, allCaps())
	require.False(t, changed, "volatile store")

	// opaque call may read or write the buffer
	f = parseFunc(t, `
func fill(a ptr noalias, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%p = add %a, %i
	store i8 7, %p
	call tick
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`)

	_, changed = optFunc(t, f, allCaps())
	require.False(t, changed, "opaque call")

	// unrelated store that may alias the filled range
	f = parseFunc(t, `
func fill(a ptr, b ptr, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%p = add %a, %i
	store i8 7, %p
	store i8 0, %b
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`)

	_, changed = optFunc(t, f, allCaps())
	require.False(t, changed, "aliasing store")
}

func TestTargetGates(t *testing.T) {
	for _, tc := range []struct {
		name string
		off  func(*target.Target)
		text string
	}{
		{"memset", func(t *target.Target) { t.MemSet = false }, fillByteText},
		{"memcpy", func(t *target.Target) { t.MemCpy = false }, copyText},
		{"bcmp", func(t *target.Target) { t.BCmp = false }, bcmpText},
		{"ctpop", func(t *target.Target) { t.CtPop = false }, popCountText},
		{"ctlz", func(t *target.Target) { t.CtLz = false }, bitLenText},
	} {
		tgt := allCaps()
		tc.off(&tgt)

		f := parseFunc(t, tc.text)

		_, changed := optFunc(t, f, tgt)
		require.False(t, changed, tc.name)
	}
}

func TestRunPackage(t *testing.T) {
	p, err := parse.Parse(context.Background(), "test", []byte(fillByteText+popCountText))
	require.NoError(t, err)
	require.Len(t, p.Funcs, 2)

	pass := idiom.New(allCaps())

	changed, err := pass.Run(context.Background(), p)
	require.NoError(t, err)
	require.True(t, changed)

	require.Equal(t, 1, pass.Stats.MemSet)
	require.Equal(t, 1, pass.Stats.CtPop)
}

func TestReplacementFuncSkipped(t *testing.T) {
	// a fill loop inside memset itself must not become a memset call
	f := parseFunc(t, `
func memset(a ptr noalias, v i64, n i64) i64 {
e:
	%c = cmp ne %n, 0
	bcond %c, h, x
h:
	%i = phi [e: 0], [h: %i1]
	%p = add %a, %i
	store i8 7, %p
	%i1 = add %i, 1
	%d = cmp ult %i1, %n
	bcond %d, h, x
x:
	ret 0
}
`)

	_, changed := optFunc(t, f, allCaps())
	require.False(t, changed)
}
