// Package interp executes the IR directly. Pointers are byte offsets
// into the machine memory, which makes runs reproducible and lets
// tests compare memory images before and after a rewrite.
package interp

import (
	"context"
	"math/bits"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/tp"
)

type Machine struct {
	Mem []byte

	// Steps bounds the executed instruction count, 0 means the
	// default of a few million.
	Steps int
}

const defaultSteps = 1 << 22

func New(mem []byte) *Machine {
	return &Machine{Mem: mem}
}

// Alloc reserves fresh memory and returns its address.
func (m *Machine) Alloc(size int64) int64 {
	p := int64(len(m.Mem))
	m.Mem = append(m.Mem, make([]byte, size)...)

	return p
}

func (m *Machine) Run(ctx context.Context, f *ir.Func, args []int64) (ret int64, err error) {
	tr := tlog.SpawnFromContext(ctx, "interp", "func", f.Name)
	defer tr.Finish("ret", &ret, "err", &err)

	if len(args) != len(f.In) {
		return 0, errors.New("want %v args, got %v", len(f.In), len(args))
	}

	vals := make([]uint64, len(f.Exprs))

	for i, id := range f.In {
		vals[id] = uint64(args[i])
	}

	steps := m.Steps
	if steps == 0 {
		steps = defaultSteps
	}

	val := func(id ir.Expr) uint64 {
		if x, ok := f.Exprs[id].(ir.Imm); ok {
			return uint64(int64(x))
		}

		return vals[id]
	}

	b := f.Entry
	prev := ir.NoBlock

	var phiTmp []uint64

	for {
		bd := &f.Blocks[b]

		// phis read their incomings before any of them is written
		phiTmp = phiTmp[:0]

		phis := f.Phis(b)

		for _, id := range phis {
			in := ir.Nil
			if prev != ir.NoBlock {
				in = f.PhiIncoming(id, prev)
			}

			if in == ir.Nil {
				return 0, errors.New("block %v: phi %v has no incoming edge", bd.Name, id)
			}

			phiTmp = append(phiTmp, val(in))
		}

		for i, id := range phis {
			vals[id] = phiTmp[i]
		}

		for _, id := range bd.Code[len(phis):] {
			steps--
			if steps < 0 {
				return 0, errors.New("step limit")
			}

			vals[id], err = m.eval(f, val, id)
			if err != nil {
				return 0, errors.Wrap(err, "block %v", bd.Name)
			}
		}

		steps--
		if steps < 0 {
			return 0, errors.New("step limit")
		}

		switch x := f.Exprs[bd.Term].(type) {
		case ir.B:
			prev, b = b, x.To
		case ir.BCond:
			prev = b

			if val(x.Expr) != 0 {
				b = x.Then
			} else {
				b = x.Else
			}
		case ir.Ret:
			if x.X == ir.Nil {
				return 0, nil
			}

			return int64(sext(val(x.X), width(f.TypeOf(x.X)))), nil
		default:
			return 0, errors.New("block %v: bad terminator %T", bd.Name, x)
		}
	}
}

func width(t tp.Type) int {
	if t == nil {
		return 64
	}

	return t.Size() * 8
}

func mask(v uint64, w int) uint64 {
	if w >= 64 {
		return v
	}

	return v & (1<<w - 1)
}

func sext(v uint64, w int) uint64 {
	if w >= 64 {
		return v
	}

	v = mask(v, w)
	if v&(1<<(w-1)) != 0 {
		v |= ^uint64(0) << w
	}

	return v
}

func (m *Machine) eval(f *ir.Func, val func(ir.Expr) uint64, id ir.Expr) (uint64, error) {
	w := width(f.TypeOf(id))

	switch x := f.Exprs[id].(type) {
	case ir.Alloc:
		return uint64(m.Alloc(x.Size)), nil
	case ir.Add:
		return mask(val(x.L)+val(x.R), w), nil
	case ir.Sub:
		return mask(val(x.L)-val(x.R), w), nil
	case ir.Mul:
		return mask(val(x.L)*val(x.R), w), nil
	case ir.And:
		return val(x.L) & val(x.R), nil
	case ir.Or:
		return val(x.L) | val(x.R), nil
	case ir.Xor:
		return mask(val(x.L)^val(x.R), w), nil
	case ir.Shl:
		return mask(val(x.L)<<(val(x.R)&63), w), nil
	case ir.Lsr:
		lw := width(f.TypeOf(x.L))
		return mask(mask(val(x.L), lw)>>(val(x.R)&63), w), nil
	case ir.Asr:
		lw := width(f.TypeOf(x.L))
		return mask(uint64(int64(sext(val(x.L), lw))>>(val(x.R)&63)), w), nil
	case ir.Cmp:
		return m.cmp(f, val, x)
	case ir.Load:
		a := val(x.Ptr)
		sz := f.TypeOf(id).Size()

		if err := m.bounds(a, int64(sz)); err != nil {
			return 0, err
		}

		return m.load(a, sz), nil
	case ir.Store:
		a := val(x.Ptr)
		sz := f.TypeOf(x.Val).Size()

		if err := m.bounds(a, int64(sz)); err != nil {
			return 0, err
		}

		m.store(a, sz, val(x.Val))

		return 0, nil
	case ir.Call:
		return 0, errors.New("opaque call %v", x.Func)
	case ir.MemSet:
		a, n := val(x.Dst), int64(val(x.Len))

		if err := m.bounds(a, n); err != nil {
			return 0, err
		}

		v := byte(val(x.Val))

		for i := int64(0); i < n; i++ {
			m.Mem[int64(a)+i] = v
		}

		return 0, nil
	case ir.MemSetPattern:
		a, n := val(x.Dst), int64(val(x.Len))

		if err := m.bounds(a, n); err != nil {
			return 0, err
		}

		if len(x.Pattern) == 0 {
			return 0, errors.New("empty pattern")
		}

		for i := int64(0); i < n; i++ {
			m.Mem[int64(a)+i] = x.Pattern[i%int64(len(x.Pattern))]
		}

		return 0, nil
	case ir.MemCpy:
		d, s, n := val(x.Dst), val(x.Src), int64(val(x.Len))

		if err := m.bounds(d, n); err != nil {
			return 0, err
		}

		if err := m.bounds(s, n); err != nil {
			return 0, err
		}

		copy(m.Mem[int64(d):int64(d)+n], m.Mem[int64(s):int64(s)+n])

		return 0, nil
	case ir.BCmp:
		a, c, n := val(x.A), val(x.B), int64(val(x.Len))

		if err := m.bounds(a, n); err != nil {
			return 0, err
		}

		if err := m.bounds(c, n); err != nil {
			return 0, err
		}

		for i := int64(0); i < n; i++ {
			pa, pb := m.Mem[int64(a)+i], m.Mem[int64(c)+i]

			switch {
			case pa < pb:
				return ^uint64(0), nil
			case pa > pb:
				return 1, nil
			}
		}

		return 0, nil
	case ir.CtPop:
		xw := width(f.TypeOf(x.X))
		return uint64(bits.OnesCount64(mask(val(x.X), xw))), nil
	case ir.CtLz:
		xw := width(f.TypeOf(x.X))
		v := mask(val(x.X), xw)

		if v == 0 {
			if x.ZeroUndef {
				return 0, errors.New("ctlz of zero")
			}

			return uint64(xw), nil
		}

		return uint64(bits.LeadingZeros64(v) - (64 - xw)), nil
	case ir.CtTz:
		xw := width(f.TypeOf(x.X))
		v := mask(val(x.X), xw)

		if v == 0 {
			if x.ZeroUndef {
				return 0, errors.New("cttz of zero")
			}

			return uint64(xw), nil
		}

		return uint64(bits.TrailingZeros64(v)), nil
	default:
		return 0, errors.New("instruction %T", x)
	}
}

func (m *Machine) cmp(f *ir.Func, val func(ir.Expr) uint64, x ir.Cmp) (uint64, error) {
	w := 64

	if t := f.TypeOf(x.L); t != nil {
		w = width(t)
	} else if t := f.TypeOf(x.R); t != nil {
		w = width(t)
	}

	l, r := mask(val(x.L), w), mask(val(x.R), w)
	sl, sr := int64(sext(l, w)), int64(sext(r, w))

	var res bool

	switch x.Cond {
	case ir.CondEq:
		res = l == r
	case ir.CondNe:
		res = l != r
	case ir.CondLt:
		res = sl < sr
	case ir.CondLe:
		res = sl <= sr
	case ir.CondGt:
		res = sl > sr
	case ir.CondGe:
		res = sl >= sr
	case ir.CondULt:
		res = l < r
	case ir.CondULe:
		res = l <= r
	case ir.CondUGt:
		res = l > r
	case ir.CondUGe:
		res = l >= r
	default:
		return 0, errors.New("condition %q", x.Cond)
	}

	if res {
		return 1, nil
	}

	return 0, nil
}

func (m *Machine) bounds(a uint64, n int64) error {
	if n < 0 || a > uint64(len(m.Mem)) || int64(a)+n > int64(len(m.Mem)) {
		return errors.New("oob access at 0x%x + %v (mem %v)", a, n, len(m.Mem))
	}

	return nil
}

func (m *Machine) load(a uint64, sz int) uint64 {
	var v uint64

	for i := 0; i < sz; i++ {
		v |= uint64(m.Mem[int(a)+i]) << (8 * i)
	}

	return v
}

func (m *Machine) store(a uint64, sz int, v uint64) {
	for i := 0; i < sz; i++ {
		m.Mem[int(a)+i] = byte(v >> (8 * i))
	}
}
