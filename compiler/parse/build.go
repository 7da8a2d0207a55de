package parse

import (
	"context"

	"tlog.app/go/errors"

	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/tp"
)

type builder struct {
	f *ir.Func

	names  map[string]ir.Expr
	labels map[string]ir.Block
}

func build(ctx context.Context, rf *rawFunc) (_ *ir.Func, err error) {
	g := &builder{
		f:      ir.NewFunc(rf.name),
		names:  map[string]ir.Expr{},
		labels: map[string]ir.Block{},
	}

	g.f.Out = rf.ret

	for i, p := range rf.params {
		if _, ok := g.names[p.name]; ok {
			return nil, errors.New("duplicate param %v", p.name)
		}

		id := g.f.NewExpr(ir.Arg{Num: i, Name: p.name, NoAlias: p.noalias}, p.typ)

		g.f.In = append(g.f.In, id)
		g.names[p.name] = id
	}

	if len(rf.blocks) == 0 {
		return nil, errors.New("empty function")
	}

	for _, blk := range rf.blocks {
		if _, ok := g.labels[blk.label]; ok {
			return nil, errors.New("duplicate label %v", blk.label)
		}

		g.labels[blk.label] = g.f.NewBlock(blk.label)
	}

	for bi := range rf.blocks {
		for xi := range rf.blocks[bi].instrs {
			x := &rf.blocks[bi].instrs[xi]

			if x.def == "" {
				continue
			}

			if _, ok := g.names[x.def]; ok {
				return nil, errors.New("redefined %%%v", x.def)
			}

			g.names[x.def] = g.f.NewExpr(nil, nil)
		}
	}

	err = g.inferTypes(rf)
	if err != nil {
		return nil, err
	}

	for bi := range rf.blocks {
		blk := &rf.blocks[bi]
		b := g.labels[blk.label]

		for xi := range blk.instrs {
			err = g.emit(b, &blk.instrs[xi])
			if err != nil {
				return nil, errors.Wrap(err, "block %v: at pos 0x%x", blk.label, blk.instrs[xi].pos)
			}
		}

		if g.f.Blocks[b].Term == ir.Nil {
			return nil, errors.New("block %v: no terminator", blk.label)
		}
	}

	err = g.f.Validate()
	if err != nil {
		return nil, err
	}

	return g.f, nil
}

// inferTypes settles result types of defs. Imm-only defs default to i64.
func (g *builder) inferTypes(rf *rawFunc) error {
	for {
		changed := false

		for bi := range rf.blocks {
			for xi := range rf.blocks[bi].instrs {
				x := &rf.blocks[bi].instrs[xi]

				if x.def == "" {
					continue
				}

				id := g.names[x.def]
				if g.f.EType[id] != nil {
					continue
				}

				t, err := g.inferType(x)
				if err != nil {
					return errors.Wrap(err, "%%%v", x.def)
				}

				if t != nil {
					g.f.EType[id] = t
					changed = true
				}
			}
		}

		if !changed {
			break
		}
	}

	for bi := range rf.blocks {
		for xi := range rf.blocks[bi].instrs {
			x := &rf.blocks[bi].instrs[xi]

			if x.def == "" {
				continue
			}

			id := g.names[x.def]
			if g.f.EType[id] == nil {
				g.f.EType[id] = tp.I64
			}
		}
	}

	return nil
}

func (g *builder) inferType(x *rawInstr) (tp.Type, error) {
	switch x.op {
	case "load":
		return x.typ, nil
	case "alloc":
		return tp.Ptr{}, nil
	case "cmp":
		return tp.Bool{}, nil
	case "call":
		return tp.I64, nil
	case "bcmp":
		return tp.I32, nil
	case "ctpop", "ctlz", "cttz":
		return g.valType(x.args[0])
	case "add", "sub", "mul", "and", "or", "xor", "shl", "lsr", "asr":
		for _, v := range x.args {
			t, err := g.valType(v)
			if err != nil {
				return nil, err
			}

			if t != nil {
				return t, nil
			}
		}

		return nil, nil
	case "phi":
		for _, br := range x.phi {
			t, err := g.valType(br.val)
			if err != nil {
				return nil, err
			}

			if t != nil {
				return t, nil
			}
		}

		return nil, nil
	default:
		return nil, errors.New("op %v does not define a value", x.op)
	}
}

func (g *builder) valType(v rawVal) (tp.Type, error) {
	if v.reg == "" {
		return nil, nil
	}

	id, ok := g.names[v.reg]
	if !ok {
		return nil, errors.New("unknown value %%%v", v.reg)
	}

	return g.f.EType[id], nil
}

// val materializes an operand, minting an Imm of the given type if needed.
func (g *builder) val(v rawVal, t tp.Type) (ir.Expr, error) {
	if v.reg != "" {
		id, ok := g.names[v.reg]
		if !ok {
			return ir.Nil, errors.New("unknown value %%%v", v.reg)
		}

		return id, nil
	}

	if t == nil {
		t = tp.I64
	}

	return g.f.NewExpr(ir.Imm(v.imm), t), nil
}

func (g *builder) block(label string) (ir.Block, error) {
	b, ok := g.labels[label]
	if !ok {
		return ir.NoBlock, errors.New("unknown label %v", label)
	}

	return b, nil
}

func (g *builder) emit(b ir.Block, x *rawInstr) (err error) {
	if g.f.Blocks[b].Term != ir.Nil {
		return errors.New("code after terminator")
	}

	var def ir.Expr = ir.Nil
	if x.def != "" {
		def = g.names[x.def]
	}

	switch x.op {
	case "store", "memset", "memset_pattern", "memcpy", "memcpy_atomic", "b", "bcond", "ret":
		if def != ir.Nil {
			return errors.New("op %v does not define a value", x.op)
		}
	case "call":
	default:
		if def == ir.Nil {
			return errors.New("op %v requires a result", x.op)
		}
	}

	place := func(v any) {
		g.f.Exprs[def] = v
		g.f.AppendTo(b, def)
	}

	var dt tp.Type
	if def != ir.Nil {
		dt = g.f.TypeOf(def)
	}

	switch x.op {
	case "add", "sub", "mul", "and", "or", "xor", "shl", "lsr", "asr":
		l, err := g.val(x.args[0], dt)
		if err != nil {
			return err
		}

		r, err := g.val(x.args[1], dt)
		if err != nil {
			return err
		}

		switch x.op {
		case "add":
			place(ir.Add{L: l, R: r})
		case "sub":
			place(ir.Sub{L: l, R: r})
		case "mul":
			place(ir.Mul{L: l, R: r})
		case "and":
			place(ir.And{L: l, R: r})
		case "or":
			place(ir.Or{L: l, R: r})
		case "xor":
			place(ir.Xor{L: l, R: r})
		case "shl":
			place(ir.Shl{L: l, R: r})
		case "lsr":
			place(ir.Lsr{L: l, R: r})
		case "asr":
			place(ir.Asr{L: l, R: r})
		}
	case "cmp":
		t, err := g.valType(x.args[0])
		if err != nil {
			return err
		}

		if t == nil {
			t, err = g.valType(x.args[1])
			if err != nil {
				return err
			}
		}

		l, err := g.val(x.args[0], t)
		if err != nil {
			return err
		}

		r, err := g.val(x.args[1], t)
		if err != nil {
			return err
		}

		place(ir.Cmp{Cond: x.cond, L: l, R: r})
	case "phi":
		ph := make(ir.Phi, 0, len(x.phi))

		for _, br := range x.phi {
			bb, err := g.block(br.label)
			if err != nil {
				return err
			}

			v, err := g.val(br.val, dt)
			if err != nil {
				return err
			}

			ph = append(ph, ir.PhiBranch{B: bb, Expr: v})
		}

		place(ph)
	case "load":
		p, err := g.val(x.args[0], tp.Ptr{})
		if err != nil {
			return err
		}

		place(ir.Load{Ptr: p, Volatile: x.volatile, Atomic: x.atomic})
	case "store":
		v, err := g.val(x.args[0], x.typ)
		if err != nil {
			return err
		}

		if g.f.TypeOf(v).Size() != x.typ.Size() {
			return errors.New("store size mismatch: %v vs %v", g.f.TypeOf(v), x.typ)
		}

		p, err := g.val(x.args[1], tp.Ptr{})
		if err != nil {
			return err
		}

		id := g.f.NewExpr(ir.Store{Ptr: p, Val: v, Volatile: x.volatile, Atomic: x.atomic}, nil)
		g.f.AppendTo(b, id)
	case "alloc":
		if x.args[0].reg != "" {
			return errors.New("alloc size must be constant")
		}

		place(ir.Alloc{Size: x.args[0].imm})
	case "call":
		in := make([]ir.Expr, 0, len(x.args))

		for _, a := range x.args {
			v, err := g.val(a, nil)
			if err != nil {
				return err
			}

			in = append(in, v)
		}

		if def != ir.Nil {
			place(ir.Call{Func: x.callee, In: in})
		} else {
			id := g.f.NewExpr(ir.Call{Func: x.callee, In: in}, nil)
			g.f.AppendTo(b, id)
		}
	case "memset":
		d, err := g.val(x.args[0], tp.Ptr{})
		if err != nil {
			return err
		}

		v, err := g.val(x.args[1], tp.I8)
		if err != nil {
			return err
		}

		n, err := g.val(x.args[2], tp.I64)
		if err != nil {
			return err
		}

		id := g.f.NewExpr(ir.MemSet{Dst: d, Val: v, Len: n}, nil)
		g.f.AppendTo(b, id)
	case "memset_pattern":
		d, err := g.val(x.args[0], tp.Ptr{})
		if err != nil {
			return err
		}

		n, err := g.val(x.args[1], tp.I64)
		if err != nil {
			return err
		}

		id := g.f.NewExpr(ir.MemSetPattern{Dst: d, Pattern: x.pattern, Len: n}, nil)
		g.f.AppendTo(b, id)
	case "memcpy", "memcpy_atomic":
		d, err := g.val(x.args[0], tp.Ptr{})
		if err != nil {
			return err
		}

		s, err := g.val(x.args[1], tp.Ptr{})
		if err != nil {
			return err
		}

		n, err := g.val(x.args[2], tp.I64)
		if err != nil {
			return err
		}

		id := g.f.NewExpr(ir.MemCpy{Dst: d, Src: s, Len: n, Elem: x.elem}, nil)
		g.f.AppendTo(b, id)
	case "bcmp":
		a, err := g.val(x.args[0], tp.Ptr{})
		if err != nil {
			return err
		}

		c, err := g.val(x.args[1], tp.Ptr{})
		if err != nil {
			return err
		}

		n, err := g.val(x.args[2], tp.I64)
		if err != nil {
			return err
		}

		place(ir.BCmp{A: a, B: c, Len: n})
	case "ctpop":
		v, err := g.val(x.args[0], dt)
		if err != nil {
			return err
		}

		place(ir.CtPop{X: v})
	case "ctlz":
		v, err := g.val(x.args[0], dt)
		if err != nil {
			return err
		}

		place(ir.CtLz{X: v, ZeroUndef: x.zeroUndef})
	case "cttz":
		v, err := g.val(x.args[0], dt)
		if err != nil {
			return err
		}

		place(ir.CtTz{X: v, ZeroUndef: x.zeroUndef})
	case "b":
		to, err := g.block(x.labels[0])
		if err != nil {
			return err
		}

		id := g.f.NewExpr(ir.B{To: to}, nil)
		g.f.SetTerm(b, id)
	case "bcond":
		c, err := g.val(x.args[0], tp.Bool{})
		if err != nil {
			return err
		}

		then, err := g.block(x.labels[0])
		if err != nil {
			return err
		}

		els, err := g.block(x.labels[1])
		if err != nil {
			return err
		}

		if then == els {
			return errors.New("bcond with equal targets")
		}

		id := g.f.NewExpr(ir.BCond{Expr: c, Then: then, Else: els}, nil)
		g.f.SetTerm(b, id)
	case "ret":
		x1 := ir.Nil

		if len(x.args) != 0 {
			if g.f.Out == nil {
				return errors.New("ret value in void function")
			}

			x1, err = g.val(x.args[0], g.f.Out)
			if err != nil {
				return err
			}
		} else if g.f.Out != nil {
			return errors.New("missing ret value")
		}

		id := g.f.NewExpr(ir.Ret{X: x1}, nil)
		g.f.SetTerm(b, id)
	default:
		return errors.New("unknown op %q", x.op)
	}

	return nil
}
