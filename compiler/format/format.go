package format

import (
	"context"
	"fmt"
	"strconv"

	"tlog.app/go/errors"

	"github.com/slowlang/loopidiom/compiler/ir"
)

// Format renders a package or a single function in the textual syntax
// parse reads back.
func Format(ctx context.Context, b []byte, x any) ([]byte, error) {
	switch x := x.(type) {
	case *ir.Package:
		return AppendPackage(ctx, b, x)
	case *ir.Func:
		return AppendFunc(ctx, b, x)
	default:
		return nil, errors.New("unsupported type: %T", x)
	}
}

func AppendPackage(ctx context.Context, b []byte, p *ir.Package) (_ []byte, err error) {
	for i, f := range p.Funcs {
		if i != 0 {
			b = append(b, '\n')
		}

		b, err = AppendFunc(ctx, b, f)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", f.Name)
		}
	}

	return b, nil
}

func AppendFunc(ctx context.Context, b []byte, f *ir.Func) (_ []byte, err error) {
	p := printer{f: f, name: make([]string, len(f.Exprs))}

	err = p.number()
	if err != nil {
		return nil, err
	}

	b = fmt.Appendf(b, "func %v(", f.Name)

	for i, id := range f.In {
		if i != 0 {
			b = append(b, ", "...)
		}

		a := f.Exprs[id].(ir.Arg)

		b = fmt.Appendf(b, "%v %v", p.name[id][1:], f.EType[id])

		if a.NoAlias {
			b = append(b, " noalias"...)
		}
	}

	b = append(b, ')')

	if f.Out != nil {
		b = fmt.Appendf(b, " %v", f.Out)
	}

	b = append(b, " {\n"...)

	for bid := range f.Blocks {
		bd := &f.Blocks[bid]

		if bd.Term == ir.Nil && len(bd.Code) == 0 && len(bd.Preds) == 0 {
			continue
		}

		b, err = p.appendBlock(b, ir.Block(bid))
		if err != nil {
			return nil, errors.Wrap(err, "block %v", bd.Name)
		}
	}

	b = append(b, "}\n"...)

	return b, nil
}

type printer struct {
	f    *ir.Func
	name []string
}

// number assigns printable names: args keep theirs, other values are
// numbered in block order. Statements and unused calls stay unnamed.
func (p *printer) number() error {
	for i, id := range p.f.In {
		a, ok := p.f.Exprs[id].(ir.Arg)
		if !ok {
			return errors.New("in[%v]: not an arg", i)
		}

		if a.Name != "" {
			p.name[id] = "%" + a.Name
		} else {
			p.name[id] = "%a" + strconv.Itoa(a.Num)
		}
	}

	n := 0

	for bid := range p.f.Blocks {
		for _, id := range p.f.Blocks[bid].Code {
			if !p.named(id) {
				continue
			}

			p.name[id] = "%" + strconv.Itoa(n)
			n++
		}
	}

	for bid := range p.f.Blocks {
		bd := &p.f.Blocks[bid]

		for _, id := range bd.Code {
			if err := p.checkOperands(id); err != nil {
				return errors.Wrap(err, "block %v", bd.Name)
			}
		}

		if bd.Term != ir.Nil {
			if err := p.checkOperands(bd.Term); err != nil {
				return errors.Wrap(err, "block %v", bd.Name)
			}
		}
	}

	return nil
}

func (p *printer) named(id ir.Expr) bool {
	switch p.f.Exprs[id].(type) {
	case ir.Store, ir.MemSet, ir.MemSetPattern, ir.MemCpy:
		return false
	case ir.Call:
		return p.f.NumUses(id) != 0
	default:
		return true
	}
}

func (p *printer) checkOperands(id ir.Expr) (err error) {
	ir.Operands(p.f.Exprs[id], func(op ir.Expr) {
		if err != nil {
			return
		}

		if _, ok := p.f.Exprs[op].(ir.Imm); ok {
			return
		}

		if p.name[op] == "" {
			err = errors.New("instr %v: operand %v has no name", id, op)
		}
	})

	return err
}

func (p *printer) val(id ir.Expr) string {
	if x, ok := p.f.Exprs[id].(ir.Imm); ok {
		return strconv.FormatInt(int64(x), 10)
	}

	return p.name[id]
}

func (p *printer) label(b ir.Block) string {
	return p.f.Blocks[b].Name
}

func (p *printer) appendBlock(b []byte, bid ir.Block) (_ []byte, err error) {
	bd := &p.f.Blocks[bid]

	b = fmt.Appendf(b, "%v:\n", bd.Name)

	for _, id := range bd.Code {
		b, err = p.appendInstr(b, id)
		if err != nil {
			return nil, err
		}
	}

	if bd.Term == ir.Nil {
		return nil, errors.New("no terminator")
	}

	return p.appendInstr(b, bd.Term)
}

func (p *printer) appendInstr(b []byte, id ir.Expr) ([]byte, error) {
	b = append(b, '\t')

	if p.name[id] != "" {
		b = fmt.Appendf(b, "%v = ", p.name[id])
	}

	switch x := p.f.Exprs[id].(type) {
	case ir.Add:
		b = fmt.Appendf(b, "add %v, %v", p.val(x.L), p.val(x.R))
	case ir.Sub:
		b = fmt.Appendf(b, "sub %v, %v", p.val(x.L), p.val(x.R))
	case ir.Mul:
		b = fmt.Appendf(b, "mul %v, %v", p.val(x.L), p.val(x.R))
	case ir.And:
		b = fmt.Appendf(b, "and %v, %v", p.val(x.L), p.val(x.R))
	case ir.Or:
		b = fmt.Appendf(b, "or %v, %v", p.val(x.L), p.val(x.R))
	case ir.Xor:
		b = fmt.Appendf(b, "xor %v, %v", p.val(x.L), p.val(x.R))
	case ir.Shl:
		b = fmt.Appendf(b, "shl %v, %v", p.val(x.L), p.val(x.R))
	case ir.Lsr:
		b = fmt.Appendf(b, "lsr %v, %v", p.val(x.L), p.val(x.R))
	case ir.Asr:
		b = fmt.Appendf(b, "asr %v, %v", p.val(x.L), p.val(x.R))
	case ir.Cmp:
		b = fmt.Appendf(b, "cmp %v %v, %v", x.Cond, p.val(x.L), p.val(x.R))
	case ir.Phi:
		b = append(b, "phi"...)

		for i, br := range x {
			if i != 0 {
				b = append(b, ',')
			}

			b = fmt.Appendf(b, " [%v: %v]", p.label(br.B), p.val(br.Expr))
		}
	case ir.Load:
		b = append(b, "load "...)

		if x.Volatile {
			b = append(b, "volatile "...)
		}

		if x.Atomic {
			b = append(b, "atomic "...)
		}

		b = fmt.Appendf(b, "%v, %v", p.f.EType[id], p.val(x.Ptr))
	case ir.Store:
		b = append(b, "store "...)

		if x.Volatile {
			b = append(b, "volatile "...)
		}

		if x.Atomic {
			b = append(b, "atomic "...)
		}

		b = fmt.Appendf(b, "%v %v, %v", p.f.TypeOf(x.Val), p.val(x.Val), p.val(x.Ptr))
	case ir.Alloc:
		b = fmt.Appendf(b, "alloc %v", x.Size)
	case ir.Call:
		b = fmt.Appendf(b, "call %v", x.Func)

		for _, a := range x.In {
			b = fmt.Appendf(b, ", %v", p.val(a))
		}
	case ir.MemSet:
		b = fmt.Appendf(b, "memset %v, %v, %v", p.val(x.Dst), p.val(x.Val), p.val(x.Len))
	case ir.MemSetPattern:
		b = fmt.Appendf(b, "memset_pattern %v, [", p.val(x.Dst))

		for i, q := range x.Pattern {
			if i != 0 {
				b = append(b, ", "...)
			}

			b = strconv.AppendInt(b, int64(q), 10)
		}

		b = fmt.Appendf(b, "], %v", p.val(x.Len))
	case ir.MemCpy:
		if x.Elem != 0 {
			b = fmt.Appendf(b, "memcpy_atomic %v, ", x.Elem)
		} else {
			b = append(b, "memcpy "...)
		}

		b = fmt.Appendf(b, "%v, %v, %v", p.val(x.Dst), p.val(x.Src), p.val(x.Len))
	case ir.BCmp:
		b = fmt.Appendf(b, "bcmp %v, %v, %v", p.val(x.A), p.val(x.B), p.val(x.Len))
	case ir.CtPop:
		b = fmt.Appendf(b, "ctpop %v", p.val(x.X))
	case ir.CtLz:
		b = fmt.Appendf(b, "ctlz %v", p.val(x.X))

		if x.ZeroUndef {
			b = append(b, ", nz"...)
		}
	case ir.CtTz:
		b = fmt.Appendf(b, "cttz %v", p.val(x.X))

		if x.ZeroUndef {
			b = append(b, ", nz"...)
		}
	case ir.B:
		b = fmt.Appendf(b, "b %v", p.label(x.To))
	case ir.BCond:
		b = fmt.Appendf(b, "bcond %v, %v, %v", p.val(x.Expr), p.label(x.Then), p.label(x.Else))
	case ir.Ret:
		b = append(b, "ret"...)

		if x.X != ir.Nil {
			b = fmt.Appendf(b, " %v", p.val(x.X))
		}
	default:
		return nil, errors.New("unsupported instruction: %T", x)
	}

	b = append(b, '\n')

	return b, nil
}
