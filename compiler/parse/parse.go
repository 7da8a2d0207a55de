package parse

import (
	"context"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/loopidiom/compiler/ir"
	"github.com/slowlang/loopidiom/compiler/tp"
)

type (
	Token any

	Char   byte
	Ident  []byte
	Number []byte
	Reg    []byte

	state struct {
		b []byte
	}

	rawFunc struct {
		name   string
		params []rawParam
		ret    tp.Type
		blocks []rawBlock
	}

	rawParam struct {
		name    string
		typ     tp.Type
		noalias bool
	}

	rawBlock struct {
		label  string
		instrs []rawInstr
	}

	rawInstr struct {
		pos int

		def string
		op  string

		typ       tp.Type
		volatile  bool
		atomic    bool
		zeroUndef bool
		elem      int
		pattern   []byte
		cond      ir.Cond
		callee    string

		args   []rawVal
		labels []string
		phi    []rawPhi
	}

	rawPhi struct {
		label string
		val   rawVal
	}

	rawVal struct {
		reg string
		imm int64
	}
)

func ParseFile(ctx context.Context, name string) (*ir.Package, error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	return Parse(ctx, name, text)
}

func Parse(ctx context.Context, name string, text []byte) (p *ir.Package, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "parse", "name", name, "size", len(text))
	defer tr.Finish("err", &err)

	s := &state{b: text}

	p = &ir.Package{Path: name}

	i := 0

	for {
		tk, _, _ := s.next(i)
		if tk == nil {
			break
		}

		var rf rawFunc

		rf, i, err = s.parseFunc(ctx, i)
		if err != nil {
			return nil, errors.Wrap(err, "at pos 0x%x", i)
		}

		f, err := build(ctx, &rf)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", rf.name)
		}

		p.Funcs = append(p.Funcs, f)
	}

	tr.Printw("parsed", "funcs", len(p.Funcs))

	return p, nil
}

func (s *state) parseFunc(ctx context.Context, st int) (rf rawFunc, i int, err error) {
	tk, tst, i := s.next(st)
	if w, ok := tk.(Ident); !ok || string(w) != "func" {
		return rf, tst, errors.New("func expected, got %v", tokStr(tk))
	}

	tk, tst, i = s.next(i)
	name, ok := tk.(Ident)
	if !ok {
		return rf, tst, errors.New("function name expected, got %v", tokStr(tk))
	}

	rf.name = string(name)

	rf.params, i, err = s.parseParams(ctx, i)
	if err != nil {
		return rf, i, errors.Wrap(err, "params")
	}

	tk, tst, j := s.next(i)
	if w, ok := tk.(Ident); ok {
		t, ok := tp.ByName(string(w))
		if !ok {
			return rf, tst, errors.New("return type expected, got %v", tokStr(tk))
		}

		rf.ret = t
		i = j
	}

	tk, tst, i = s.next(i)
	if tk != Char('{') {
		return rf, tst, errors.New("{ expected, got %v", tokStr(tk))
	}

	for {
		tk, tst, j := s.next(i)
		if tk == Char('}') {
			i = j
			break
		}

		lab, ok := tk.(Ident)
		if !ok {
			return rf, tst, errors.New("label or } expected, got %v", tokStr(tk))
		}

		tk, tst, j = s.next(j)
		if tk != Char(':') {
			return rf, tst, errors.New(": expected after label, got %v", tokStr(tk))
		}

		var blk rawBlock

		blk.label = string(lab)

		blk.instrs, j, err = s.parseInstrs(ctx, j)
		if err != nil {
			return rf, j, errors.Wrap(err, "block %s", lab)
		}

		rf.blocks = append(rf.blocks, blk)
		i = j
	}

	return rf, i, nil
}

func (s *state) parseParams(ctx context.Context, st int) (ps []rawParam, i int, err error) {
	tk, tst, i := s.next(st)
	if tk != Char('(') {
		return nil, tst, errors.New("( expected, got %v", tokStr(tk))
	}

loop:
	for {
		tk, tst, j := s.next(i)

		switch tk {
		case Char(','):
			i = j
			continue
		case Char(')'):
			i = j
			break loop
		}

		name, ok := tk.(Ident)
		if !ok {
			return nil, tst, errors.New("param name expected, got %v", tokStr(tk))
		}

		tk, tst, j = s.next(j)

		w, ok := tk.(Ident)
		if !ok {
			return nil, tst, errors.New("param type expected, got %v", tokStr(tk))
		}

		t, ok := tp.ByName(string(w))
		if !ok {
			return nil, tst, errors.New("param type expected, got %v", tokStr(tk))
		}

		p := rawParam{name: string(name), typ: t}

		tk, _, j2 := s.next(j)
		if w, ok := tk.(Ident); ok && string(w) == "noalias" {
			p.noalias = true
			j = j2
		}

		ps = append(ps, p)
		i = j
	}

	return ps, i, nil
}

// parseInstrs reads instructions until the next label or the closing brace,
// which it leaves unconsumed.
func (s *state) parseInstrs(ctx context.Context, st int) (code []rawInstr, i int, err error) {
	i = st

	for {
		tk, _, j := s.next(i)

		if tk == nil || tk == Char('}') {
			return code, i, nil
		}

		// a label is an ident followed by ':'
		if _, ok := tk.(Ident); ok {
			if tk2, _, _ := s.next(j); tk2 == Char(':') {
				return code, i, nil
			}
		}

		var x rawInstr

		x, i, err = s.parseInstr(ctx, i)
		if err != nil {
			return code, i, err
		}

		code = append(code, x)
	}
}

func (s *state) parseInstr(ctx context.Context, st int) (x rawInstr, i int, err error) {
	x.pos = st

	tk, tst, i := s.next(st)

	if r, ok := tk.(Reg); ok {
		x.def = string(r)

		tk, tst, i = s.next(i)
		if tk != Char('=') {
			return x, tst, errors.New("= expected, got %v", tokStr(tk))
		}

		tk, tst, i = s.next(i)
	}

	op, ok := tk.(Ident)
	if !ok {
		return x, tst, errors.New("op expected, got %v", tokStr(tk))
	}

	x.op = string(op)

	switch x.op {
	case "add", "sub", "mul", "and", "or", "xor", "shl", "lsr", "asr":
		return s.parseVals(ctx, &x, i, 2)
	case "cmp":
		tk, tst, i = s.next(i)

		c, ok := tk.(Ident)
		if !ok || !validCond(ir.Cond(c)) {
			return x, tst, errors.New("condition expected, got %v", tokStr(tk))
		}

		x.cond = ir.Cond(c)

		return s.parseVals(ctx, &x, i, 2)
	case "phi":
		return s.parsePhi(ctx, &x, i)
	case "load":
		i, err = s.parseAccessMods(ctx, &x, i)
		if err != nil {
			return x, i, err
		}

		return s.parseVals(ctx, &x, i, 1)
	case "store":
		i, err = s.parseAccessMods(ctx, &x, i)
		if err != nil {
			return x, i, err
		}

		return s.parseVals(ctx, &x, i, 2)
	case "alloc":
		return s.parseVals(ctx, &x, i, 1)
	case "call":
		tk, tst, i = s.next(i)

		callee, ok := tk.(Ident)
		if !ok {
			return x, tst, errors.New("callee expected, got %v", tokStr(tk))
		}

		x.callee = string(callee)

		for {
			tk, _, j := s.next(i)
			if tk != Char(',') {
				return x, i, nil
			}

			var v rawVal

			v, i, err = s.parseVal(ctx, j)
			if err != nil {
				return x, i, err
			}

			x.args = append(x.args, v)
		}
	case "memset", "memcpy", "bcmp":
		return s.parseVals(ctx, &x, i, 3)
	case "memcpy_atomic":
		tk, tst, i = s.next(i)

		n, ok := tk.(Number)
		if !ok {
			return x, tst, errors.New("element size expected, got %v", tokStr(tk))
		}

		x.elem = int(parseInt(n))

		if tk, _, j := s.next(i); tk == Char(',') {
			i = j
		}

		return s.parseVals(ctx, &x, i, 3)
	case "memset_pattern":
		var v rawVal

		v, i, err = s.parseVal(ctx, i)
		if err != nil {
			return x, i, err
		}

		x.args = append(x.args, v)

		if tk, tst, j := s.next(i); tk == Char(',') {
			i = j
		} else {
			return x, tst, errors.New(", expected, got %v", tokStr(tk))
		}

		x.pattern, i, err = s.parsePattern(ctx, i)
		if err != nil {
			return x, i, err
		}

		if tk, tst, j := s.next(i); tk == Char(',') {
			i = j
		} else {
			return x, tst, errors.New(", expected, got %v", tokStr(tk))
		}

		return s.parseVals(ctx, &x, i, 1)
	case "ctpop", "ctlz", "cttz":
		x, i, err = s.parseVals(ctx, &x, i, 1)
		if err != nil {
			return x, i, err
		}

		if tk, _, j := s.next(i); tk == Char(',') {
			tk, tst, j := s.next(j)
			if w, ok := tk.(Ident); !ok || string(w) != "nz" {
				return x, tst, errors.New("nz expected, got %v", tokStr(tk))
			}

			x.zeroUndef = true
			i = j
		}

		return x, i, nil
	case "b":
		return s.parseLabels(ctx, &x, i, 1)
	case "bcond":
		var v rawVal

		v, i, err = s.parseVal(ctx, i)
		if err != nil {
			return x, i, err
		}

		x.args = append(x.args, v)

		if tk, tst, j := s.next(i); tk == Char(',') {
			i = j
		} else {
			return x, tst, errors.New(", expected, got %v", tokStr(tk))
		}

		return s.parseLabels(ctx, &x, i, 2)
	case "ret":
		// optional value: next token is a value unless it starts the next
		// instruction or block
		tk, _, j := s.next(i)

		switch tk.(type) {
		case Reg:
			if tk2, _, _ := s.next(j); tk2 != Char('=') {
				return s.parseVals(ctx, &x, i, 1)
			}
		case Number:
			return s.parseVals(ctx, &x, i, 1)
		}

		return x, i, nil
	default:
		return x, tst, errors.New("unknown op %q", x.op)
	}
}

func (s *state) parseAccessMods(ctx context.Context, x *rawInstr, st int) (i int, err error) {
	i = st

	tk, tst, j := s.next(i)

	if w, ok := tk.(Ident); ok && string(w) == "volatile" {
		x.volatile = true
		i = j
		tk, tst, j = s.next(i)
	}

	if w, ok := tk.(Ident); ok && string(w) == "atomic" {
		x.atomic = true
		i = j
		tk, tst, j = s.next(i)
	}

	w, ok := tk.(Ident)
	if !ok {
		return tst, errors.New("access type expected, got %v", tokStr(tk))
	}

	t, ok := tp.ByName(string(w))
	if !ok {
		return tst, errors.New("access type expected, got %v", tokStr(tk))
	}

	x.typ = t

	if tk, _, j2 := s.next(j); tk == Char(',') {
		return j2, nil
	}

	return j, nil
}

func (s *state) parsePhi(ctx context.Context, x *rawInstr, st int) (_ rawInstr, i int, err error) {
	i = st

	for {
		tk, tst, j := s.next(i)

		if len(x.phi) != 0 {
			if tk != Char(',') {
				return *x, i, nil
			}

			tk, tst, j = s.next(j)
		}

		if tk != Char('[') {
			return *x, tst, errors.New("[ expected, got %v", tokStr(tk))
		}

		tk, tst, j = s.next(j)

		lab, ok := tk.(Ident)
		if !ok {
			return *x, tst, errors.New("label expected, got %v", tokStr(tk))
		}

		tk, tst, j = s.next(j)
		if tk != Char(':') {
			return *x, tst, errors.New(": expected, got %v", tokStr(tk))
		}

		var v rawVal

		v, j, err = s.parseVal(ctx, j)
		if err != nil {
			return *x, j, err
		}

		tk, tst, j = s.next(j)
		if tk != Char(']') {
			return *x, tst, errors.New("] expected, got %v", tokStr(tk))
		}

		x.phi = append(x.phi, rawPhi{label: string(lab), val: v})
		i = j
	}
}

func (s *state) parsePattern(ctx context.Context, st int) (pat []byte, i int, err error) {
	tk, tst, i := s.next(st)
	if tk != Char('[') {
		return nil, tst, errors.New("[ expected, got %v", tokStr(tk))
	}

	for {
		tk, tst, j := s.next(i)

		switch tk := tk.(type) {
		case Char:
			switch tk {
			case Char(']'):
				return pat, j, nil
			case Char(','):
				i = j
				continue
			}
		case Number:
			v := parseInt(tk)
			if v < 0 || v > 255 {
				return nil, tst, errors.New("pattern byte out of range: %v", v)
			}

			pat = append(pat, byte(v))
			i = j

			continue
		}

		return nil, tst, errors.New("pattern byte or ] expected, got %v", tokStr(tk))
	}
}

func (s *state) parseVals(ctx context.Context, x *rawInstr, st, n int) (_ rawInstr, i int, err error) {
	i = st

	for k := 0; k < n; k++ {
		if k != 0 {
			tk, tst, j := s.next(i)
			if tk != Char(',') {
				return *x, tst, errors.New(", expected, got %v", tokStr(tk))
			}

			i = j
		}

		var v rawVal

		v, i, err = s.parseVal(ctx, i)
		if err != nil {
			return *x, i, err
		}

		x.args = append(x.args, v)
	}

	return *x, i, nil
}

func (s *state) parseLabels(ctx context.Context, x *rawInstr, st, n int) (_ rawInstr, i int, err error) {
	i = st

	for k := 0; k < n; k++ {
		if k != 0 {
			tk, tst, j := s.next(i)
			if tk != Char(',') {
				return *x, tst, errors.New(", expected, got %v", tokStr(tk))
			}

			i = j
		}

		tk, tst, j := s.next(i)

		lab, ok := tk.(Ident)
		if !ok {
			return *x, tst, errors.New("label expected, got %v", tokStr(tk))
		}

		x.labels = append(x.labels, string(lab))
		i = j
	}

	return *x, i, nil
}

func (s *state) parseVal(ctx context.Context, st int) (v rawVal, i int, err error) {
	tk, tst, i := s.next(st)

	switch tk := tk.(type) {
	case Reg:
		v.reg = string(tk)
		return v, i, nil
	case Number:
		v.imm = parseInt(tk)
		return v, i, nil
	default:
		return v, tst, errors.New("value expected, got %v", tokStr(tk))
	}
}

func (s *state) next(st int) (tk Token, tst int, i int) {
	i = skipSpaces(s.b, st)
	tst = i

	if i == len(s.b) {
		return nil, tst, i
	}

	c := s.b[i]

	switch c {
	case '(', ')', '{', '}', '[', ']', ',', ':', '=':
		return Char(c), tst, i + 1
	}

	switch {
	case c == '%':
		e := skipIdent(s.b, i+1)
		if e == i+1 {
			return Char('%'), tst, i + 1
		}

		return Reg(s.b[i+1 : e]), tst, e
	case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_':
		e := skipIdent(s.b, i)
		return Ident(s.b[i:e]), tst, e
	case c >= '0' && c <= '9' || c == '-':
		e := skipNum(s.b, i+1)
		return Number(s.b[i:e]), tst, e
	default:
		return Char(c), tst, i + 1
	}
}

func skipSpaces(b []byte, i int) int {
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		case '/':
			if i+1 < len(b) && b[i+1] == '/' {
				for i < len(b) && b[i] != '\n' {
					i++
				}

				continue
			}

			return i
		default:
			return i
		}
	}

	return i
}

func skipIdent(b []byte, i int) int {
	for i < len(b) {
		c := b[i]

		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.' {
			i++
			continue
		}

		break
	}

	return i
}

func skipNum(b []byte, i int) int {
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}

	return i
}

func parseInt(n Number) int64 {
	neg := false
	i := 0

	if len(n) != 0 && n[0] == '-' {
		neg = true
		i++
	}

	var v int64

	for ; i < len(n); i++ {
		v = v*10 + int64(n[i]-'0')
	}

	if neg {
		v = -v
	}

	return v
}

func validCond(c ir.Cond) bool {
	switch c {
	case ir.CondEq, ir.CondNe, ir.CondLt, ir.CondLe, ir.CondGt, ir.CondGe,
		ir.CondULt, ir.CondULe, ir.CondUGt, ir.CondUGe:
		return true
	}

	return false
}

func tokStr(tk Token) string {
	switch tk := tk.(type) {
	case nil:
		return "EOF"
	case Char:
		return "'" + string(tk) + "'"
	case Ident:
		return string(tk)
	case Number:
		return string(tk)
	case Reg:
		return "%" + string(tk)
	default:
		return "?"
	}
}
