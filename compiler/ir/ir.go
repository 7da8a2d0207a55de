package ir

import (
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/loopidiom/compiler/tp"
)

type (
	// Expr is a stable handle of an instruction in Func.Exprs.
	Expr int

	// Block is a stable handle of a basic block in Func.Blocks.
	Block int

	Cond string

	Package struct {
		Path string

		Funcs []*Func
	}

	Func struct {
		Name string

		In  []Expr
		Out tp.Type

		Entry  Block
		Blocks []BlockData

		Exprs  []any
		EType  []tp.Type
		EBlock []Block
	}

	// BlockData code keeps phis first; the terminator is stored aside,
	// so appending stays cheap during expansion.
	BlockData struct {
		Name string

		Code  []Expr
		Term  Expr
		Preds []Block
	}

	Imm int64

	Arg struct {
		Num     int
		Name    string
		NoAlias bool
	}

	Alloc struct {
		Size int64
	}

	Add struct{ L, R Expr }
	Sub struct{ L, R Expr }
	Mul struct{ L, R Expr }
	And struct{ L, R Expr }
	Or  struct{ L, R Expr }
	Xor struct{ L, R Expr }
	Shl struct{ L, R Expr }
	Lsr struct{ L, R Expr }
	Asr struct{ L, R Expr }

	Cmp struct {
		Cond Cond
		L, R Expr
	}

	Phi []PhiBranch

	PhiBranch struct {
		B    Block
		Expr Expr
	}

	// Load and Store access width is the value type width.
	// Atomic means unordered-atomic: single-copy per element, no
	// ordering, so a pair of them may still become a bulk copy.
	Load struct {
		Ptr      Expr
		Volatile bool
		Atomic   bool
	}

	Store struct {
		Ptr, Val Expr
		Volatile bool
		Atomic   bool
	}

	Call struct {
		Func string
		In   []Expr
	}

	MemSet struct {
		Dst, Val, Len Expr
	}

	MemSetPattern struct {
		Dst     Expr
		Pattern []byte
		Len     Expr
	}

	// MemCpy with Elem != 0 is the element-wise atomic variant.
	MemCpy struct {
		Dst, Src, Len Expr
		Elem          int
	}

	BCmp struct {
		A, B, Len Expr
	}

	CtPop struct {
		X Expr
	}

	CtLz struct {
		X         Expr
		ZeroUndef bool
	}

	CtTz struct {
		X         Expr
		ZeroUndef bool
	}

	B struct {
		To Block
	}

	BCond struct {
		Expr       Expr
		Then, Else Block
	}

	Ret struct {
		X Expr
	}
)

const (
	Nil Expr = -1

	NoBlock Block = -1
)

const (
	CondEq  Cond = "eq"
	CondNe  Cond = "ne"
	CondLt  Cond = "lt"
	CondLe  Cond = "le"
	CondGt  Cond = "gt"
	CondGe  Cond = "ge"
	CondULt Cond = "ult"
	CondULe Cond = "ule"
	CondUGt Cond = "ugt"
	CondUGe Cond = "uge"
)

func NewFunc(name string) *Func {
	return &Func{
		Name:  name,
		Entry: NoBlock,
	}
}

func (f *Func) NewExpr(x any, t tp.Type) Expr {
	id := Expr(len(f.Exprs))

	f.Exprs = append(f.Exprs, x)
	f.EType = append(f.EType, t)
	f.EBlock = append(f.EBlock, NoBlock)

	return id
}

func (f *Func) TypeOf(id Expr) tp.Type {
	if id == Nil {
		return nil
	}

	return f.EType[id]
}

func (f *Func) NewBlock(name string) Block {
	b := Block(len(f.Blocks))

	f.Blocks = append(f.Blocks, BlockData{
		Name: name,
		Term: Nil,
	})

	if f.Entry == NoBlock {
		f.Entry = b
	}

	return b
}

// AppendTo adds an already allocated instruction to the end of block code,
// after phis, before the terminator.
func (f *Func) AppendTo(b Block, ids ...Expr) {
	bd := &f.Blocks[b]

	for _, id := range ids {
		bd.Code = append(bd.Code, id)
		f.EBlock[id] = b
	}
}

// AddPhi inserts a phi after the existing phi prefix of the block.
func (f *Func) AddPhi(b Block, id Expr) {
	bd := &f.Blocks[b]
	n := f.phiEnd(b)

	bd.Code = append(bd.Code, Nil)
	copy(bd.Code[n+1:], bd.Code[n:])
	bd.Code[n] = id

	f.EBlock[id] = b
}

func (f *Func) Phis(b Block) []Expr {
	return f.Blocks[b].Code[:f.phiEnd(b)]
}

func (f *Func) phiEnd(b Block) int {
	code := f.Blocks[b].Code

	for i, id := range code {
		if _, ok := f.Exprs[id].(Phi); !ok {
			return i
		}
	}

	return len(code)
}

// SetTerm replaces the block terminator keeping predecessor lists and
// phi incoming edges of the successors consistent. id may be Nil.
func (f *Func) SetTerm(b Block, id Expr) {
	tlog.V("surgery").Printw("set term", "block", f.Blocks[b].Name, "term", id, "from", loc.Caller(1))

	bd := &f.Blocks[b]

	if bd.Term != Nil {
		for _, s := range f.Succs(b) {
			f.removePred(s, b)
		}

		f.EBlock[bd.Term] = NoBlock
	}

	bd.Term = id

	if id == Nil {
		return
	}

	f.EBlock[id] = b

	for _, s := range f.Succs(b) {
		f.Blocks[s].Preds = append(f.Blocks[s].Preds, b)
	}
}

func (f *Func) Succs(b Block) []Block {
	t := f.Blocks[b].Term
	if t == Nil {
		return nil
	}

	switch x := f.Exprs[t].(type) {
	case B:
		return []Block{x.To}
	case BCond:
		return []Block{x.Then, x.Else}
	case Ret:
		return nil
	default:
		panic(fmt.Sprintf("terminator %T", x))
	}
}

// Retarget rewrites the from->old edge to from->new.
// Phis of new do not get an incoming automatically.
func (f *Func) Retarget(from, old, new Block) {
	bd := &f.Blocks[from]
	if bd.Term == Nil {
		panic("retarget of unterminated block")
	}

	switch x := f.Exprs[bd.Term].(type) {
	case B:
		if x.To != old {
			panic("no such edge")
		}

		x.To = new
		f.Exprs[bd.Term] = x
	case BCond:
		switch old {
		case x.Then:
			x.Then = new
		case x.Else:
			x.Else = new
		default:
			panic("no such edge")
		}

		f.Exprs[bd.Term] = x
	default:
		panic(fmt.Sprintf("terminator %T", x))
	}

	f.removePred(old, from)
	f.Blocks[new].Preds = append(f.Blocks[new].Preds, from)
}

// SplitEdge inserts a fresh block on the from->to edge. Phi incomings of
// to are renamed to the new block, so values flowing over the edge are kept.
func (f *Func) SplitEdge(from, to Block, name string) Block {
	s := f.NewBlock(name)

	bd := &f.Blocks[from]
	if bd.Term == Nil {
		panic("split of unterminated edge")
	}

	switch x := f.Exprs[bd.Term].(type) {
	case B:
		if x.To != to {
			panic("no such edge")
		}

		x.To = s
		f.Exprs[bd.Term] = x
	case BCond:
		switch to {
		case x.Then:
			x.Then = s
		case x.Else:
			x.Else = s
		default:
			panic("no such edge")
		}

		f.Exprs[bd.Term] = x
	default:
		panic(fmt.Sprintf("terminator %T", x))
	}

	td := &f.Blocks[to]

	for i, p := range td.Preds {
		if p == from {
			td.Preds[i] = s
			break
		}
	}

	for _, id := range f.Phis(to) {
		ph := f.Exprs[id].(Phi)

		for i := range ph {
			if ph[i].B == from {
				ph[i].B = s
			}
		}

		f.Exprs[id] = ph
	}

	br := f.NewExpr(B{To: to}, nil)
	f.EBlock[br] = s

	sd := &f.Blocks[s]
	sd.Term = br
	sd.Preds = []Block{from}

	return s
}

func (f *Func) removePred(b, pred Block) {
	bd := &f.Blocks[b]

	for i, p := range bd.Preds {
		if p != pred {
			continue
		}

		bd.Preds = append(bd.Preds[:i], bd.Preds[i+1:]...)

		break
	}

	for _, id := range f.Phis(b) {
		ph := f.Exprs[id].(Phi)

		for i, br := range ph {
			if br.B != pred {
				continue
			}

			ph = append(ph[:i], ph[i+1:]...)
			f.Exprs[id] = ph

			break
		}
	}
}

func (f *Func) AddPhiIncoming(id Expr, from Block, val Expr) {
	ph := f.Exprs[id].(Phi)
	f.Exprs[id] = append(ph, PhiBranch{B: from, Expr: val})
}

func (f *Func) PhiIncoming(id Expr, from Block) Expr {
	for _, br := range f.Exprs[id].(Phi) {
		if br.B == from {
			return br.Expr
		}
	}

	return Nil
}

// Remove takes the instruction out of its block. The arena slot stays.
func (f *Func) Remove(id Expr) {
	b := f.EBlock[id]
	if b == NoBlock {
		return
	}

	bd := &f.Blocks[b]

	for i, x := range bd.Code {
		if x != id {
			continue
		}

		bd.Code = append(bd.Code[:i], bd.Code[i+1:]...)

		break
	}

	f.EBlock[id] = NoBlock
}

// TruncExprs drops arena slots allocated after the mark.
// Only safe while the caller owns the arena tail.
func (f *Func) TruncExprs(mark int) {
	for id := mark; id < len(f.Exprs); id++ {
		if f.EBlock[id] != NoBlock {
			panic("truncating placed expr")
		}
	}

	f.Exprs = f.Exprs[:mark]
	f.EType = f.EType[:mark]
	f.EBlock = f.EBlock[:mark]
}

// ReplaceUses rewrites every live operand reference old -> new.
func (f *Func) ReplaceUses(old, new Expr) {
	for uid := range f.Exprs {
		id := Expr(uid)

		if f.EBlock[id] == NoBlock {
			continue
		}

		f.Exprs[id] = mapOperands(f.Exprs[id], func(x Expr) Expr {
			if x == old {
				return new
			}

			return x
		})
	}
}

// NumUses counts references from placed instructions.
func (f *Func) NumUses(id Expr) (n int) {
	for uid := range f.Exprs {
		if f.EBlock[uid] == NoBlock {
			continue
		}

		walkOperands(f.Exprs[uid], func(x Expr) {
			if x == id {
				n++
			}
		})
	}

	return n
}

// Operands calls visit for every expr operand of the instruction.
func Operands(x any, visit func(Expr)) {
	walkOperands(x, visit)
}

// MapOperands returns the instruction with operands rewritten.
func MapOperands(x any, m func(Expr) Expr) any {
	return mapOperands(x, m)
}

func walkOperands(x any, visit func(Expr)) {
	v := func(id Expr) {
		if id != Nil {
			visit(id)
		}
	}

	switch x := x.(type) {
	case Imm, Arg, Alloc, B:
	case Add:
		v(x.L)
		v(x.R)
	case Sub:
		v(x.L)
		v(x.R)
	case Mul:
		v(x.L)
		v(x.R)
	case And:
		v(x.L)
		v(x.R)
	case Or:
		v(x.L)
		v(x.R)
	case Xor:
		v(x.L)
		v(x.R)
	case Shl:
		v(x.L)
		v(x.R)
	case Lsr:
		v(x.L)
		v(x.R)
	case Asr:
		v(x.L)
		v(x.R)
	case Cmp:
		v(x.L)
		v(x.R)
	case Phi:
		for _, br := range x {
			v(br.Expr)
		}
	case Load:
		v(x.Ptr)
	case Store:
		v(x.Ptr)
		v(x.Val)
	case Call:
		for _, a := range x.In {
			v(a)
		}
	case MemSet:
		v(x.Dst)
		v(x.Val)
		v(x.Len)
	case MemSetPattern:
		v(x.Dst)
		v(x.Len)
	case MemCpy:
		v(x.Dst)
		v(x.Src)
		v(x.Len)
	case BCmp:
		v(x.A)
		v(x.B)
		v(x.Len)
	case CtPop:
		v(x.X)
	case CtLz:
		v(x.X)
	case CtTz:
		v(x.X)
	case BCond:
		v(x.Expr)
	case Ret:
		v(x.X)
	default:
		panic(fmt.Sprintf("instruction %T", x))
	}
}

func mapOperands(x any, m func(Expr) Expr) any {
	mv := func(id Expr) Expr {
		if id == Nil {
			return id
		}

		return m(id)
	}

	switch x := x.(type) {
	case Imm, Arg, Alloc, B:
		return x
	case Add:
		x.L, x.R = mv(x.L), mv(x.R)
		return x
	case Sub:
		x.L, x.R = mv(x.L), mv(x.R)
		return x
	case Mul:
		x.L, x.R = mv(x.L), mv(x.R)
		return x
	case And:
		x.L, x.R = mv(x.L), mv(x.R)
		return x
	case Or:
		x.L, x.R = mv(x.L), mv(x.R)
		return x
	case Xor:
		x.L, x.R = mv(x.L), mv(x.R)
		return x
	case Shl:
		x.L, x.R = mv(x.L), mv(x.R)
		return x
	case Lsr:
		x.L, x.R = mv(x.L), mv(x.R)
		return x
	case Asr:
		x.L, x.R = mv(x.L), mv(x.R)
		return x
	case Cmp:
		x.L, x.R = mv(x.L), mv(x.R)
		return x
	case Phi:
		for i := range x {
			x[i].Expr = mv(x[i].Expr)
		}
		return x
	case Load:
		x.Ptr = mv(x.Ptr)
		return x
	case Store:
		x.Ptr, x.Val = mv(x.Ptr), mv(x.Val)
		return x
	case Call:
		for i := range x.In {
			x.In[i] = mv(x.In[i])
		}
		return x
	case MemSet:
		x.Dst, x.Val, x.Len = mv(x.Dst), mv(x.Val), mv(x.Len)
		return x
	case MemSetPattern:
		x.Dst, x.Len = mv(x.Dst), mv(x.Len)
		return x
	case MemCpy:
		x.Dst, x.Src, x.Len = mv(x.Dst), mv(x.Src), mv(x.Len)
		return x
	case BCmp:
		x.A, x.B, x.Len = mv(x.A), mv(x.B), mv(x.Len)
		return x
	case CtPop:
		x.X = mv(x.X)
		return x
	case CtLz:
		x.X = mv(x.X)
		return x
	case CtTz:
		x.X = mv(x.X)
		return x
	case BCond:
		x.Expr = mv(x.Expr)
		return x
	case Ret:
		x.X = mv(x.X)
		return x
	default:
		panic(fmt.Sprintf("instruction %T", x))
	}
}

// Detach removes a block whose terminator edges were already cleared
// together with the rest of its group. External predecessors left at this
// point mean the callers disagreed on the region being removed.
func (f *Func) Detach(b Block) {
	bd := &f.Blocks[b]

	if bd.Term != Nil {
		f.SetTerm(b, Nil)
	}

	if len(bd.Preds) != 0 {
		panic(fmt.Sprintf("detach of block %v with live preds %v", bd.Name, bd.Preds))
	}

	for _, id := range bd.Code {
		f.EBlock[id] = NoBlock
	}

	bd.Code = nil
	bd.Preds = nil
}

// MergeIntoPred folds a single-pred block into its predecessor when the
// predecessor jumps straight to it. Returns false when the shape does not
// allow the merge.
func (f *Func) MergeIntoPred(b Block) bool {
	if b == f.Entry {
		return false
	}

	bd := &f.Blocks[b]

	if len(bd.Preds) != 1 || bd.Preds[0] == b {
		return false
	}

	p := bd.Preds[0]
	pd := &f.Blocks[p]

	if pd.Term == Nil {
		return false
	}

	t, ok := f.Exprs[pd.Term].(B)
	if !ok || t.To != b {
		return false
	}

	for _, id := range f.Phis(b) {
		ph := f.Exprs[id].(Phi)
		if len(ph) != 1 {
			panic("single-pred block with wide phi")
		}

		f.ReplaceUses(id, ph[0].Expr)
		f.EBlock[id] = NoBlock
	}

	code := bd.Code[f.phiEnd(b):]
	term := bd.Term

	for _, s := range f.Succs(b) {
		sd := &f.Blocks[s]

		for i, pred := range sd.Preds {
			if pred == b {
				sd.Preds[i] = p
			}
		}

		for _, id := range f.Phis(s) {
			ph := f.Exprs[id].(Phi)

			for i := range ph {
				if ph[i].B == b {
					ph[i].B = p
				}
			}

			f.Exprs[id] = ph
		}
	}

	f.EBlock[pd.Term] = NoBlock
	pd.Term = Nil

	for _, id := range code {
		pd.Code = append(pd.Code, id)
		f.EBlock[id] = p
	}

	pd.Term = term
	if term != Nil {
		f.EBlock[term] = p
	}

	bd.Code = nil
	bd.Term = Nil
	bd.Preds = nil

	return true
}

// Validate checks structural invariants the passes rely on.
func (f *Func) Validate() error {
	type edge struct{ from, to Block }

	derived := map[edge]int{}

	for b := range f.Blocks {
		bd := &f.Blocks[b]
		if bd.Term == Nil && len(bd.Code) == 0 && len(bd.Preds) == 0 {
			continue // detached
		}

		if bd.Term == Nil {
			return errors.New("block %v: no terminator", bd.Name)
		}

		phis := true

		for _, id := range bd.Code {
			_, isPhi := f.Exprs[id].(Phi)
			if isPhi && !phis {
				return errors.New("block %v: phi %v after non-phi", bd.Name, id)
			}

			phis = phis && isPhi

			if f.EBlock[id] != Block(b) {
				return errors.New("block %v: expr %v home mismatch", bd.Name, id)
			}
		}

		for _, s := range f.Succs(Block(b)) {
			derived[edge{Block(b), s}]++
		}
	}

	for b := range f.Blocks {
		bd := &f.Blocks[b]

		for _, p := range bd.Preds {
			if derived[edge{p, Block(b)}] == 0 {
				return errors.New("block %v: stale pred %v", bd.Name, f.Blocks[p].Name)
			}

			derived[edge{p, Block(b)}]--
		}

		for _, id := range f.Phis(Block(b)) {
			ph := f.Exprs[id].(Phi)

			if len(ph) != len(bd.Preds) {
				return errors.New("block %v: phi %v has %v incomings, %v preds", bd.Name, id, len(ph), len(bd.Preds))
			}
		}
	}

	for e, n := range derived {
		if n != 0 {
			return errors.New("edge %v->%v not in preds", f.Blocks[e.from].Name, f.Blocks[e.to].Name)
		}
	}

	return nil
}

func (p PhiBranch) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 2)
	b = e.AppendKeyInt64(b, "b", int64(p.B))
	b = e.AppendKeyInt64(b, "id", int64(p.Expr))

	return b
}
