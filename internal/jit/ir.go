// ir.go - 翻译期的基本块表示
//
// 翻译器按基本块产出寄存器指令，跳转目标在布局前指向 *BasicBlock，
// 内联和优化都在这一层原地修改，最后由 Layout 展开成 regcode.Code。

package jit

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/regvm/internal/bytecode"
	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// ============================================================================
// 指令与基本块
// ============================================================================

// Inst 布局前的指令
type Inst struct {
	regcode.Instruction
	Target  *BasicBlock   // 跳转 / leave 目标
	Targets []*BasicBlock // switch 目标
}

// BasicBlock 基本块
type BasicBlock struct {
	ID     int
	Start  int // 源字节码区间 [Start, End)，合成块为 -1
	End    int
	Instrs []Inst

	Preds []*BasicBlock
	Succs []*BasicBlock

	EntryDepth   int  // 入口栈深度
	ExitHigh     int  // 出口处可能存活的最高寄存器 + 1
	HandlerEntry bool // 异常处理器入口（没有显式前驱）
	InlineDepth  int  // 0 表示方法自身的代码
}

func (b *BasicBlock) last() *Inst {
	if len(b.Instrs) == 0 {
		return nil
	}
	return &b.Instrs[len(b.Instrs)-1]
}

func (b *BasicBlock) emit(in regcode.Instruction) *Inst {
	b.Instrs = append(b.Instrs, Inst{Instruction: in})
	return &b.Instrs[len(b.Instrs)-1]
}

// sweep 删除被标记为 Nop 的指令
func (b *BasicBlock) sweep() {
	out := b.Instrs[:0]
	for _, in := range b.Instrs {
		if in.Op != regcode.Nop {
			out = append(out, in)
		}
	}
	for i := len(out); i < len(b.Instrs); i++ {
		b.Instrs[i] = Inst{}
	}
	b.Instrs = out
}

func (b *BasicBlock) String() string {
	return fmt.Sprintf("B%d", b.ID)
}

// BlockHandler 布局前的异常处理器，区间以块表示（End 为区间后第一个块，nil 表示函数末尾）
type BlockHandler struct {
	TryStart     *BasicBlock
	TryEnd       *BasicBlock
	HandlerStart *BasicBlock
	HandlerEnd   *BasicBlock
	Kind         regcode.HandlerKind
	CatchType    bytecode.Token
}

// ============================================================================
// 函数
// ============================================================================

// Function 一个方法翻译后的块级表示
type Function struct {
	Method *metadata.Method // 由 Lift 得到时为 nil
	Name   string
	Token  bytecode.Token

	Blocks   []*BasicBlock // 布局顺序
	Handlers []*BlockHandler

	ParamCount    int // 参数寄存器 [0, ParamCount)
	StableCount   int // 参数与局部变量 [0, StableCount)
	RegisterCount int

	// 内联展开的被调用方参数/局部变量区间 [lo, hi)，寄存器压缩后清空
	inlineStable [][2]int

	nextID int
}

// NewFunction 创建空函数
func NewFunction(name string, paramCount, stableCount int) *Function {
	return &Function{
		Name:          name,
		Token:         bytecode.TokenOf(name),
		ParamCount:    paramCount,
		StableCount:   stableCount,
		RegisterCount: stableCount,
	}
}

// NewBlock 创建块（不加入布局）
func (fn *Function) NewBlock() *BasicBlock {
	b := &BasicBlock{ID: fn.nextID, Start: -1, End: -1}
	fn.nextID++
	return b
}

// AddBlock 创建块并追加到布局末尾
func (fn *Function) AddBlock() *BasicBlock {
	b := fn.NewBlock()
	fn.Blocks = append(fn.Blocks, b)
	return b
}

// InstrCount 指令总数
func (fn *Function) InstrCount() int {
	n := 0
	for _, b := range fn.Blocks {
		n += len(b.Instrs)
	}
	return n
}

// IsStable 参数或局部变量寄存器（含内联进来的被调用方参数/局部变量）
func (fn *Function) IsStable(r regcode.Register) bool {
	if r < 0 {
		return false
	}
	if int(r) < fn.StableCount {
		return true
	}
	for _, span := range fn.inlineStable {
		if int(r) >= span[0] && int(r) < span[1] {
			return true
		}
	}
	return false
}

// markStable 把 [lo, hi) 记为内联的稳定寄存器
func (fn *Function) markStable(lo, hi int) {
	if hi > lo {
		fn.inlineStable = append(fn.inlineStable, [2]int{lo, hi})
	}
}

// fallsInto 块 i 之后顺序执行到的第一个非空块是否就是 target
func (fn *Function) fallsInto(i int, target *BasicBlock) bool {
	if target == nil {
		return false
	}
	for j := i + 1; j < len(fn.Blocks); j++ {
		if fn.Blocks[j] == target {
			return true
		}
		if len(fn.Blocks[j].Instrs) > 0 {
			return false
		}
	}
	return false
}

// Link 根据末尾指令与布局重新计算前驱/后继
func (fn *Function) Link() {
	for _, b := range fn.Blocks {
		b.Preds = b.Preds[:0]
		b.Succs = b.Succs[:0]
	}
	edge := func(from, to *BasicBlock) {
		for _, s := range from.Succs {
			if s == to {
				return
			}
		}
		from.Succs = append(from.Succs, to)
		to.Preds = append(to.Preds, from)
	}
	for i, b := range fn.Blocks {
		last := b.last()
		if last != nil {
			if last.Target != nil {
				edge(b, last.Target)
			}
			for _, t := range last.Targets {
				edge(b, t)
			}
		}
		if (last == nil || !last.IsTerminal()) && i+1 < len(fn.Blocks) {
			edge(b, fn.Blocks[i+1])
		}
	}
}

// addressTaken 被 LoadAddr 取过地址的寄存器
func (fn *Function) addressTaken() regSet {
	set := newRegSet(fn.RegisterCount)
	for _, b := range fn.Blocks {
		for i := range b.Instrs {
			if in := &b.Instrs[i]; in.Op == regcode.LoadAddr {
				set.add(in.Reg2)
			}
		}
	}
	return set
}

// ============================================================================
// 布局
// ============================================================================

// Layout 展开为线性指令数组，跳转目标解析为绝对指令索引
func (fn *Function) Layout() (*regcode.Code, error) {
	starts := make(map[*BasicBlock]int32, len(fn.Blocks))
	pos := int32(0)
	for _, b := range fn.Blocks {
		starts[b] = pos
		pos += int32(len(b.Instrs))
	}
	end := pos
	startOf := func(b *BasicBlock) (int32, error) {
		if b == nil {
			return end, nil
		}
		s, ok := starts[b]
		if !ok {
			return 0, fmt.Errorf("%s: block %s not in layout", fn.Name, b)
		}
		return s, nil
	}

	code := &regcode.Code{
		Method:        fn.Name,
		Token:         fn.Token,
		ParamCount:    fn.ParamCount,
		StableCount:   fn.StableCount,
		RegisterCount: fn.RegisterCount,
		Instructions:  make([]regcode.Instruction, 0, end),
	}
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			out := in.Instruction
			var err error
			switch {
			case out.Op == regcode.Switch:
				table := make([]int32, len(in.Targets))
				for i, t := range in.Targets {
					if table[i], err = startOf(t); err != nil {
						return nil, err
					}
				}
				out.Operand = int32(len(code.SwitchTables))
				code.SwitchTables = append(code.SwitchTables, table)
			case out.IsBranch():
				if in.Target == nil {
					return nil, fmt.Errorf("%s: %s has no target", fn.Name, out.Op)
				}
				if out.Operand, err = startOf(in.Target); err != nil {
					return nil, err
				}
			}
			code.Instructions = append(code.Instructions, out)
		}
	}

	for _, h := range fn.Handlers {
		var rh regcode.Handler
		var err error
		if rh.TryStart, err = startOf(h.TryStart); err != nil {
			return nil, err
		}
		if rh.TryEnd, err = startOf(h.TryEnd); err != nil {
			return nil, err
		}
		if rh.HandlerStart, err = startOf(h.HandlerStart); err != nil {
			return nil, err
		}
		if rh.HandlerEnd, err = startOf(h.HandlerEnd); err != nil {
			return nil, err
		}
		rh.Kind = h.Kind
		rh.CatchType = h.CatchType
		code.Handlers = append(code.Handlers, rh)
	}

	if err := code.Validate(); err != nil {
		return nil, fmt.Errorf("%s: layout: %w", fn.Name, err)
	}
	return code, nil
}

// Lift 把线性代码重新切分为基本块，用于再次优化已布局的代码
func Lift(code *regcode.Code) (*Function, error) {
	if err := code.Validate(); err != nil {
		return nil, err
	}
	n := len(code.Instructions)
	leaders := make([]bool, n+1)
	mark := func(pc int32) {
		if pc >= 0 && int(pc) <= n {
			leaders[pc] = true
		}
	}
	mark(0)
	for pc, in := range code.Instructions {
		if in.IsBranch() {
			mark(in.Operand)
		}
		if in.Op == regcode.Switch {
			for _, t := range code.SwitchTables[in.Operand] {
				mark(t)
			}
		}
		if in.IsBranch() || in.IsTerminal() || in.Op == regcode.Switch {
			mark(int32(pc + 1))
		}
	}
	for _, h := range code.Handlers {
		mark(h.TryStart)
		mark(h.TryEnd)
		mark(h.HandlerStart)
		mark(h.HandlerEnd)
	}

	stable := code.StableCount
	if stable < code.ParamCount {
		stable = code.ParamCount
	}
	fn := NewFunction(code.Method, code.ParamCount, stable)
	fn.Token = code.Token
	fn.RegisterCount = code.RegisterCount

	blockAt := make(map[int32]*BasicBlock)
	var cur *BasicBlock
	for pc := 0; pc < n; pc++ {
		if leaders[pc] || cur == nil {
			cur = fn.AddBlock()
			cur.Start = pc
			cur.ExitHigh = code.RegisterCount
			blockAt[int32(pc)] = cur
		}
		cur.End = pc + 1
		cur.emit(code.Instructions[pc])
	}
	lookup := func(pc int32) *BasicBlock {
		if int(pc) >= n {
			return nil
		}
		return blockAt[pc]
	}

	for _, b := range fn.Blocks {
		for i := range b.Instrs {
			in := &b.Instrs[i]
			switch {
			case in.Op == regcode.Switch:
				for _, t := range code.SwitchTables[in.Operand] {
					in.Targets = append(in.Targets, lookup(t))
				}
				in.Operand = 0
			case in.IsBranch():
				in.Target = lookup(in.Operand)
			}
		}
	}
	for _, h := range code.Handlers {
		bh := &BlockHandler{
			TryStart:     lookup(h.TryStart),
			TryEnd:       lookup(h.TryEnd),
			HandlerStart: lookup(h.HandlerStart),
			HandlerEnd:   lookup(h.HandlerEnd),
			Kind:         h.Kind,
			CatchType:    h.CatchType,
		}
		if bh.HandlerStart != nil {
			bh.HandlerStart.HandlerEntry = true
		}
		fn.Handlers = append(fn.Handlers, bh)
	}
	fn.Link()
	return fn, nil
}

// String 块级反汇编，用于调试
func (fn *Function) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s params=%d stable=%d registers=%d\n", fn.Name, fn.ParamCount, fn.StableCount, fn.RegisterCount)
	for _, b := range fn.Blocks {
		fmt.Fprintf(&sb, "%s:", b)
		if b.HandlerEntry {
			sb.WriteString(" handler")
		}
		if b.InlineDepth > 0 {
			fmt.Fprintf(&sb, " inline=%d", b.InlineDepth)
		}
		sb.WriteByte('\n')
		for _, in := range b.Instrs {
			fmt.Fprintf(&sb, "  %s", in.Instruction)
			if in.Target != nil {
				fmt.Fprintf(&sb, " -> %s", in.Target)
			}
			for _, t := range in.Targets {
				fmt.Fprintf(&sb, " %s", t)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
