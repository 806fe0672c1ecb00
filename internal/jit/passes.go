package jit

import (
	"github.com/tangzhangming/regvm/internal/regcode"
)

// ============================================================================
// 优化 Pass 接口
// ============================================================================

// Pass 优化 Pass 接口
type Pass interface {
	Name() string
	Run(fn *Function) int // 返回改写次数
}

// maxPassIterations 单个 Pass 内部迭代上限
const maxPassIterations = 16

// ============================================================================
// Pass 管理器
// ============================================================================

// PassManager Pass 管理器
type PassManager struct {
	passes []Pass
}

// PassStats Pass 统计信息
type PassStats struct {
	PassesRun      int
	TotalChanges   int
	PerPassChanges map[string]int
}

// NewPassManager 创建 Pass 管理器
func NewPassManager() *PassManager {
	return &PassManager{}
}

// AddPass 添加 Pass
func (pm *PassManager) AddPass(p Pass) {
	pm.passes = append(pm.passes, p)
}

// Run 按顺序运行所有 Pass
func (pm *PassManager) Run(fn *Function) PassStats {
	stats := PassStats{PerPassChanges: make(map[string]int)}
	for _, p := range pm.passes {
		n := p.Run(fn)
		stats.PassesRun++
		stats.TotalChanges += n
		stats.PerPassChanges[p.Name()] += n
	}
	fn.Link()
	return stats
}

// StandardPipeline 跳转窥孔、前向复制传播、后向复制传播、再一次前向、常量加载消除、寄存器压缩
func StandardPipeline() *PassManager {
	pm := NewPassManager()
	pm.AddPass(NewBranchToNextElimination())
	pm.AddPass(NewForwardCopyPropagation())
	pm.AddPass(NewBackwardCopyPropagation())
	pm.AddPass(NewForwardCopyPropagation())
	pm.AddPass(NewConstantLoadElimination())
	pm.AddPass(NewRegisterCompaction())
	return pm
}

// Optimize 用标准流水线优化函数
func Optimize(fn *Function) PassStats {
	return StandardPipeline().Run(fn)
}

// ============================================================================
// 跳转窥孔
// ============================================================================

// BranchToNextElimination 删除目标就是布局中下一个非空块的无条件跳转
type BranchToNextElimination struct{}

// NewBranchToNextElimination 创建跳转窥孔 Pass
func NewBranchToNextElimination() *BranchToNextElimination {
	return &BranchToNextElimination{}
}

func (p *BranchToNextElimination) Name() string { return "branch-to-next" }

func (p *BranchToNextElimination) Run(fn *Function) int {
	n := 0
	for i, b := range fn.Blocks {
		last := b.last()
		if last == nil || last.Op != regcode.Br || !fn.fallsInto(i, last.Target) {
			continue
		}
		last.Op = regcode.Nop
		b.sweep()
		n++
	}
	if n > 0 {
		fn.Link()
	}
	return n
}

// ============================================================================
// 前向复制传播
// ============================================================================

// ForwardCopyPropagation 对 move dst, src（src 为参数/局部变量），
// 把之后对 dst 的读取改为读 src，直到任一方被重新赋值或遇到内联边界；
// dst 不再被读取时删除该 move。
type ForwardCopyPropagation struct{}

// NewForwardCopyPropagation 创建前向复制传播 Pass
func NewForwardCopyPropagation() *ForwardCopyPropagation {
	return &ForwardCopyPropagation{}
}

func (p *ForwardCopyPropagation) Name() string { return "forward-copy-propagation" }

func (p *ForwardCopyPropagation) Run(fn *Function) int {
	total := 0
	for i := 0; i < maxPassIterations; i++ {
		n := p.propagate(fn)
		n += removeDeadMoves(fn)
		total += n
		if n == 0 {
			break
		}
	}
	return total
}

// copyMap dst -> src
type copyMap map[regcode.Register]regcode.Register

func (m copyMap) kill(r regcode.Register) {
	delete(m, r)
	for dst, src := range m {
		if src == r {
			delete(m, dst)
		}
	}
}

func (m copyMap) clone() copyMap {
	out := make(copyMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// propagate 逐块线性扫描；没有异常处理器时，单前驱块继承前驱出口处的复制关系
func (p *ForwardCopyPropagation) propagate(fn *Function) int {
	fn.Link()
	addr := fn.addressTaken()
	crossBlock := len(fn.Handlers) == 0
	exits := make(map[*BasicBlock]copyMap, len(fn.Blocks))
	rewrites := 0

	for bi, b := range fn.Blocks {
		copies := make(copyMap)
		// 入口块还有一条隐含的来自方法入口的边
		if crossBlock && bi > 0 && len(b.Preds) == 1 && !b.HandlerEntry {
			pred := b.Preds[0]
			if in, ok := exits[pred]; ok {
				for dst, src := range in {
					if int(dst) < pred.ExitHigh {
						copies[dst] = src
					}
				}
			}
		}

		var buf [4]regcode.Register
		for i := range b.Instrs {
			in := &b.Instrs[i]
			if in.Op.IsInlineMarker() {
				copies = make(copyMap)
				continue
			}
			for _, u := range in.Uses(buf[:0]) {
				if src, ok := copies[u]; ok {
					rewrites += in.ReplaceUses(u, src)
				}
			}
			if d := in.Def(); d != regcode.NoRegister {
				copies.kill(d)
			}
			if in.Op == regcode.Move && in.Reg1 != in.Reg2 &&
				fn.IsStable(in.Reg2) && !addr.has(in.Reg1) && !addr.has(in.Reg2) {
				copies[in.Reg1] = in.Reg2
			}
		}
		exits[b] = copies.clone()
	}
	return rewrites
}

// removeDeadMoves 删除自赋值和目标不再活跃的 move，直到不动点
func removeDeadMoves(fn *Function) int {
	removed := 0
	for i := 0; i < maxPassIterations; i++ {
		lv := computeLiveness(fn)
		n := 0
		for _, b := range fn.Blocks {
			after := lv.liveAfter(b)
			for j := range b.Instrs {
				in := &b.Instrs[j]
				if in.Op != regcode.Move || lv.isAlways(in.Reg1) {
					continue
				}
				if in.Reg1 == in.Reg2 || !after[j].has(in.Reg1) {
					in.Op = regcode.Nop
					n++
				}
			}
			b.sweep()
		}
		removed += n
		if n == 0 {
			break
		}
	}
	return removed
}

// ============================================================================
// 后向复制传播
// ============================================================================

// BackwardCopyPropagation 临时寄存器由 P 产生后紧接着 move 到参数/局部变量，
// 且临时寄存器此后不再活跃时，让 P 直接写入目标并删除 move。
type BackwardCopyPropagation struct{}

// NewBackwardCopyPropagation 创建后向复制传播 Pass
func NewBackwardCopyPropagation() *BackwardCopyPropagation {
	return &BackwardCopyPropagation{}
}

func (p *BackwardCopyPropagation) Name() string { return "backward-copy-propagation" }

func (p *BackwardCopyPropagation) Run(fn *Function) int {
	total := 0
	for iter := 0; iter < maxPassIterations; iter++ {
		lv := computeLiveness(fn)
		n := 0
		for _, b := range fn.Blocks {
			after := lv.liveAfter(b)
			for j := 1; j < len(b.Instrs); j++ {
				mv := &b.Instrs[j]
				if mv.Op != regcode.Move {
					continue
				}
				dst, tmp := mv.Reg1, mv.Reg2
				if dst == tmp || !fn.IsStable(dst) || fn.IsStable(tmp) ||
					lv.isAlways(dst) || lv.isAlways(tmp) || after[j].has(tmp) {
					continue
				}
				prod := &b.Instrs[j-1]
				if prod.Op == regcode.Nop || prod.Def() != tmp {
					continue
				}
				prod.Reg1 = dst
				mv.Op = regcode.Nop
				n++
			}
			b.sweep()
		}
		total += n
		if n == 0 {
			break
		}
	}
	return total
}

// ============================================================================
// 常量加载消除
// ============================================================================

// ConstantLoadElimination 整数常量只被一条带立即数变体的指令使用一次时，
// 折叠为立即数操作数；常量在第一个操作数时交换（可交换运算）或改用镜像比较。
type ConstantLoadElimination struct{}

// NewConstantLoadElimination 创建常量加载消除 Pass
func NewConstantLoadElimination() *ConstantLoadElimination {
	return &ConstantLoadElimination{}
}

func (p *ConstantLoadElimination) Name() string { return "constant-load-elimination" }

func (p *ConstantLoadElimination) Run(fn *Function) int {
	total := 0
	for iter := 0; iter < maxPassIterations; iter++ {
		lv := computeLiveness(fn)
		n := 0
		for _, b := range fn.Blocks {
			after := lv.liveAfter(b)
			for i := range b.Instrs {
				if p.fold(b, i, after, lv) {
					n++
				}
			}
			b.sweep()
		}
		total += n
		if n == 0 {
			break
		}
	}
	return total
}

// fold 尝试把 b.Instrs[i] 的常量折叠进唯一的使用者；结果不再活跃的常量加载直接删除
func (p *ConstantLoadElimination) fold(b *BasicBlock, i int, after []regSet, lv *liveness) bool {
	ld := &b.Instrs[i]
	if isConstLoad(ld.Op) && !lv.isAlways(ld.Reg1) && !after[i].has(ld.Reg1) {
		ld.Op = regcode.Nop
		return true
	}
	var k int64
	switch ld.Op {
	case regcode.LdcI4:
		k = int64(ld.Operand)
	case regcode.LdcI8:
		k = ld.Long
	default:
		return false
	}
	t := ld.Reg1
	if lv.isAlways(t) {
		return false
	}

	// 找到同一块内的下一个读取者
	for j := i + 1; j < len(b.Instrs); j++ {
		use := &b.Instrs[j]
		if use.Op == regcode.Nop {
			continue
		}
		if use.Op.IsInlineMarker() {
			return false
		}
		if !use.Reads(t) {
			if use.Def() == t {
				return false
			}
			continue
		}
		if use.ReadCount(t) != 1 || (after[j].has(t) && use.Def() != t) {
			return false
		}
		if !rewriteImmediate(use, t, k) {
			return false
		}
		ld.Op = regcode.Nop
		return true
	}
	return false
}

func isConstLoad(op regcode.OpCode) bool {
	switch op {
	case regcode.LdcI4, regcode.LdcI8, regcode.LdcR4, regcode.LdcR8, regcode.LdNull, regcode.LdStr:
		return true
	}
	return false
}

// rewriteImmediate 把 use 中对 t 的读取替换为立即数 k
func rewriteImmediate(use *Inst, t regcode.Register, k int64) bool {
	info := use.Op.Info()
	if info.ImmForm == regcode.Nop {
		return false
	}
	// 运算与比较: Reg1 = Reg2 op Reg3；分支: Reg1 cmp Reg2
	a, c := &use.Reg2, &use.Reg3
	if info.Branch {
		a, c = &use.Reg1, &use.Reg2
	}
	switch {
	case *c == t:
		use.Op = info.ImmForm
	case *a == t && info.Commutative:
		*a = *c
		use.Op = info.ImmForm
	case *a == t && info.Mirror != regcode.Nop && info.Mirror.Info().ImmForm != regcode.Nop:
		*a = *c
		use.Op = info.Mirror.Info().ImmForm
	default:
		return false
	}
	*c = regcode.NoRegister
	use.Long = k
	return true
}
