// builder.go - 基本块构建与栈到寄存器的翻译
//
// 翻译过程：
// 1. 栈检查器算出每条指令的入口栈深度
// 2. 识别基本块边界（跳转目标、跳转之后、异常区间边界）
// 3. 逐块模拟操作数栈：深度 d 的栈槽固定映射到寄存器 tempBase+d
// 4. 调用点按需内联（见 inliner.go）
//
// 寄存器布局：
//   [0, paramCount)               参数（含 this）
//   [paramCount, stable)          局部变量
//   [stable, stable+maxStack)     栈临时寄存器
//   之后                           内联进来的方法

package jit

import (
	"fortio.org/safecast"

	"github.com/tangzhangming/regvm/internal/bytecode"
	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// ============================================================================
// 翻译器
// ============================================================================

// translator 单个方法的一次翻译
type translator struct {
	c      *Compiler
	method *metadata.Method
	body   *bytecode.MethodBody
	inline bool
	depth  int // 内联嵌套深度

	fn       *Function
	depths   []int
	heads    map[int]*BasicBlock // 源块起始偏移 -> 首个输出块
	cur      *BasicBlock
	tempBase int

	// 本次翻译中已翻译过的被内联方法
	inlineCache map[*metadata.Method]*Function

	err error
}

func newTranslator(c *Compiler, m *metadata.Method, depth int, inline bool) *translator {
	return &translator{
		c:           c,
		method:      m,
		body:        m.Body,
		inline:      inline,
		depth:       depth,
		heads:       make(map[int]*BasicBlock),
		inlineCache: make(map[*metadata.Method]*Function),
	}
}

func (t *translator) fail(code string, offset int, format string, args ...interface{}) error {
	if t.err == nil {
		t.err = errors.NewTranslateError(code, t.method.FullName(), offset, format, args...)
	}
	return t.err
}

// translate 翻译整个方法
func (t *translator) translate() (*Function, error) {
	m := t.method
	if t.body == nil || len(t.body.Code) == 0 {
		return nil, t.fail(errors.T0005, -1, "no bytecode")
	}
	if err := t.body.Validate(); err != nil {
		te := errors.NewTranslateError(errors.T0101, m.FullName(), -1, "invalid body")
		te.Err = err
		return nil, te
	}

	res, serr := bytecode.CheckStack(t.body, t.c.domain)
	if serr != nil {
		code := errors.T0004
		switch serr.Kind {
		case bytecode.StackUnderflow:
			code = errors.T0003
		case bytecode.StackUnresolved:
			code = errors.T0100
		}
		return nil, t.fail(code, serr.Offset, "%s", serr.Msg)
	}
	t.depths = res.Depths

	params := m.ParamCount()
	stable := params + len(t.body.Locals)
	t.tempBase = stable
	t.fn = NewFunction(m.FullName(), params, stable)
	t.fn.Method = m
	t.fn.Token = m.Token()

	maxDepth := res.MaxDepth
	if len(t.body.Clauses) > 0 && maxDepth < 1 {
		maxDepth = 1 // catch 入口的异常对象
	}
	t.fn.RegisterCount = stable + maxDepth
	if _, err := t.reg(t.fn.RegisterCount); err != nil {
		return nil, err
	}

	t.buildBlocks()
	if err := t.buildHandlers(); err != nil {
		return nil, err
	}
	if len(t.body.Locals) > 0 {
		t.cur = t.fn.AddBlock()
		t.emitLocalInit()
	}
	if err := t.translateBlocks(); err != nil {
		return nil, err
	}
	t.fn.Link()
	return t.fn, nil
}

// reg 把寄存器号收窄到编码宽度
func (t *translator) reg(n int) (regcode.Register, error) {
	r, err := safecast.Convert[int16](n)
	if err != nil {
		return regcode.NoRegister, t.fail(errors.T0102, -1, "register %d exceeds encoding", n)
	}
	return regcode.Register(r), nil
}

func (t *translator) mustReg(n int) regcode.Register {
	r, _ := t.reg(n)
	return r
}

func (t *translator) arg(i int) regcode.Register   { return t.mustReg(i) }
func (t *translator) local(i int) regcode.Register { return t.mustReg(t.fn.ParamCount + i) }
func (t *translator) temp(d int) regcode.Register  { return t.mustReg(t.tempBase + d) }

// ============================================================================
// 基本块识别
// ============================================================================

// buildBlocks 识别块边界并为每个源块创建首个输出块
func (t *translator) buildBlocks() {
	code := t.body.Code
	n := len(code)
	leaders := make([]bool, n)
	mark := func(pos int) {
		if pos >= 0 && pos < n {
			leaders[pos] = true
		}
	}
	mark(0)
	for i, in := range code {
		if in.Op == bytecode.OpSwitch {
			for _, target := range in.Targets {
				mark(target)
			}
		} else if in.Op.IsBranch() {
			mark(in.Target)
		}
		if in.Op.IsBranch() || in.Op.EndsFlow() {
			mark(i + 1)
		}
	}
	for _, c := range t.body.Clauses {
		mark(c.TryStart)
		mark(c.TryEnd)
		mark(c.HandlerStart)
		mark(c.HandlerEnd)
	}

	var cur *BasicBlock
	for i := 0; i < n; i++ {
		if leaders[i] {
			cur = t.fn.NewBlock()
			cur.Start = i
			cur.EntryDepth = t.depths[i]
			t.heads[i] = cur
		}
		cur.End = i + 1
	}
}

// head 源偏移处的块；越过末尾返回 nil
func (t *translator) head(pos int) *BasicBlock {
	return t.heads[pos]
}

// sourceBlocks 按源顺序返回首块
func (t *translator) sourceBlocks() []*BasicBlock {
	var out []*BasicBlock
	for i := 0; i < len(t.body.Code); i++ {
		if b, ok := t.heads[i]; ok {
			out = append(out, b)
		}
	}
	return out
}

// buildHandlers 把异常子句映射到块
func (t *translator) buildHandlers() error {
	for i, c := range t.body.Clauses {
		h := &BlockHandler{
			TryStart:     t.head(c.TryStart),
			TryEnd:       t.head(c.TryEnd),
			HandlerStart: t.head(c.HandlerStart),
			HandlerEnd:   t.head(c.HandlerEnd),
		}
		switch c.Kind {
		case bytecode.ClauseCatch:
			h.Kind = regcode.HandlerCatch
			typ, err := t.c.domain.ResolveType(t.method, c.CatchType)
			if err != nil {
				return t.fail(errors.T0100, c.HandlerStart, "clause %d catch type: %v", i, err)
			}
			h.CatchType = typ.Token()
		case bytecode.ClauseFinally:
			h.Kind = regcode.HandlerFinally
		case bytecode.ClauseFault:
			h.Kind = regcode.HandlerFault
		default:
			return t.fail(errors.T0101, c.HandlerStart, "clause %d has unknown kind %d", i, c.Kind)
		}
		if h.TryStart == nil || h.HandlerStart == nil {
			return t.fail(errors.T0101, c.TryStart, "clause %d does not start at a block", i)
		}
		h.HandlerStart.HandlerEntry = true
		t.fn.Handlers = append(t.fn.Handlers, h)
	}
	return nil
}

// emitLocalInit 入口处把局部变量初始化为类型的默认值
func (t *translator) emitLocalInit() {
	for i, l := range t.body.Locals {
		r := t.local(i)
		if l.Type == bytecode.NoToken {
			t.emit(regcode.Instruction{Op: regcode.LdNull, Reg1: r})
			continue
		}
		typ, err := t.c.domain.ResolveType(t.method, l.Type)
		if err != nil {
			t.fail(errors.T0100, -1, "local %d: %v", i, err)
			return
		}
		prim := typ.Primitive()
		switch {
		case prim.IsInt32Like():
			t.emit(regcode.Instruction{Op: regcode.LdcI4, Reg1: r})
		case prim.IsInt64Like():
			t.emit(regcode.Instruction{Op: regcode.LdcI8, Reg1: r})
		case prim == metadata.PrimR4:
			t.emit(regcode.Instruction{Op: regcode.LdcR4, Reg1: r})
		case prim == metadata.PrimR8:
			t.emit(regcode.Instruction{Op: regcode.LdcR8, Reg1: r})
		case typ.IsValueType():
			t.emit(regcode.Instruction{Op: regcode.InitLocal, Reg1: r, Token: typ.Token()})
		default:
			t.emit(regcode.Instruction{Op: regcode.LdNull, Reg1: r})
		}
	}
	t.cur.ExitHigh = t.fn.StableCount
}

// ============================================================================
// 指令翻译
// ============================================================================

func (t *translator) emit(in regcode.Instruction) *Inst {
	return t.cur.emit(in)
}

func (t *translator) emitBranch(in regcode.Instruction, target int) {
	b := t.head(target)
	if b == nil {
		t.fail(errors.T0002, target, "branch target is not a block")
		return
	}
	t.emit(in).Target = b
}

func (t *translator) translateBlocks() error {
	for _, sb := range t.sourceBlocks() {
		t.cur = sb
		t.fn.Blocks = append(t.fn.Blocks, sb)
		if sb.EntryDepth < 0 {
			// 不可达
			continue
		}
		depth := sb.EntryDepth
		if sb.HandlerEntry && depth == 1 {
			t.emit(regcode.Instruction{Op: regcode.LoadException, Reg1: t.temp(0)})
		}
		for pos := sb.Start; pos < sb.End; pos++ {
			if t.depths[pos] < 0 {
				break
			}
			depth = t.depths[pos]
			t.translateInstr(pos, depth)
			if t.err != nil {
				return t.err
			}
		}
		t.cur.ExitHigh = t.tempBase + t.exitDepth(sb)
	}
	return t.err
}

// exitDepth 源块最后一条指令之后的栈深度
func (t *translator) exitDepth(sb *BasicBlock) int {
	last := sb.End - 1
	d := t.depths[last]
	if d < 0 {
		return 0
	}
	in := t.body.Code[last]
	if in.Op.IsCall() {
		pop, push, _ := t.c.domain.CallEffect(in.Op, in.Token)
		return d - pop + push
	}
	pop, push := bytecode.StackEffect(in.Op)
	return d - pop + push
}

// translateInstr 翻译一条栈指令，depth 为执行前的栈深度
func (t *translator) translateInstr(pos, depth int) {
	in := t.body.Code[pos]
	top := func(k int) regcode.Register { return t.temp(depth - 1 - k) } // k=0 为栈顶
	push := t.temp(depth)
	plain := func(op regcode.OpCode) regcode.Instruction { return regcode.Instruction{Op: op} }

	switch in.Op {
	case bytecode.OpNop:

	// ---- 参数与局部变量 ----
	case bytecode.OpLdarg:
		t.emit(regcode.Instruction{Op: regcode.Move, Reg1: push, Reg2: t.arg(int(in.Int))})
	case bytecode.OpStarg:
		t.emit(regcode.Instruction{Op: regcode.Move, Reg1: t.arg(int(in.Int)), Reg2: top(0)})
	case bytecode.OpLdarga:
		t.emit(regcode.Instruction{Op: regcode.LoadAddr, Reg1: push, Reg2: t.arg(int(in.Int))})
	case bytecode.OpLdloc:
		t.emit(regcode.Instruction{Op: regcode.Move, Reg1: push, Reg2: t.local(int(in.Int))})
	case bytecode.OpStloc:
		t.emit(regcode.Instruction{Op: regcode.Move, Reg1: t.local(int(in.Int)), Reg2: top(0)})
	case bytecode.OpLdloca:
		t.emit(regcode.Instruction{Op: regcode.LoadAddr, Reg1: push, Reg2: t.local(int(in.Int))})

	// ---- 常量 ----
	case bytecode.OpLdcI4:
		t.emit(regcode.Instruction{Op: regcode.LdcI4, Reg1: push, Operand: int32(in.Int)})
	case bytecode.OpLdcI8:
		t.emit(regcode.Instruction{Op: regcode.LdcI8, Reg1: push, Long: in.Int})
	case bytecode.OpLdcR4:
		t.emit(regcode.Instruction{Op: regcode.LdcR4, Reg1: push, Float: float32(in.Float)})
	case bytecode.OpLdcR8:
		t.emit(regcode.Instruction{Op: regcode.LdcR8, Reg1: push, Double: in.Float})
	case bytecode.OpLdnull:
		t.emit(regcode.Instruction{Op: regcode.LdNull, Reg1: push})
	case bytecode.OpLdstr:
		if _, ok := t.c.domain.String(in.Token); !ok {
			t.fail(errors.T0100, pos, "unknown string token %s", in.Token)
			return
		}
		t.emit(regcode.Instruction{Op: regcode.LdStr, Reg1: push, Token: in.Token})

	// ---- 栈操作 ----
	case bytecode.OpDup:
		t.emit(regcode.Instruction{Op: regcode.Move, Reg1: push, Reg2: top(0)})
	case bytecode.OpPop:

	// ---- 运算 ----
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpDivUn,
		bytecode.OpRem, bytecode.OpRemUn, bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor,
		bytecode.OpShl, bytecode.OpShr, bytecode.OpShrUn,
		bytecode.OpCeq, bytecode.OpCgt, bytecode.OpCgtUn, bytecode.OpClt, bytecode.OpCltUn:
		ins := plain(binaryOps[in.Op])
		ins.Reg1, ins.Reg2, ins.Reg3 = top(1), top(1), top(0)
		t.emit(ins)
	case bytecode.OpNeg, bytecode.OpNot,
		bytecode.OpConvI1, bytecode.OpConvI2, bytecode.OpConvI4, bytecode.OpConvI8,
		bytecode.OpConvU1, bytecode.OpConvU2, bytecode.OpConvU4, bytecode.OpConvU8,
		bytecode.OpConvR4, bytecode.OpConvR8:
		ins := plain(unaryOps[in.Op])
		ins.Reg1, ins.Reg2 = top(0), top(0)
		t.emit(ins)

	// ---- 控制流 ----
	case bytecode.OpBr:
		t.emitBranch(plain(regcode.Br), in.Target)
	case bytecode.OpBrtrue, bytecode.OpBrfalse:
		ins := plain(branchOps[in.Op])
		ins.Reg1 = top(0)
		t.emitBranch(ins, in.Target)
	case bytecode.OpBeq, bytecode.OpBneUn, bytecode.OpBgt, bytecode.OpBge, bytecode.OpBlt, bytecode.OpBle:
		ins := plain(branchOps[in.Op])
		ins.Reg1, ins.Reg2 = top(1), top(0)
		t.emitBranch(ins, in.Target)
	case bytecode.OpSwitch:
		sw := t.emit(regcode.Instruction{Op: regcode.Switch, Reg1: top(0)})
		for _, target := range in.Targets {
			sw.Targets = append(sw.Targets, t.head(target))
		}
	case bytecode.OpRet:
		if t.method.ReturnsValue() {
			t.emit(regcode.Instruction{Op: regcode.Ret, Reg1: top(0)})
		} else {
			t.emit(plain(regcode.RetVoid))
		}
	case bytecode.OpLeave:
		t.emitBranch(plain(regcode.Leave), in.Target)
	case bytecode.OpEndfinally:
		t.emit(plain(regcode.EndFinally))
	case bytecode.OpThrow:
		t.emit(regcode.Instruction{Op: regcode.Throw, Reg1: top(0)})
	case bytecode.OpRethrow:
		t.emit(plain(regcode.Rethrow))

	// ---- 调用 ----
	case bytecode.OpCall, bytecode.OpCallvirt:
		t.translateCall(pos, depth, in)
	case bytecode.OpNewobj:
		ctor, ok := t.c.domain.Method(in.Token)
		if !ok {
			t.fail(errors.T0100, pos, "unknown constructor %s", in.Token)
			return
		}
		argc := ctor.Arity()
		args := t.argRegs(depth, argc)
		t.emitCall(regcode.NewObj, ctor.Token(), args, t.temp(depth-argc))

	// ---- 字段 ----
	case bytecode.OpLdfld, bytecode.OpLdflda:
		if !t.checkField(pos, in.Token) {
			return
		}
		op := regcode.LdFld
		if in.Op == bytecode.OpLdflda {
			op = regcode.LdFlda
		}
		t.emit(regcode.Instruction{Op: op, Reg1: top(0), Reg2: top(0), Token: in.Token})
	case bytecode.OpStfld:
		if !t.checkField(pos, in.Token) {
			return
		}
		t.emit(regcode.Instruction{Op: regcode.StFld, Reg1: top(1), Reg2: top(0), Token: in.Token})
	case bytecode.OpLdsfld, bytecode.OpLdsflda:
		if !t.checkField(pos, in.Token) {
			return
		}
		op := regcode.LdSfld
		if in.Op == bytecode.OpLdsflda {
			op = regcode.LdSflda
		}
		t.emit(regcode.Instruction{Op: op, Reg1: push, Token: in.Token})
	case bytecode.OpStsfld:
		if !t.checkField(pos, in.Token) {
			return
		}
		t.emit(regcode.Instruction{Op: regcode.StSfld, Reg1: top(0), Token: in.Token})

	// ---- 数组与间接访问 ----
	case bytecode.OpNewarr:
		tok, ok := t.resolveType(pos, in.Token)
		if !ok {
			return
		}
		t.emit(regcode.Instruction{Op: regcode.NewArr, Reg1: top(0), Reg2: top(0), Token: tok})
	case bytecode.OpLdlen:
		t.emit(regcode.Instruction{Op: regcode.LdLen, Reg1: top(0), Reg2: top(0)})
	case bytecode.OpLdelem:
		t.emit(regcode.Instruction{Op: regcode.LdElem, Reg1: top(1), Reg2: top(1), Reg3: top(0)})
	case bytecode.OpLdelema:
		t.emit(regcode.Instruction{Op: regcode.LdElema, Reg1: top(1), Reg2: top(1), Reg3: top(0)})
	case bytecode.OpStelem:
		t.emit(regcode.Instruction{Op: regcode.StElem, Reg1: top(2), Reg2: top(1), Reg3: top(0)})
	case bytecode.OpLdind:
		t.emit(regcode.Instruction{Op: regcode.LdInd, Reg1: top(0), Reg2: top(0)})
	case bytecode.OpStind:
		t.emit(regcode.Instruction{Op: regcode.StInd, Reg1: top(1), Reg2: top(0)})

	// ---- 类型操作 ----
	case bytecode.OpBox, bytecode.OpUnbox, bytecode.OpUnboxAny, bytecode.OpIsinst, bytecode.OpCastclass:
		tok, ok := t.resolveType(pos, in.Token)
		if !ok {
			return
		}
		t.emit(regcode.Instruction{Op: typeOps[in.Op], Reg1: top(0), Reg2: top(0), Token: tok})
	case bytecode.OpInitobj:
		tok, ok := t.resolveType(pos, in.Token)
		if !ok {
			return
		}
		t.emit(regcode.Instruction{Op: regcode.InitObj, Reg1: top(0), Token: tok})

	default:
		t.fail(errors.T0001, pos, "unsupported opcode %s", in.Op)
	}
}

// translateCall 翻译 call / callvirt，必要时内联
func (t *translator) translateCall(pos, depth int, in bytecode.Instruction) {
	callee, ok := t.c.domain.Method(in.Token)
	if !ok {
		t.fail(errors.T0100, pos, "unknown method %s", in.Token)
		return
	}
	argc := callee.ParamCount()
	args := t.argRegs(depth, argc)
	result := regcode.NoRegister
	if callee.ReturnsValue() {
		result = t.temp(depth - argc)
	}
	if in.Op == bytecode.OpCall && t.inline && t.tryInline(callee, args, result) {
		return
	}
	op := regcode.Call
	if in.Op == bytecode.OpCallvirt {
		op = regcode.CallVirt
	}
	t.emitCall(op, callee.Token(), args, result)
}

// argRegs 栈顶 argc 个值所在的寄存器（按参数顺序）
func (t *translator) argRegs(depth, argc int) []regcode.Register {
	args := make([]regcode.Register, argc)
	for i := 0; i < argc; i++ {
		args[i] = t.temp(depth - argc + i)
	}
	return args
}

// emitCall 前 3 个参数放在 Reg2..Reg4，其余参数先用 Push 压栈
func (t *translator) emitCall(op regcode.OpCode, tok bytecode.Token, args []regcode.Register, result regcode.Register) {
	for i := regcode.MaxInRegisterArgs; i < len(args); i++ {
		t.emit(regcode.Instruction{Op: regcode.Push, Reg1: args[i]})
	}
	in := regcode.Instruction{
		Op:      op,
		Reg1:    result,
		Reg2:    regcode.NoRegister,
		Reg3:    regcode.NoRegister,
		Reg4:    regcode.NoRegister,
		Operand: int32(len(args)),
		Token:   tok,
	}
	slots := [...]*regcode.Register{&in.Reg2, &in.Reg3, &in.Reg4}
	for i := 0; i < len(args) && i < regcode.MaxInRegisterArgs; i++ {
		*slots[i] = args[i]
	}
	t.emit(in)
}

func (t *translator) checkField(pos int, tok bytecode.Token) bool {
	if _, ok := t.c.domain.Field(tok); !ok {
		t.fail(errors.T0100, pos, "unknown field %s", tok)
		return false
	}
	return true
}

// resolveType 解析类型 token，泛型参数替换为实例化类型
func (t *translator) resolveType(pos int, tok bytecode.Token) (bytecode.Token, bool) {
	typ, err := t.c.domain.ResolveType(t.method, tok)
	if err != nil {
		t.fail(errors.T0100, pos, "%v", err)
		return bytecode.NoToken, false
	}
	return typ.Token(), true
}

// ============================================================================
// 操作码映射
// ============================================================================

var binaryOps = map[bytecode.OpCode]regcode.OpCode{
	bytecode.OpAdd: regcode.Add, bytecode.OpSub: regcode.Sub, bytecode.OpMul: regcode.Mul,
	bytecode.OpDiv: regcode.Div, bytecode.OpDivUn: regcode.DivUn,
	bytecode.OpRem: regcode.Rem, bytecode.OpRemUn: regcode.RemUn,
	bytecode.OpAnd: regcode.And, bytecode.OpOr: regcode.Or, bytecode.OpXor: regcode.Xor,
	bytecode.OpShl: regcode.Shl, bytecode.OpShr: regcode.Shr, bytecode.OpShrUn: regcode.ShrUn,
	bytecode.OpCeq: regcode.Ceq, bytecode.OpCgt: regcode.Cgt, bytecode.OpCgtUn: regcode.CgtUn,
	bytecode.OpClt: regcode.Clt, bytecode.OpCltUn: regcode.CltUn,
}

var unaryOps = map[bytecode.OpCode]regcode.OpCode{
	bytecode.OpNeg: regcode.Neg, bytecode.OpNot: regcode.Not,
	bytecode.OpConvI1: regcode.ConvI1, bytecode.OpConvI2: regcode.ConvI2,
	bytecode.OpConvI4: regcode.ConvI4, bytecode.OpConvI8: regcode.ConvI8,
	bytecode.OpConvU1: regcode.ConvU1, bytecode.OpConvU2: regcode.ConvU2,
	bytecode.OpConvU4: regcode.ConvU4, bytecode.OpConvU8: regcode.ConvU8,
	bytecode.OpConvR4: regcode.ConvR4, bytecode.OpConvR8: regcode.ConvR8,
}

var branchOps = map[bytecode.OpCode]regcode.OpCode{
	bytecode.OpBrtrue: regcode.Brtrue, bytecode.OpBrfalse: regcode.Brfalse,
	bytecode.OpBeq: regcode.Beq, bytecode.OpBneUn: regcode.BneUn,
	bytecode.OpBgt: regcode.Bgt, bytecode.OpBge: regcode.Bge,
	bytecode.OpBlt: regcode.Blt, bytecode.OpBle: regcode.Ble,
}

var typeOps = map[bytecode.OpCode]regcode.OpCode{
	bytecode.OpBox: regcode.Box, bytecode.OpUnbox: regcode.Unbox, bytecode.OpUnboxAny: regcode.UnboxAny,
	bytecode.OpIsinst: regcode.Isinst, bytecode.OpCastclass: regcode.Castclass,
}
