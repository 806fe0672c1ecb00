// Package regcode 定义寄存器形式的指令编码
//
// 翻译器把栈式字节码转换成本包的指令，优化器在其上改写，
// 解释器直接执行。指令是纯数据（只含寄存器号、立即数和 token），
// 因此可以被缓存到磁盘。
package regcode

import "fmt"

// OpCode 寄存器操作码
type OpCode uint8

const (
	Nop OpCode = iota

	// 数据传送
	Move     // Reg1 = Reg2
	LdcI4    // Reg1 = Operand
	LdcI8    // Reg1 = Long
	LdcR4    // Reg1 = Float
	LdcR8    // Reg1 = Double
	LdNull   // Reg1 = null
	LdStr    // Reg1 = string(Token)
	LoadAddr // Reg1 = &Reg2

	// 二元运算 Reg1 = Reg2 op Reg3
	Add
	Sub
	Mul
	Div
	DivUn
	Rem
	RemUn
	And
	Or
	Xor
	Shl
	Shr
	ShrUn

	// 立即数二元运算 Reg1 = Reg2 op Long
	AddI
	SubI
	MulI
	DivI
	RemI
	AndI
	OrI
	XorI
	ShlI
	ShrI
	ShrUnI

	// 一元运算 Reg1 = op Reg2
	Neg
	Not

	// 比较 Reg1 = Reg2 cmp Reg3
	Ceq
	Cgt
	CgtUn
	Clt
	CltUn

	// 立即数比较 Reg1 = Reg2 cmp Long
	CeqI
	CgtI
	CgtUnI
	CltI
	CltUnI

	// 类型转换 Reg1 = conv(Reg2)
	ConvI1
	ConvI2
	ConvI4
	ConvI8
	ConvU1
	ConvU2
	ConvU4
	ConvU8
	ConvR4
	ConvR8

	// 控制流（Operand 为绝对指令索引）
	Br
	Brtrue  // if Reg1 goto
	Brfalse // if !Reg1 goto
	Beq     // if Reg1 == Reg2 goto
	BneUn
	Bgt
	Bge
	Blt
	Ble
	BeqI // if Reg1 == Long goto
	BneI
	BgtI
	BgeI
	BltI
	BleI
	Switch // Reg1 选择 SwitchTables[Operand]
	Ret    // return Reg1
	RetVoid

	// 调用
	Push     // 把 Reg1 压到求值栈（第 4 个及之后的参数）
	Call     // Reg1 = Token(Reg2, Reg3, Reg4, pushed...)，Operand 为参数个数
	CallVirt // 同 Call，按接收者运行时类型分派
	NewObj   // Reg1 = new Token(Reg2, Reg3, Reg4, pushed...)，Operand 为参数个数（不含 this）

	// 字段
	LdFld   // Reg1 = Reg2.Token
	StFld   // Reg1.Token = Reg2
	LdFlda  // Reg1 = &Reg2.Token
	LdSfld  // Reg1 = Token
	StSfld  // Token = Reg1
	LdSflda // Reg1 = &Token

	// 数组
	NewArr  // Reg1 = new Token[Reg2]
	LdLen   // Reg1 = len(Reg2)
	LdElem  // Reg1 = Reg2[Reg3]
	StElem  // Reg1[Reg2] = Reg3
	LdElema // Reg1 = &Reg2[Reg3]

	// 间接访问
	LdInd // Reg1 = *Reg2
	StInd // *Reg1 = Reg2

	// 类型操作
	Box       // Reg1 = box(Reg2) as Token
	Unbox     // Reg1 = unbox(Reg2) as Token（值拷贝）
	UnboxAny  // 同 Unbox，引用类型时等价于 Castclass
	Isinst    // Reg1 = Reg2 is Token ? Reg2 : null
	Castclass // Reg1 = (Token)Reg2，失败抛 InvalidCastException
	InitObj   // *Reg1 = default(Token)
	InitLocal // Reg1 = default(Token)

	// 异常
	Throw // throw Reg1
	Rethrow
	Leave // 执行途经的 finally 后跳到 Operand
	EndFinally
	LoadException // Reg1 = 当前捕获的异常

	// 内联边界标记（Token 为被内联的方法）
	InlineStart
	InlineEnd

	opCount
)

// NoRegister 表示指令不使用该寄存器位（如 void 调用的结果）
const NoRegister Register = -1

// Register 寄存器号（相对窗口基址）
type Register int16

// ============================================================================
// 操作码信息表
// ============================================================================

// 寄存器位
const (
	useR1 uint8 = 1 << iota
	useR2
	useR3
	useR4
)

// OpInfo 操作码的静态信息
type OpInfo struct {
	Name        string
	Def         bool   // Reg1 被写入
	Uses        uint8  // 读取的寄存器位
	Branch      bool   // Operand 为跳转目标
	Terminal    bool   // 不会落到下一条指令
	Commutative bool   // 交换 Reg2/Reg3 语义不变
	ImmForm     OpCode // 第二操作数为立即数的版本（Nop 表示没有）
	Mirror      OpCode // 交换两个操作数后的等价操作（比较用）
	SideEffect  bool   // 除写 Reg1 外还有副作用（不可删除）
}

var opInfos [opCount]OpInfo

func def(name string, d bool, uses uint8) OpInfo {
	return OpInfo{Name: name, Def: d, Uses: uses}
}

func init() {
	t := &opInfos
	t[Nop] = def("nop", false, 0)
	t[Move] = def("move", true, useR2)
	t[LdcI4] = def("ldc.i4", true, 0)
	t[LdcI8] = def("ldc.i8", true, 0)
	t[LdcR4] = def("ldc.r4", true, 0)
	t[LdcR8] = def("ldc.r8", true, 0)
	t[LdNull] = def("ldnull", true, 0)
	t[LdStr] = def("ldstr", true, 0)
	t[LoadAddr] = def("ldaddr", true, 0)

	binary := []struct {
		op, imm     OpCode
		name        string
		commutative bool
	}{
		{Add, AddI, "add", true},
		{Sub, SubI, "sub", false},
		{Mul, MulI, "mul", true},
		{Div, DivI, "div", false},
		{DivUn, Nop, "div.un", false},
		{Rem, RemI, "rem", false},
		{RemUn, Nop, "rem.un", false},
		{And, AndI, "and", true},
		{Or, OrI, "or", true},
		{Xor, XorI, "xor", true},
		{Shl, ShlI, "shl", false},
		{Shr, ShrI, "shr", false},
		{ShrUn, ShrUnI, "shr.un", false},
	}
	for _, b := range binary {
		info := def(b.name, true, useR2|useR3)
		info.Commutative = b.commutative
		info.ImmForm = b.imm
		t[b.op] = info
		if b.imm != Nop {
			t[b.imm] = def(b.name+".i", true, useR2)
		}
	}
	// 除法可能抛出 DivideByZeroException
	for _, op := range []OpCode{Div, DivUn, Rem, RemUn, DivI, RemI} {
		t[op].SideEffect = true
	}

	t[Neg] = def("neg", true, useR2)
	t[Not] = def("not", true, useR2)

	compares := []struct {
		op, imm, mirror, mirrorImm OpCode
		name                       string
	}{
		{Ceq, CeqI, Ceq, CeqI, "ceq"},
		{Cgt, CgtI, Clt, CltI, "cgt"},
		{CgtUn, CgtUnI, CltUn, CltUnI, "cgt.un"},
		{Clt, CltI, Cgt, CgtI, "clt"},
		{CltUn, CltUnI, CgtUn, CgtUnI, "clt.un"},
	}
	for _, c := range compares {
		info := def(c.name, true, useR2|useR3)
		info.ImmForm = c.imm
		info.Mirror = c.mirror
		info.Commutative = c.op == Ceq
		t[c.op] = info
		t[c.imm] = def(c.name+".i", true, useR2)
	}

	for op, name := range map[OpCode]string{
		ConvI1: "conv.i1", ConvI2: "conv.i2", ConvI4: "conv.i4", ConvI8: "conv.i8",
		ConvU1: "conv.u1", ConvU2: "conv.u2", ConvU4: "conv.u4", ConvU8: "conv.u8",
		ConvR4: "conv.r4", ConvR8: "conv.r8",
	} {
		t[op] = def(name, true, useR2)
	}

	t[Br] = OpInfo{Name: "br", Branch: true, Terminal: true}
	t[Brtrue] = OpInfo{Name: "brtrue", Uses: useR1, Branch: true}
	t[Brfalse] = OpInfo{Name: "brfalse", Uses: useR1, Branch: true}
	branches := []struct {
		op, imm, mirror OpCode
		name            string
	}{
		{Beq, BeqI, Beq, "beq"},
		{BneUn, BneI, BneUn, "bne.un"},
		{Bgt, BgtI, Blt, "bgt"},
		{Bge, BgeI, Ble, "bge"},
		{Blt, BltI, Bgt, "blt"},
		{Ble, BleI, Bge, "ble"},
	}
	for _, b := range branches {
		t[b.op] = OpInfo{Name: b.name, Uses: useR1 | useR2, Branch: true,
			ImmForm: b.imm, Mirror: b.mirror, Commutative: b.op == Beq || b.op == BneUn}
		t[b.imm] = OpInfo{Name: b.name + ".i", Uses: useR1, Branch: true}
	}
	t[Switch] = OpInfo{Name: "switch", Uses: useR1}
	t[Ret] = OpInfo{Name: "ret", Uses: useR1, Terminal: true}
	t[RetVoid] = OpInfo{Name: "ret", Terminal: true}

	t[Push] = OpInfo{Name: "push", Uses: useR1, SideEffect: true}
	// 调用的参数寄存器数量取决于 Operand，见 Instruction.Uses
	t[Call] = OpInfo{Name: "call", Def: true, SideEffect: true}
	t[CallVirt] = OpInfo{Name: "callvirt", Def: true, SideEffect: true}
	t[NewObj] = OpInfo{Name: "newobj", Def: true, SideEffect: true}

	t[LdFld] = OpInfo{Name: "ldfld", Def: true, Uses: useR2, SideEffect: true}
	t[StFld] = OpInfo{Name: "stfld", Uses: useR1 | useR2, SideEffect: true}
	t[LdFlda] = OpInfo{Name: "ldflda", Def: true, Uses: useR2, SideEffect: true}
	t[LdSfld] = OpInfo{Name: "ldsfld", Def: true, SideEffect: true}
	t[StSfld] = OpInfo{Name: "stsfld", Uses: useR1, SideEffect: true}
	t[LdSflda] = OpInfo{Name: "ldsflda", Def: true, SideEffect: true}

	t[NewArr] = OpInfo{Name: "newarr", Def: true, Uses: useR2, SideEffect: true}
	t[LdLen] = OpInfo{Name: "ldlen", Def: true, Uses: useR2, SideEffect: true}
	t[LdElem] = OpInfo{Name: "ldelem", Def: true, Uses: useR2 | useR3, SideEffect: true}
	t[StElem] = OpInfo{Name: "stelem", Uses: useR1 | useR2 | useR3, SideEffect: true}
	t[LdElema] = OpInfo{Name: "ldelema", Def: true, Uses: useR2 | useR3, SideEffect: true}

	t[LdInd] = OpInfo{Name: "ldind", Def: true, Uses: useR2, SideEffect: true}
	t[StInd] = OpInfo{Name: "stind", Uses: useR1 | useR2, SideEffect: true}

	t[Box] = OpInfo{Name: "box", Def: true, Uses: useR2}
	t[Unbox] = OpInfo{Name: "unbox", Def: true, Uses: useR2, SideEffect: true}
	t[UnboxAny] = OpInfo{Name: "unbox.any", Def: true, Uses: useR2, SideEffect: true}
	t[Isinst] = OpInfo{Name: "isinst", Def: true, Uses: useR2}
	t[Castclass] = OpInfo{Name: "castclass", Def: true, Uses: useR2, SideEffect: true}
	t[InitObj] = OpInfo{Name: "initobj", Uses: useR1, SideEffect: true}
	t[InitLocal] = OpInfo{Name: "initlocal", Def: true}

	t[Throw] = OpInfo{Name: "throw", Uses: useR1, Terminal: true, SideEffect: true}
	t[Rethrow] = OpInfo{Name: "rethrow", Terminal: true, SideEffect: true}
	t[Leave] = OpInfo{Name: "leave", Branch: true, Terminal: true, SideEffect: true}
	t[EndFinally] = OpInfo{Name: "endfinally", Terminal: true, SideEffect: true}
	t[LoadException] = OpInfo{Name: "ldexception", Def: true, SideEffect: true}

	t[InlineStart] = OpInfo{Name: ".inline", SideEffect: true}
	t[InlineEnd] = OpInfo{Name: ".endinline", SideEffect: true}
}

// Info 返回操作码信息
func (op OpCode) Info() *OpInfo {
	if op >= opCount {
		return &opInfos[Nop]
	}
	return &opInfos[op]
}

// Valid 是否为已定义的操作码
func (op OpCode) Valid() bool { return op < opCount }

func (op OpCode) String() string {
	if op < opCount && opInfos[op].Name != "" {
		return opInfos[op].Name
	}
	return fmt.Sprintf("OP(%d)", op)
}

// IsCall 调用类指令
func (op OpCode) IsCall() bool {
	return op == Call || op == CallVirt || op == NewObj
}

// IsInlineMarker 内联边界标记
func (op OpCode) IsInlineMarker() bool {
	return op == InlineStart || op == InlineEnd
}
