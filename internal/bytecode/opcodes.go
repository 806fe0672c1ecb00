// Package bytecode 定义栈式字节码（翻译器的输入格式）
//
// 加载器负责把磁盘上的模块解析成这里的内存结构，
// 本包只描述指令流、异常子句和方法体。
package bytecode

import "fmt"

// OpCode 栈式操作码
type OpCode byte

const (
	OpNop OpCode = iota

	// 参数 / 局部变量
	OpLdarg  // 加载参数 (Int: 参数索引，包含 this)
	OpStarg  // 存储参数
	OpLdarga // 取参数地址
	OpLdloc  // 加载局部变量 (Int: 局部变量索引)
	OpStloc  // 存储局部变量
	OpLdloca // 取局部变量地址

	// 常量
	OpLdcI4  // 32 位整数 (Int)
	OpLdcI8  // 64 位整数 (Int)
	OpLdcR4  // 单精度浮点 (Float)
	OpLdcR8  // 双精度浮点 (Float)
	OpLdnull // null
	OpLdstr  // 字符串 (Token)

	// 栈操作
	OpDup
	OpPop

	// 算术运算
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpDivUn
	OpRem
	OpRemUn
	OpNeg

	// 位运算
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpShrUn
	OpNot

	// 比较运算（结果为 0/1 的 int32）
	OpCeq
	OpCgt
	OpCgtUn
	OpClt
	OpCltUn

	// 类型转换
	OpConvI1
	OpConvI2
	OpConvI4
	OpConvI8
	OpConvU1
	OpConvU2
	OpConvU4
	OpConvU8
	OpConvR4
	OpConvR8

	// 控制流 (Target: 指令索引)
	OpBr
	OpBrtrue
	OpBrfalse
	OpBeq
	OpBneUn
	OpBgt
	OpBge
	OpBlt
	OpBle
	OpSwitch // Targets
	OpRet

	// 调用 (Token: 方法)
	OpCall
	OpCallvirt
	OpNewobj

	// 字段 (Token: 字段)
	OpLdfld
	OpStfld
	OpLdflda
	OpLdsfld
	OpStsfld
	OpLdsflda

	// 数组
	OpNewarr // Token: 元素类型
	OpLdlen
	OpLdelem
	OpStelem
	OpLdelema

	// 间接访问
	OpLdind
	OpStind

	// 类型操作 (Token: 类型)
	OpBox
	OpUnbox
	OpUnboxAny
	OpIsinst
	OpCastclass
	OpInitobj

	// 异常
	OpThrow
	OpRethrow
	OpLeave // Target
	OpEndfinally

	opCount
)

var opNames = [...]string{
	OpNop:        "nop",
	OpLdarg:      "ldarg",
	OpStarg:      "starg",
	OpLdarga:     "ldarga",
	OpLdloc:      "ldloc",
	OpStloc:      "stloc",
	OpLdloca:     "ldloca",
	OpLdcI4:      "ldc.i4",
	OpLdcI8:      "ldc.i8",
	OpLdcR4:      "ldc.r4",
	OpLdcR8:      "ldc.r8",
	OpLdnull:     "ldnull",
	OpLdstr:      "ldstr",
	OpDup:        "dup",
	OpPop:        "pop",
	OpAdd:        "add",
	OpSub:        "sub",
	OpMul:        "mul",
	OpDiv:        "div",
	OpDivUn:      "div.un",
	OpRem:        "rem",
	OpRemUn:      "rem.un",
	OpNeg:        "neg",
	OpAnd:        "and",
	OpOr:         "or",
	OpXor:        "xor",
	OpShl:        "shl",
	OpShr:        "shr",
	OpShrUn:      "shr.un",
	OpNot:        "not",
	OpCeq:        "ceq",
	OpCgt:        "cgt",
	OpCgtUn:      "cgt.un",
	OpClt:        "clt",
	OpCltUn:      "clt.un",
	OpConvI1:     "conv.i1",
	OpConvI2:     "conv.i2",
	OpConvI4:     "conv.i4",
	OpConvI8:     "conv.i8",
	OpConvU1:     "conv.u1",
	OpConvU2:     "conv.u2",
	OpConvU4:     "conv.u4",
	OpConvU8:     "conv.u8",
	OpConvR4:     "conv.r4",
	OpConvR8:     "conv.r8",
	OpBr:         "br",
	OpBrtrue:     "brtrue",
	OpBrfalse:    "brfalse",
	OpBeq:        "beq",
	OpBneUn:      "bne.un",
	OpBgt:        "bgt",
	OpBge:        "bge",
	OpBlt:        "blt",
	OpBle:        "ble",
	OpSwitch:     "switch",
	OpRet:        "ret",
	OpCall:       "call",
	OpCallvirt:   "callvirt",
	OpNewobj:     "newobj",
	OpLdfld:      "ldfld",
	OpStfld:      "stfld",
	OpLdflda:     "ldflda",
	OpLdsfld:     "ldsfld",
	OpStsfld:     "stsfld",
	OpLdsflda:    "ldsflda",
	OpNewarr:     "newarr",
	OpLdlen:      "ldlen",
	OpLdelem:     "ldelem",
	OpStelem:     "stelem",
	OpLdelema:    "ldelema",
	OpLdind:      "ldind",
	OpStind:      "stind",
	OpBox:        "box",
	OpUnbox:      "unbox",
	OpUnboxAny:   "unbox.any",
	OpIsinst:     "isinst",
	OpCastclass:  "castclass",
	OpInitobj:    "initobj",
	OpThrow:      "throw",
	OpRethrow:    "rethrow",
	OpLeave:      "leave",
	OpEndfinally: "endfinally",
}

func (op OpCode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("UNKNOWN(%d)", op)
}

// Valid 是否为已定义的操作码
func (op OpCode) Valid() bool {
	return op < opCount
}

// IsBranch 是否为跳转指令（含 leave / switch）
func (op OpCode) IsBranch() bool {
	switch op {
	case OpBr, OpBrtrue, OpBrfalse, OpBeq, OpBneUn, OpBgt, OpBge, OpBlt, OpBle,
		OpSwitch, OpLeave:
		return true
	}
	return false
}

// IsConditional 是否为条件跳转
func (op OpCode) IsConditional() bool {
	switch op {
	case OpBrtrue, OpBrfalse, OpBeq, OpBneUn, OpBgt, OpBge, OpBlt, OpBle, OpSwitch:
		return true
	}
	return false
}

// EndsFlow 执行后不会落到下一条指令
func (op OpCode) EndsFlow() bool {
	switch op {
	case OpBr, OpRet, OpThrow, OpRethrow, OpLeave, OpEndfinally:
		return true
	}
	return false
}

// IsCall 是否为调用类指令
func (op OpCode) IsCall() bool {
	return op == OpCall || op == OpCallvirt || op == OpNewobj
}

// ============================================================================
// 栈效果
// ============================================================================

// fixedEffects 固定的 (弹出, 压入) 数量；调用类指令由元数据决定
var fixedEffects = [opCount][2]int8{
	OpNop: {0, 0},

	OpLdarg: {0, 1}, OpStarg: {1, 0}, OpLdarga: {0, 1},
	OpLdloc: {0, 1}, OpStloc: {1, 0}, OpLdloca: {0, 1},

	OpLdcI4: {0, 1}, OpLdcI8: {0, 1}, OpLdcR4: {0, 1}, OpLdcR8: {0, 1},
	OpLdnull: {0, 1}, OpLdstr: {0, 1},

	OpDup: {1, 2}, OpPop: {1, 0},

	OpAdd: {2, 1}, OpSub: {2, 1}, OpMul: {2, 1}, OpDiv: {2, 1}, OpDivUn: {2, 1},
	OpRem: {2, 1}, OpRemUn: {2, 1}, OpNeg: {1, 1},
	OpAnd: {2, 1}, OpOr: {2, 1}, OpXor: {2, 1}, OpShl: {2, 1}, OpShr: {2, 1},
	OpShrUn: {2, 1}, OpNot: {1, 1},
	OpCeq: {2, 1}, OpCgt: {2, 1}, OpCgtUn: {2, 1}, OpClt: {2, 1}, OpCltUn: {2, 1},

	OpConvI1: {1, 1}, OpConvI2: {1, 1}, OpConvI4: {1, 1}, OpConvI8: {1, 1},
	OpConvU1: {1, 1}, OpConvU2: {1, 1}, OpConvU4: {1, 1}, OpConvU8: {1, 1},
	OpConvR4: {1, 1}, OpConvR8: {1, 1},

	OpBr: {0, 0}, OpBrtrue: {1, 0}, OpBrfalse: {1, 0},
	OpBeq: {2, 0}, OpBneUn: {2, 0}, OpBgt: {2, 0}, OpBge: {2, 0}, OpBlt: {2, 0}, OpBle: {2, 0},
	OpSwitch: {1, 0},

	OpLdfld: {1, 1}, OpStfld: {2, 0}, OpLdflda: {1, 1},
	OpLdsfld: {0, 1}, OpStsfld: {1, 0}, OpLdsflda: {0, 1},

	OpNewarr: {1, 1}, OpLdlen: {1, 1}, OpLdelem: {2, 1}, OpStelem: {3, 0}, OpLdelema: {2, 1},
	OpLdind: {1, 1}, OpStind: {2, 0},

	OpBox: {1, 1}, OpUnbox: {1, 1}, OpUnboxAny: {1, 1}, OpIsinst: {1, 1}, OpCastclass: {1, 1},
	OpInitobj: {1, 0},

	OpThrow: {1, 0}, OpRethrow: {0, 0}, OpLeave: {0, 0}, OpEndfinally: {0, 0},
}

// StackEffect 返回非调用指令的 (弹出, 压入) 数量
func StackEffect(op OpCode) (pop, push int) {
	if !op.Valid() {
		return 0, 0
	}
	e := fixedEffects[op]
	return int(e[0]), int(e[1])
}
