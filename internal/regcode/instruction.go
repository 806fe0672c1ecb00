package regcode

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/regvm/internal/bytecode"
)

// MaxInRegisterArgs 调用时通过寄存器传递的参数个数，其余用 Push 压栈
const MaxInRegisterArgs = 3

// Instruction 寄存器指令
type Instruction struct {
	Op      OpCode
	Reg1    Register
	Reg2    Register
	Reg3    Register
	Reg4    Register
	Operand int32 // int32 常量、跳转目标、参数个数、switch 表序号
	Long    int64 // int64 常量、立即数
	Float   float32
	Double  float64
	Token   bytecode.Token
}

// regs 返回四个寄存器位的指针
func (in *Instruction) regs() [4]*Register {
	return [4]*Register{&in.Reg1, &in.Reg2, &in.Reg3, &in.Reg4}
}

// useMask 本条指令实际读取的寄存器位
func (in *Instruction) useMask() uint8 {
	info := in.Op.Info()
	if !in.Op.IsCall() {
		return info.Uses
	}
	n := int(in.Operand)
	if n > MaxInRegisterArgs {
		n = MaxInRegisterArgs
	}
	var mask uint8
	for i := 0; i < n; i++ {
		mask |= useR2 << i
	}
	return mask
}

// Uses 把读取的寄存器追加到 buf 并返回
func (in *Instruction) Uses(buf []Register) []Register {
	mask := in.useMask()
	for i, r := range in.regs() {
		if mask&(1<<i) != 0 && *r != NoRegister {
			buf = append(buf, *r)
		}
	}
	return buf
}

// Reads 指令是否读取寄存器 r
func (in *Instruction) Reads(r Register) bool {
	mask := in.useMask()
	for i, p := range in.regs() {
		if mask&(1<<i) != 0 && *p == r {
			return true
		}
	}
	return false
}

// ReadCount 指令读取寄存器 r 的次数
func (in *Instruction) ReadCount(r Register) int {
	mask := in.useMask()
	n := 0
	for i, p := range in.regs() {
		if mask&(1<<i) != 0 && *p == r {
			n++
		}
	}
	return n
}

// Def 写入的寄存器，没有时返回 NoRegister
func (in *Instruction) Def() Register {
	if in.Op.Info().Def {
		return in.Reg1
	}
	return NoRegister
}

// ReplaceUses 把对 from 的读取改为 to，返回改写次数
func (in *Instruction) ReplaceUses(from, to Register) int {
	mask := in.useMask()
	n := 0
	for i, p := range in.regs() {
		if mask&(1<<i) != 0 && *p == from {
			*p = to
			n++
		}
	}
	return n
}

// MapRegisters 对所有使用中的寄存器位应用 f（读和写）
func (in *Instruction) MapRegisters(f func(Register) Register) {
	mask := in.useMask()
	if in.Op.Info().Def {
		mask |= useR1
	}
	if in.Op == LoadAddr {
		mask |= useR2
	}
	for i, p := range in.regs() {
		if mask&(1<<i) != 0 && *p != NoRegister {
			*p = f(*p)
		}
	}
}

// IsBranch Operand 为跳转目标
func (in *Instruction) IsBranch() bool { return in.Op.Info().Branch }

// IsTerminal 不会落到下一条指令
func (in *Instruction) IsTerminal() bool { return in.Op.Info().Terminal }

func (in Instruction) String() string {
	var args []string
	reg := func(r Register) string {
		if r == NoRegister {
			return "_"
		}
		return fmt.Sprintf("r%d", r)
	}
	info := in.Op.Info()
	switch {
	case in.Op.IsCall():
		args = append(args, reg(in.Reg1))
		n := int(in.Operand)
		for i, r := range []Register{in.Reg2, in.Reg3, in.Reg4} {
			if i < n {
				args = append(args, reg(r))
			}
		}
		if n > MaxInRegisterArgs {
			args = append(args, fmt.Sprintf("+%d", n-MaxInRegisterArgs))
		}
		args = append(args, in.Token.String())
		return fmt.Sprintf("%s %s", in.Op, strings.Join(args, ", "))
	case in.Op == RetVoid || in.Op == Rethrow || in.Op == EndFinally || in.Op == Nop:
		return in.Op.String()
	}

	if info.Def {
		args = append(args, reg(in.Reg1))
	}
	mask := in.useMask()
	for i, r := range []Register{in.Reg1, in.Reg2, in.Reg3, in.Reg4} {
		if mask&(1<<i) != 0 {
			args = append(args, reg(r))
		}
	}
	switch in.Op {
	case LdcI4:
		args = append(args, fmt.Sprintf("%d", in.Operand))
	case LdcI8:
		args = append(args, fmt.Sprintf("%dL", in.Long))
	case LdcR4:
		args = append(args, fmt.Sprintf("%gf", in.Float))
	case LdcR8:
		args = append(args, fmt.Sprintf("%g", in.Double))
	case LoadAddr:
		args = append(args, "&"+reg(in.Reg2))
	case Switch:
		args = append(args, fmt.Sprintf("table%d", in.Operand))
	}
	if isImmediate(in.Op) {
		args = append(args, fmt.Sprintf("#%d", in.Long))
	}
	if info.Branch {
		args = append(args, fmt.Sprintf("@%04d", in.Operand))
	}
	if in.Token != bytecode.NoToken && in.Op != LdcI4 {
		args = append(args, in.Token.String())
	}
	if len(args) == 0 {
		return in.Op.String()
	}
	return fmt.Sprintf("%s %s", in.Op, strings.Join(args, ", "))
}

// isImmediate 是否为立即数变体
func isImmediate(op OpCode) bool {
	switch op {
	case AddI, SubI, MulI, DivI, RemI, AndI, OrI, XorI, ShlI, ShrI, ShrUnI,
		CeqI, CgtI, CgtUnI, CltI, CltUnI,
		BeqI, BneI, BgtI, BgeI, BltI, BleI:
		return true
	}
	return false
}

// IsImmediate 是否为立即数变体
func (op OpCode) IsImmediate() bool { return isImmediate(op) }
