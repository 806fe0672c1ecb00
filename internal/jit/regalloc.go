// regalloc.go - 寄存器压缩
//
// 优化删除 move 之后，很多临时寄存器不再被引用。压缩按原有顺序
// 把仍在使用的寄存器重新编号为连续区间：
// 1. 参数寄存器保持原编号（调用约定依赖它们的位置）
// 2. 其余寄存器按编号顺序依次分配
// 3. 局部变量仍排在临时寄存器之前，StableCount 随之收缩
//
// 压缩后的帧大小就是 RegisterCount，解释器按它分配栈槽。

package jit

import (
	"github.com/tangzhangming/regvm/internal/regcode"
)

// RegisterCompaction 寄存器压缩 Pass
type RegisterCompaction struct{}

// NewRegisterCompaction 创建寄存器压缩 Pass
func NewRegisterCompaction() *RegisterCompaction {
	return &RegisterCompaction{}
}

func (p *RegisterCompaction) Name() string { return "register-compaction" }

// Run 返回被重新编号的寄存器数（帧大小变化时额外计 1）
func (p *RegisterCompaction) Run(fn *Function) int {
	used := p.usedRegisters(fn)

	mapping := make([]regcode.Register, fn.RegisterCount)
	next := fn.ParamCount
	stable := fn.ParamCount
	renamed := 0
	for r := range mapping {
		switch {
		case r < fn.ParamCount:
			mapping[r] = regcode.Register(r)
		case used.has(regcode.Register(r)):
			mapping[r] = regcode.Register(next)
			if next != r {
				renamed++
			}
			if r < fn.StableCount {
				stable++
			}
			next++
		default:
			mapping[r] = regcode.NoRegister
		}
	}

	if renamed > 0 {
		remap := func(r regcode.Register) regcode.Register {
			if int(r) < len(mapping) {
				return mapping[r]
			}
			return r
		}
		for _, b := range fn.Blocks {
			for i := range b.Instrs {
				b.Instrs[i].MapRegisters(remap)
			}
		}
	}

	changes := renamed
	if next != fn.RegisterCount {
		changes++
	}
	fn.StableCount = stable
	fn.RegisterCount = next
	fn.inlineStable = nil
	for _, b := range fn.Blocks {
		b.ExitHigh = next
	}
	return changes
}

// usedRegisters 被任何指令读、写或取地址的寄存器
func (p *RegisterCompaction) usedRegisters(fn *Function) regSet {
	used := newRegSet(fn.RegisterCount)
	var buf [4]regcode.Register
	for _, b := range fn.Blocks {
		for i := range b.Instrs {
			in := &b.Instrs[i]
			for _, u := range in.Uses(buf[:0]) {
				used.add(u)
			}
			used.add(in.Def())
			if in.Op == regcode.LoadAddr {
				used.add(in.Reg2)
			}
		}
	}
	return used
}
