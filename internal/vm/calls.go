// calls.go - call / callvirt / newobj 与方法执行入口

package vm

import (
	"context"

	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// call 执行方法，参数已位于 base 开始的窗口
func (vm *VM) call(ctx context.Context, cs *CallStack, m *metadata.Method, base int) (Slot, interface{}, error) {
	vm.stats.invocations.Inc()
	if m.Abstract {
		return NullSlot, nil, errors.Faultf(errors.R0006, "%s is abstract", m.FullName())
	}
	if m.IsNative() {
		if err := cs.enter(); err != nil {
			return NullSlot, nil, err
		}
		defer cs.leave()
		return vm.callNative(cs, m, base)
	}
	code, err := vm.codeFor(ctx, m)
	if err != nil {
		return NullSlot, nil, err
	}
	return vm.execute(ctx, cs, m, code, base)
}

// invoke 执行调用类指令
func (f *frame) invoke(in *regcode.Instruction) (Slot, interface{}, error) {
	m, ok := f.vm.domain.Method(in.Token)
	if !ok {
		return NullSlot, nil, errors.Faultf(errors.R0003, "unknown method token %s", in.Token)
	}
	argc := int(in.Operand)
	dst := f.top()
	if in.Op == regcode.NewObj {
		return f.newObj(m, in, argc, dst)
	}
	if err := f.placeArgs(in, argc, dst); err != nil {
		return NullSlot, nil, err
	}

	target := m
	if in.Op == regcode.CallVirt && m.HasThis {
		impl, exc, err := f.resolveVirtual(m, f.cs.slots[dst], f.cs.refs[dst])
		if exc != nil || err != nil {
			f.cs.clear(dst, dst+argc)
			if exc != nil {
				return NullSlot, nil, exc
			}
			return NullSlot, nil, err
		}
		target = impl
		f.adjustThis(target, dst)
	}
	return f.vm.call(f.ctx, f.cs, target, dst)
}

// placeArgs 把参数复制到 dst 开始的位置：前 3 个来自寄存器，其余来自 Push
func (f *frame) placeArgs(in *regcode.Instruction, argc, dst int) error {
	if err := f.cs.ensure(dst + argc); err != nil {
		return err
	}
	regs := [regcode.MaxInRegisterArgs]regcode.Register{in.Reg2, in.Reg3, in.Reg4}
	if extra := argc - len(regs); extra > 0 && extra != len(f.pending) {
		return errors.Faultf(errors.R0003, "call needs %d pushed arguments, have %d", extra, len(f.pending))
	}
	for i := 0; i < argc; i++ {
		var s Slot
		var ref interface{}
		if i < len(regs) {
			s, ref = copyValue(f.get(regs[i]))
		} else {
			p := f.pending[i-len(regs)]
			s, ref = p.s, p.ref
		}
		f.cs.slots[dst+i], f.cs.refs[dst+i] = s, ref
	}
	for i := range f.pending {
		f.pending[i] = pushed{}
	}
	f.pending = f.pending[:0]
	return nil
}

// adjustThis 值类型上的实现方法以指向装箱值的指针作为 this
func (f *frame) adjustThis(target *metadata.Method, dst int) {
	if target.DeclaringType == nil || !target.DeclaringType.IsValueType() {
		return
	}
	if b, ok := f.cs.refs[dst].(*Boxed); ok && f.cs.slots[dst].Kind == KindObject {
		f.cs.slots[dst], f.cs.refs[dst] = Slot{Kind: KindFieldRef}, b
	}
}

// newObj 分配对象并运行构造函数
//
// 值类型的 this 是指向临时存放位置的指针，构造完成后取回其中的值。
// 原生类型的构造函数直接返回新对象。
func (f *frame) newObj(ctor *metadata.Method, in *regcode.Instruction, argc, dst int) (Slot, interface{}, error) {
	offset := 0
	if ctor.HasThis {
		offset = 1
	}
	if err := f.placeArgs(in, argc, dst+offset); err != nil {
		return NullSlot, nil, err
	}

	switch t := ctor.DeclaringType.(type) {
	case *metadata.NativeType:
		if offset == 1 {
			f.cs.slots[dst], f.cs.refs[dst] = NullSlot, nil
		}
		return f.vm.call(f.ctx, f.cs, ctor, dst)

	case *metadata.Type:
		if offset == 0 {
			return NullSlot, nil, errors.Faultf(errors.R0003, "constructor %s has no this", ctor.FullName())
		}
		obj := newObject(t)
		var holder *Boxed
		if t.IsValueType() {
			holder = &Boxed{Type: t, storage: newStorage(1)}
			holder.store(0, Slot{Kind: KindValueType}, obj)
			f.cs.slots[dst], f.cs.refs[dst] = Slot{Kind: KindFieldRef}, holder
		} else {
			f.cs.slots[dst], f.cs.refs[dst] = Slot{Kind: KindObject}, obj
		}
		if _, _, err := f.vm.call(f.ctx, f.cs, ctor, dst); err != nil {
			return NullSlot, nil, err
		}
		if holder != nil {
			s, ref := holder.load(0)
			return s, ref, nil
		}
		return Slot{Kind: KindObject}, obj, nil
	}
	return NullSlot, nil, errors.Faultf(errors.R0003, "constructor %s has no declaring type", ctor.FullName())
}
