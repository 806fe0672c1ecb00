// interpreter.go - 寄存器代码解释循环
//
// 每个托管调用对应一个 frame，寄存器 rN 位于 CallStack 的
// base+N 槽位。被调用方的窗口从调用方窗口末尾 (base+RegisterCount)
// 开始，参数由调用方直接写入。

package vm

import (
	"context"

	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// frame 一次托管方法调用的执行状态
type frame struct {
	vm     *VM
	ctx    context.Context
	cs     *CallStack
	method *metadata.Method
	code   *regcode.Code
	base   int
	pc     int

	pending  []pushed     // Push 压入、尚未被调用消费的参数
	handlers []handlerCtx // 正在执行的处理器
}

// pushed Push 压入的参数
type pushed struct {
	s   Slot
	ref interface{}
}

// top 被调用方窗口的起点
func (f *frame) top() int { return f.base + f.code.RegisterCount }

func (f *frame) get(r regcode.Register) (Slot, interface{}) {
	i := f.base + int(r)
	return f.cs.slots[i], f.cs.refs[i]
}

func (f *frame) slot(r regcode.Register) Slot {
	return f.cs.slots[f.base+int(r)]
}

func (f *frame) set(r regcode.Register, s Slot, ref interface{}) {
	i := f.base + int(r)
	f.cs.slots[i], f.cs.refs[i] = s, ref
}

// fault 为内部错误补充位置
func (f *frame) fault(err error) error {
	if rf, ok := err.(*errors.RuntimeFault); ok {
		return rf.At(f.method.FullName(), f.pc)
	}
	return err
}

// execute 在 base 处执行 code；参数已位于窗口开头
func (vm *VM) execute(ctx context.Context, cs *CallStack, m *metadata.Method, code *regcode.Code, base int) (Slot, interface{}, error) {
	if err := ctx.Err(); err != nil {
		return NullSlot, nil, err
	}
	if err := cs.enter(); err != nil {
		return NullSlot, nil, err
	}
	defer cs.leave()

	top := base + code.RegisterCount
	if err := cs.ensure(top); err != nil {
		return NullSlot, nil, err
	}
	cs.clear(base+code.ParamCount, top)

	f := &frame{vm: vm, ctx: ctx, cs: cs, method: m, code: code, base: base}
	s, ref, err := f.run()
	cs.clear(base, top)
	return s, ref, err
}

// ============================================================================
// 主循环
// ============================================================================

func (f *frame) run() (Slot, interface{}, error) {
	ins := f.code.Instructions
	for {
		if f.pc < 0 || f.pc >= len(ins) {
			return NullSlot, nil, f.fault(errors.Faultf(errors.R0003, "pc %d outside method", f.pc))
		}
		in := &ins[f.pc]
		next := f.pc + 1
		var exc *ThrownException
		var err error

		switch in.Op {
		case regcode.Nop, regcode.InlineStart, regcode.InlineEnd:

		// ---- 数据传送 ----
		case regcode.Move:
			s, ref := copyValue(f.get(in.Reg2))
			f.set(in.Reg1, s, ref)
		case regcode.LdcI4:
			f.set(in.Reg1, IntegerSlot(in.Operand), nil)
		case regcode.LdcI8:
			f.set(in.Reg1, LongSlot(in.Long), nil)
		case regcode.LdcR4:
			f.set(in.Reg1, FloatSlot(in.Float), nil)
		case regcode.LdcR8:
			f.set(in.Reg1, DoubleSlot(in.Double), nil)
		case regcode.LdNull:
			f.set(in.Reg1, NullSlot, nil)
		case regcode.LdStr:
			str, ok := f.vm.domain.String(in.Token)
			if !ok {
				err = errors.Faultf(errors.R0003, "unknown string token %s", in.Token)
				break
			}
			f.set(in.Reg1, Slot{Kind: KindObject}, str)
		case regcode.LoadAddr:
			f.set(in.Reg1, Slot{Kind: KindStackRef, Value: int64(f.base + int(in.Reg2))}, nil)

		// ---- 运算 ----
		case regcode.Add, regcode.Sub, regcode.Mul, regcode.Div, regcode.DivUn,
			regcode.Rem, regcode.RemUn, regcode.And, regcode.Or, regcode.Xor,
			regcode.Shl, regcode.Shr, regcode.ShrUn:
			var r Slot
			if r, exc, err = f.vm.arith(in.Op, f.slot(in.Reg2), f.slot(in.Reg3)); exc == nil && err == nil {
				f.set(in.Reg1, r, nil)
			}
		case regcode.AddI, regcode.SubI, regcode.MulI, regcode.DivI, regcode.RemI,
			regcode.AndI, regcode.OrI, regcode.XorI, regcode.ShlI, regcode.ShrI, regcode.ShrUnI:
			a := f.slot(in.Reg2)
			var r Slot
			if r, exc, err = f.vm.arith(immBase[in.Op], a, immediate(a, in.Long)); exc == nil && err == nil {
				f.set(in.Reg1, r, nil)
			}
		case regcode.Neg, regcode.Not:
			var r Slot
			if r, err = unary(in.Op, f.slot(in.Reg2)); err == nil {
				f.set(in.Reg1, r, nil)
			}
		case regcode.Ceq, regcode.Cgt, regcode.CgtUn, regcode.Clt, regcode.CltUn:
			a, aref := f.get(in.Reg2)
			b, bref := f.get(in.Reg3)
			var ok bool
			if ok, err = f.test(in.Op, a, aref, b, bref); err == nil {
				f.set(in.Reg1, boolSlot(ok), nil)
			}
		case regcode.CeqI, regcode.CgtI, regcode.CgtUnI, regcode.CltI, regcode.CltUnI:
			a := f.slot(in.Reg2)
			var ok bool
			if ok, err = f.test(immBase[in.Op], a, nil, immediate(a, in.Long), nil); err == nil {
				f.set(in.Reg1, boolSlot(ok), nil)
			}
		case regcode.ConvI1, regcode.ConvI2, regcode.ConvI4, regcode.ConvI8,
			regcode.ConvU1, regcode.ConvU2, regcode.ConvU4, regcode.ConvU8,
			regcode.ConvR4, regcode.ConvR8:
			var r Slot
			if r, err = convert(in.Op, f.slot(in.Reg2)); err == nil {
				f.set(in.Reg1, r, nil)
			}

		// ---- 控制流 ----
		case regcode.Br:
			next, err = f.jump(in.Operand)
		case regcode.Brtrue, regcode.Brfalse:
			if truthy(f.get(in.Reg1)) == (in.Op == regcode.Brtrue) {
				next, err = f.jump(in.Operand)
			}
		case regcode.Beq, regcode.BneUn, regcode.Bgt, regcode.Bge, regcode.Blt, regcode.Ble:
			a, aref := f.get(in.Reg1)
			b, bref := f.get(in.Reg2)
			var ok bool
			if ok, err = f.test(in.Op, a, aref, b, bref); ok {
				next, err = f.jump(in.Operand)
			}
		case regcode.BeqI, regcode.BneI, regcode.BgtI, regcode.BgeI, regcode.BltI, regcode.BleI:
			a := f.slot(in.Reg1)
			var ok bool
			if ok, err = f.test(immBase[in.Op], a, nil, immediate(a, in.Long), nil); ok {
				next, err = f.jump(in.Operand)
			}
		case regcode.Switch:
			next, err = f.switchTarget(in)
		case regcode.Ret:
			s, ref := f.get(in.Reg1)
			return s, ref, nil
		case regcode.RetVoid:
			return NullSlot, nil, nil

		// ---- 调用 ----
		case regcode.Push:
			s, ref := copyValue(f.get(in.Reg1))
			f.pending = append(f.pending, pushed{s: s, ref: ref})
		case regcode.Call, regcode.CallVirt, regcode.NewObj:
			var s Slot
			var ref interface{}
			if s, ref, err = f.invoke(in); err == nil && in.Reg1 != regcode.NoRegister {
				f.set(in.Reg1, s, ref)
			}

		// ---- 字段 ----
		case regcode.LdFld, regcode.LdFlda:
			exc, err = f.fieldOp(in)
		case regcode.StFld:
			var fld *metadata.Field
			if fld, err = f.vm.fieldByToken(in.Token); err == nil {
				s, ref := f.get(in.Reg1)
				v, vref := f.get(in.Reg2)
				exc, err = f.storeField(s, ref, fld, v, vref)
			}
		case regcode.LdSfld, regcode.StSfld, regcode.LdSflda:
			err = f.staticOp(in)

		// ---- 数组 ----
		case regcode.NewArr:
			exc, err = f.newArr(in)
		case regcode.LdLen:
			s, ref := f.get(in.Reg2)
			if s.Kind == KindNull {
				exc = f.vm.nullReference()
			} else if a, ok := ref.(*Array); ok {
				f.set(in.Reg1, IntegerSlot(int32(a.Len())), nil)
			} else {
				err = errors.Faultf(errors.R0001, "ldlen on %s", describe(s, ref))
			}
		case regcode.LdElem, regcode.LdElema:
			s, ref := f.get(in.Reg2)
			var a *Array
			var i int
			if a, i, exc, err = f.element(s, ref, f.slot(in.Reg3)); exc == nil && err == nil {
				if in.Op == regcode.LdElem {
					v, vref := copyValue(a.load(i))
					f.set(in.Reg1, v, vref)
				} else {
					f.set(in.Reg1, Slot{Kind: KindArrayRef, Low: int32(i)}, a)
				}
			}
		case regcode.StElem:
			s, ref := f.get(in.Reg1)
			var a *Array
			var i int
			if a, i, exc, err = f.element(s, ref, f.slot(in.Reg2)); exc == nil && err == nil {
				v, vref := copyValue(f.get(in.Reg3))
				a.store(i, coerce(v, a.Elem), vref)
			}

		// ---- 间接访问 ----
		case regcode.LdInd:
			p, pref := f.get(in.Reg2)
			var v Slot
			var vref interface{}
			if v, vref, err = f.deref(p, pref); err == nil {
				v, vref = copyValue(v, vref)
				f.set(in.Reg1, v, vref)
			}
		case regcode.StInd:
			p, pref := f.get(in.Reg1)
			v, vref := copyValue(f.get(in.Reg2))
			err = f.storeThrough(p, pref, v, vref)

		// ---- 类型操作 ----
		case regcode.Box, regcode.Unbox, regcode.UnboxAny, regcode.Isinst, regcode.Castclass:
			exc, err = f.typeOp(in)
		case regcode.InitObj:
			var t metadata.TypeDesc
			if t, err = f.vm.typeByToken(in.Token); err == nil {
				p, pref := f.get(in.Reg1)
				d, dref := defaultValue(t)
				err = f.storeThrough(p, pref, d, dref)
			}
		case regcode.InitLocal:
			var t metadata.TypeDesc
			if t, err = f.vm.typeByToken(in.Token); err == nil {
				d, dref := defaultValue(t)
				f.set(in.Reg1, d, dref)
			}

		// ---- 异常 ----
		case regcode.Throw:
			s, ref := f.get(in.Reg1)
			if s.Kind == KindNull || ref == nil {
				exc = f.vm.nullReference()
			} else {
				exc = &ThrownException{Object: ref}
			}
		case regcode.Rethrow:
			var ok bool
			if exc, ok = f.caught(); !ok {
				err = errors.Faultf(errors.R0003, "rethrow outside a catch handler")
			}
		case regcode.Leave:
			next = f.leave(f.pc, int(in.Operand))
		case regcode.EndFinally:
			var escaping *ThrownException
			if next, escaping, err = f.endFinally(); escaping != nil {
				return NullSlot, nil, f.escape(escaping, next)
			}
		case regcode.LoadException:
			if te, ok := f.caught(); ok {
				f.set(in.Reg1, Slot{Kind: KindObject}, te.Object)
			} else {
				err = errors.Faultf(errors.R0003, "ldexception outside a catch handler")
			}

		default:
			err = errors.Faultf(errors.R0002, "unknown opcode %s", in.Op)
		}

		if err != nil {
			te, ok := err.(*ThrownException)
			if !ok {
				return NullSlot, nil, f.fault(err)
			}
			exc = te
		}
		if exc != nil {
			pc, ok := f.dispatch(exc, f.pc, 0)
			if !ok {
				return NullSlot, nil, f.escape(exc, f.pc)
			}
			next = pc
		}
		f.pc = next
	}
}

// jump 跳转；向后跳转时检查取消
func (f *frame) jump(target int32) (int, error) {
	if int(target) <= f.pc {
		if err := f.ctx.Err(); err != nil {
			return 0, err
		}
	}
	return int(target), nil
}

// test 比较与条件分支
func (f *frame) test(op regcode.OpCode, a Slot, aref interface{}, b Slot, bref interface{}) (bool, error) {
	unsigned := op == regcode.CgtUn || op == regcode.CltUn
	c, unordered, err := compare(a, aref, b, bref, unsigned)
	if err != nil {
		return false, err
	}
	return condition(op, c, unordered), nil
}

// switchTarget 无符号下标越界时落到下一条指令
func (f *frame) switchTarget(in *regcode.Instruction) (int, error) {
	if int(in.Operand) >= len(f.code.SwitchTables) {
		return 0, errors.Faultf(errors.R0003, "switch table %d missing", in.Operand)
	}
	table := f.code.SwitchTables[in.Operand]
	s := f.slot(in.Reg1)
	var idx uint64
	switch s.Kind {
	case KindInteger:
		idx = uint64(uint32(s.Int32()))
	case KindLong:
		idx = uint64(s.Int64())
	default:
		return 0, errors.Faultf(errors.R0001, "switch on %s", s.Kind)
	}
	if idx < uint64(len(table)) {
		return f.jump(table[idx])
	}
	return f.pc + 1, nil
}

// ============================================================================
// 字段、静态字段、数组与类型操作
// ============================================================================

func (f *frame) fieldOp(in *regcode.Instruction) (*ThrownException, error) {
	fld, err := f.vm.fieldByToken(in.Token)
	if err != nil {
		return nil, err
	}
	s, ref := f.get(in.Reg2)
	var v Slot
	var vref interface{}
	var exc *ThrownException
	if in.Op == regcode.LdFld {
		v, vref, exc, err = f.loadField(s, ref, fld)
	} else {
		v, vref, exc, err = f.fieldAddress(s, ref, fld)
	}
	if exc != nil || err != nil {
		return exc, err
	}
	f.set(in.Reg1, v, vref)
	return nil, nil
}

func (f *frame) staticOp(in *regcode.Instruction) error {
	fld, err := f.vm.fieldByToken(in.Token)
	if err != nil {
		return err
	}
	st, i, err := f.staticField(fld)
	if err != nil {
		return err
	}

	if st == nil {
		// 原生类型的静态字段
		switch {
		case in.Op == regcode.LdSfld && fld.Get != nil:
			v, vref := fromGo(fld.Get(nil), fld.Type)
			f.set(in.Reg1, v, vref)
			return nil
		case in.Op == regcode.StSfld && fld.Set != nil:
			fld.Set(nil, toGo(f.get(in.Reg1)))
			return nil
		}
		return errors.Faultf(errors.R0004, "%s %s is not supported on native type", in.Op, fld)
	}

	switch in.Op {
	case regcode.LdSfld:
		v, vref := copyValue(st.load(i))
		f.set(in.Reg1, v, vref)
	case regcode.StSfld:
		v, vref := copyValue(f.get(in.Reg1))
		st.store(i, coerce(v, fld.Type), vref)
	case regcode.LdSflda:
		f.set(in.Reg1, Slot{Kind: KindStaticRef, Low: int32(i)}, st)
	}
	return nil
}

func (f *frame) newArr(in *regcode.Instruction) (*ThrownException, error) {
	elem, err := f.vm.typeByToken(in.Token)
	if err != nil {
		return nil, err
	}
	n, err := index(f.slot(in.Reg2))
	if err != nil {
		return nil, err
	}
	a, exc := f.vm.newArray(elem, n)
	if exc != nil {
		return exc, nil
	}
	f.set(in.Reg1, Slot{Kind: KindObject}, a)
	return nil, nil
}

func (f *frame) typeOp(in *regcode.Instruction) (*ThrownException, error) {
	t, err := f.vm.typeByToken(in.Token)
	if err != nil {
		return nil, err
	}
	s, ref := f.get(in.Reg2)
	switch in.Op {
	case regcode.Box:
		v, vref := f.vm.box(t, s, ref)
		f.set(in.Reg1, v, vref)
	case regcode.Unbox, regcode.UnboxAny:
		if !t.IsValueType() {
			// 引用类型的 unbox.any 等价于 castclass
			if exc := f.vm.castClass(t, s, ref); exc != nil {
				return exc, nil
			}
			f.set(in.Reg1, s, ref)
			return nil, nil
		}
		v, vref, exc, err := f.vm.unbox(t, s, ref)
		if exc != nil || err != nil {
			return exc, err
		}
		f.set(in.Reg1, v, vref)
	case regcode.Isinst:
		if s.Kind != KindNull && f.vm.isInstance(ref, t) {
			f.set(in.Reg1, s, ref)
		} else {
			f.set(in.Reg1, NullSlot, nil)
		}
	case regcode.Castclass:
		if exc := f.vm.castClass(t, s, ref); exc != nil {
			return exc, nil
		}
		f.set(in.Reg1, s, ref)
	}
	return nil, nil
}
