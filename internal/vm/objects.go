// objects.go - 对象、数组、装箱与托管指针

package vm

import (
	"reflect"

	"github.com/tangzhangming/regvm/internal/bytecode"
	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
)

// ============================================================================
// 类型与默认值
// ============================================================================

// typeOf 引用的运行时类型
func (vm *VM) typeOf(ref interface{}) metadata.TypeDesc {
	switch r := ref.(type) {
	case nil:
		return nil
	case *Object:
		return r.Type
	case *Boxed:
		return r.Type
	case *Array:
		return vm.domain.Core.Array
	case string:
		return vm.domain.Core.String
	}
	if t, ok := vm.domain.NativeTypeOf(ref); ok {
		return t
	}
	return vm.domain.Core.Object
}

// newObject 分配对象，字段为各自类型的默认值
func newObject(t *metadata.Type) *Object {
	fields := t.InstanceFields()
	o := &Object{Type: t, storage: newStorage(len(fields))}
	for i, f := range fields {
		o.slots[i], o.refs[i] = defaultValue(f.Type)
	}
	return o
}

// defaultValue 类型的默认值；nil 类型视为 System.Object
func defaultValue(t metadata.TypeDesc) (Slot, interface{}) {
	if t == nil {
		return NullSlot, nil
	}
	prim := t.Primitive()
	switch {
	case prim.IsInt32Like():
		return IntegerSlot(0), nil
	case prim.IsInt64Like():
		return LongSlot(0), nil
	case prim == metadata.PrimR4:
		return FloatSlot(0), nil
	case prim == metadata.PrimR8:
		return DoubleSlot(0), nil
	}
	if vt, ok := t.(*metadata.Type); ok && vt.IsValueType() {
		return Slot{Kind: KindValueType}, newObject(vt)
	}
	return NullSlot, nil
}

// coerce 按存储位置的类型调整数值宽度
func coerce(s Slot, t metadata.TypeDesc) Slot {
	if t == nil {
		return s
	}
	prim := t.Primitive()
	switch {
	case prim.IsInt64Like() && s.Kind == KindInteger:
		if prim == metadata.PrimU8 {
			return LongSlot(int64(uint32(s.Int32())))
		}
		return LongSlot(int64(s.Int32()))
	case prim.IsInt32Like() && s.Kind == KindLong:
		return IntegerSlot(int32(s.Int64()))
	case prim == metadata.PrimR8 && s.Kind == KindFloat:
		return DoubleSlot(float64(s.Float32()))
	case prim == metadata.PrimR4 && s.Kind == KindDouble:
		return FloatSlot(float32(s.Float64()))
	}
	return s
}

// refEqual 引用相等；不可比较的 Go 值按底层指针比较
func refEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	switch ta.Kind() {
	case reflect.Slice, reflect.Map, reflect.Func:
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return false
}

// ============================================================================
// 托管指针
// ============================================================================

// deref 读取指针指向的位置（不复制值类型）
func (f *frame) deref(p Slot, ref interface{}) (Slot, interface{}, error) {
	switch p.Kind {
	case KindStackRef:
		i := int(p.Value)
		if i < 0 || i >= len(f.cs.slots) {
			return NullSlot, nil, errors.Faultf(errors.R0003, "stack pointer %d out of range", i)
		}
		return f.cs.slots[i], f.cs.refs[i], nil
	case KindFieldRef, KindArrayRef, KindStaticRef:
		st, i, err := pointee(p, ref)
		if err != nil {
			return NullSlot, nil, err
		}
		return st.slots[i], st.refs[i], nil
	}
	return NullSlot, nil, errors.Faultf(errors.R0001, "expected pointer, got %s", p.Kind)
}

// storeThrough 写入指针指向的位置
func (f *frame) storeThrough(p Slot, ref interface{}, v Slot, vref interface{}) error {
	switch p.Kind {
	case KindStackRef:
		i := int(p.Value)
		if i < 0 || i >= len(f.cs.slots) {
			return errors.Faultf(errors.R0003, "stack pointer %d out of range", i)
		}
		f.cs.slots[i], f.cs.refs[i] = v, vref
		return nil
	case KindFieldRef, KindArrayRef, KindStaticRef:
		st, i, err := pointee(p, ref)
		if err != nil {
			return err
		}
		st.slots[i], st.refs[i] = v, vref
		return nil
	}
	return errors.Faultf(errors.R0001, "expected pointer, got %s", p.Kind)
}

func pointee(p Slot, ref interface{}) (*storage, int, error) {
	c, ok := ref.(container)
	if !ok {
		return nil, 0, errors.Faultf(errors.R0003, "%s does not point into a container", p.Kind)
	}
	st := c.cells()
	i := int(p.Low)
	if i < 0 || i >= len(st.slots) {
		return nil, 0, errors.Faultf(errors.R0003, "%s index %d out of range", p.Kind, i)
	}
	return st, i, nil
}

// ============================================================================
// 字段
// ============================================================================

// fieldTarget 字段访问的目标：指针先解引用，值类型实例原地访问
func (f *frame) fieldTarget(s Slot, ref interface{}) (interface{}, *ThrownException, error) {
	if s.IsPointer() {
		var err error
		if s, ref, err = f.deref(s, ref); err != nil {
			return nil, nil, err
		}
	}
	switch s.Kind {
	case KindNull:
		return nil, f.vm.nullReference(), nil
	case KindObject, KindValueType:
		return ref, nil, nil
	}
	return nil, nil, errors.Faultf(errors.R0004, "field access on %s", s.Kind)
}

// loadField 读取实例字段
func (f *frame) loadField(s Slot, ref interface{}, fld *metadata.Field) (Slot, interface{}, *ThrownException, error) {
	target, exc, err := f.fieldTarget(s, ref)
	if exc != nil || err != nil {
		return NullSlot, nil, exc, err
	}
	if o, ok := target.(*Object); ok {
		i, ok := o.Type.FieldIndex(fld.Token())
		if !ok {
			return NullSlot, nil, nil, errors.Faultf(errors.R0004, "%s has no field %s", o.Type.Name(), fld)
		}
		v, vref := copyValue(o.load(i))
		return v, vref, nil, nil
	}
	if fld.Get == nil {
		return NullSlot, nil, nil, errors.Faultf(errors.R0004, "field %s is not readable on %s", fld, refTypeName(target))
	}
	v, vref := fromGo(fld.Get(target), fld.Type)
	return v, vref, nil, nil
}

// storeField 写入实例字段
func (f *frame) storeField(s Slot, ref interface{}, fld *metadata.Field, v Slot, vref interface{}) (*ThrownException, error) {
	target, exc, err := f.fieldTarget(s, ref)
	if exc != nil || err != nil {
		return exc, err
	}
	if o, ok := target.(*Object); ok {
		i, ok := o.Type.FieldIndex(fld.Token())
		if !ok {
			return nil, errors.Faultf(errors.R0004, "%s has no field %s", o.Type.Name(), fld)
		}
		v, vref = copyValue(v, vref)
		o.store(i, coerce(v, fld.Type), vref)
		return nil, nil
	}
	if fld.Set == nil {
		return nil, errors.Faultf(errors.R0004, "field %s is not writable on %s", fld, refTypeName(target))
	}
	fld.Set(target, toGo(v, vref))
	return nil, nil
}

// fieldAddress 字段地址
func (f *frame) fieldAddress(s Slot, ref interface{}, fld *metadata.Field) (Slot, interface{}, *ThrownException, error) {
	target, exc, err := f.fieldTarget(s, ref)
	if exc != nil || err != nil {
		return NullSlot, nil, exc, err
	}
	o, ok := target.(*Object)
	if !ok {
		return NullSlot, nil, nil, errors.Faultf(errors.R0004, "cannot take address of native field %s", fld)
	}
	i, ok := o.Type.FieldIndex(fld.Token())
	if !ok {
		return NullSlot, nil, nil, errors.Faultf(errors.R0004, "%s has no field %s", o.Type.Name(), fld)
	}
	return Slot{Kind: KindFieldRef, Low: int32(i)}, o, nil, nil
}

// ============================================================================
// 数组
// ============================================================================

// newArray 分配数组，元素为默认值；负长度抛 OverflowException
func (vm *VM) newArray(elem metadata.TypeDesc, n int64) (*Array, *ThrownException) {
	if n < 0 {
		return nil, vm.overflow("Arithmetic operation resulted in an overflow.")
	}
	a := &Array{Elem: elem, storage: newStorage(int(n))}
	for i := range a.slots {
		a.slots[i], a.refs[i] = defaultValue(elem)
	}
	return a, nil
}

// element 检查数组与下标
func (f *frame) element(s Slot, ref interface{}, idx Slot) (*Array, int, *ThrownException, error) {
	if s.Kind == KindNull {
		return nil, 0, f.vm.nullReference(), nil
	}
	a, ok := ref.(*Array)
	if !ok {
		return nil, 0, nil, errors.Faultf(errors.R0001, "expected array, got %s", describe(s, ref))
	}
	i, err := index(idx)
	if err != nil {
		return nil, 0, nil, err
	}
	if i < 0 || i >= int64(a.Len()) {
		return nil, 0, f.vm.indexOutOfRange(i, a.Len()), nil
	}
	return a, int(i), nil, nil
}

// index 数组下标与长度可以是 Integer 或 Long
func index(s Slot) (int64, error) {
	switch s.Kind {
	case KindInteger:
		return int64(s.Int32()), nil
	case KindLong:
		return s.Int64(), nil
	}
	return 0, errors.Faultf(errors.R0001, "expected integer index, got %s", s.Kind)
}

// ============================================================================
// 装箱与类型检查
// ============================================================================

// box 值类型装箱；引用类型原样返回
func (vm *VM) box(t metadata.TypeDesc, s Slot, ref interface{}) (Slot, interface{}) {
	if !t.IsValueType() {
		return s, ref
	}
	b := &Boxed{Type: t, storage: newStorage(1)}
	v, vref := copyValue(s, ref)
	b.store(0, coerce(v, t), vref)
	return Slot{Kind: KindObject}, b
}

// unbox 取出装箱的值（复制）
//
// null 抛 NullReferenceException；类型不符是内部错误，验证过的字节码不会出现。
func (vm *VM) unbox(t metadata.TypeDesc, s Slot, ref interface{}) (Slot, interface{}, *ThrownException, error) {
	if s.Kind == KindNull || ref == nil {
		return NullSlot, nil, vm.nullReference(), nil
	}
	b, ok := ref.(*Boxed)
	if !ok || b.Type.Token() != t.Token() {
		return NullSlot, nil, nil, errors.Faultf(errors.R0001, "cannot unbox %s as %s", refTypeName(ref), t.Name())
	}
	v, vref := copyValue(b.load(0))
	return v, vref, nil, nil
}

// isInstance null 不是任何类型的实例
func (vm *VM) isInstance(ref interface{}, t metadata.TypeDesc) bool {
	typ := vm.typeOf(ref)
	return typ != nil && typ.IsAssignableTo(t)
}

// castClass null 可以转换为任何引用类型
func (vm *VM) castClass(t metadata.TypeDesc, s Slot, ref interface{}) *ThrownException {
	if s.Kind == KindNull || vm.isInstance(ref, t) {
		return nil
	}
	return vm.invalidCast(refTypeName(ref), t.Name())
}

// typeByToken 指令中的类型 token 在翻译时已解析
func (vm *VM) typeByToken(tok bytecode.Token) (metadata.TypeDesc, error) {
	if t, ok := vm.domain.Type(tok); ok {
		return t, nil
	}
	return nil, errors.Faultf(errors.R0003, "unknown type token %s", tok)
}

// fieldByToken 字段 token
func (vm *VM) fieldByToken(tok bytecode.Token) (*metadata.Field, error) {
	if fld, ok := vm.domain.Field(tok); ok {
		return fld, nil
	}
	return nil, errors.Faultf(errors.R0004, "unknown field token %s", tok)
}
