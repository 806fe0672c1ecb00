// value.go - 值槽与堆对象
//
// 求值栈上的每个寄存器是一个 Slot：类型标记 + 8 字节载荷 + 低位整数。
// 对象引用不放在 Slot 里，而是放在与栈平行的引用表（refs）中，
// 两者按下标一一对应。堆对象的字段、数组元素、静态字段使用同样的
// 平行存储（storage），因此任何位置都可以被托管指针指向。

package vm

import (
	"fmt"
	"math"
	"reflect"

	"github.com/tangzhangming/regvm/internal/metadata"
)

// ============================================================================
// 值槽
// ============================================================================

// Kind 值槽类型标记
type Kind uint8

const (
	KindNull      Kind = iota
	KindInteger        // int32
	KindLong           // int64
	KindFloat          // float32
	KindDouble         // float64
	KindObject         // 引用表中为对象
	KindValueType      // 值类型实例，引用表中为 *Object，赋值时复制
	KindFieldRef       // 字段地址：引用表中为容器，Low 为字段序号
	KindArrayRef       // 数组元素地址：引用表中为 *Array，Low 为下标
	KindStaticRef      // 静态字段地址：引用表中为静态存储，Low 为序号
	KindStackRef       // 栈槽地址：Value 为绝对槽位
)

var kindNames = [...]string{
	KindNull:      "Null",
	KindInteger:   "Integer",
	KindLong:      "Long",
	KindFloat:     "Float",
	KindDouble:    "Double",
	KindObject:    "Object",
	KindValueType: "ValueType",
	KindFieldRef:  "FieldRef",
	KindArrayRef:  "ArrayRef",
	KindStaticRef: "StaticRef",
	KindStackRef:  "StackRef",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Slot 值槽
type Slot struct {
	Kind  Kind
	Value int64
	Low   int32
}

// NullSlot 空值
var NullSlot = Slot{}

func IntegerSlot(v int32) Slot  { return Slot{Kind: KindInteger, Value: int64(v)} }
func LongSlot(v int64) Slot     { return Slot{Kind: KindLong, Value: v} }
func FloatSlot(f float32) Slot  { return Slot{Kind: KindFloat, Value: int64(math.Float32bits(f))} }
func DoubleSlot(f float64) Slot { return Slot{Kind: KindDouble, Value: int64(math.Float64bits(f))} }

func boolSlot(b bool) Slot {
	if b {
		return IntegerSlot(1)
	}
	return IntegerSlot(0)
}

func (s Slot) Int32() int32     { return int32(s.Value) }
func (s Slot) Int64() int64     { return s.Value }
func (s Slot) Float32() float32 { return math.Float32frombits(uint32(s.Value)) }
func (s Slot) Float64() float64 { return math.Float64frombits(uint64(s.Value)) }

// IsPointer 是否为托管指针
func (s Slot) IsPointer() bool {
	return s.Kind >= KindFieldRef && s.Kind <= KindStackRef
}

func (s Slot) String() string {
	switch s.Kind {
	case KindNull:
		return "null"
	case KindInteger:
		return fmt.Sprintf("Integer(%d)", s.Int32())
	case KindLong:
		return fmt.Sprintf("Long(%d)", s.Int64())
	case KindFloat:
		return fmt.Sprintf("Float(%g)", s.Float32())
	case KindDouble:
		return fmt.Sprintf("Double(%g)", s.Float64())
	case KindStackRef:
		return fmt.Sprintf("StackRef(%d)", s.Value)
	case KindFieldRef, KindArrayRef, KindStaticRef:
		return fmt.Sprintf("%s(%d)", s.Kind, s.Low)
	default:
		return s.Kind.String()
	}
}

// describe 槽位与引用一起的描述，用于诊断
func describe(s Slot, ref interface{}) string {
	switch s.Kind {
	case KindObject, KindValueType:
		return fmt.Sprintf("%s(%s)", s.Kind, refTypeName(ref))
	}
	return s.String()
}

func refTypeName(ref interface{}) string {
	switch r := ref.(type) {
	case *Object:
		return r.Type.Name()
	case *Array:
		return r.Elem.Name() + "[]"
	case *Boxed:
		return "boxed " + r.Type.Name()
	case string:
		return "System.String"
	case nil:
		return "<nil>"
	}
	return reflect.TypeOf(ref).String()
}

// ============================================================================
// 平行存储
// ============================================================================

// storage 槽位与引用平行存放
type storage struct {
	slots []Slot
	refs  []interface{}
}

func newStorage(n int) storage {
	return storage{slots: make([]Slot, n), refs: make([]interface{}, n)}
}

func (s *storage) load(i int) (Slot, interface{}) {
	return s.slots[i], s.refs[i]
}

func (s *storage) store(i int, v Slot, ref interface{}) {
	s.slots[i] = v
	s.refs[i] = ref
}

// copyFrom 深复制（嵌套的值类型实例也复制）
func (s *storage) copyFrom(o *storage) {
	*s = newStorage(len(o.slots))
	for i := range o.slots {
		s.slots[i], s.refs[i] = copyValue(o.slots[i], o.refs[i])
	}
}

// container 可以被托管指针指向的存储
type container interface {
	cells() *storage
}

// ============================================================================
// 堆对象
// ============================================================================

// Object 解释执行类型的实例（引用类型或值类型）
type Object struct {
	Type *metadata.Type
	storage
}

func (o *Object) cells() *storage { return &o.storage }

func (o *Object) clone() *Object {
	c := &Object{Type: o.Type}
	c.storage.copyFrom(&o.storage)
	return c
}

// Field 按名称读取字段，转换为 Go 值
func (o *Object) Field(name string) (interface{}, bool) {
	for i, f := range o.Type.InstanceFields() {
		if f.Name == name {
			s, ref := o.load(i)
			return toGo(s, ref), true
		}
	}
	return nil, false
}

// Array 一维数组
type Array struct {
	Elem metadata.TypeDesc
	storage
}

func (a *Array) cells() *storage { return &a.storage }

// Len 元素个数
func (a *Array) Len() int { return len(a.slots) }

// Boxed 装箱后的值；unbox 得到指向唯一槽位的指针
type Boxed struct {
	Type metadata.TypeDesc
	storage
}

func (b *Boxed) cells() *storage { return &b.storage }

// Value 装箱的值
func (b *Boxed) Value() interface{} {
	s, ref := b.load(0)
	return toGo(s, ref)
}

// Pointer 传给原生方法的托管指针
type Pointer struct {
	Slot   Slot
	Target interface{}
}

// copyValue 值类型实例按值复制，其它原样返回
func copyValue(s Slot, ref interface{}) (Slot, interface{}) {
	if s.Kind == KindValueType {
		if o, ok := ref.(*Object); ok {
			return s, o.clone()
		}
	}
	return s, ref
}

// ============================================================================
// 与 Go 值的转换
// ============================================================================

// toGo 转换为传给原生方法或宿主的 Go 值
func toGo(s Slot, ref interface{}) interface{} {
	switch s.Kind {
	case KindNull:
		return nil
	case KindInteger:
		return s.Int32()
	case KindLong:
		return s.Int64()
	case KindFloat:
		return s.Float32()
	case KindDouble:
		return s.Float64()
	case KindObject:
		return ref
	case KindValueType:
		_, c := copyValue(s, ref)
		return c
	default:
		return &Pointer{Slot: s, Target: ref}
	}
}

// fromGo 把 Go 值转换为槽位，t 为期望的类型（可为 nil）
func fromGo(v interface{}, t metadata.TypeDesc) (Slot, interface{}) {
	var s Slot
	var ref interface{}
	switch x := v.(type) {
	case nil:
		return NullSlot, nil
	case bool:
		s = boolSlot(x)
	case int8:
		s = IntegerSlot(int32(x))
	case int16:
		s = IntegerSlot(int32(x))
	case int32:
		s = IntegerSlot(x)
	case uint8:
		s = IntegerSlot(int32(x))
	case uint16:
		s = IntegerSlot(int32(x))
	case uint32:
		s = IntegerSlot(int32(x))
	case int:
		if int64(x) == int64(int32(x)) {
			s = IntegerSlot(int32(x))
		} else {
			s = LongSlot(int64(x))
		}
	case int64:
		s = LongSlot(x)
	case uint64:
		s = LongSlot(int64(x))
	case float32:
		s = FloatSlot(x)
	case float64:
		s = DoubleSlot(x)
	case *Object:
		if x.Type.IsValueType() {
			return Slot{Kind: KindValueType}, x.clone()
		}
		return Slot{Kind: KindObject}, x
	case *Pointer:
		return x.Slot, x.Target
	default:
		return Slot{Kind: KindObject}, v
	}

	// 按期望类型调整数值宽度
	if t != nil {
		prim := t.Primitive()
		switch {
		case prim.IsInt64Like() && s.Kind == KindInteger:
			s = LongSlot(int64(s.Int32()))
		case prim.IsInt32Like() && s.Kind == KindLong:
			s = IntegerSlot(int32(s.Int64()))
		case prim == metadata.PrimR8 && s.Kind == KindFloat:
			s = DoubleSlot(float64(s.Float32()))
		case prim == metadata.PrimR4 && s.Kind == KindDouble:
			s = FloatSlot(float32(s.Float64()))
		}
	}
	return s, ref
}
