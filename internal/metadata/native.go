package metadata

import (
	"reflect"

	"github.com/tangzhangming/regvm/internal/bytecode"
)

// ============================================================================
// 原生类型
// ============================================================================
//
// 宿主程序用 Go 实现的类型。实例就是普通的 Go 值，
// 字段通过宿主提供的 Get/Set 访问，方法都是原生方法。

// NativeType 宿主提供的类型
type NativeType struct {
	name      string
	token     bytecode.Token
	base      TypeDesc
	valueType bool

	// GoType 实例的 Go 类型，用于运行时类型识别
	GoType reflect.Type

	fields  []*Field
	statics []*Field
	methods []*Method
}

// NewNativeType 创建原生类型
func NewNativeType(name string, goType reflect.Type, base TypeDesc) *NativeType {
	return &NativeType{
		name:   name,
		token:  bytecode.TokenOf(name),
		base:   base,
		GoType: goType,
	}
}

func (t *NativeType) Name() string             { return t.name }
func (t *NativeType) Token() bytecode.Token    { return t.token }
func (t *NativeType) IsValueType() bool        { return t.valueType }
func (t *NativeType) Base() TypeDesc           { return t.base }
func (t *NativeType) Primitive() PrimitiveKind { return PrimNone }
func (t *NativeType) String() string           { return t.name }
func (t *NativeType) Methods() []*Method       { return t.methods }
func (t *NativeType) Fields() []*Field         { return t.fields }

// AddField 声明由访问器实现的实例字段
func (t *NativeType) AddField(name string, typ TypeDesc, get func(obj interface{}) interface{}, set func(obj, v interface{})) *Field {
	f := &Field{
		Name:  name,
		Owner: t,
		Type:  typ,
		Index: len(t.fields),
		token: bytecode.TokenOf(t.name + "::" + name),
		Get:   get,
		Set:   set,
	}
	t.fields = append(t.fields, f)
	return f
}

// AddStaticField 声明由访问器实现的静态字段（访问器的 obj 参数恒为 nil）
func (t *NativeType) AddStaticField(name string, typ TypeDesc, get func(obj interface{}) interface{}, set func(obj, v interface{})) *Field {
	f := &Field{
		Name:   name,
		Owner:  t,
		Type:   typ,
		Static: true,
		Index:  len(t.statics),
		token:  bytecode.TokenOf(t.name + "::" + name),
		Get:    get,
		Set:    set,
	}
	t.statics = append(t.statics, f)
	return f
}

// AddMethod 添加原生方法
func (t *NativeType) AddMethod(m *Method) *Method {
	m.setDeclaringType(t)
	t.methods = append(t.methods, m)
	return m
}

// NativeField 按序号取字段
func (t *NativeType) NativeField(index int) *Field {
	if index < 0 || index >= len(t.fields) {
		return nil
	}
	return t.fields[index]
}

// NativeStatic 按序号取静态字段
func (t *NativeType) NativeStatic(index int) *Field {
	if index < 0 || index >= len(t.statics) {
		return nil
	}
	return t.statics[index]
}

// FieldIndex 实现 TypeDesc
func (t *NativeType) FieldIndex(tok bytecode.Token) (int, bool) {
	for i, f := range t.fields {
		if f.token == tok {
			return i, true
		}
	}
	return -1, false
}

// StaticIndex 实现 TypeDesc
func (t *NativeType) StaticIndex(tok bytecode.Token) (int, bool) {
	for i, f := range t.statics {
		if f.token == tok {
			return i, true
		}
	}
	return -1, false
}

// FindMethod 实现 TypeDesc
func (t *NativeType) FindMethod(name string, arity int) *Method {
	for _, m := range t.methods {
		if m.Name == name && m.Arity() == arity {
			return m
		}
	}
	if t.base != nil {
		return t.base.FindMethod(name, arity)
	}
	return nil
}

// ResolveVirtual 实现 TypeDesc
//
// 原生类型按签名在自身方法中查找覆盖。
func (t *NativeType) ResolveVirtual(declared *Method) *Method {
	if declared == nil || !declared.Virtual {
		return declared
	}
	key := declared.SignatureKey()
	for _, m := range t.methods {
		if m.SignatureKey() == key {
			return m
		}
	}
	return declared
}

// IsAssignableTo 实现 TypeDesc
func (t *NativeType) IsAssignableTo(target TypeDesc) bool {
	return isAssignable(t, target)
}
