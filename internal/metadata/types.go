// Package metadata 描述类型、方法与字段
//
// 解释执行的类型 (Type) 和宿主提供的原生类型 (NativeType) 实现同一个
// TypeDesc 接口，翻译器与解释器只通过该接口查询字段布局、静态存储和虚方法。
package metadata

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tangzhangming/regvm/internal/bytecode"
)

// ============================================================================
// 类型描述接口
// ============================================================================

// TypeDesc 类型描述
type TypeDesc interface {
	Name() string
	Token() bytecode.Token
	IsValueType() bool
	Base() TypeDesc
	Primitive() PrimitiveKind

	// FieldIndex 实例字段在对象布局中的序号
	FieldIndex(tok bytecode.Token) (int, bool)
	// StaticIndex 静态字段在静态存储中的序号
	StaticIndex(tok bytecode.Token) (int, bool)
	// ResolveVirtual 按运行时类型解析虚方法
	ResolveVirtual(declared *Method) *Method
	// IsAssignableTo 当前类型的实例能否赋给 target
	IsAssignableTo(target TypeDesc) bool
	// FindMethod 按名称和参数个数（不含 this）查找方法
	FindMethod(name string, arity int) *Method
}

// PrimitiveKind 内建基元类型
type PrimitiveKind uint8

const (
	PrimNone PrimitiveKind = iota
	PrimBool
	PrimChar
	PrimI1
	PrimU1
	PrimI2
	PrimU2
	PrimI4
	PrimU4
	PrimI8
	PrimU8
	PrimR4
	PrimR8
	PrimString
)

// IsInt32Like 在求值栈上以 Integer 表示
func (p PrimitiveKind) IsInt32Like() bool {
	switch p {
	case PrimBool, PrimChar, PrimI1, PrimU1, PrimI2, PrimU2, PrimI4, PrimU4:
		return true
	}
	return false
}

// IsInt64Like 在求值栈上以 Long 表示
func (p PrimitiveKind) IsInt64Like() bool {
	return p == PrimI8 || p == PrimU8
}

// ============================================================================
// 解释执行的类型
// ============================================================================

// Type 由字节码定义的类型
type Type struct {
	name      string
	token     bytecode.Token
	base      TypeDesc
	valueType bool
	primitive PrimitiveKind

	Interfaces  []TypeDesc
	IsInterface bool
	IsAbstract  bool

	// StaticConstructor 类型初始化方法（可选）
	StaticConstructor *Method

	fields  []*Field // 本类型声明的实例字段
	statics []*Field
	methods []*Method

	layoutOnce sync.Once
	layout     []*Field // 含基类字段，基类在前
	fieldIndex map[bytecode.Token]int

	vtableOnce sync.Once
	vtable     map[string]*Method
}

// NewType 创建类型
func NewType(name string, base TypeDesc, valueType bool) *Type {
	return &Type{
		name:      name,
		token:     bytecode.TokenOf(name),
		base:      base,
		valueType: valueType,
	}
}

// NewPrimitiveType 创建内建基元类型
func NewPrimitiveType(name string, base TypeDesc, kind PrimitiveKind) *Type {
	t := NewType(name, base, kind != PrimString)
	t.primitive = kind
	return t
}

func (t *Type) Name() string                  { return t.name }
func (t *Type) Token() bytecode.Token         { return t.token }
func (t *Type) IsValueType() bool             { return t.valueType }
func (t *Type) Base() TypeDesc                { return t.base }
func (t *Type) Primitive() PrimitiveKind      { return t.primitive }
func (t *Type) String() string                { return t.name }
func (t *Type) Methods() []*Method            { return t.methods }
func (t *Type) StaticFields() []*Field        { return t.statics }
func (t *Type) DeclaredFields() []*Field      { return t.fields }

// AddField 声明实例字段
func (t *Type) AddField(name string, typ TypeDesc) *Field {
	f := &Field{
		Name:  name,
		Owner: t,
		Type:  typ,
		token: bytecode.TokenOf(t.name + "::" + name),
		Index: -1,
	}
	t.fields = append(t.fields, f)
	return f
}

// AddStaticField 声明静态字段
func (t *Type) AddStaticField(name string, typ TypeDesc) *Field {
	f := &Field{
		Name:   name,
		Owner:  t,
		Type:   typ,
		Static: true,
		token:  bytecode.TokenOf(t.name + "::" + name),
		Index:  len(t.statics),
	}
	t.statics = append(t.statics, f)
	return f
}

// AddMethod 添加方法
func (t *Type) AddMethod(m *Method) *Method {
	m.setDeclaringType(t)
	t.methods = append(t.methods, m)
	if m.Name == ".cctor" {
		t.StaticConstructor = m
	}
	return m
}

// ============================================================================
// 字段布局
// ============================================================================

func (t *Type) ensureLayout() {
	t.layoutOnce.Do(func() {
		var inherited []*Field
		if bt, ok := t.base.(*Type); ok && bt != nil {
			inherited = bt.InstanceFields()
		}
		t.layout = make([]*Field, 0, len(inherited)+len(t.fields))
		t.layout = append(t.layout, inherited...)
		t.fieldIndex = make(map[bytecode.Token]int, len(inherited)+len(t.fields))
		for i, f := range inherited {
			t.fieldIndex[f.token] = i
		}
		for _, f := range t.fields {
			f.Index = len(t.layout)
			t.fieldIndex[f.token] = f.Index
			t.layout = append(t.layout, f)
		}
	})
}

// InstanceFields 所有实例字段（基类在前）
func (t *Type) InstanceFields() []*Field {
	t.ensureLayout()
	return t.layout
}

// FieldCount 实例字段数量
func (t *Type) FieldCount() int {
	t.ensureLayout()
	return len(t.layout)
}

// FieldIndex 实现 TypeDesc
func (t *Type) FieldIndex(tok bytecode.Token) (int, bool) {
	t.ensureLayout()
	i, ok := t.fieldIndex[tok]
	return i, ok
}

// StaticIndex 实现 TypeDesc
func (t *Type) StaticIndex(tok bytecode.Token) (int, bool) {
	for i, f := range t.statics {
		if f.token == tok {
			return i, true
		}
	}
	return -1, false
}

// ============================================================================
// 方法查找与虚方法表
// ============================================================================

// FindMethod 实现 TypeDesc，沿继承链查找
func (t *Type) FindMethod(name string, arity int) *Method {
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

// VTable 返回签名到实现方法的映射（基类条目被覆盖）
func (t *Type) VTable() map[string]*Method {
	t.vtableOnce.Do(func() {
		t.vtable = make(map[string]*Method)
		if bt, ok := t.base.(*Type); ok && bt != nil {
			for k, m := range bt.VTable() {
				t.vtable[k] = m
			}
		}
		for _, m := range t.methods {
			if m.Virtual && !m.Abstract {
				t.vtable[m.SignatureKey()] = m
			} else if m.Virtual {
				if _, ok := t.vtable[m.SignatureKey()]; !ok {
					t.vtable[m.SignatureKey()] = m
				}
			}
		}
	})
	return t.vtable
}

// ResolveVirtual 实现 TypeDesc
func (t *Type) ResolveVirtual(declared *Method) *Method {
	if declared == nil || !declared.Virtual {
		return declared
	}
	if impl, ok := t.VTable()[declared.SignatureKey()]; ok {
		return impl
	}
	return declared
}

// IsAssignableTo 实现 TypeDesc
func (t *Type) IsAssignableTo(target TypeDesc) bool {
	return isAssignable(t, target)
}

// isAssignable 沿基类链和接口判断可赋值性
func isAssignable(src TypeDesc, target TypeDesc) bool {
	if src == nil || target == nil {
		return false
	}
	tok := target.Token()
	for cur := src; cur != nil; cur = cur.Base() {
		if cur.Token() == tok {
			return true
		}
		if t, ok := cur.(*Type); ok {
			for _, iface := range t.Interfaces {
				if isAssignable(iface, target) {
					return true
				}
			}
		}
	}
	return false
}

// ============================================================================
// 字段
// ============================================================================

// Field 字段描述
type Field struct {
	Name   string
	Owner  TypeDesc
	Type   TypeDesc // nil 表示 System.Object
	Static bool
	Index  int

	token bytecode.Token

	// 原生字段访问器
	Get func(obj interface{}) interface{}
	Set func(obj interface{}, v interface{})
}

// Token 字段 token
func (f *Field) Token() bytecode.Token { return f.token }

// FullName 限定名
func (f *Field) FullName() string {
	return f.Owner.Name() + "::" + f.Name
}

func (f *Field) String() string { return f.FullName() }

// typeList 生成 "A,B,C" 形式的类型列表
func typeList(types []TypeDesc) string {
	names := make([]string, len(types))
	for i, t := range types {
		if t == nil {
			names[i] = "System.Object"
		} else {
			names[i] = t.Name()
		}
	}
	return strings.Join(names, ",")
}

// describe 用于错误信息
func describe(t TypeDesc) string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", t.Name(), t.Token())
}
