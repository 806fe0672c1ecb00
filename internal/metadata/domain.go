package metadata

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/tangzhangming/regvm/internal/bytecode"
)

// ============================================================================
// 内建类型
// ============================================================================

// CoreTypes 启动时创建的内建类型
type CoreTypes struct {
	Object    *Type
	ValueType *Type
	String    *Type
	Array     *Type

	Bool   *Type
	Char   *Type
	SByte  *Type
	Byte   *Type
	Int16  *Type
	UInt16 *Type
	Int32  *Type
	UInt32 *Type
	Int64  *Type
	UInt64 *Type
	Single *Type
	Double *Type

	Exception              *Type
	ExceptionMessage       *Field
	DivideByZeroException  *Type
	NullReferenceException *Type
	IndexOutOfRange        *Type
	InvalidCastException   *Type
	OverflowException      *Type
}

// ============================================================================
// 域：元数据注册表
// ============================================================================

// Domain 按 token 解析类型、方法、字段和字符串
//
// 注册完成后只读，可以被多个调用栈共享。
type Domain struct {
	mu      sync.RWMutex
	types   map[bytecode.Token]TypeDesc
	methods map[bytecode.Token]*Method
	fields  map[bytecode.Token]*Field
	strings map[bytecode.Token]string
	natives map[reflect.Type]*NativeType

	Core CoreTypes
}

// NewDomain 创建域并注册内建类型
func NewDomain() *Domain {
	d := &Domain{
		types:   make(map[bytecode.Token]TypeDesc),
		methods: make(map[bytecode.Token]*Method),
		fields:  make(map[bytecode.Token]*Field),
		strings: make(map[bytecode.Token]string),
		natives: make(map[reflect.Type]*NativeType),
	}
	d.bootstrap()
	return d
}

func (d *Domain) bootstrap() {
	c := &d.Core
	c.Object = NewType("System.Object", nil, false)
	c.Object.AddMethod(&Method{
		Name:          ".ctor",
		HasThis:       true,
		IsConstructor: true,
		Body:          bytecode.NewBuilder().Ret().MustBuild(),
	})
	c.ValueType = NewType("System.ValueType", c.Object, false)
	c.String = NewPrimitiveType("System.String", c.Object, PrimString)
	c.Array = NewType("System.Array", c.Object, false)

	prim := func(name string, kind PrimitiveKind) *Type {
		return NewPrimitiveType(name, c.ValueType, kind)
	}
	c.Bool = prim("System.Boolean", PrimBool)
	c.Char = prim("System.Char", PrimChar)
	c.SByte = prim("System.SByte", PrimI1)
	c.Byte = prim("System.Byte", PrimU1)
	c.Int16 = prim("System.Int16", PrimI2)
	c.UInt16 = prim("System.UInt16", PrimU2)
	c.Int32 = prim("System.Int32", PrimI4)
	c.UInt32 = prim("System.UInt32", PrimU4)
	c.Int64 = prim("System.Int64", PrimI8)
	c.UInt64 = prim("System.UInt64", PrimU8)
	c.Single = prim("System.Single", PrimR4)
	c.Double = prim("System.Double", PrimR8)

	c.Exception = NewType("System.Exception", c.Object, false)
	c.ExceptionMessage = c.Exception.AddField("Message", c.String)
	addExceptionCtors(c.Exception, c.ExceptionMessage, c.String)

	exc := func(name string) *Type {
		t := NewType(name, c.Exception, false)
		addExceptionCtors(t, c.ExceptionMessage, c.String)
		return t
	}
	c.DivideByZeroException = exc("System.DivideByZeroException")
	c.NullReferenceException = exc("System.NullReferenceException")
	c.IndexOutOfRange = exc("System.IndexOutOfRangeException")
	c.InvalidCastException = exc("System.InvalidCastException")
	c.OverflowException = exc("System.OverflowException")

	for _, t := range []*Type{
		c.Object, c.ValueType, c.String, c.Array,
		c.Bool, c.Char, c.SByte, c.Byte, c.Int16, c.UInt16, c.Int32, c.UInt32,
		c.Int64, c.UInt64, c.Single, c.Double,
		c.Exception, c.DivideByZeroException, c.NullReferenceException,
		c.IndexOutOfRange, c.InvalidCastException, c.OverflowException,
	} {
		d.RegisterType(t)
	}
}

// addExceptionCtors 为异常类型添加 .ctor() 与 .ctor(string)
func addExceptionCtors(t *Type, message *Field, str TypeDesc) {
	t.AddMethod(&Method{
		Name:          ".ctor",
		HasThis:       true,
		IsConstructor: true,
		Body:          bytecode.NewBuilder().Ret().MustBuild(),
	})
	b := bytecode.NewBuilder()
	b.Ldarg(0).Ldarg(1).EmitToken(bytecode.OpStfld, message.Token()).Ret()
	t.AddMethod(&Method{
		Name:          ".ctor",
		Params:        []TypeDesc{str},
		HasThis:       true,
		IsConstructor: true,
		Body:          b.MustBuild(),
	})
}

// ============================================================================
// 注册
// ============================================================================

// RegisterType 注册类型及其字段、方法
func (d *Domain) RegisterType(t TypeDesc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.types[t.Token()] = t
	switch tt := t.(type) {
	case *Type:
		for _, f := range tt.fields {
			d.fields[f.token] = f
		}
		for _, f := range tt.statics {
			d.fields[f.token] = f
		}
		for _, m := range tt.methods {
			d.methods[m.Token()] = m
		}
	case *NativeType:
		for _, f := range tt.fields {
			d.fields[f.token] = f
		}
		for _, f := range tt.statics {
			d.fields[f.token] = f
		}
		for _, m := range tt.methods {
			d.methods[m.Token()] = m
		}
		if tt.GoType != nil {
			d.natives[tt.GoType] = tt
		}
	}
}

// RegisterMethod 注册单个方法（如泛型实例）
func (d *Domain) RegisterMethod(m *Method) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[m.Token()] = m
}

// Intern 注册字符串常量，返回 ldstr 使用的 token
func (d *Domain) Intern(s string) bytecode.Token {
	tok := bytecode.TokenOf("\x00str:" + s)
	d.mu.Lock()
	d.strings[tok] = s
	d.mu.Unlock()
	return tok
}

// ============================================================================
// 解析
// ============================================================================

// Type 按 token 查找类型
func (d *Domain) Type(tok bytecode.Token) (TypeDesc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.types[tok]
	return t, ok
}

// TypeByName 按限定名查找类型
func (d *Domain) TypeByName(name string) (TypeDesc, bool) {
	return d.Type(bytecode.TokenOf(name))
}

// Method 按 token 查找方法
func (d *Domain) Method(tok bytecode.Token) (*Method, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.methods[tok]
	return m, ok
}

// MethodByName 按限定名查找方法，例如 "Demo::Fact(System.Int32)"
func (d *Domain) MethodByName(fullName string) (*Method, bool) {
	return d.Method(bytecode.TokenOf(fullName))
}

// Field 按 token 查找字段
func (d *Domain) Field(tok bytecode.Token) (*Field, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.fields[tok]
	return f, ok
}

// String 按 token 查找字符串常量
func (d *Domain) String(tok bytecode.Token) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.strings[tok]
	return s, ok
}

// NativeTypeOf 按 Go 值的动态类型查找原生类型
func (d *Domain) NativeTypeOf(v interface{}) (*NativeType, bool) {
	if v == nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.natives[reflect.TypeOf(v)]
	return t, ok
}

// ResolveType 在方法上下文中解析类型 token（处理泛型参数）
func (d *Domain) ResolveType(ctx *Method, tok bytecode.Token) (TypeDesc, error) {
	if i, ok := tok.IsGenericParam(); ok {
		if ctx == nil || i >= len(ctx.GenericArgs) {
			return nil, fmt.Errorf("unbound generic parameter %s", tok)
		}
		return ctx.GenericArgs[i], nil
	}
	if t, ok := d.Type(tok); ok {
		return t, nil
	}
	return nil, fmt.Errorf("unknown type token %s", tok)
}

// CallEffect 实现 bytecode.CallEffects
func (d *Domain) CallEffect(op bytecode.OpCode, tok bytecode.Token) (pop, push int, ok bool) {
	m, found := d.Method(tok)
	if !found {
		return 0, 0, false
	}
	switch op {
	case bytecode.OpNewobj:
		return m.Arity(), 1, true
	default:
		pop = m.ParamCount()
		if m.ReturnsValue() {
			push = 1
		}
		return pop, push, true
	}
}

// Describe 用于诊断输出
func (d *Domain) Describe(t TypeDesc) string {
	return describe(t)
}
