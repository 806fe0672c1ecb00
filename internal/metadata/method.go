package metadata

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/tangzhangming/regvm/internal/bytecode"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// NativeFunc 原生方法实现
//
// this 为接收者（静态方法为 nil），args 不含 this。
// 返回的 error 若携带托管异常对象，会进入异常处理流程。
type NativeFunc func(this interface{}, args []interface{}) (interface{}, error)

// CompileState 方法编译状态
type CompileState int32

const (
	StateUncompiled CompileState = iota
	StateQueued                  // 已提交给后台编译线程
	StateCompiled
	StateFailed // 编译失败，不再重试
)

func (s CompileState) String() string {
	switch s {
	case StateUncompiled:
		return "uncompiled"
	case StateQueued:
		return "queued"
	case StateCompiled:
		return "compiled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ============================================================================
// 方法描述
// ============================================================================

// Method 方法描述
type Method struct {
	Name          string
	DeclaringType TypeDesc
	Params        []TypeDesc // 不含 this
	ReturnType    TypeDesc   // nil 表示 void
	HasThis       bool
	Virtual       bool
	Abstract      bool
	IsConstructor bool

	// Body 解释执行的方法体；Native 非 nil 表示原生方法
	Body   *bytecode.MethodBody
	Native NativeFunc

	// 泛型
	GenericArity int
	GenericArgs  []TypeDesc
	definition   *Method
	instances    sync.Map // 实例化参数签名 -> *Method

	token bytecode.Token

	// 编译状态
	state     atomic.Int32
	compiling atomic.Int32 // 正在翻译的嵌套层数（防止把自身内联进自身）
	code      atomic.Value // *regcode.Code 优化后的代码
	reference atomic.Value // *regcode.Code 未优化的参考代码
	lastErr   atomic.Error

	readyMu     sync.Mutex
	ready       chan struct{}
	readyClosed bool
}

// NewMethod 创建方法；声明类型由 Type.AddMethod 设置
func NewMethod(name string, params []TypeDesc, ret TypeDesc, hasThis bool) *Method {
	return &Method{
		Name:       name,
		Params:     params,
		ReturnType: ret,
		HasThis:    hasThis,
		ready:      make(chan struct{}),
	}
}

func (m *Method) setDeclaringType(t TypeDesc) {
	m.DeclaringType = t
	m.token = bytecode.TokenOf(m.FullName())
}

// Token 方法 token
func (m *Method) Token() bytecode.Token {
	if m.token == bytecode.NoToken {
		m.token = bytecode.TokenOf(m.FullName())
	}
	return m.token
}

// Arity 参数个数（不含 this）
func (m *Method) Arity() int { return len(m.Params) }

// ParamCount 参数寄存器个数（含 this）
func (m *Method) ParamCount() int {
	if m.HasThis {
		return len(m.Params) + 1
	}
	return len(m.Params)
}

// ReturnsValue 是否有返回值
func (m *Method) ReturnsValue() bool { return m.ReturnType != nil }

// IsNative 是否为原生方法
func (m *Method) IsNative() bool { return m.Native != nil || m.Body == nil && !m.Abstract }

// IsGenericDefinition 是否为未实例化的泛型方法
func (m *Method) IsGenericDefinition() bool {
	return m.GenericArity > 0 && len(m.GenericArgs) == 0
}

// Definition 泛型实例对应的定义；非泛型实例返回自身
func (m *Method) Definition() *Method {
	if m.definition != nil {
		return m.definition
	}
	return m
}

// SignatureKey 用于虚方法匹配的签名（不含声明类型）
func (m *Method) SignatureKey() string {
	key := fmt.Sprintf("%s(%s)", m.Name, typeList(m.Params))
	if m.GenericArity > 0 {
		key = fmt.Sprintf("%s`%d", key, m.GenericArity)
	}
	return key
}

// FullName 限定名，用于生成 token 和诊断
func (m *Method) FullName() string {
	owner := "<global>"
	if m.DeclaringType != nil {
		owner = m.DeclaringType.Name()
	}
	name := m.Name
	if len(m.GenericArgs) > 0 {
		name = fmt.Sprintf("%s<%s>", name, typeList(m.GenericArgs))
	}
	return fmt.Sprintf("%s::%s(%s)", owner, name, typeList(m.Params))
}

func (m *Method) String() string { return m.FullName() }

// ============================================================================
// 泛型实例化
// ============================================================================

// Instantiate 以给定类型参数实例化泛型方法，同一组参数返回同一实例
func (m *Method) Instantiate(args ...TypeDesc) (*Method, error) {
	def := m.Definition()
	if def.GenericArity != len(args) {
		return nil, fmt.Errorf("%s expects %d type arguments, got %d", def.FullName(), def.GenericArity, len(args))
	}
	key := typeList(args)
	if inst, ok := def.instances.Load(key); ok {
		return inst.(*Method), nil
	}

	inst := &Method{
		Name:          def.Name,
		DeclaringType: def.DeclaringType,
		Params:        substitute(def.Params, args),
		ReturnType:    substituteOne(def.ReturnType, args),
		HasThis:       def.HasThis,
		Virtual:       def.Virtual,
		Abstract:      def.Abstract,
		IsConstructor: def.IsConstructor,
		Body:          def.Body,
		Native:        def.Native,
		GenericArity:  def.GenericArity,
		GenericArgs:   append([]TypeDesc(nil), args...),
		definition:    def,
		ready:         make(chan struct{}),
	}
	inst.token = bytecode.TokenOf(inst.FullName())

	actual, _ := def.instances.LoadOrStore(key, inst)
	return actual.(*Method), nil
}

// GenericParamType 泛型参数占位类型
type GenericParamType struct {
	Index int
}

func (g *GenericParamType) Name() string                         { return fmt.Sprintf("!!%d", g.Index) }
func (g *GenericParamType) Token() bytecode.Token                { return bytecode.GenericParam(g.Index) }
func (g *GenericParamType) IsValueType() bool                    { return false }
func (g *GenericParamType) Base() TypeDesc                       { return nil }
func (g *GenericParamType) Primitive() PrimitiveKind             { return PrimNone }
func (g *GenericParamType) FieldIndex(bytecode.Token) (int, bool)  { return -1, false }
func (g *GenericParamType) StaticIndex(bytecode.Token) (int, bool) { return -1, false }
func (g *GenericParamType) ResolveVirtual(m *Method) *Method     { return m }
func (g *GenericParamType) IsAssignableTo(target TypeDesc) bool  { return false }
func (g *GenericParamType) FindMethod(string, int) *Method       { return nil }

func substituteOne(t TypeDesc, args []TypeDesc) TypeDesc {
	if g, ok := t.(*GenericParamType); ok && g.Index < len(args) {
		return args[g.Index]
	}
	return t
}

func substitute(types []TypeDesc, args []TypeDesc) []TypeDesc {
	out := make([]TypeDesc, len(types))
	for i, t := range types {
		out[i] = substituteOne(t, args)
	}
	return out
}

// ============================================================================
// 编译状态
// ============================================================================

// EnterCompiling 标记方法正在翻译，返回的函数必须用 defer 调用以恢复
func (m *Method) EnterCompiling() (leave func()) {
	m.compiling.Inc()
	return func() { m.compiling.Dec() }
}

// IsCompiling 方法是否正在翻译
func (m *Method) IsCompiling() bool {
	return m.compiling.Load() > 0
}

// State 当前编译状态
func (m *Method) State() CompileState {
	return CompileState(m.state.Load())
}

// TryQueue 从未编译状态切换到已排队，成功返回 true
func (m *Method) TryQueue() bool {
	return m.state.CAS(int32(StateUncompiled), int32(StateQueued))
}

// Code 已发布的优化代码，未发布时返回 nil
func (m *Method) Code() *regcode.Code {
	if c, ok := m.code.Load().(*regcode.Code); ok {
		return c
	}
	return nil
}

// Publish 原子地发布编译结果
func (m *Method) Publish(code *regcode.Code) {
	m.code.Store(code)
	m.state.Store(int32(StateCompiled))
	m.markReady()
}

// Fail 标记编译失败，之后不再尝试编译
func (m *Method) Fail(err error) {
	if err != nil {
		m.lastErr.Store(err)
	}
	m.state.Store(int32(StateFailed))
	m.markReady()
}

// Err 最近一次编译错误
func (m *Method) Err() error {
	return m.lastErr.Load()
}

// Reference 未优化的参考代码
func (m *Method) Reference() *regcode.Code {
	if c, ok := m.reference.Load().(*regcode.Code); ok {
		return c
	}
	return nil
}

// SetReference 缓存未优化的参考代码
func (m *Method) SetReference(code *regcode.Code) {
	m.reference.Store(code)
}

func (m *Method) markReady() {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	if m.ready == nil {
		m.ready = make(chan struct{})
	}
	if !m.readyClosed {
		m.readyClosed = true
		close(m.ready)
	}
}

// Wait 等待编译结果发布（成功或失败）
func (m *Method) Wait(ctx context.Context) error {
	select {
	case <-m.readyChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readyChan 直接构造的 Method 可能没有初始化 ready
func (m *Method) readyChan() chan struct{} {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	if m.ready == nil {
		m.ready = make(chan struct{})
	}
	return m.ready
}
