// Package vm 实现寄存器代码的解释器与运行时
//
// VM 持有编译器、后台编译线程、分派缓存和静态存储，可以被多个
// goroutine 同时调用；每次 Invoke 从池中取一个独立的 CallStack。
package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/regvm/internal/config"
	"github.com/tangzhangming/regvm/internal/jit"
	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// ============================================================================
// VM 核心结构
// ============================================================================

// VM 虚拟机
type VM struct {
	id     string
	domain *metadata.Domain
	cfg    *config.Config
	logger *zap.Logger

	compiler *jit.Compiler
	worker   *CompileWorker // 仅在后台编译模式下存在
	cache    *codeCache     // 未配置缓存目录时为 nil

	dispatch dispatchCache
	statics  sync.Map // *metadata.Type -> *staticStorage
	natives  sync.Map // *metadata.Method -> metadata.NativeFunc
	stacks   *stackPool

	stats  vmCounters
	closed atomic.Bool
}

// vmCounters 运行统计
type vmCounters struct {
	invocations     atomic.Int64
	nativeCalls     atomic.Int64
	compiled        atomic.Int64
	compileFailures atomic.Int64
	referenceBuilds atomic.Int64
	uncaught        atomic.Int64
}

// Stats 运行统计快照
type Stats struct {
	Invocations     int64
	NativeCalls     int64
	Compiled        int64
	CompileFailures int64
	ReferenceBuilds int64
	Uncaught        int64
	DispatchHits    int64
	DispatchMisses  int64
	CacheHits       int64
	CacheMisses     int64
	Worker          WorkerStats
}

// Option VM 选项
type Option func(*VM)

// WithConfig 使用给定配置（nil 表示默认配置）
func WithConfig(cfg *config.Config) Option {
	return func(vm *VM) {
		if cfg != nil {
			vm.cfg = cfg
		}
	}
}

// WithLogger 使用给定日志器
func WithLogger(logger *zap.Logger) Option {
	return func(vm *VM) {
		if logger != nil {
			vm.logger = logger
		}
	}
}

// ============================================================================
// VM 生命周期
// ============================================================================

// New 创建虚拟机
func New(domain *metadata.Domain, opts ...Option) *VM {
	vm := &VM{
		id:     uuid.NewString(),
		domain: domain,
		cfg:    config.Default(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.logger = vm.logger.With(zap.String("vm_id", vm.id))

	rt := vm.cfg.Runtime
	vm.stacks = newStackPool(rt.InitialStackSlots, rt.MaxStackSlots, rt.MaxCallDepth)
	vm.compiler = jit.NewCompiler(domain, jit.OptionsFromConfig(vm.cfg.JIT), vm.logger)
	if dir := vm.cfg.Cache.Dir; dir != "" {
		vm.cache = newCodeCache(dir, vm.compiler.Options(), vm.domain, vm.logger)
	}
	if vm.cfg.Worker.Background {
		vm.worker = NewCompileWorker(vm.compileMethod, vm.logger, WithFailureHandler(vm.failCompile))
	}

	vm.logger.Debug("vm created",
		zap.Bool("background", vm.cfg.Worker.Background),
		zap.Bool("optimize", vm.cfg.JIT.Optimize),
		zap.Bool("inline", vm.cfg.JIT.Inline),
	)
	return vm
}

// ID 虚拟机标识
func (vm *VM) ID() string { return vm.id }

// Domain 元数据域
func (vm *VM) Domain() *metadata.Domain { return vm.domain }

// Close 停止后台编译线程（等待队列清空），返回关闭期间的所有错误
func (vm *VM) Close() error {
	if !vm.closed.CAS(false, true) {
		return nil
	}
	var err error
	if vm.worker != nil {
		err = multierr.Append(err, vm.worker.Close())
	}
	if vm.cache != nil {
		err = multierr.Append(err, vm.cache.Err())
	}
	vm.logger.Debug("vm closed", zap.Error(err))
	return err
}

// Stats 返回统计快照
func (vm *VM) Stats() Stats {
	s := Stats{
		Invocations:     vm.stats.invocations.Load(),
		NativeCalls:     vm.stats.nativeCalls.Load(),
		Compiled:        vm.stats.compiled.Load(),
		CompileFailures: vm.stats.compileFailures.Load(),
		ReferenceBuilds: vm.stats.referenceBuilds.Load(),
		Uncaught:        vm.stats.uncaught.Load(),
		DispatchHits:    vm.dispatch.hits.Load(),
		DispatchMisses:  vm.dispatch.misses.Load(),
	}
	if vm.cache != nil {
		s.CacheHits = vm.cache.hits.Load()
		s.CacheMisses = vm.cache.misses.Load()
	}
	if vm.worker != nil {
		s.Worker = vm.worker.Stats()
	}
	return s
}

// ============================================================================
// 调用入口
// ============================================================================

// Invoke 调用方法；receiver 为实例方法的 this（静态方法传 nil）
//
// 托管异常以 *errors.UncaughtException 返回，内部错误以
// *errors.RuntimeFault 返回。
func (vm *VM) Invoke(m *metadata.Method, receiver interface{}, args ...interface{}) (interface{}, error) {
	return vm.InvokeContext(context.Background(), m, receiver, args...)
}

// InvokeContext 同 Invoke，ctx 取消后在下一次调用或向后跳转时停止执行
func (vm *VM) InvokeContext(ctx context.Context, m *metadata.Method, receiver interface{}, args ...interface{}) (interface{}, error) {
	if len(args) != m.Arity() {
		return nil, fmt.Errorf("invoke %s: expected %d arguments, got %d", m.FullName(), m.Arity(), len(args))
	}
	if m.HasThis && receiver == nil && !m.IsConstructor {
		return nil, vm.report(vm.nullReference(), receiver, m)
	}

	cs := vm.stacks.get()
	defer vm.stacks.put(cs)
	if err := cs.ensure(m.ParamCount()); err != nil {
		return nil, err
	}

	i := 0
	if m.HasThis {
		cs.slots[0], cs.refs[0] = vm.thisFor(receiver)
		i = 1
	}
	for j, a := range args {
		cs.slots[i+j], cs.refs[i+j] = fromGo(a, m.Params[j])
	}

	target := m
	if m.Virtual && m.HasThis {
		if t := vm.typeOf(cs.refs[0]); t != nil && cs.slots[0].Kind == KindObject {
			target = vm.dispatch.lookup(t, m)
		}
	}

	s, ref, err := vm.call(ctx, cs, target, 0)
	if err != nil {
		if te, ok := err.(*ThrownException); ok {
			return nil, vm.report(te, receiver, m)
		}
		return nil, err
	}
	if !m.ReturnsValue() {
		return nil, nil
	}
	return toGo(s, ref), nil
}

// thisFor 宿主传入的 this；值类型实例以指针传递，方法内的修改对宿主可见
func (vm *VM) thisFor(receiver interface{}) (Slot, interface{}) {
	if o, ok := receiver.(*Object); ok && o.Type.IsValueType() {
		holder := &Boxed{Type: o.Type, storage: newStorage(1)}
		holder.store(0, Slot{Kind: KindValueType}, o)
		return Slot{Kind: KindFieldRef}, holder
	}
	return fromGo(receiver, nil)
}

// report 记录并转换未捕获的异常
func (vm *VM) report(te *ThrownException, receiver interface{}, m *metadata.Method) error {
	vm.stats.uncaught.Inc()
	ue := vm.uncaught(te, receiver)
	vm.logger.Warn("uncaught exception",
		zapMethod(m),
		zap.String("type", ue.TypeName),
		zap.String("message", ue.Message),
		zap.Strings("call_chain", ue.CallChain),
	)
	return ue
}

// ============================================================================
// 编译
// ============================================================================

// codeFor 返回执行 m 使用的代码
//
// 后台模式下首次调用提交编译任务，发布前执行参考代码（或按配置等待）；
// 同步模式下由第一个调用者编译，其它调用者等待发布。编译失败的方法
// 永久使用参考代码。
func (vm *VM) codeFor(ctx context.Context, m *metadata.Method) (*regcode.Code, error) {
	if code := m.Code(); code != nil {
		return code, nil
	}
	if m.State() == metadata.StateFailed {
		return vm.reference(m)
	}

	switch {
	case vm.worker != nil && (vm.worker.Submit(m) || m.State() != metadata.StateUncompiled):
		if !vm.cfg.Worker.BlockUntilCompiled {
			return vm.reference(m)
		}
	case m.TryQueue():
		// 失败已记录在方法上，下面回退到参考代码
		_ = vm.compileMethod(m)
	}

	if err := m.Wait(ctx); err != nil {
		return nil, err
	}
	if code := m.Code(); code != nil {
		return code, nil
	}
	return vm.reference(m)
}

// reference 未内联、未优化的参考代码，首次使用时翻译并缓存
func (vm *VM) reference(m *metadata.Method) (*regcode.Code, error) {
	if code := m.Reference(); code != nil {
		return code, nil
	}
	code, err := vm.compiler.Reference(m)
	if err != nil {
		return nil, err
	}
	vm.stats.referenceBuilds.Inc()
	m.SetReference(code)
	return code, nil
}

// compileMethod 编译并发布；调用前方法必须已处于排队状态
func (vm *VM) compileMethod(m *metadata.Method) error {
	if code, ok := vm.cache.load(m); ok {
		m.Publish(code)
		return nil
	}
	code, err := vm.compiler.Compile(m)
	if err != nil {
		vm.failCompile(m, err)
		return err
	}
	vm.cache.store(m, code)
	m.Publish(code)
	vm.stats.compiled.Inc()
	return nil
}

// failCompile 记录编译失败；方法之后永久使用参考代码
func (vm *VM) failCompile(m *metadata.Method, err error) {
	vm.stats.compileFailures.Inc()
	m.Fail(err)
	vm.logger.Warn("compile failed", zapMethod(m), zap.Error(err))
}

// Compile 同步编译方法（已编译或正在编译时等待其结果）
func (vm *VM) Compile(m *metadata.Method) error {
	if m.IsNative() || m.Abstract {
		return nil
	}
	if m.TryQueue() {
		return vm.compileMethod(m)
	}
	if err := m.Wait(context.Background()); err != nil {
		return err
	}
	return m.Err()
}

// CompileAll 依次编译所有方法，返回合并后的错误
func (vm *VM) CompileAll(methods ...*metadata.Method) error {
	var err error
	for _, m := range methods {
		err = multierr.Append(err, vm.Compile(m))
	}
	return err
}

// ============================================================================
// 日志字段
// ============================================================================

func zapMethod(m *metadata.Method) zap.Field {
	return zap.String("method", m.FullName())
}

func zapStack(cs *CallStack) zap.Field {
	return zap.String("stack_id", cs.ID())
}
