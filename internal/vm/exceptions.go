// exceptions.go - 托管异常与处理器状态机
//
// 每个帧维护一个处理器上下文栈，栈中的条目恰好是当前 pc 所在的
// catch / finally 处理器区域（由内到外）。控制流跳转到新位置时，
// 不包含新位置的条目出栈。
//
// 异常分派：按声明顺序查找 try 区间覆盖抛出点的处理器
//   - catch 且类型匹配：进入处理器，LoadException 读取异常对象
//   - finally / fault：先执行处理器，endfinally 后从下一个处理器继续查找
//   - 都不匹配：异常离开当前帧，由调用方继续分派
//
// leave：依次执行覆盖 leave 指令但不覆盖目标的 finally，最后跳到目标。

package vm

import (
	"fmt"

	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// ============================================================================
// 托管异常
// ============================================================================

// ThrownException 正在传播的托管异常
//
// 原生方法返回它即可抛出托管异常，见 VM.Exception。
type ThrownException struct {
	Object    interface{} // 异常对象
	Trace     []string    // 异常离开的方法，最内层在前
	Registers []string    // 最内层帧离开时的寄存器快照
}

// Error 实现 error 接口
func (e *ThrownException) Error() string {
	return "managed exception " + refTypeName(e.Object)
}

// Exception 创建给定类型的异常，供原生方法返回
func (vm *VM) Exception(t *metadata.Type, message string) error {
	return vm.newException(t, message)
}

func (vm *VM) newException(t *metadata.Type, message string) *ThrownException {
	obj := newObject(t)
	if i, ok := t.FieldIndex(vm.domain.Core.ExceptionMessage.Token()); ok {
		obj.store(i, Slot{Kind: KindObject}, message)
	}
	return &ThrownException{Object: obj}
}

// exceptionMessage 读取异常对象的 Message 字段
func (vm *VM) exceptionMessage(obj interface{}) string {
	o, ok := obj.(*Object)
	if !ok {
		return ""
	}
	i, ok := o.Type.FieldIndex(vm.domain.Core.ExceptionMessage.Token())
	if !ok {
		return ""
	}
	_, ref := o.load(i)
	msg, _ := ref.(string)
	return msg
}

// 运行时抛出的标准异常
func (vm *VM) divideByZero() *ThrownException {
	return vm.newException(vm.domain.Core.DivideByZeroException, "Attempted to divide by zero.")
}

func (vm *VM) nullReference() *ThrownException {
	return vm.newException(vm.domain.Core.NullReferenceException, "Object reference not set to an instance of an object.")
}

func (vm *VM) indexOutOfRange(i int64, n int) *ThrownException {
	return vm.newException(vm.domain.Core.IndexOutOfRange,
		fmt.Sprintf("Index %d was outside the bounds of the array (length %d).", i, n))
}

func (vm *VM) invalidCast(from, to string) *ThrownException {
	return vm.newException(vm.domain.Core.InvalidCastException,
		fmt.Sprintf("Unable to cast object of type '%s' to type '%s'.", from, to))
}

func (vm *VM) overflow(msg string) *ThrownException {
	return vm.newException(vm.domain.Core.OverflowException, msg)
}

// ============================================================================
// 处理器上下文
// ============================================================================

type ctxKind uint8

const (
	ctxCatch ctxKind = iota
	ctxFinally
)

// handlerCtx 正在执行的处理器
type handlerCtx struct {
	handler int
	kind    ctxKind
	exc     *ThrownException // catch: 捕获的异常；因异常进入的 finally: 待续传播的异常

	// 因异常进入的 finally / fault
	throwing bool
	throwPC  int
	next     int

	// 因 leave 进入的 finally
	target  int
	pending []int
}

// popHandlers 弹出不包含 pc 的处理器上下文
func (f *frame) popHandlers(pc int) {
	for n := len(f.handlers); n > 0; n-- {
		h := &f.code.Handlers[f.handlers[n-1].handler]
		if h.InHandler(pc) {
			break
		}
		f.handlers = f.handlers[:n-1]
	}
}

// dispatch 从第 from 个处理器开始为 pc 处抛出的异常查找处理器
func (f *frame) dispatch(exc *ThrownException, pc, from int) (int, bool) {
	typ := f.vm.typeOf(exc.Object)
	for i := from; i < len(f.code.Handlers); i++ {
		h := &f.code.Handlers[i]
		if !h.Covers(pc) {
			continue
		}
		start := int(h.HandlerStart)
		switch h.Kind {
		case regcode.HandlerCatch:
			target, ok := f.vm.domain.Type(h.CatchType)
			if !ok || typ == nil || !typ.IsAssignableTo(target) {
				continue
			}
			f.popHandlers(start)
			f.handlers = append(f.handlers, handlerCtx{handler: i, kind: ctxCatch, exc: exc})
		default:
			f.popHandlers(start)
			f.handlers = append(f.handlers, handlerCtx{
				handler:  i,
				kind:     ctxFinally,
				exc:      exc,
				throwing: true,
				throwPC:  pc,
				next:     i + 1,
			})
		}
		return start, true
	}
	return 0, false
}

// leave 返回 leave 之后要执行的 pc
func (f *frame) leave(pc, target int) int {
	var fin []int
	for i := range f.code.Handlers {
		h := &f.code.Handlers[i]
		if h.Kind == regcode.HandlerFinally && h.Covers(pc) && !h.Covers(target) {
			fin = append(fin, i)
		}
	}
	return f.runFinallies(fin, target)
}

// runFinallies 执行 fin 中的第一个 finally，其余的记在上下文中
func (f *frame) runFinallies(fin []int, target int) int {
	if len(fin) == 0 {
		f.popHandlers(target)
		return target
	}
	start := int(f.code.Handlers[fin[0]].HandlerStart)
	f.popHandlers(start)
	f.handlers = append(f.handlers, handlerCtx{
		handler: fin[0],
		kind:    ctxFinally,
		target:  target,
		pending: fin[1:],
	})
	return start
}

// endFinally 结束当前 finally；返回继续执行的 pc，或继续向外传播的异常
//
// 异常继续传播时返回的 pc 是最初的抛出点。
func (f *frame) endFinally() (int, *ThrownException, error) {
	n := len(f.handlers)
	if n == 0 || f.handlers[n-1].kind != ctxFinally {
		return 0, nil, errors.Faultf(errors.R0003, "endfinally outside a finally handler")
	}
	ctx := f.handlers[n-1]
	f.handlers = f.handlers[:n-1]
	if ctx.throwing {
		if pc, ok := f.dispatch(ctx.exc, ctx.throwPC, ctx.next); ok {
			return pc, nil, nil
		}
		return ctx.throwPC, ctx.exc, nil
	}
	return f.runFinallies(ctx.pending, ctx.target), nil, nil
}

// caught 最内层 catch 处理器正在处理的异常
func (f *frame) caught() (*ThrownException, bool) {
	for i := len(f.handlers) - 1; i >= 0; i-- {
		if f.handlers[i].kind == ctxCatch {
			return f.handlers[i].exc, true
		}
	}
	return nil, false
}

// escape 异常离开当前帧前记录诊断信息，pc 为本帧中的抛出点
func (f *frame) escape(exc *ThrownException, pc int) *ThrownException {
	if exc.Registers == nil {
		exc.Registers = f.snapshot()
	}
	exc.Trace = append(exc.Trace, fmt.Sprintf("%s @%04d", f.method.FullName(), pc))
	return exc
}

// snapshot 当前帧寄存器的文本形式
func (f *frame) snapshot() []string {
	out := make([]string, f.code.RegisterCount)
	for r := range out {
		i := f.base + r
		out[r] = fmt.Sprintf("r%d=%s", r, describe(f.cs.slots[i], f.cs.refs[i]))
	}
	return out
}

// ============================================================================
// 未捕获异常
// ============================================================================

// uncaught 把离开 Invoke 的异常转换为诊断错误
func (vm *VM) uncaught(exc *ThrownException, receiver interface{}) *errors.UncaughtException {
	ue := &errors.UncaughtException{
		TypeName:  refTypeName(exc.Object),
		Message:   vm.exceptionMessage(exc.Object),
		CallChain: append([]string(nil), exc.Trace...),
		Registers: exc.Registers,
		Exception: exc.Object,
	}
	if receiver != nil {
		ue.Receiver = refTypeName(receiver)
	}
	return ue
}
