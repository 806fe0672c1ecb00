// natives.go - 原生方法绑定与调用

package vm

import (
	"fmt"

	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
)

// BindNative 为没有方法体的方法绑定 Go 实现
//
// identity 为方法限定名，例如 "Demo::Log(System.String)"。
// 绑定只影响当前 VM，优先于方法描述上的 Native。
func (vm *VM) BindNative(identity string, fn metadata.NativeFunc) error {
	m, ok := vm.domain.MethodByName(identity)
	if !ok {
		return fmt.Errorf("bind native: unknown method %q", identity)
	}
	if m.Body != nil {
		return fmt.Errorf("bind native: %s has a bytecode body", identity)
	}
	if fn == nil {
		return fmt.Errorf("bind native: nil function for %s", identity)
	}
	vm.natives.Store(m, fn)
	vm.logger.Debug("native bound", zapMethod(m))
	return nil
}

// nativeFor 方法的 Go 实现
func (vm *VM) nativeFor(m *metadata.Method) (metadata.NativeFunc, error) {
	if v, ok := vm.natives.Load(m); ok {
		return v.(metadata.NativeFunc), nil
	}
	if m.Native != nil {
		return m.Native, nil
	}
	return nil, errors.Faultf(errors.R0007, "%s has no body and no native binding", m.FullName())
}

// callNative 以窗口 [base, base+ParamCount) 中的参数调用原生方法
//
// 原生方法返回的 *ThrownException 按托管异常传播，其它错误包装为
// System.Exception。
func (vm *VM) callNative(cs *CallStack, m *metadata.Method, base int) (Slot, interface{}, error) {
	fn, err := vm.nativeFor(m)
	if err != nil {
		return NullSlot, nil, err
	}
	var this interface{}
	i := base
	if m.HasThis {
		this = toGo(cs.slots[i], cs.refs[i])
		i++
	}
	args := make([]interface{}, m.Arity())
	for j := range args {
		args[j] = toGo(cs.slots[i+j], cs.refs[i+j])
	}
	cs.clear(base, base+m.ParamCount())

	vm.stats.nativeCalls.Inc()
	ret, err := fn(this, args)
	if err != nil {
		var te *ThrownException
		if errors.As(err, &te) {
			te.Trace = append(te.Trace, m.FullName()+" (native)")
			return NullSlot, nil, te
		}
		exc := vm.newException(vm.domain.Core.Exception, err.Error())
		exc.Trace = append(exc.Trace, m.FullName()+" (native)")
		return NullSlot, nil, exc
	}
	if !m.ReturnsValue() && !m.IsConstructor {
		return NullSlot, nil, nil
	}
	s, ref := fromGo(ret, m.ReturnType)
	return s, ref, nil
}
