// dispatch.go - 虚方法分派缓存
//
// callvirt 按接收者的运行时类型解析实现方法。解析结果按
// (运行时类型, 声明方法) 缓存，缓存在 VM 内所有调用栈间共享。

package vm

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/tangzhangming/regvm/internal/bytecode"
	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
)

// dispatchKey 缓存键
type dispatchKey struct {
	typ    bytecode.Token
	method bytecode.Token
}

// dispatchCache 虚方法分派缓存
type dispatchCache struct {
	entries sync.Map // dispatchKey -> *metadata.Method
	hits    atomic.Int64
	misses  atomic.Int64
}

// lookup 解析 declared 在运行时类型 t 上的实现
func (c *dispatchCache) lookup(t metadata.TypeDesc, declared *metadata.Method) *metadata.Method {
	key := dispatchKey{typ: t.Token(), method: declared.Token()}
	if v, ok := c.entries.Load(key); ok {
		c.hits.Inc()
		return v.(*metadata.Method)
	}
	c.misses.Inc()
	impl := t.ResolveVirtual(declared)
	if impl == nil {
		impl = declared
	}
	c.entries.Store(key, impl)
	return impl
}

// resolveVirtual 按接收者解析 callvirt 的目标
//
// 接收者为 null 时抛 NullReferenceException；实现仍为抽象方法时为内部错误。
func (f *frame) resolveVirtual(declared *metadata.Method, recv Slot, ref interface{}) (*metadata.Method, *ThrownException, error) {
	if recv.IsPointer() {
		var err error
		if recv, ref, err = f.deref(recv, ref); err != nil {
			return nil, nil, err
		}
	}
	if recv.Kind == KindNull || ref == nil {
		return nil, f.vm.nullReference(), nil
	}
	if !declared.Virtual {
		return declared, nil, nil
	}
	impl := f.vm.dispatch.lookup(f.vm.typeOf(ref), declared)
	if impl.Abstract {
		return nil, nil, errors.Faultf(errors.R0006, "%s has no implementation of %s", refTypeName(ref), declared.FullName())
	}
	return impl, nil, nil
}
