// statics.go - 静态字段存储与类型初始化
//
// 每个解释执行的类型有一块静态存储，首次访问时分配并运行静态构造函数。
// 初始化在类型锁下进行；正在初始化该类型的调用栈可以重入访问
// （此时看到的是尚未初始化完的值）。静态构造函数抛出的异常只在
// 第一次访问时传播，之后的访问看到默认值。

package vm

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/tangzhangming/regvm/internal/metadata"
)

// staticStorage 一个类型的静态字段
type staticStorage struct {
	storage

	mu    sync.Mutex
	done  atomic.Bool
	owner atomic.String // 正在运行静态构造函数的调用栈
}

func (s *staticStorage) cells() *storage { return &s.storage }

func newStaticStorage(t *metadata.Type) *staticStorage {
	fields := t.StaticFields()
	st := &staticStorage{storage: newStorage(len(fields))}
	for i, f := range fields {
		st.slots[i], st.refs[i] = defaultValue(f.Type)
	}
	return st
}

// staticsFor 返回类型的静态存储，必要时在 top 处运行静态构造函数
func (f *frame) staticsFor(t *metadata.Type) (*staticStorage, error) {
	vm := f.vm
	v, ok := vm.statics.Load(t)
	if !ok {
		v, _ = vm.statics.LoadOrStore(t, newStaticStorage(t))
	}
	st := v.(*staticStorage)
	if st.done.Load() || st.owner.Load() == f.cs.ID() {
		return st, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done.Load() {
		return st, nil
	}
	st.owner.Store(f.cs.ID())
	defer st.owner.Store("")
	defer st.done.Store(true)

	cctor := t.StaticConstructor
	if cctor == nil {
		return st, nil
	}
	vm.logger.Debug("running static constructor",
		zapMethod(cctor), zapStack(f.cs))
	_, _, err := vm.call(f.ctx, f.cs, cctor, f.top())
	return st, err
}

// staticField 解析静态字段的存储位置
//
// 原生类型的静态字段返回 nil 存储，由访问器读写。
func (f *frame) staticField(fld *metadata.Field) (*staticStorage, int, error) {
	t, ok := fld.Owner.(*metadata.Type)
	if !ok {
		return nil, fld.Index, nil
	}
	st, err := f.staticsFor(t)
	if err != nil {
		return nil, 0, err
	}
	i, _ := t.StaticIndex(fld.Token())
	return st, i, nil
}
