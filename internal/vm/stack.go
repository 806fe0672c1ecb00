// stack.go - 求值栈与寄存器窗口
//
// 每次 Invoke 使用一个 CallStack。每个方法调用在栈上切出
// RegisterCount 个连续槽位作为寄存器窗口，被调用方的窗口紧接在
// 调用方窗口之后。栈按需扩容；托管指针记录绝对槽位而不是切片地址，
// 因此扩容不会使其失效。

package vm

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tangzhangming/regvm/internal/errors"
)

// CallStack 一次调用链使用的求值栈
type CallStack struct {
	id    string
	slots []Slot
	refs  []interface{} // 与 slots 平行的引用表

	depth    int // 当前调用深度
	maxSlots int
	maxDepth int
}

func newCallStack(initial, maxSlots, maxDepth int) *CallStack {
	return &CallStack{
		id:       uuid.NewString(),
		slots:    make([]Slot, initial),
		refs:     make([]interface{}, initial),
		maxSlots: maxSlots,
		maxDepth: maxDepth,
	}
}

// ID 调用栈标识，用于日志
func (cs *CallStack) ID() string { return cs.id }

// ensure 保证 [0, n) 可用
func (cs *CallStack) ensure(n int) error {
	if n <= len(cs.slots) {
		return nil
	}
	if n > cs.maxSlots {
		return errors.Faultf(errors.R0101, "need %d slots, limit is %d", n, cs.maxSlots)
	}
	size := len(cs.slots) * 2
	if size == 0 {
		size = n
	}
	for size < n {
		size *= 2
	}
	if size > cs.maxSlots {
		size = cs.maxSlots
	}
	slots := make([]Slot, size)
	refs := make([]interface{}, size)
	copy(slots, cs.slots)
	copy(refs, cs.refs)
	cs.slots, cs.refs = slots, refs
	return nil
}

// clear 清空 [from, to)，释放引用
func (cs *CallStack) clear(from, to int) {
	if to > len(cs.slots) {
		to = len(cs.slots)
	}
	for i := from; i < to; i++ {
		cs.slots[i] = NullSlot
		cs.refs[i] = nil
	}
}

// enter 进入一层调用
func (cs *CallStack) enter() error {
	if cs.depth >= cs.maxDepth {
		return errors.Faultf(errors.R0100, "call depth exceeds %d", cs.maxDepth)
	}
	cs.depth++
	return nil
}

func (cs *CallStack) leave() { cs.depth-- }

// ============================================================================
// 调用栈复用
// ============================================================================

// stackPool CallStack 复用池
type stackPool struct {
	pool sync.Pool

	initial, maxSlots, maxDepth int
}

func newStackPool(initial, maxSlots, maxDepth int) *stackPool {
	p := &stackPool{initial: initial, maxSlots: maxSlots, maxDepth: maxDepth}
	p.pool.New = func() interface{} {
		return newCallStack(p.initial, p.maxSlots, p.maxDepth)
	}
	return p
}

func (p *stackPool) get() *CallStack {
	return p.pool.Get().(*CallStack)
}

// put 归还前清空引用，避免池中对象持有堆对象
func (p *stackPool) put(cs *CallStack) {
	cs.clear(0, len(cs.slots))
	cs.depth = 0
	p.pool.Put(cs)
}
