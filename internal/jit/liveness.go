// liveness.go - 寄存器活跃性分析
//
// 以块为单位的后向数据流，工作列表迭代到不动点。
// 被取地址的寄存器、以及带异常处理器的方法中的参数/局部变量
// 视为处处活跃（异常边没有在 CFG 中显式表示）。

package jit

import "github.com/tangzhangming/regvm/internal/regcode"

// ============================================================================
// 寄存器集合
// ============================================================================

type regSet []uint64

func newRegSet(n int) regSet {
	return make(regSet, (n+63)/64)
}

func (s regSet) has(r regcode.Register) bool {
	i := int(r)
	if r < 0 || i/64 >= len(s) {
		return false
	}
	return s[i/64]&(1<<(uint(i)%64)) != 0
}

func (s regSet) add(r regcode.Register) {
	i := int(r)
	if r < 0 || i/64 >= len(s) {
		return
	}
	s[i/64] |= 1 << (uint(i) % 64)
}

func (s regSet) remove(r regcode.Register) {
	i := int(r)
	if r < 0 || i/64 >= len(s) {
		return
	}
	s[i/64] &^= 1 << (uint(i) % 64)
}

// union 返回是否有变化
func (s regSet) union(o regSet) bool {
	changed := false
	for i := range s {
		if i >= len(o) {
			break
		}
		n := s[i] | o[i]
		if n != s[i] {
			s[i] = n
			changed = true
		}
	}
	return changed
}

func (s regSet) copyFrom(o regSet) {
	copy(s, o)
}

func (s regSet) clone() regSet {
	out := make(regSet, len(s))
	copy(out, s)
	return out
}

// ============================================================================
// 活跃性
// ============================================================================

// liveness 每个块的入口/出口活跃集合
type liveness struct {
	fn      *Function
	size    int
	always  regSet
	index   map[*BasicBlock]int
	liveIn  []regSet
	liveOut []regSet
}

func computeLiveness(fn *Function) *liveness {
	fn.Link()
	lv := &liveness{
		fn:      fn,
		size:    fn.RegisterCount,
		always:  fn.addressTaken(),
		index:   make(map[*BasicBlock]int, len(fn.Blocks)),
		liveIn:  make([]regSet, len(fn.Blocks)),
		liveOut: make([]regSet, len(fn.Blocks)),
	}
	if len(fn.Handlers) > 0 {
		for r := 0; r < fn.StableCount; r++ {
			lv.always.add(regcode.Register(r))
		}
	}
	for i, b := range fn.Blocks {
		lv.index[b] = i
		lv.liveIn[i] = newRegSet(lv.size)
		lv.liveOut[i] = newRegSet(lv.size)
	}

	// 逆序迭代收敛更快
	scratch := newRegSet(lv.size)
	for changed := true; changed; {
		changed = false
		for i := len(fn.Blocks) - 1; i >= 0; i-- {
			b := fn.Blocks[i]
			out := lv.liveOut[i]
			out.union(lv.always)
			for _, s := range b.Succs {
				out.union(lv.liveIn[lv.index[s]])
			}
			scratch.copyFrom(out)
			for j := len(b.Instrs) - 1; j >= 0; j-- {
				transfer(scratch, &b.Instrs[j])
			}
			if lv.liveIn[i].union(scratch) {
				changed = true
			}
		}
	}
	return lv
}

// transfer live = (live - def) ∪ uses
func transfer(live regSet, in *Inst) {
	if d := in.Def(); d != regcode.NoRegister {
		live.remove(d)
	}
	var buf [4]regcode.Register
	for _, u := range in.Uses(buf[:0]) {
		live.add(u)
	}
}

// liveAfter 返回块内每条指令之后的活跃集合
func (lv *liveness) liveAfter(b *BasicBlock) []regSet {
	i, ok := lv.index[b]
	out := make([]regSet, len(b.Instrs))
	live := newRegSet(lv.size)
	if ok {
		live.copyFrom(lv.liveOut[i])
	}
	live.union(lv.always)
	for j := len(b.Instrs) - 1; j >= 0; j-- {
		out[j] = live.clone()
		transfer(live, &b.Instrs[j])
		live.union(lv.always)
	}
	return out
}

// isAlways 是否为处处活跃的寄存器
func (lv *liveness) isAlways(r regcode.Register) bool {
	return lv.always.has(r)
}
