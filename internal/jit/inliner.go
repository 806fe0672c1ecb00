// inliner.go - 调用点内联
//
// 内联策略：
// 1. 只内联 call（非虚分派）到解释执行的方法
// 2. 被调用方不能有异常处理器
// 3. 被调用方正在翻译时不内联（递归）
// 4. 翻译后的指令数不超过 InlineMaxInstructions
// 5. 嵌套深度不超过 InlineMaxDepth
//
// 拼接方式：调用所在块在调用点处截断，被调用方的块整体复制到其后，
// 寄存器整体平移到调用方当前的最高寄存器之上，ret 改写为
// move + br 到续块。区间用 InlineStart / InlineEnd 标记。

package jit

import (
	"fortio.org/safecast"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// ============================================================================
// 内联统计
// ============================================================================

// InlineStats 内联统计快照
type InlineStats struct {
	Attempts         int64 // 考察过的调用点
	Inlined          int64
	SkippedVirtual   int64
	SkippedNative    int64
	SkippedHandlers  int64
	SkippedRecursive int64
	SkippedTooBig    int64
	SkippedDepth     int64
	SkippedOther     int64
}

// inlineCounters 编译器可能被后台线程和调用线程同时使用
type inlineCounters struct {
	attempts, inlined                         atomic.Int64
	virtual, native, handlers, recursive, big atomic.Int64
	depth, other                              atomic.Int64
}

func (c *inlineCounters) snapshot() InlineStats {
	return InlineStats{
		Attempts:         c.attempts.Load(),
		Inlined:          c.inlined.Load(),
		SkippedVirtual:   c.virtual.Load(),
		SkippedNative:    c.native.Load(),
		SkippedHandlers:  c.handlers.Load(),
		SkippedRecursive: c.recursive.Load(),
		SkippedTooBig:    c.big.Load(),
		SkippedDepth:     c.depth.Load(),
		SkippedOther:     c.other.Load(),
	}
}

// ============================================================================
// 内联决策
// ============================================================================

// inlineSkip 不内联的原因，空串表示可以内联
func (t *translator) inlineSkip(callee *metadata.Method) string {
	cfg := t.c.opts
	cnt := &t.c.inlineStats
	switch {
	case t.depth >= cfg.InlineMaxDepth:
		cnt.depth.Inc()
		return "depth"
	case callee.Virtual || callee.Abstract:
		cnt.virtual.Inc()
		return "virtual"
	case callee.IsNative():
		cnt.native.Inc()
		return "native"
	case callee.IsGenericDefinition():
		cnt.other.Inc()
		return "generic definition"
	case len(callee.Body.Clauses) > 0:
		cnt.handlers.Inc()
		return "exception handlers"
	case callee.IsCompiling():
		cnt.recursive.Inc()
		return "recursive"
	case len(callee.Body.Code) > 4*cfg.InlineMaxInstructions:
		cnt.big.Inc()
		return "too big"
	}
	return ""
}

// calleeFunction 翻译被调用方（同一次翻译内复用）
func (t *translator) calleeFunction(callee *metadata.Method) (*Function, error) {
	if fn, ok := t.inlineCache[callee]; ok {
		return fn, nil
	}
	leave := callee.EnterCompiling()
	defer leave()

	sub := newTranslator(t.c, callee, t.depth+1, t.inline)
	fn, err := sub.translate()
	if err != nil {
		return nil, err
	}
	t.inlineCache[callee] = fn
	return fn, nil
}

// tryInline 尝试在当前位置内联 callee，成功返回 true
func (t *translator) tryInline(callee *metadata.Method, args []regcode.Register, result regcode.Register) bool {
	t.c.inlineStats.attempts.Inc()
	log := t.c.logger.With(zap.String("caller", t.method.FullName()), zap.String("callee", callee.FullName()))

	if reason := t.inlineSkip(callee); reason != "" {
		log.Debug("inline skipped", zap.String("reason", reason))
		return false
	}
	cfn, err := t.calleeFunction(callee)
	if err != nil {
		t.c.inlineStats.other.Inc()
		log.Debug("inline skipped", zap.Error(err))
		return false
	}
	if n := cfn.InstrCount(); n > t.c.opts.InlineMaxInstructions {
		t.c.inlineStats.big.Inc()
		log.Debug("inline skipped", zap.String("reason", "too big"), zap.Int("instructions", n))
		return false
	}
	shift := t.fn.RegisterCount
	if _, err := safecast.Convert[int16](shift + cfn.RegisterCount); err != nil {
		t.c.inlineStats.other.Inc()
		log.Debug("inline skipped", zap.String("reason", "register overflow"))
		return false
	}

	t.splice(callee, cfn, shift, args, result)
	t.c.inlineStats.inlined.Inc()
	log.Debug("inlined", zap.Int("instructions", cfn.InstrCount()), zap.Int("shift", shift))
	return true
}

// splice 把 cfn 的块复制到当前块之后
func (t *translator) splice(callee *metadata.Method, cfn *Function, shift int, args []regcode.Register, result regcode.Register) {
	remap := func(r regcode.Register) regcode.Register { return r + regcode.Register(shift) }
	inlineDepth := t.cur.InlineDepth + 1

	// 实参传入被调用方的参数寄存器
	for i, a := range args {
		t.emit(regcode.Instruction{Op: regcode.Move, Reg1: remap(regcode.Register(i)), Reg2: a})
	}
	t.emit(regcode.Instruction{Op: regcode.InlineStart, Token: callee.Token()})
	t.cur.ExitHigh = shift + len(args)

	cont := t.fn.NewBlock()
	cont.Start, cont.End = t.cur.Start, t.cur.End
	cont.EntryDepth = t.cur.EntryDepth
	cont.InlineDepth = t.cur.InlineDepth

	clones := make(map[*BasicBlock]*BasicBlock, len(cfn.Blocks))
	for _, b := range cfn.Blocks {
		nb := t.fn.NewBlock()
		nb.Start, nb.End = -1, -1
		nb.EntryDepth = b.EntryDepth
		nb.ExitHigh = b.ExitHigh + shift
		nb.InlineDepth = inlineDepth + b.InlineDepth
		clones[b] = nb
	}
	target := func(b *BasicBlock) *BasicBlock {
		if b == nil {
			return nil
		}
		return clones[b]
	}

	for _, b := range cfn.Blocks {
		nb := clones[b]
		nb.Instrs = make([]Inst, 0, len(b.Instrs)+1)
		for _, in := range b.Instrs {
			out := in
			out.MapRegisters(remap)
			out.Target = target(in.Target)
			if in.Targets != nil {
				out.Targets = make([]*BasicBlock, len(in.Targets))
				for i, tb := range in.Targets {
					out.Targets[i] = target(tb)
				}
			}
			switch in.Op {
			case regcode.Ret:
				if result != regcode.NoRegister {
					nb.emit(regcode.Instruction{Op: regcode.Move, Reg1: result, Reg2: out.Reg1})
				}
				nb.emit(regcode.Instruction{Op: regcode.Br}).Target = cont
				continue
			case regcode.RetVoid:
				nb.emit(regcode.Instruction{Op: regcode.Br}).Target = cont
				continue
			}
			nb.Instrs = append(nb.Instrs, out)
		}
		t.fn.Blocks = append(t.fn.Blocks, nb)
	}

	cont.emit(regcode.Instruction{Op: regcode.InlineEnd, Token: callee.Token()})
	t.fn.Blocks = append(t.fn.Blocks, cont)
	t.cur = cont

	if n := shift + cfn.RegisterCount; n > t.fn.RegisterCount {
		t.fn.RegisterCount = n
	}
	t.fn.markStable(shift, shift+cfn.StableCount)
	for _, span := range cfn.inlineStable {
		t.fn.markStable(span[0]+shift, span[1]+shift)
	}
}

// InlineStats 返回内联统计
func (c *Compiler) InlineStats() InlineStats {
	return c.inlineStats.snapshot()
}
