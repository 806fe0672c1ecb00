package bytecode

import (
	"fmt"
)

// ============================================================================
// 操作数栈深度分析
// ============================================================================

// CallEffects 解析调用类指令的栈效果
//
// call/callvirt/newobj 弹出的参数个数和是否压入返回值取决于元数据。
type CallEffects interface {
	CallEffect(op OpCode, tok Token) (pop, push int, ok bool)
}

// StackCheckResult 栈检查结果
type StackCheckResult struct {
	MaxDepth int   // 最大栈深度
	Depths   []int // 每条指令执行前的栈深度（-1 表示不可达）
	IsValid  bool  // 是否有效
	Errors   []string
}

// StackErrorKind 栈错误分类
type StackErrorKind int

const (
	StackUnderflow StackErrorKind = iota
	StackMismatch
	StackUnresolved
)

// StackError 带位置的栈错误
type StackError struct {
	Kind   StackErrorKind
	Offset int
	Msg    string
}

func (e *StackError) Error() string {
	return fmt.Sprintf("IL_%04d: %s", e.Offset, e.Msg)
}

// CheckStack 用工作列表计算每条指令的入口栈深度
//
// 异常处理块作为额外的入口：catch 以深度 1（异常对象）进入，
// finally/fault 以深度 0 进入；leave 清空操作数栈。
func CheckStack(body *MethodBody, calls CallEffects) (StackCheckResult, *StackError) {
	code := body.Code
	depths := make([]int, len(code))
	for i := range depths {
		depths[i] = -1
	}
	res := StackCheckResult{Depths: depths}
	if len(code) == 0 {
		res.IsValid = true
		return res, nil
	}

	// 工作列表：(位置, 当前栈深度)
	type workItem struct {
		pos   int
		depth int
	}
	worklist := []workItem{{0, 0}}
	for _, c := range body.Clauses {
		d := 0
		if c.Kind == ClauseCatch {
			d = 1
		}
		worklist = append(worklist, workItem{c.HandlerStart, d})
	}

	var firstErr *StackError
	fail := func(kind StackErrorKind, pos int, format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		res.Errors = append(res.Errors, fmt.Sprintf("IL_%04d: %s", pos, msg))
		if firstErr == nil {
			firstErr = &StackError{Kind: kind, Offset: pos, Msg: msg}
		}
	}

	for len(worklist) > 0 {
		item := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		pos, depth := item.pos, item.depth
		for pos < len(code) {
			// 已访问：检查深度一致
			if depths[pos] >= 0 {
				if depths[pos] != depth {
					fail(StackMismatch, pos, "stack depth %d conflicts with %d", depth, depths[pos])
				}
				break
			}
			depths[pos] = depth

			in := code[pos]
			var pop, push int
			if in.Op.IsCall() {
				var ok bool
				pop, push, ok = calls.CallEffect(in.Op, in.Token)
				if !ok {
					fail(StackUnresolved, pos, "cannot resolve %s", in)
					pos = len(code)
					continue
				}
			} else {
				pop, push = StackEffect(in.Op)
			}

			if depth < pop {
				fail(StackUnderflow, pos, "%s pops %d with depth %d", in.Op, pop, depth)
				pos = len(code)
				continue
			}
			depth = depth - pop + push
			if depth > res.MaxDepth {
				res.MaxDepth = depth
			}

			// 处理控制流
			switch in.Op {
			case OpBr:
				worklist = append(worklist, workItem{in.Target, depth})
				pos = len(code)
			case OpLeave:
				worklist = append(worklist, workItem{in.Target, 0})
				pos = len(code)
			case OpSwitch:
				for _, t := range in.Targets {
					worklist = append(worklist, workItem{t, depth})
				}
				pos++
			case OpRet, OpThrow, OpRethrow, OpEndfinally:
				pos = len(code)
			default:
				if in.Op.IsConditional() {
					worklist = append(worklist, workItem{in.Target, depth})
				}
				pos++
			}
		}
	}

	res.IsValid = firstErr == nil
	return res, firstErr
}
