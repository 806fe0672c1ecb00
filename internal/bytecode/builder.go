package bytecode

import "fmt"

// ============================================================================
// 方法体构建器
// ============================================================================
//
// 按标签组装栈式字节码，供测试与演示程序使用。
// 跳转目标、异常子句边界都用标签表示，Build 时统一解析为指令索引。

type labelFixup struct {
	index int    // 指令位置
	slot  int    // -1 表示 Target，否则为 Targets 下标
	label string // 目标标签
}

type clauseSpec struct {
	kind                                         ClauseKind
	tryStart, tryEnd, handlerStart, handlerEnd string
	catchType                                    Token
}

// Builder 字节码构建器
type Builder struct {
	code     []Instruction
	locals   []Local
	labels   map[string]int
	fixups   []labelFixup
	clauses  []clauseSpec
	maxStack int
	err      error
}

// NewBuilder 创建构建器
func NewBuilder() *Builder {
	return &Builder{labels: make(map[string]int)}
}

// Local 声明局部变量，返回其索引
func (b *Builder) Local(typ Token) int {
	b.locals = append(b.locals, Local{Type: typ})
	return len(b.locals) - 1
}

// MaxStack 显式指定最大栈深度
func (b *Builder) MaxStack(n int) *Builder {
	b.maxStack = n
	return b
}

// Label 在下一条指令处定义标签
func (b *Builder) Label(name string) *Builder {
	if _, dup := b.labels[name]; dup && b.err == nil {
		b.err = fmt.Errorf("duplicate label %q", name)
	}
	b.labels[name] = len(b.code)
	return b
}

// Emit 追加无操作数指令
func (b *Builder) Emit(op OpCode) *Builder {
	b.code = append(b.code, Instruction{Op: op})
	return b
}

// EmitInt 追加整数操作数指令
func (b *Builder) EmitInt(op OpCode, n int64) *Builder {
	b.code = append(b.code, Instruction{Op: op, Int: n})
	return b
}

// EmitFloat 追加浮点操作数指令
func (b *Builder) EmitFloat(op OpCode, f float64) *Builder {
	b.code = append(b.code, Instruction{Op: op, Float: f})
	return b
}

// EmitToken 追加 token 操作数指令
func (b *Builder) EmitToken(op OpCode, tok Token) *Builder {
	b.code = append(b.code, Instruction{Op: op, Token: tok})
	return b
}

// EmitBranch 追加跳转指令
func (b *Builder) EmitBranch(op OpCode, label string) *Builder {
	b.fixups = append(b.fixups, labelFixup{index: len(b.code), slot: -1, label: label})
	b.code = append(b.code, Instruction{Op: op})
	return b
}

// EmitSwitch 追加 switch 指令
func (b *Builder) EmitSwitch(labels ...string) *Builder {
	idx := len(b.code)
	for i, l := range labels {
		b.fixups = append(b.fixups, labelFixup{index: idx, slot: i, label: l})
	}
	b.code = append(b.code, Instruction{Op: OpSwitch, Targets: make([]int, len(labels))})
	return b
}

// Clause 声明异常子句，边界均为标签
func (b *Builder) Clause(kind ClauseKind, tryStart, tryEnd, handlerStart, handlerEnd string, catchType Token) *Builder {
	b.clauses = append(b.clauses, clauseSpec{kind, tryStart, tryEnd, handlerStart, handlerEnd, catchType})
	return b
}

// 常用指令的快捷方式

func (b *Builder) Ldarg(n int) *Builder  { return b.EmitInt(OpLdarg, int64(n)) }
func (b *Builder) Starg(n int) *Builder  { return b.EmitInt(OpStarg, int64(n)) }
func (b *Builder) Ldloc(n int) *Builder  { return b.EmitInt(OpLdloc, int64(n)) }
func (b *Builder) Stloc(n int) *Builder  { return b.EmitInt(OpStloc, int64(n)) }
func (b *Builder) LdcI4(n int32) *Builder { return b.EmitInt(OpLdcI4, int64(n)) }
func (b *Builder) LdcI8(n int64) *Builder { return b.EmitInt(OpLdcI8, n) }
func (b *Builder) LdcR8(f float64) *Builder { return b.EmitFloat(OpLdcR8, f) }
func (b *Builder) Call(tok Token) *Builder { return b.EmitToken(OpCall, tok) }
func (b *Builder) Ret() *Builder          { return b.Emit(OpRet) }

// Build 解析标签并返回方法体
func (b *Builder) Build() (*MethodBody, error) {
	if b.err != nil {
		return nil, b.err
	}
	resolve := func(label string) (int, error) {
		pos, ok := b.labels[label]
		if !ok {
			return 0, fmt.Errorf("undefined label %q", label)
		}
		return pos, nil
	}

	code := make([]Instruction, len(b.code))
	copy(code, b.code)
	for i := range code {
		if code[i].Targets != nil {
			code[i].Targets = append([]int(nil), code[i].Targets...)
		}
	}
	for _, f := range b.fixups {
		pos, err := resolve(f.label)
		if err != nil {
			return nil, err
		}
		if f.slot < 0 {
			code[f.index].Target = pos
		} else {
			code[f.index].Targets[f.slot] = pos
		}
	}

	body := &MethodBody{
		Code:     code,
		Locals:   append([]Local(nil), b.locals...),
		MaxStack: b.maxStack,
	}
	for _, c := range b.clauses {
		var clause ExceptionClause
		var err error
		clause.Kind = c.kind
		clause.CatchType = c.catchType
		if clause.TryStart, err = resolve(c.tryStart); err != nil {
			return nil, err
		}
		if clause.TryEnd, err = resolve(c.tryEnd); err != nil {
			return nil, err
		}
		if clause.HandlerStart, err = resolve(c.handlerStart); err != nil {
			return nil, err
		}
		if clause.HandlerEnd, err = resolve(c.handlerEnd); err != nil {
			return nil, err
		}
		body.Clauses = append(body.Clauses, clause)
	}

	if err := body.Validate(); err != nil {
		return nil, err
	}
	return body, nil
}

// MustBuild 同 Build，出错时 panic
func (b *Builder) MustBuild() *MethodBody {
	body, err := b.Build()
	if err != nil {
		panic(err)
	}
	return body
}
