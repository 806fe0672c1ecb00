package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ============================================================================
// Token
// ============================================================================

// Token 类型 / 方法 / 字段 / 字符串的哈希标识
type Token uint64

// NoToken 空 token
const NoToken Token = 0

// genericParamTag 泛型参数 token 的高位标记
const genericParamTag Token = 0xFFFF_0000_0000_0000

// TokenOf 根据限定名计算 token (BLAKE2b-64)
func TokenOf(qualifiedName string) Token {
	sum := blake2b.Sum256([]byte(qualifiedName))
	tok := Token(binary.LittleEndian.Uint64(sum[:8]))
	// 保留 0 和泛型参数区间
	tok &^= genericParamTag
	if tok == NoToken {
		tok = 1
	}
	return tok
}

// GenericParam 方法第 i 个泛型参数的 token
func GenericParam(i int) Token {
	return genericParamTag | Token(i)
}

// IsGenericParam 是否为泛型参数 token，返回参数序号
func (t Token) IsGenericParam() (int, bool) {
	if t&genericParamTag == genericParamTag {
		return int(t &^ genericParamTag), true
	}
	return 0, false
}

func (t Token) String() string {
	if i, ok := t.IsGenericParam(); ok {
		return fmt.Sprintf("!!%d", i)
	}
	return fmt.Sprintf("#%016x", uint64(t))
}

// ============================================================================
// 指令
// ============================================================================

// Instruction 栈式指令
type Instruction struct {
	Op      OpCode
	Int     int64   // 整数操作数（参数/局部变量索引、整数常量）
	Float   float64 // 浮点常量
	Token   Token   // 元数据 token
	Target  int     // 跳转目标（指令索引）
	Targets []int   // switch 跳转表
}

func (in Instruction) String() string {
	switch in.Op {
	case OpLdarg, OpStarg, OpLdarga, OpLdloc, OpStloc, OpLdloca, OpLdcI4, OpLdcI8:
		return fmt.Sprintf("%s %d", in.Op, in.Int)
	case OpLdcR4, OpLdcR8:
		return fmt.Sprintf("%s %g", in.Op, in.Float)
	case OpSwitch:
		parts := make([]string, len(in.Targets))
		for i, t := range in.Targets {
			parts[i] = fmt.Sprintf("IL_%04d", t)
		}
		return fmt.Sprintf("%s (%s)", in.Op, strings.Join(parts, ", "))
	}
	if in.Op.IsBranch() {
		return fmt.Sprintf("%s IL_%04d", in.Op, in.Target)
	}
	if in.Token != NoToken {
		return fmt.Sprintf("%s %s", in.Op, in.Token)
	}
	return in.Op.String()
}

// ============================================================================
// 异常子句
// ============================================================================

// ClauseKind 异常子句类型
type ClauseKind byte

const (
	ClauseCatch ClauseKind = iota
	ClauseFinally
	ClauseFault
)

func (k ClauseKind) String() string {
	switch k {
	case ClauseCatch:
		return "catch"
	case ClauseFinally:
		return "finally"
	case ClauseFault:
		return "fault"
	default:
		return "unknown"
	}
}

// ExceptionClause 异常子句（指令索引区间，左闭右开）
type ExceptionClause struct {
	Kind         ClauseKind
	TryStart     int
	TryEnd       int
	HandlerStart int
	HandlerEnd   int
	CatchType    Token // 仅 catch 有效
}

// ============================================================================
// 方法体
// ============================================================================

// Local 局部变量声明
type Local struct {
	Type Token
}

// MethodBody 方法体
type MethodBody struct {
	Code     []Instruction
	Locals   []Local
	MaxStack int // 0 表示由栈检查器计算
	Clauses  []ExceptionClause
}

// Validate 检查跳转目标与异常子句的范围
func (b *MethodBody) Validate() error {
	n := len(b.Code)
	for i, in := range b.Code {
		if !in.Op.Valid() {
			return fmt.Errorf("IL_%04d: unknown opcode %d", i, in.Op)
		}
		if in.Op == OpSwitch {
			for _, t := range in.Targets {
				if t < 0 || t >= n {
					return fmt.Errorf("IL_%04d: switch target %d out of range", i, t)
				}
			}
		} else if in.Op.IsBranch() && (in.Target < 0 || in.Target >= n) {
			return fmt.Errorf("IL_%04d: branch target %d out of range", i, in.Target)
		}
	}
	for i, c := range b.Clauses {
		if c.TryStart < 0 || c.TryStart >= c.TryEnd || c.TryEnd > n {
			return fmt.Errorf("clause %d: invalid try range [%d, %d)", i, c.TryStart, c.TryEnd)
		}
		if c.HandlerStart < 0 || c.HandlerStart >= c.HandlerEnd || c.HandlerEnd > n {
			return fmt.Errorf("clause %d: invalid handler range [%d, %d)", i, c.HandlerStart, c.HandlerEnd)
		}
	}
	return nil
}

// Disassemble 返回方法体的文本形式
func (b *MethodBody) Disassemble() string {
	var sb strings.Builder
	for i, in := range b.Code {
		fmt.Fprintf(&sb, "IL_%04d: %s\n", i, in)
	}
	for _, c := range b.Clauses {
		fmt.Fprintf(&sb, ".try IL_%04d to IL_%04d %s handler IL_%04d to IL_%04d",
			c.TryStart, c.TryEnd, c.Kind, c.HandlerStart, c.HandlerEnd)
		if c.Kind == ClauseCatch {
			fmt.Fprintf(&sb, " type %s", c.CatchType)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
