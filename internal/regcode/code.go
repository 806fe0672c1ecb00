package regcode

import (
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/regvm/internal/bytecode"
)

// HandlerKind 异常处理器类型
type HandlerKind uint8

const (
	HandlerCatch HandlerKind = iota
	HandlerFinally
	HandlerFault
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerCatch:
		return "catch"
	case HandlerFinally:
		return "finally"
	case HandlerFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Handler 异常处理器（寄存器指令地址，左闭右开）
//
// 表按声明顺序排列，搜索时第一个匹配者胜出。
type Handler struct {
	TryStart     int32
	TryEnd       int32
	HandlerStart int32
	HandlerEnd   int32
	Kind         HandlerKind
	CatchType    bytecode.Token
}

// Covers 地址 pc 是否在 try 区间内
func (h *Handler) Covers(pc int) bool {
	return int32(pc) >= h.TryStart && int32(pc) < h.TryEnd
}

// InHandler 地址 pc 是否在处理器代码内
func (h *Handler) InHandler(pc int) bool {
	return int32(pc) >= h.HandlerStart && int32(pc) < h.HandlerEnd
}

// Code 一个方法的寄存器代码
type Code struct {
	Method        string // 方法限定名，仅用于诊断
	Token         bytecode.Token
	ParamCount    int // 参数寄存器个数（含 this）
	StableCount   int // 参数与局部变量寄存器个数，其后为临时寄存器
	RegisterCount int // 窗口大小
	Instructions  []Instruction
	Handlers      []Handler
	SwitchTables  [][]int32
	Optimized     bool
}

// Len 指令条数
func (c *Code) Len() int { return len(c.Instructions) }

// MaxRegister 指令中出现的最大寄存器号，没有时返回 -1
func (c *Code) MaxRegister() Register {
	hi := Register(-1)
	for i := range c.Instructions {
		in := &c.Instructions[i]
		in.MapRegisters(func(r Register) Register {
			if r > hi {
				hi = r
			}
			return r
		})
	}
	return hi
}

// Clone 深拷贝
func (c *Code) Clone() *Code {
	out := *c
	out.Instructions = append([]Instruction(nil), c.Instructions...)
	out.Handlers = append([]Handler(nil), c.Handlers...)
	out.SwitchTables = make([][]int32, len(c.SwitchTables))
	for i, t := range c.SwitchTables {
		out.SwitchTables[i] = append([]int32(nil), t...)
	}
	return &out
}

// Validate 检查跳转目标、处理器区间和寄存器范围
func (c *Code) Validate() error {
	n := int32(len(c.Instructions))
	for pc := range c.Instructions {
		in := &c.Instructions[pc]
		if !in.Op.Valid() {
			return fmt.Errorf("%04d: invalid opcode %d", pc, in.Op)
		}
		if in.IsBranch() && (in.Operand < 0 || in.Operand >= n) {
			return fmt.Errorf("%04d: branch target %d out of range", pc, in.Operand)
		}
		if in.Op == Switch {
			if int(in.Operand) >= len(c.SwitchTables) || in.Operand < 0 {
				return fmt.Errorf("%04d: switch table %d missing", pc, in.Operand)
			}
			for _, t := range c.SwitchTables[in.Operand] {
				if t < 0 || t >= n {
					return fmt.Errorf("%04d: switch target %d out of range", pc, t)
				}
			}
		}
		var bad error
		in.MapRegisters(func(r Register) Register {
			if bad == nil && (r < 0 || int(r) >= c.RegisterCount) {
				bad = fmt.Errorf("%04d: register r%d outside window of %d", pc, r, c.RegisterCount)
			}
			return r
		})
		if bad != nil {
			return bad
		}
	}
	for i, h := range c.Handlers {
		if h.TryStart < 0 || h.TryStart > h.TryEnd || h.TryEnd > n {
			return fmt.Errorf("handler %d: invalid try range [%d, %d)", i, h.TryStart, h.TryEnd)
		}
		if h.HandlerStart < 0 || h.HandlerStart >= n {
			return fmt.Errorf("handler %d: handler start %d out of range", i, h.HandlerStart)
		}
	}
	return nil
}

// ============================================================================
// 反汇编
// ============================================================================

// Disassemble 返回代码的文本形式
func (c *Code) Disassemble() string {
	var sb strings.Builder
	opt := ""
	if c.Optimized {
		opt = " optimized"
	}
	fmt.Fprintf(&sb, ".method %s params=%d registers=%d%s\n", c.Method, c.ParamCount, c.RegisterCount, opt)
	for pc, in := range c.Instructions {
		fmt.Fprintf(&sb, "  %04d: %s\n", pc, in)
	}
	for i, t := range c.SwitchTables {
		parts := make([]string, len(t))
		for j, target := range t {
			parts[j] = fmt.Sprintf("@%04d", target)
		}
		fmt.Fprintf(&sb, "  .table%d (%s)\n", i, strings.Join(parts, ", "))
	}
	for _, h := range c.Handlers {
		fmt.Fprintf(&sb, "  .try @%04d to @%04d %s @%04d", h.TryStart, h.TryEnd, h.Kind, h.HandlerStart)
		if h.Kind == HandlerCatch {
			fmt.Fprintf(&sb, " type %s", h.CatchType)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ============================================================================
// JSON 视图
// ============================================================================

type handlerView struct {
	TryStart     int32  `json:"try_start"`
	TryEnd       int32  `json:"try_end"`
	HandlerStart int32  `json:"handler_start"`
	Kind         string `json:"kind"`
	CatchType    string `json:"catch_type,omitempty"`
}

type codeView struct {
	Method        string        `json:"method"`
	Token         string        `json:"token"`
	ParamCount    int           `json:"param_count"`
	RegisterCount int           `json:"register_count"`
	Optimized     bool          `json:"optimized"`
	Instructions  []string      `json:"instructions"`
	Handlers      []handlerView `json:"handlers,omitempty"`
	SwitchTables  [][]int32     `json:"switch_tables,omitempty"`
}

// JSON 返回便于阅读的 JSON 形式（指令为反汇编文本）
func (c *Code) JSON() ([]byte, error) {
	v := codeView{
		Method:        c.Method,
		Token:         c.Token.String(),
		ParamCount:    c.ParamCount,
		RegisterCount: c.RegisterCount,
		Optimized:     c.Optimized,
		Instructions:  make([]string, len(c.Instructions)),
		SwitchTables:  c.SwitchTables,
	}
	for i, in := range c.Instructions {
		v.Instructions[i] = in.String()
	}
	for _, h := range c.Handlers {
		hv := handlerView{
			TryStart:     h.TryStart,
			TryEnd:       h.TryEnd,
			HandlerStart: h.HandlerStart,
			Kind:         h.Kind.String(),
		}
		if h.Kind == HandlerCatch {
			hv.CatchType = h.CatchType.String()
		}
		v.Handlers = append(v.Handlers, hv)
	}
	return json.MarshalIndent(v, "", "  ")
}
