package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"
	"go.uber.org/multierr"
)

// ============================================================================
// 翻译期错误
// ============================================================================

// TranslateError 单个方法翻译失败
//
// 只影响出错的方法，其它方法照常编译执行。
type TranslateError struct {
	Code   string // 错误码 (T0001)
	Method string // 方法全名
	Offset int    // 栈字节码偏移，-1 表示与指令无关
	Msg    string
	Err    error // 底层错误（可选）
}

// NewTranslateError 创建翻译错误
func NewTranslateError(code, method string, offset int, format string, args ...interface{}) *TranslateError {
	return &TranslateError{
		Code:   code,
		Method: method,
		Offset: offset,
		Msg:    fmt.Sprintf(format, args...),
	}
}

// Error 实现 error 接口
func (e *TranslateError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Code)
	sb.WriteString(": translate ")
	sb.WriteString(e.Method)
	if e.Offset >= 0 {
		fmt.Fprintf(&sb, " @%d", e.Offset)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Msg)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *TranslateError) Unwrap() error { return e.Err }

// ============================================================================
// 运行时内部错误
// ============================================================================

// RuntimeFault VM 内部错误
//
// 字节码自身的类型安全本应排除这些情况，因此它们不进入异常处理流程，
// 也不能被托管代码捕获。
type RuntimeFault struct {
	Code   string
	Method string
	PC     int
	Msg    string
}

// Faultf 创建运行时内部错误
func Faultf(code string, format string, args ...interface{}) *RuntimeFault {
	return &RuntimeFault{Code: code, PC: -1, Msg: fmt.Sprintf(format, args...)}
}

// At 补充出错位置
func (e *RuntimeFault) At(method string, pc int) *RuntimeFault {
	if e.Method == "" {
		e.Method = method
		e.PC = pc
	}
	return e
}

// Error 实现 error 接口
func (e *RuntimeFault) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s: vm fault: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: vm fault in %s @%d: %s", e.Code, e.Method, e.PC, e.Msg)
}

// ============================================================================
// 未捕获的用户异常
// ============================================================================

// UncaughtException 从 Invoke 传出的托管异常及其诊断上下文
type UncaughtException struct {
	TypeName  string   `json:"type"`
	Message   string   `json:"message"`
	CallChain []string `json:"call_chain"`
	Receiver  string   `json:"receiver,omitempty"`
	Registers []string `json:"registers,omitempty"`

	// Exception 异常对象本身（宿主可据此取回原始对象）
	Exception interface{} `json:"-"`
}

// Error 实现 error 接口
func (e *UncaughtException) Error() string {
	var sb strings.Builder
	sb.WriteString(R0200)
	sb.WriteString(": uncaught ")
	sb.WriteString(e.TypeName)
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	for _, frame := range e.CallChain {
		sb.WriteString("\n    at ")
		sb.WriteString(frame)
	}
	return sb.String()
}

// JSON 以 JSON 形式输出诊断信息
func (e *UncaughtException) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// ============================================================================
// 辅助函数
// ============================================================================

// Combine 合并多个错误，nil 会被忽略
func Combine(errs ...error) error {
	return multierr.Combine(errs...)
}

// Append 追加错误
func Append(left, right error) error {
	return multierr.Append(left, right)
}

// List 展开合并后的错误
func List(err error) []error {
	return multierr.Errors(err)
}

// Is 同标准库 errors.Is
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As 同标准库 errors.As
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// New 同标准库 errors.New
func New(text string) error { return stderrors.New(text) }
