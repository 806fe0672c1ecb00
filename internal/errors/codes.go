// Package errors 提供 regvm 的错误分类与诊断信息
package errors

// ============================================================================
// 错误级别
// ============================================================================

// Level 错误级别
type Level int

const (
	LevelFatal   Level = iota // 不可恢复（VM 内部错误）
	LevelError                // 单个方法失败
	LevelWarning              // 警告
)

func (l Level) String() string {
	switch l {
	case LevelFatal:
		return "fatal"
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// ============================================================================
// 翻译期错误码 (T 开头)
// ============================================================================

const (
	// T0001-T0099: 指令错误
	T0001 = "T0001" // 未知或不支持的操作码
	T0002 = "T0002" // 分支目标越界
	T0003 = "T0003" // 栈下溢
	T0004 = "T0004" // 控制流合并点栈深度不一致
	T0005 = "T0005" // 方法没有字节码

	// T0100-T0199: 元数据错误
	T0100 = "T0100" // 无法解析的 token
	T0101 = "T0101" // 异常子句范围无效
	T0102 = "T0102" // 寄存器数量超出编码范围
)

// ============================================================================
// 运行时错误码 (R 开头)
// ============================================================================

const (
	// R0001-R0099: VM 内部错误
	R0001 = "R0001" // 值的类型标记不匹配
	R0002 = "R0002" // 未知寄存器操作码
	R0003 = "R0003" // 无效的引用
	R0004 = "R0004" // 字段访问目标无效
	R0005 = "R0005" // 方法无法执行（编译失败）
	R0006 = "R0006" // 抽象方法没有实现
	R0007 = "R0007" // 原生方法未绑定

	// R0100-R0199: 资源/限制错误
	R0100 = "R0100" // 调用栈过深
	R0101 = "R0101" // 求值栈超出上限

	// R0200-R0299: 用户级异常
	R0200 = "R0200" // 未捕获的异常
)

// ============================================================================
// 错误码信息
// ============================================================================

// ErrorInfo 错误码信息
type ErrorInfo struct {
	Code     string // 错误码
	Level    Level  // 错误级别
	Category string // 错误分类
	Summary  string // 简短描述
}

var errorInfos = map[string]ErrorInfo{
	T0001: {T0001, LevelError, "translate", "unsupported opcode"},
	T0002: {T0002, LevelError, "translate", "branch target out of range"},
	T0003: {T0003, LevelError, "translate", "stack underflow"},
	T0004: {T0004, LevelError, "translate", "inconsistent stack depth"},
	T0005: {T0005, LevelError, "translate", "method has no body"},
	T0100: {T0100, LevelError, "metadata", "unresolved token"},
	T0101: {T0101, LevelError, "metadata", "invalid exception clause"},
	T0102: {T0102, LevelError, "metadata", "register index overflow"},

	R0001: {R0001, LevelFatal, "runtime", "value kind mismatch"},
	R0002: {R0002, LevelFatal, "runtime", "unknown register opcode"},
	R0003: {R0003, LevelFatal, "runtime", "invalid reference"},
	R0004: {R0004, LevelFatal, "runtime", "invalid field target"},
	R0005: {R0005, LevelFatal, "runtime", "method not executable"},
	R0006: {R0006, LevelFatal, "runtime", "abstract method has no implementation"},
	R0007: {R0007, LevelFatal, "runtime", "native method not bound"},
	R0100: {R0100, LevelFatal, "limit", "call depth exceeded"},
	R0101: {R0101, LevelFatal, "limit", "evaluation stack exhausted"},
	R0200: {R0200, LevelError, "exception", "uncaught exception"},
}

// GetErrorInfo 获取错误码信息
func GetErrorInfo(code string) (ErrorInfo, bool) {
	info, ok := errorInfos[code]
	return info, ok
}

// IsFatal 错误码是否属于不可恢复的内部错误
func IsFatal(code string) bool {
	info, ok := errorInfos[code]
	return ok && info.Level == LevelFatal
}
