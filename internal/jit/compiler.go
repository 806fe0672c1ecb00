// compiler.go - 方法编译入口
//
// 编译流程：翻译（可选内联）-> 优化流水线（可选）-> 布局为 regcode.Code。
// Compiler 本身无状态（统计除外），可以被后台编译线程和调用线程并发使用。

package jit

import (
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/regvm/internal/config"
	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// ============================================================================
// 编译选项
// ============================================================================

// Options 编译选项
type Options struct {
	Optimize              bool
	Inline                bool
	InlineMaxInstructions int
	InlineMaxDepth        int
}

// OptionsFromConfig 从配置构造编译选项
func OptionsFromConfig(cfg config.JITConfig) Options {
	return Options{
		Optimize:              cfg.Optimize,
		Inline:                cfg.Inline,
		InlineMaxInstructions: cfg.InlineMaxInstructions,
		InlineMaxDepth:        cfg.InlineMaxDepth,
	}
}

// DefaultOptions 默认编译选项
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().JIT)
}

// ============================================================================
// 编译器
// ============================================================================

// Compiler 把栈字节码方法编译为寄存器代码
type Compiler struct {
	domain *metadata.Domain
	opts   Options
	logger *zap.Logger

	inlineStats inlineCounters
}

// NewCompiler 创建编译器，logger 为 nil 时不输出日志
func NewCompiler(domain *metadata.Domain, opts Options, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{
		domain: domain,
		opts:   opts,
		logger: logger.Named("jit"),
	}
}

// Options 返回编译选项
func (c *Compiler) Options() Options { return c.opts }

// Translate 把方法翻译为块级表示
func (c *Compiler) Translate(m *metadata.Method, inline bool) (*Function, error) {
	leave := m.EnterCompiling()
	defer leave()
	return newTranslator(c, m, 0, inline).translate()
}

// Compile 按编译选项完整编译方法
func (c *Compiler) Compile(m *metadata.Method) (*regcode.Code, error) {
	start := time.Now()
	fn, err := c.Translate(m, c.opts.Inline)
	if err != nil {
		c.logger.Debug("translate failed", zap.String("method", m.FullName()), zap.Error(err))
		return nil, err
	}
	translated := fn.InstrCount()

	var stats PassStats
	if c.opts.Optimize {
		stats = Optimize(fn)
	}
	code, err := fn.Layout()
	if err != nil {
		return nil, err
	}
	code.Optimized = c.opts.Optimize

	c.logger.Debug("compiled",
		zap.String("method", m.FullName()),
		zap.Int("translated", translated),
		zap.Int("instructions", code.Len()),
		zap.Int("registers", code.RegisterCount),
		zap.Int("changes", stats.TotalChanges),
		zap.Duration("elapsed", time.Since(start)),
	)
	return code, nil
}

// Reference 编译未内联、未优化的参考代码
func (c *Compiler) Reference(m *metadata.Method) (*regcode.Code, error) {
	fn, err := c.Translate(m, false)
	if err != nil {
		return nil, err
	}
	return fn.Layout()
}

// Reoptimize 对已布局的代码重新运行优化流水线
func (c *Compiler) Reoptimize(code *regcode.Code) (*regcode.Code, PassStats, error) {
	fn, err := Lift(code)
	if err != nil {
		return nil, PassStats{}, err
	}
	stats := Optimize(fn)
	out, err := fn.Layout()
	if err != nil {
		return nil, stats, err
	}
	out.Optimized = true
	return out, stats, nil
}
