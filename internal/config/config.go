// Package config 实现 regvm 的运行配置
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// 常量定义
const (
	ConfigFileName = "regvm.toml" // 默认配置文件名
	EnvPrefix      = "REGVM_"     // 环境变量前缀
)

// Config 虚拟机配置
type Config struct {
	JIT     JITConfig     `toml:"jit" yaml:"jit"`
	Worker  WorkerConfig  `toml:"worker" yaml:"worker"`
	Runtime RuntimeConfig `toml:"runtime" yaml:"runtime"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Cache   CacheConfig   `toml:"cache" yaml:"cache"`
}

// JITConfig 翻译与优化配置
type JITConfig struct {
	// Optimize 是否运行优化 Pass
	Optimize bool `toml:"optimize" yaml:"optimize"`

	// Inline 是否允许调用点内联
	Inline bool `toml:"inline" yaml:"inline"`

	// InlineMaxInstructions 可内联方法的最大寄存器指令数
	InlineMaxInstructions int `toml:"inline_max_instructions" yaml:"inline_max_instructions"`

	// InlineMaxDepth 嵌套内联的最大深度
	InlineMaxDepth int `toml:"inline_max_depth" yaml:"inline_max_depth"`
}

// WorkerConfig 后台编译线程配置
type WorkerConfig struct {
	// Background 为 true 时首次调用交给后台线程编译
	Background bool `toml:"background" yaml:"background"`

	// BlockUntilCompiled 为 true 时调用方等待后台编译完成，
	// 否则先执行未优化的参考代码
	BlockUntilCompiled bool `toml:"block_until_compiled" yaml:"block_until_compiled"`
}

// RuntimeConfig 解释器配置
type RuntimeConfig struct {
	// InitialStackSlots 求值栈初始槽位数
	InitialStackSlots int `toml:"initial_stack_slots" yaml:"initial_stack_slots"`

	// MaxStackSlots 求值栈最大槽位数
	MaxStackSlots int `toml:"max_stack_slots" yaml:"max_stack_slots"`

	// MaxCallDepth 最大调用深度
	MaxCallDepth int `toml:"max_call_depth" yaml:"max_call_depth"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `toml:"level" yaml:"level"`
	Development bool   `toml:"development" yaml:"development"`
}

// CacheConfig 编译结果缓存配置
type CacheConfig struct {
	// Dir 缓存目录，为空表示不缓存
	Dir string `toml:"dir" yaml:"dir"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		JIT: JITConfig{
			Optimize:              true,
			Inline:                true,
			InlineMaxInstructions: 24,
			InlineMaxDepth:        2,
		},
		Worker: WorkerConfig{
			Background:         false,
			BlockUntilCompiled: false,
		},
		Runtime: RuntimeConfig{
			InitialStackSlots: 1024,
			MaxStackSlots:     1 << 20,
			MaxCallDepth:      1024,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load 从文件加载配置
//
// 根据扩展名选择 TOML 或 YAML，未出现的字段保留默认值。
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv 读取 .env 文件（存在时）并应用 REGVM_* 环境变量覆盖
func (c *Config) LoadEnv(envFiles ...string) error {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return c.applyEnv(os.LookupEnv)
}

// applyEnv 应用环境变量覆盖
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	bools := map[string]*bool{
		"JIT_OPTIMIZE":                &c.JIT.Optimize,
		"JIT_INLINE":                  &c.JIT.Inline,
		"WORKER_BACKGROUND":           &c.Worker.Background,
		"WORKER_BLOCK_UNTIL_COMPILED": &c.Worker.BlockUntilCompiled,
		"LOG_DEVELOPMENT":             &c.Log.Development,
	}
	ints := map[string]*int{
		"JIT_INLINE_MAX_INSTRUCTIONS": &c.JIT.InlineMaxInstructions,
		"JIT_INLINE_MAX_DEPTH":        &c.JIT.InlineMaxDepth,
		"RUNTIME_INITIAL_STACK_SLOTS": &c.Runtime.InitialStackSlots,
		"RUNTIME_MAX_STACK_SLOTS":     &c.Runtime.MaxStackSlots,
		"RUNTIME_MAX_CALL_DEPTH":      &c.Runtime.MaxCallDepth,
	}
	strs := map[string]*string{
		"LOG_LEVEL": &c.Log.Level,
		"CACHE_DIR": &c.Cache.Dir,
	}

	for key, dst := range bools {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	return c.Validate()
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	if c.JIT.InlineMaxInstructions < 0 {
		return fmt.Errorf("jit.inline_max_instructions must be >= 0, got %d", c.JIT.InlineMaxInstructions)
	}
	if c.JIT.InlineMaxDepth < 0 {
		return fmt.Errorf("jit.inline_max_depth must be >= 0, got %d", c.JIT.InlineMaxDepth)
	}
	if c.Runtime.InitialStackSlots <= 0 {
		return fmt.Errorf("runtime.initial_stack_slots must be positive, got %d", c.Runtime.InitialStackSlots)
	}
	if c.Runtime.MaxStackSlots < c.Runtime.InitialStackSlots {
		return fmt.Errorf("runtime.max_stack_slots (%d) below initial_stack_slots (%d)",
			c.Runtime.MaxStackSlots, c.Runtime.InitialStackSlots)
	}
	if c.Runtime.MaxCallDepth <= 0 {
		return fmt.Errorf("runtime.max_call_depth must be positive, got %d", c.Runtime.MaxCallDepth)
	}
	return nil
}

// Save 保存为 TOML
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
