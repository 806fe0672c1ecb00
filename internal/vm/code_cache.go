// code_cache.go - 编译结果的磁盘缓存
//
// 键是方法名、方法体、可能被内联的被调用方法体和编译选项的 blake2b 摘要；
// 任何一项变化都会得到新的键，旧文件不再被读取。
// 值是 CBOR 编码的寄存器代码。

package vm

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/tangzhangming/regvm/internal/jit"
	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/regcode"
)

const cacheExt = ".rvc"

// codeCache 磁盘缓存；nil 缓存的所有操作都是空操作
type codeCache struct {
	dir    string
	opts   jit.Options
	domain *metadata.Domain
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64

	mu   sync.Mutex
	errs error // 写入失败不影响执行，关闭时统一返回
}

func newCodeCache(dir string, opts jit.Options, domain *metadata.Domain, logger *zap.Logger) *codeCache {
	return &codeCache{
		dir:    dir,
		opts:   opts,
		domain: domain,
		logger: logger.Named("cache"),
	}
}

// load 读取缓存的代码
func (c *codeCache) load(m *metadata.Method) (*regcode.Code, bool) {
	if c == nil || m.Body == nil {
		return nil, false
	}
	path := c.path(m)
	data, err := os.ReadFile(path)
	if err != nil {
		c.misses.Inc()
		return nil, false
	}
	code, err := regcode.Unmarshal(data)
	if err == nil {
		err = code.Validate()
	}
	if err != nil {
		c.misses.Inc()
		c.logger.Warn("discarding corrupt cache entry", zapMethod(m), zap.String("path", path), zap.Error(err))
		return nil, false
	}
	c.hits.Inc()
	c.logger.Debug("cache hit", zapMethod(m))
	return code, true
}

// store 写入编译结果；先写临时文件再改名，读者不会看到半个文件
func (c *codeCache) store(m *metadata.Method, code *regcode.Code) {
	if c == nil || m.Body == nil {
		return
	}
	if err := c.write(c.path(m), code); err != nil {
		c.logger.Warn("cache write failed", zapMethod(m), zap.Error(err))
		c.mu.Lock()
		c.errs = multierr.Append(c.errs, err)
		c.mu.Unlock()
	}
}

func (c *codeCache) write(path string, code *regcode.Code) error {
	data, err := regcode.Marshal(code)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, "tmp-*"+cacheExt)
	if err != nil {
		return err
	}
	_, err = tmp.Write(data)
	err = multierr.Append(err, tmp.Close())
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
	}
	return err
}

// Err 累计的写入错误
func (c *codeCache) Err() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs
}

func (c *codeCache) path(m *metadata.Method) string {
	return filepath.Join(c.dir, c.key(m)+cacheExt)
}

// key 缓存键
func (c *codeCache) key(m *metadata.Method) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "opt=%t inline=%t max=%d depth=%d\n",
		c.opts.Optimize, c.opts.Inline, c.opts.InlineMaxInstructions, c.opts.InlineMaxDepth)

	depth := 0
	if c.opts.Inline {
		depth = c.opts.InlineMaxDepth
	}
	seen := make(map[*metadata.Method]bool)
	c.hashBody(h, m, depth, seen)
	return hex.EncodeToString(h.Sum(nil))
}

// hashBody 写入方法体以及 depth 层以内的被调用方法体
func (c *codeCache) hashBody(w io.Writer, m *metadata.Method, depth int, seen map[*metadata.Method]bool) {
	if seen[m] {
		return
	}
	seen[m] = true
	fmt.Fprintf(w, "method %s\n", m.FullName())
	if m.Body == nil {
		return
	}
	fmt.Fprint(w, m.Body.Disassemble())
	if depth <= 0 {
		return
	}
	for _, in := range m.Body.Code {
		if !in.Op.IsCall() {
			continue
		}
		if callee, ok := c.domain.Method(in.Token); ok {
			c.hashBody(w, callee, depth-1, seen)
		}
	}
}
