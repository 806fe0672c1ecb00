package vm

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/tangzhangming/regvm/internal/config"
	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/jit"
	"github.com/tangzhangming/regvm/internal/metadata"
)

// ============================================================================
// 后台编译
// ============================================================================

func TestBackgroundCompile(t *testing.T) {
	tests := []struct {
		name  string
		block bool
	}{
		{"reference-until-published", false},
		{"block-until-compiled", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, demo := newDemo()
			fact := factorial(d, demo)
			d.RegisterType(demo)
			vm := New(d, WithConfig(func() *config.Config {
				c := config.Default()
				c.Worker.Background = true
				c.Worker.BlockUntilCompiled = tt.block
				return c
			}()))

			got, err := vm.Invoke(fact, nil, int32(6))
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if got.(int32) != 720 {
				t.Errorf("Expected 720, got %v", got)
			}
			if tt.block && fact.State() != metadata.StateCompiled {
				t.Errorf("Expected compiled after blocking call, got %s", fact.State())
			}

			if err := vm.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if fact.State() != metadata.StateCompiled {
				t.Errorf("Expected queue drained on close, got %s", fact.State())
			}
			s := vm.Stats()
			if s.Worker.Submitted != 1 || s.Worker.Compiled != 1 || s.Worker.Pending != 0 {
				t.Errorf("Unexpected worker stats %+v", s.Worker)
			}
		})
	}
}

func TestCompileWorkerSubmitOnce(t *testing.T) {
	d, demo := newDemo()
	fact := factorial(d, demo)
	d.RegisterType(demo)

	var mu sync.Mutex
	calls := 0
	w := NewCompileWorker(func(m *metadata.Method) error {
		mu.Lock()
		calls++
		mu.Unlock()
		m.Fail(errors.New("not compiled in this test"))
		return m.Err()
	}, nil)

	if !w.Submit(fact) {
		t.Fatal("Expected first submit to be accepted")
	}
	if w.Submit(fact) {
		t.Error("Expected second submit to be rejected")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); !errors.Is(err, ErrWorkerClosed) {
		t.Errorf("Expected ErrWorkerClosed, got %v", err)
	}
	if !w.Closed() {
		t.Error("Expected worker closed")
	}
	if calls != 1 {
		t.Errorf("Expected 1 compile, got %d", calls)
	}
	if s := w.Stats(); s.Failed != 1 || s.Compiled != 0 {
		t.Errorf("Unexpected stats %+v", s)
	}
	if fact.State() != metadata.StateFailed {
		t.Errorf("Expected failed, got %s", fact.State())
	}
}

func TestCompileWorkerRecoversPanic(t *testing.T) {
	d, demo := newDemo()
	fact := factorial(d, demo)
	d.RegisterType(demo)

	w := NewCompileWorker(func(*metadata.Method) error { panic("boom") }, nil)
	w.Submit(fact)
	_ = w.Close()

	if fact.State() != metadata.StateFailed {
		t.Errorf("Expected failed after panic, got %s", fact.State())
	}
	if fact.Err() == nil {
		t.Error("Expected compile error to be recorded")
	}
}

// TestCompileWorkerPanicCounted 编译线程 panic 计入 VM 的编译失败统计
func TestCompileWorkerPanicCounted(t *testing.T) {
	d, demo := newDemo()
	fact := factorial(d, demo)
	d.RegisterType(demo)
	vm := newTestVM(t, d, nil)

	w := NewCompileWorker(func(*metadata.Method) error { panic("boom") }, nil, WithFailureHandler(vm.failCompile))
	w.Submit(fact)
	_ = w.Close()

	if fact.State() != metadata.StateFailed {
		t.Errorf("Expected failed after panic, got %s", fact.State())
	}
	if n := vm.Stats().CompileFailures; n != 1 {
		t.Errorf("Expected 1 compile failure, got %d", n)
	}
	if n := w.Stats().Failed; n != 1 {
		t.Errorf("Expected worker to count 1 failure, got %d", n)
	}
}

// TestFailedCompileFallsBack 编译失败的方法以参考代码执行
func TestFailedCompileFallsBack(t *testing.T) {
	d, demo := newDemo()
	fact := factorial(d, demo)
	d.RegisterType(demo)
	vm := newTestVM(t, d, nil)

	fact.Fail(errors.New("forced"))
	got, err := vm.Invoke(fact, nil, int32(4))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got.(int32) != 24 {
		t.Errorf("Expected 24, got %v", got)
	}
	if fact.Reference() == nil {
		t.Error("Expected reference code to be cached")
	}
}

// ============================================================================
// 编译缓存
// ============================================================================

func TestCodeCache(t *testing.T) {
	dir := t.TempDir()
	withCache := func(c *config.Config) { c.Cache.Dir = dir }

	d1, demo1 := newDemo()
	fact1 := factorial(d1, demo1)
	d1.RegisterType(demo1)
	vm1 := newTestVM(t, d1, withCache)
	if err := vm1.Compile(fact1); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if s := vm1.Stats(); s.CacheMisses != 1 || s.Compiled != 1 {
		t.Errorf("Expected a miss and a compile, got %+v", s)
	}
	entries, err := filepath.Glob(filepath.Join(dir, "*"+cacheExt))
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected 1 cache file, got %v (%v)", entries, err)
	}

	d2, demo2 := newDemo()
	fact2 := factorial(d2, demo2)
	d2.RegisterType(demo2)
	vm2 := newTestVM(t, d2, withCache)
	got, err := vm2.Invoke(fact2, nil, int32(5))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got.(int32) != 120 {
		t.Errorf("Expected 120, got %v", got)
	}
	if s := vm2.Stats(); s.CacheHits != 1 || s.Compiled != 0 {
		t.Errorf("Expected a cache hit, got %+v", s)
	}
	if fact2.Code().Disassemble() != fact1.Code().Disassemble() {
		t.Error("Expected cached code to match the compiled code")
	}
}

func TestCodeCacheKeyTracksOptions(t *testing.T) {
	d, demo := newDemo()
	fact := factorial(d, demo)
	d.RegisterType(demo)

	on := newCodeCache(t.TempDir(), vmOptions(true), d, zapNop())
	off := newCodeCache(t.TempDir(), vmOptions(false), d, zapNop())
	if on.key(fact) == off.key(fact) {
		t.Error("Expected different keys for different options")
	}
	if on.key(fact) != on.key(fact) {
		t.Error("Expected stable key")
	}
}

func TestCodeCacheCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	d, demo := newDemo()
	fact := factorial(d, demo)
	d.RegisterType(demo)

	c := newCodeCache(dir, vmOptions(true), d, zapNop())
	if err := os.WriteFile(c.path(fact), []byte("not cbor"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.load(fact); ok {
		t.Error("Expected corrupt entry to be ignored")
	}
	if c.misses.Load() != 1 {
		t.Errorf("Expected 1 miss, got %d", c.misses.Load())
	}

	var nilCache *codeCache
	if _, ok := nilCache.load(fact); ok {
		t.Error("Expected nil cache to miss")
	}
	if nilCache.Err() != nil {
		t.Error("Expected nil cache error to be nil")
	}
}

func vmOptions(optimize bool) jit.Options {
	opts := jit.DefaultOptions()
	opts.Optimize = optimize
	return opts
}

func zapNop() *zap.Logger { return zap.NewNop() }
