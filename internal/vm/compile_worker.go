// compile_worker.go - 后台编译线程
//
// 一个 goroutine 按提交顺序编译方法。队列由互斥锁和条件变量保护；
// 关闭时先处理完队列中剩余的方法，等待者因此总能得到结果。

package vm

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
)

// ErrWorkerClosed 重复关闭后台编译线程
var ErrWorkerClosed = errors.New("compile worker already closed")

// CompileWorker 后台编译线程
type CompileWorker struct {
	compile func(*metadata.Method) error
	fail    func(*metadata.Method, error) // 编译线程 panic 时调用
	logger  *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*metadata.Method
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	compiled  atomic.Int64
	failed    atomic.Int64
}

// WorkerStats 后台编译统计
type WorkerStats struct {
	Submitted int64
	Compiled  int64
	Failed    int64
	Pending   int
}

// WorkerOption 后台编译线程选项
type WorkerOption func(*CompileWorker)

// WithFailureHandler compile panic 时代替 Method.Fail 记录失败
func WithFailureHandler(fail func(*metadata.Method, error)) WorkerOption {
	return func(w *CompileWorker) {
		if fail != nil {
			w.fail = fail
		}
	}
}

// NewCompileWorker 创建并启动后台编译线程
//
// compile 负责编译并发布（或标记失败），它在编译线程上被调用。
func NewCompileWorker(compile func(*metadata.Method) error, logger *zap.Logger, opts ...WorkerOption) *CompileWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &CompileWorker{
		compile: compile,
		fail:    func(m *metadata.Method, err error) { m.Fail(err) },
		logger:  logger.Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.cond = sync.NewCond(&w.mu)
	w.wg.Add(1)
	go w.loop()
	return w
}

// Submit 提交方法
//
// 方法已排队、已编译、已失败或线程已关闭时返回 false。
func (w *CompileWorker) Submit(m *metadata.Method) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || !m.TryQueue() {
		return false
	}
	w.queue = append(w.queue, m)
	w.submitted.Inc()
	w.cond.Signal()
	return true
}

// Closed 线程是否已关闭
func (w *CompileWorker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close 处理完队列后停止线程
func (w *CompileWorker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWorkerClosed
	}
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}

// Stats 统计快照
func (w *CompileWorker) Stats() WorkerStats {
	w.mu.Lock()
	pending := len(w.queue)
	w.mu.Unlock()
	return WorkerStats{
		Submitted: w.submitted.Load(),
		Compiled:  w.compiled.Load(),
		Failed:    w.failed.Load(),
		Pending:   pending,
	}
}

func (w *CompileWorker) loop() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		m := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.run(m)
	}
}

// run 编译一个方法；panic 视为编译失败
func (w *CompileWorker) run(m *metadata.Method) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("compile %s panicked: %v", m.FullName(), r)
			w.fail(m, err)
			w.failed.Inc()
			w.logger.Error("compile panicked", zapMethod(m), zap.Error(err))
		}
	}()

	if err := w.compile(m); err != nil {
		w.failed.Inc()
		w.logger.Warn("background compile failed", zapMethod(m), zap.Error(err))
		return
	}
	w.compiled.Inc()
	w.logger.Debug("background compile done",
		zapMethod(m),
		zap.Duration("elapsed", time.Since(start)),
	)
}
