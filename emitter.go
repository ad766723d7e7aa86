package watcher

import (
	"log/slog"
	"sync"
)

// Disposable 表示一个可以释放的资源
type Disposable interface {
	Dispose()
}

// DisposableFunc 把普通函数包装成 Disposable
type DisposableFunc func()

func (f DisposableFunc) Dispose() {
	if f != nil {
		f()
	}
}

// Event 是订阅入口：传入监听函数，返回用于取消订阅的 Disposable
type Event[T any] func(listener func(T)) Disposable

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

// Emitter 是单一事件类型的多订阅者广播器
//
// 每种事件使用独立的 Emitter，订阅某一类事件的监听者永远不会收到其它类型的事件。
// 不缓存也不重放历史事件，晚到的订阅者只能收到之后 Fire 的值。
type Emitter[T any] struct {
	mu        sync.Mutex
	listeners []listenerEntry[T]
	nextID    uint64
	disposed  bool
	logger    *slog.Logger
}

// NewEmitter 创建 Emitter，logger 为 nil 时使用 slog.Default()
func NewEmitter[T any](logger *slog.Logger) *Emitter[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter[T]{logger: logger}
}

// Event 返回该 Emitter 的订阅入口
func (e *Emitter[T]) Event() Event[T] {
	return e.subscribe
}

func (e *Emitter[T]) subscribe(listener func(T)) Disposable {
	if listener == nil {
		return DisposableFunc(nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return DisposableFunc(nil)
	}
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listenerEntry[T]{id: id, fn: listener})

	var once sync.Once
	return DisposableFunc(func() {
		once.Do(func() { e.remove(id) })
	})
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Fire 按订阅顺序同步调用当前所有监听者
//
// 调用前先复制监听者列表，监听者内部订阅/取消订阅不影响本次分发。
// 某个监听者 panic 时记录日志，其余监听者照常执行。
func (e *Emitter[T]) Fire(v T) {
	e.mu.Lock()
	if e.disposed || len(e.listeners) == 0 {
		e.mu.Unlock()
		return
	}
	snapshot := make([]listenerEntry[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	for _, l := range snapshot {
		e.call(l.fn, v)
	}
}

func (e *Emitter[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked", slog.Any("panic", r))
		}
	}()
	fn(v)
}

// Len 返回当前监听者数量
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Dispose 移除所有监听者，之后的 Fire 和订阅都不再生效
func (e *Emitter[T]) Dispose() {
	e.mu.Lock()
	e.disposed = true
	e.listeners = nil
	e.mu.Unlock()
}
