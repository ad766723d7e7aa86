package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultUnsubscribeTimeout = 5 * time.Second

// Option 用于定制 FileSystemWatcher
type Option func(*FileSystemWatcher)

// WithLogger 指定日志输出，默认 slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(w *FileSystemWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithUnsubscribeTimeout 指定 Dispose 后台取消订阅的超时时间，默认 5s
func WithUnsubscribeTimeout(d time.Duration) Option {
	return func(w *FileSystemWatcher) {
		if d > 0 {
			w.unsubscribeTimeout = d
		}
	}
}

// FileSystemWatcher 把外部监控机制投递的原始批次分类为
// 新建/修改/删除/重命名四类事件，并分发到四个独立的订阅者列表
//
// mu：保护 client、subscription、disposed
// cancel：Dispose 时取消仍在等待客户端的后台初始化
// wg：跟踪后台初始化与取消订阅的 goroutine
type FileSystemWatcher struct {
	globPattern        string
	suppress           Suppression
	logger             *slog.Logger
	unsubscribeTimeout time.Duration

	onDidCreate *Emitter[URI]
	onDidChange *Emitter[URI]
	onDidDelete *Emitter[URI]
	onDidRename *Emitter[RenameEvent]

	// 对外暴露的四个订阅入口
	OnDidCreate Event[URI]
	OnDidChange Event[URI]
	OnDidDelete Event[URI]
	OnDidRename Event[RenameEvent]

	mu           sync.Mutex
	client       Client
	subscription string
	disposed     bool

	ready  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFileSystemWatcher 创建 FileSystemWatcher
//
// promise 为 nil 时得到一个永久静默的 watcher：不会产生任何事件，Dispose 什么也不做。
// 否则在后台等待客户端：拿到可用客户端后以 globPattern 订阅；
// 客户端初始化失败或不可用时只记录日志，watcher 保持静默。构造本身永远不会失败。
func NewFileSystemWatcher(promise ClientPromise, globPattern string,
	ignoreCreateEvents, ignoreChangeEvents, ignoreDeleteEvents bool, opts ...Option) *FileSystemWatcher {
	w := &FileSystemWatcher{
		globPattern: globPattern,
		suppress: Suppression{
			IgnoreCreate: ignoreCreateEvents,
			IgnoreChange: ignoreChangeEvents,
			IgnoreDelete: ignoreDeleteEvents,
		},
		logger:             slog.Default(),
		unsubscribeTimeout: defaultUnsubscribeTimeout,
		ready:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("component", "filesystem-watcher"))

	w.onDidCreate = NewEmitter[URI](w.logger)
	w.onDidChange = NewEmitter[URI](w.logger)
	w.onDidDelete = NewEmitter[URI](w.logger)
	w.onDidRename = NewEmitter[RenameEvent](w.logger)
	w.OnDidCreate = w.onDidCreate.Event()
	w.OnDidChange = w.onDidChange.Event()
	w.OnDidDelete = w.onDidDelete.Event()
	w.OnDidRename = w.onDidRename.Event()

	if promise == nil {
		close(w.ready)
		return w
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.ready)
		w.setup(ctx, promise)
	}()
	return w
}

// GlobPattern 返回订阅使用的通配符
func (w *FileSystemWatcher) GlobPattern() string { return w.globPattern }

// IgnoreCreateEvents 报告是否抑制新建事件
func (w *FileSystemWatcher) IgnoreCreateEvents() bool { return w.suppress.IgnoreCreate }

// IgnoreChangeEvents 报告是否抑制修改事件
func (w *FileSystemWatcher) IgnoreChangeEvents() bool { return w.suppress.IgnoreChange }

// IgnoreDeleteEvents 报告是否抑制删除事件
func (w *FileSystemWatcher) IgnoreDeleteEvents() bool { return w.suppress.IgnoreDelete }

// Ready 在后台初始化结束时关闭(无论订阅成功与否)
func (w *FileSystemWatcher) Ready() <-chan struct{} {
	return w.ready
}

// Subscribed 报告当前是否持有订阅
func (w *FileSystemWatcher) Subscribed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subscription != ""
}

// setup 等待客户端结算，成功则开始监听
func (w *FileSystemWatcher) setup(ctx context.Context, promise ClientPromise) {
	var res ClientResult
	select {
	case r, ok := <-promise:
		if !ok {
			w.logger.Warn("watch client unavailable", slog.String("pattern", w.globPattern))
			return
		}
		res = r
	case <-ctx.Done():
		return
	}

	if res.Err != nil {
		w.logger.Error("watch client initialize failed",
			slog.String("pattern", w.globPattern), slog.Any("err", res.Err))
		return
	}
	if res.Client == nil {
		w.logger.Warn("watch client unavailable", slog.String("pattern", w.globPattern))
		return
	}
	w.listen(ctx, res.Client)
}

func (w *FileSystemWatcher) listen(ctx context.Context, client Client) {
	id, err := client.Subscribe(ctx, w.globPattern, w.handleBatch)
	if err != nil {
		if ctx.Err() != nil {
			w.logger.Debug("subscribe abandoned after dispose", slog.String("pattern", w.globPattern))
			return
		}
		w.logger.Error("watch subscribe failed",
			slog.String("pattern", w.globPattern), slog.Any("err", err))
		return
	}

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		// Dispose 发生在订阅返回之前，立即归还
		w.release(client, id)
		return
	}
	w.client = client
	w.subscription = id
	w.mu.Unlock()
	w.logger.Debug("watch subscribed", slog.String("pattern", w.globPattern), slog.String("subscription", id))
}

// handleBatch 是交给客户端的批次回调
func (w *FileSystemWatcher) handleBatch(batch RawChangeBatch) {
	w.mu.Lock()
	disposed := w.disposed
	w.mu.Unlock()
	if disposed {
		return
	}

	for _, ev := range Classify(batch, w.suppress) {
		switch ev.Kind {
		case Created:
			w.onDidCreate.Fire(ev.URI)
		case Changed:
			w.onDidChange.Fire(ev.URI)
		case Deleted:
			w.onDidDelete.Fire(ev.URI)
		case Renamed:
			w.onDidRename.Fire(RenameEvent{OldURI: ev.OldURI, NewURI: ev.NewURI})
		}
	}
}

// Dispose 释放订阅
//
// 可重复调用。持有订阅时在后台向客户端取消订阅，不等待其完成；
// 取消失败只记录日志。仍在等待客户端的初始化会被取消。
func (w *FileSystemWatcher) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	client, id := w.client, w.subscription
	w.client, w.subscription = nil, ""
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	if client == nil || id == "" {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.release(client, id)
	}()
}

func (w *FileSystemWatcher) release(client Client, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.unsubscribeTimeout)
	defer cancel()
	if err := client.Unsubscribe(ctx, id); err != nil {
		w.logger.Error("watch unsubscribe failed",
			slog.String("subscription", id), slog.Any("err", err))
	}
}
