package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
)

var (
	ErrNoRoot              = errors.New("watch root is not set")
	ErrClientClosed        = errors.New("notify client is closed")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrAlreadyStarted      = errors.New("notify client already started")
)

// FileMetadata 表示某个路径最近一次已知的状态
//
// 删除事件发生时文件已经不能 stat，上报的大小取自这里，
// 这样同一批次里的"删除+新建"才能按大小配对成重命名
type FileMetadata struct {
	Path    string    // 完整路径
	Size    int64     // 文件大小
	ModTime time.Time // 修改时间
	Kind    FileKind  // 条目类型
}

type subscription struct {
	id      string
	pattern string
	match   []glob.Glob
	onBatch func(RawChangeBatch)
}

func (s *subscription) matches(name string) bool {
	for _, g := range s.match {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// NotifyClient 是基于 fsnotify 的 Client 实现
//
// fsWatcher：底层使用github.com/fsnotify/fsnotify进行文件系统事件捕捉
// known：路径 -> 最近一次已知状态
// aggOrder, aggMap, aggMu, aggTicker：用于事件合并（Debounce），aggOrder 保留首次出现的顺序
// workerPool：并发 stat 的令牌池
// queue, wake：待投递的批次，由 runDelivery() 串行取出
// drained：Close 完成最后一次 flush 后关闭；done：最后一个批次投递完毕后关闭
// subs：订阅ID -> 订阅
type NotifyClient struct {
	cfg       ConfigNotify
	root      string
	fsWatcher *fsnotify.Watcher
	logger    *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.RWMutex
	known map[string]*FileMetadata

	// 事件合并(防抖)
	aggChan   chan fsnotify.Event
	aggOrder  []string
	aggMap    map[string]fsnotify.Op
	aggMu     sync.Mutex
	aggTicker *time.Ticker

	// stat 并发控制
	workerPool chan struct{}

	// 批次投递
	queueMu sync.Mutex
	queue   []RawChangeBatch
	wake    chan struct{}
	drained chan struct{}
	done    chan struct{}

	subMu     sync.Mutex
	subs      map[string]*subscription
	subOrder  []string
	nextSubID uint64
	started   bool
	closed    bool
}

// NewNotifyClient 根据给定配置创建一个新的 NotifyClient
//
// 若 cfg.Debounce <= 0，则默认使用 10ms
// 若 cfg.WorkerCount <= 0，则默认使用 32
func NewNotifyClient(cfg ConfigNotify) (*NotifyClient, error) {
	if cfg.Root == "" {
		return nil, ErrNoRoot
	}
	cfg = cfg.withDefaults()

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch root %s: %w", cfg.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat watch root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &NotifyClient{
		cfg:       cfg,
		root:      root,
		fsWatcher: fsw,
		logger:    cfg.Logger.With(slog.String("component", "notify-client"), slog.String("root", root)),
		stopChan:  make(chan struct{}),

		known: make(map[string]*FileMetadata),

		aggChan:   make(chan fsnotify.Event, 4096),
		aggMap:    make(map[string]fsnotify.Op),
		aggTicker: time.NewTicker(cfg.Debounce),

		workerPool: make(chan struct{}, cfg.WorkerCount),

		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
		done:    make(chan struct{}),

		subs: make(map[string]*subscription),
	}, nil
}

// Root 返回监控根目录的绝对路径
func (c *NotifyClient) Root() string {
	return c.root
}

// Start 启动文件监控
//
// 会递归扫描根目录，把目录加入 fsnotify.Watcher 并记录每个条目的初始状态，
// 然后启动3个后台goroutine：
//  1. runAggregator()：负责事件合并，ticker 触发时生成批次
//  2. runFsNotify()：读取 fsnotify 事件并投递到合并队列
//  3. runDelivery()：把批次串行投递给订阅者
func (c *NotifyClient) Start() error {
	if _, err := c.scan(c.root); err != nil {
		return fmt.Errorf("failed to walk watch root %s: %w", c.root, err)
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	c.wg.Add(2)
	go c.runAggregator()
	go c.runFsNotify()
	go c.runDelivery()
	return nil
}

// Close 停止监控
//
// 关闭 stopChan，停止事件读取与合并goroutine，关闭底层 fsnotify.Watcher，停止ticker，
// 退出前 flush 一次合并队列。Close 不等待投递结束(可以在批次回调里调用)，
// 需要等待时使用 Done()。之后的 Subscribe 返回 ErrClientClosed，已有订阅仍可 Unsubscribe。
func (c *NotifyClient) Close() error {
	var err error
	c.stopOnce.Do(func() {
		c.subMu.Lock()
		c.closed = true
		started := c.started
		c.subMu.Unlock()

		close(c.stopChan)
		err = c.fsWatcher.Close()
		c.aggTicker.Stop()
		c.wg.Wait()

		// 退出前 flush 一次
		c.drainAggChan()
		c.flushAgg()
		close(c.drained)
		if !started {
			close(c.done)
		}
	})
	return err
}

// Done 在 Close 之后、最后一个批次投递完毕时关闭
func (c *NotifyClient) Done() <-chan struct{} {
	return c.done
}

// Subscribe 为 pattern 注册订阅
//
// pattern 使用 gobwas/glob 语法，按 '/' 分隔的相对路径匹配；空串等同于 "**"。
// 以 "**/" 开头的模式同样匹配根目录下的文件。
func (c *NotifyClient) Subscribe(ctx context.Context, pattern string, onBatch func(RawChangeBatch)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if onBatch == nil {
		return "", errors.New("nil batch callback")
	}
	match, err := compilePattern(pattern)
	if err != nil {
		return "", err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		return "", ErrClientClosed
	}
	c.nextSubID++
	id := fmt.Sprintf("sub-%d", c.nextSubID)
	c.subs[id] = &subscription{id: id, pattern: pattern, match: match, onBatch: onBatch}
	c.subOrder = append(c.subOrder, id)
	c.logger.Debug("subscribed", slog.String("subscription", id), slog.String("pattern", pattern))
	return id, nil
}

// Unsubscribe 取消订阅，未知的ID返回 ErrUnknownSubscription
func (c *NotifyClient) Unsubscribe(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	delete(c.subs, id)
	for i, sid := range c.subOrder {
		if sid == id {
			c.subOrder = append(c.subOrder[:i:i], c.subOrder[i+1:]...)
			break
		}
	}
	c.logger.Debug("unsubscribed", slog.String("subscription", id))
	return nil
}

// Snapshot 返回当前已知的全部条目(以相对路径为键)
func (c *NotifyClient) Snapshot() map[string]FileMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]FileMetadata, len(c.known))
	for p, meta := range c.known {
		out[c.relName(p)] = *meta
	}
	return out
}

func compilePattern(pattern string) ([]glob.Glob, error) {
	if pattern == "" {
		pattern = "**"
	}
	patterns := []string{pattern}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		patterns = append(patterns, rest)
	}
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// scan 递归扫描目录：目录加入监控，所有条目记入 known。
// 返回扫描到的路径（不含 dir 本身），顺序与遍历顺序一致
func (c *NotifyClient) scan(dir string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			c.logger.Warn("cannot walk path", slog.String("path", p), slog.Any("err", err))
			return nil
		}
		if p != dir && c.isIgnored(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if e := c.fsWatcher.Add(p); e != nil {
				c.logger.Warn("cannot watch dir", slog.String("path", p), slog.Any("err", e))
			}
		}
		if p != dir {
			c.remember(p, info)
			found = append(found, p)
		}
		return nil
	})
	return found, err
}

// runFsNotify 不断读取 fsnotify 的事件并投递到合并队列
func (c *NotifyClient) runFsNotify() {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-c.fsWatcher.Events:
			if !ok {
				return
			}
			if c.isIgnored(ev.Name) || ev.Name == c.root {
				continue
			}
			select {
			case c.aggChan <- ev:
			case <-c.stopChan:
				return
			}

		case err, ok := <-c.fsWatcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("fsnotify error", slog.Any("err", err))

		case <-c.stopChan:
			return
		}
	}
}

// runAggregator 负责对短时间内的事件进行合并，并在 ticker 触发时投递批次
func (c *NotifyClient) runAggregator() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.aggChan:
			c.merge(ev)

		case <-c.aggTicker.C:
			c.flushAgg()

		case <-c.stopChan:
			return
		}
	}
}

func (c *NotifyClient) merge(ev fsnotify.Event) {
	c.aggMu.Lock()
	defer c.aggMu.Unlock()
	op, ok := c.aggMap[ev.Name]
	if !ok {
		c.aggOrder = append(c.aggOrder, ev.Name)
		c.aggMap[ev.Name] = ev.Op
	} else {
		c.aggMap[ev.Name] = op | ev.Op
	}
}

// drainAggChan 合并通道里还没被处理的事件
func (c *NotifyClient) drainAggChan() {
	for {
		select {
		case ev := <-c.aggChan:
			c.merge(ev)
		default:
			return
		}
	}
}

// flushAgg 把合并队列中的路径转换成一个批次，放入投递队列
func (c *NotifyClient) flushAgg() {
	c.aggMu.Lock()
	if len(c.aggOrder) == 0 {
		c.aggMu.Unlock()
		return
	}
	paths := c.aggOrder
	ops := c.aggMap
	c.aggOrder = nil
	c.aggMap = make(map[string]fsnotify.Op)
	c.aggMu.Unlock()

	batch := c.buildBatch(paths, ops)
	if len(batch.Files) > 0 {
		c.enqueue(batch)
	}
}

func (c *NotifyClient) enqueue(batch RawChangeBatch) {
	c.queueMu.Lock()
	c.queue = append(c.queue, batch)
	c.queueMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *NotifyClient) dequeue() (RawChangeBatch, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return RawChangeBatch{}, false
	}
	batch := c.queue[0]
	c.queue = c.queue[1:]
	return batch, true
}

// runDelivery 串行投递批次；Close 之后把剩余批次投递完再退出
func (c *NotifyClient) runDelivery() {
	defer close(c.done)
	for {
		for batch, ok := c.dequeue(); ok; batch, ok = c.dequeue() {
			c.deliver(batch)
		}
		select {
		case <-c.wake:
		case <-c.drained:
			for batch, ok := c.dequeue(); ok; batch, ok = c.dequeue() {
				c.deliver(batch)
			}
			return
		}
	}
}

type statResult struct {
	info os.FileInfo
	err  error
}

// statAll 使用 workerPool 并发 stat，结果顺序与 paths 一致
func (c *NotifyClient) statAll(paths []string) []statResult {
	out := make([]statResult, len(paths))
	var wg sync.WaitGroup
	for i, p := range paths {
		c.workerPool <- struct{}{}
		wg.Add(1)
		go func(i int, p string) {
			defer func() {
				<-c.workerPool
				wg.Done()
			}()
			info, err := os.Lstat(p)
			out[i] = statResult{info: info, err: err}
		}(i, p)
	}
	wg.Wait()
	return out
}

// buildBatch 根据 stat 结果生成批次并更新 known
func (c *NotifyClient) buildBatch(paths []string, ops map[string]fsnotify.Op) RawChangeBatch {
	batch := RawChangeBatch{Root: c.root, Files: make([]RawChangeRecord, 0, len(paths))}
	seen := make(map[string]bool, len(paths))
	results := c.statAll(paths)

	for i, p := range paths {
		res := results[i]
		switch {
		case res.err == nil:
			kind := kindOf(res.info.Mode())
			_, wasKnown := c.lookup(p)
			c.remember(p, res.info)
			if !seen[p] {
				seen[p] = true
				batch.Files = append(batch.Files, RawChangeRecord{
					Name: c.relName(p), Exists: true, Size: res.info.Size(), Kind: kind,
				})
			}
			// 新目录需要额外Add，并补上已经在里面的条目
			if kind == KindDirectory && (!wasKnown || ops[p]&fsnotify.Create != 0) {
				found, err := c.scan(p)
				if err != nil {
					c.logger.Warn("cannot scan new dir", slog.String("path", p), slog.Any("err", err))
				}
				for _, child := range found {
					if seen[child] {
						continue
					}
					if meta, ok := c.lookup(child); ok {
						seen[child] = true
						batch.Files = append(batch.Files, RawChangeRecord{
							Name: c.relName(child), Exists: true, Size: meta.Size, Kind: meta.Kind,
						})
					}
				}
			}

		case errors.Is(res.err, fs.ErrNotExist):
			// 未知路径(在一个合并窗口内新建又删除)按大小为0的文件上报
			rec := RawChangeRecord{Name: c.relName(p), Kind: KindFile}
			meta, children, ok := c.forget(p)
			if ok {
				rec.Size = meta.Size
				rec.Kind = meta.Kind
			}
			if !seen[p] {
				seen[p] = true
				batch.Files = append(batch.Files, rec)
			}
			// 目录被删除或移走时，里面的每个条目都要上报为不存在
			for _, child := range children {
				if seen[child.Path] {
					continue
				}
				seen[child.Path] = true
				batch.Files = append(batch.Files, RawChangeRecord{
					Name: c.relName(child.Path), Exists: false, Size: child.Size, Kind: child.Kind,
				})
			}

		default:
			c.logger.Error("error stating file", slog.String("path", p), slog.Any("err", res.err))
		}
	}
	return batch
}

// deliver 按订阅顺序串行投递，每个订阅只收到与自身 pattern 匹配的记录
func (c *NotifyClient) deliver(batch RawChangeBatch) {
	c.subMu.Lock()
	subs := make([]*subscription, 0, len(c.subOrder))
	for _, id := range c.subOrder {
		subs = append(subs, c.subs[id])
	}
	c.subMu.Unlock()

	for _, s := range subs {
		files := make([]RawChangeRecord, 0, len(batch.Files))
		for _, f := range batch.Files {
			if s.matches(f.Name) {
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			continue
		}
		if !c.active(s.id) {
			continue
		}
		c.invoke(s, RawChangeBatch{Root: batch.Root, Files: files})
	}
}

func (c *NotifyClient) active(id string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.subs[id]
	return ok
}

func (c *NotifyClient) invoke(s *subscription, batch RawChangeBatch) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("batch callback panicked", slog.String("subscription", s.id), slog.Any("panic", r))
		}
	}()
	s.onBatch(batch)
}

func (c *NotifyClient) lookup(p string) (FileMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.known[p]
	if !ok {
		return FileMetadata{}, false
	}
	return *meta, true
}

func (c *NotifyClient) remember(p string, info os.FileInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[p] = &FileMetadata{
		Path:    p,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Kind:    kindOf(info.Mode()),
	}
}

// forget 移除路径(以及目录下的所有子条目)，返回它最后的状态，
// 子条目按路径排序返回
func (c *NotifyClient) forget(p string) (FileMetadata, []FileMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.known[p]
	if !ok {
		return FileMetadata{}, nil, false
	}
	delete(c.known, p)
	var children []FileMetadata
	if meta.Kind == KindDirectory {
		prefix := p + string(os.PathSeparator)
		for k, child := range c.known {
			if strings.HasPrefix(k, prefix) {
				children = append(children, *child)
				delete(c.known, k)
			}
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Path < children[j].Path })
	}
	return *meta, children, true
}

func (c *NotifyClient) relName(p string) string {
	rel, err := filepath.Rel(c.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

// isIgnored 判断路径的文件名是否匹配 cfg.IgnorePatterns
func (c *NotifyClient) isIgnored(path string) bool {
	base := filepath.Base(path)
	for _, pat := range c.cfg.IgnorePatterns {
		if matched, _ := filepath.Match(pat, base); matched {
			return true
		}
	}
	return false
}

func kindOf(mode fs.FileMode) FileKind {
	switch {
	case mode.IsRegular():
		return KindFile
	case mode.IsDir():
		return KindDirectory
	}
	return KindOther
}
