package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TestIsIgnored 测试 isIgnored 函数
func TestIsIgnored(t *testing.T) {
	c := NotifyClient{
		cfg: ConfigNotify{
			IgnorePatterns: []string{"*.tmp", ".git"},
		},
	}

	cases := []struct {
		path   string
		ignore bool
	}{
		{"file.tmp", true},
		{"file.log", false},
		{"main.git", false},
		{".git", true},
		{"something/.git", true}, // 按文件名匹配
		{"something/file.tmp", true},
	}

	for _, tc := range cases {
		got := c.isIgnored(tc.path)
		if got != tc.ignore {
			t.Errorf("isIgnored(%s) = %v; want %v", tc.path, got, tc.ignore)
		}
	}
}

// TestCompilePattern 测试 glob 匹配规则
func TestCompilePattern(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		match   bool
	}{
		{"**/*.go", "main.go", true},
		{"**/*.go", "cmd/app/main.go", true},
		{"**/*.go", "main.txt", false},
		{"*.go", "main.go", true},
		{"*.go", "cmd/main.go", false},
		{"", "any/thing", true},
		{"src/{a,b}.txt", "src/b.txt", true},
		{"src/{a,b}.txt", "src/c.txt", false},
	}

	for _, tc := range cases {
		globs, err := compilePattern(tc.pattern)
		if err != nil {
			t.Fatalf("compilePattern(%q) failed: %v", tc.pattern, err)
		}
		s := subscription{match: globs}
		if got := s.matches(tc.name); got != tc.match {
			t.Errorf("pattern %q on %q = %v; want %v", tc.pattern, tc.name, got, tc.match)
		}
	}

	if _, err := compilePattern("src/[a"); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func newTestClient(t *testing.T, dir string) *NotifyClient {
	t.Helper()
	logger, _ := newTestLogger()
	c, err := NewNotifyClient(ConfigNotify{
		Root:           dir,
		IgnorePatterns: []string{"*.tmp"},
		Debounce:       50 * time.Millisecond,
		WorkerCount:    4,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("NewNotifyClient failed: %v", err)
	}
	t.Cleanup(func() { closeAndWait(t, c) })
	return c
}

// closeAndWait 关闭客户端并等待剩余批次投递完毕
func closeAndWait(t *testing.T, c *NotifyClient) {
	t.Helper()
	_ = c.Close()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for notify client to finish delivery")
	}
}

func TestNewNotifyClientErrors(t *testing.T) {
	if _, err := NewNotifyClient(ConfigNotify{}); !errors.Is(err, ErrNoRoot) {
		t.Errorf("empty root: err = %v; want ErrNoRoot", err)
	}
	if _, err := NewNotifyClient(ConfigNotify{Root: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected error for missing root")
	}
	f := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewNotifyClient(ConfigNotify{Root: f}); err == nil {
		t.Error("expected error for non-directory root")
	}
}

func TestNotifyClientSubscriptions(t *testing.T) {
	c := newTestClient(t, t.TempDir())
	ctx := context.Background()

	id1, err := c.Subscribe(ctx, "**", func(RawChangeBatch) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	id2, err := c.Subscribe(ctx, "*.txt", func(RawChangeBatch) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if id1 == id2 {
		t.Errorf("subscription ids not unique: %s", id1)
	}
	if _, err := c.Subscribe(ctx, "[", func(RawChangeBatch) {}); err == nil {
		t.Error("expected error for invalid pattern")
	}

	if err := c.Unsubscribe(ctx, id1); err != nil {
		t.Errorf("Unsubscribe failed: %v", err)
	}
	if err := c.Unsubscribe(ctx, id1); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("second Unsubscribe err = %v; want ErrUnknownSubscription", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := c.Subscribe(cancelled, "**", func(RawChangeBatch) {}); !errors.Is(err, context.Canceled) {
		t.Errorf("Subscribe with cancelled ctx err = %v", err)
	}

	closeAndWait(t, c)
	if _, err := c.Subscribe(ctx, "**", func(RawChangeBatch) {}); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Subscribe after Close err = %v; want ErrClientClosed", err)
	}
	// 关闭后仍然可以释放已有订阅
	if err := c.Unsubscribe(ctx, id2); err != nil {
		t.Errorf("Unsubscribe after Close err = %v; want nil", err)
	}
	if err := c.Start(); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Start after Close err = %v; want ErrClientClosed", err)
	}
}

// TestBuildBatchUsesKnownSize 删除的文件上报最后一次已知的大小
func TestBuildBatchUsesKnownSize(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, dir)

	oldPath := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(oldPath, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := c.scan(dir); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if meta, ok := c.Snapshot()["old.txt"]; !ok || meta.Size != 5 || meta.Kind != KindFile {
		t.Fatalf("initial scan recorded %+v", meta)
	}
	if meta := c.Snapshot()["sub"]; meta.Kind != KindDirectory {
		t.Errorf("sub recorded as %q; want directory", meta.Kind)
	}

	newPath := filepath.Join(dir, "new.txt")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatal(err)
	}
	batch := c.buildBatch([]string{oldPath, newPath}, map[string]fsnotify.Op{
		oldPath: fsnotify.Rename,
		newPath: fsnotify.Create,
	})

	want := []RawChangeRecord{
		{Name: "old.txt", Exists: false, Size: 5, Kind: KindFile},
		{Name: "new.txt", Exists: true, Size: 5, Kind: KindFile},
	}
	if batch.Root != c.Root() || len(batch.Files) != len(want) {
		t.Fatalf("buildBatch() = %+v", batch)
	}
	for i := range want {
		if batch.Files[i] != want[i] {
			t.Errorf("record[%d] = %+v; want %+v", i, batch.Files[i], want[i])
		}
	}
	if _, ok := c.Snapshot()["old.txt"]; ok {
		t.Error("old.txt still known after removal")
	}
}

// TestBuildBatchNewDirectory 新目录中的已有文件随目录一起上报
func TestBuildBatchNewDirectory(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, dir)
	if _, err := c.scan(dir); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	sub := filepath.Join(dir, "pkg")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	batch := c.buildBatch([]string{sub}, map[string]fsnotify.Op{sub: fsnotify.Create})
	if len(batch.Files) != 2 {
		t.Fatalf("buildBatch() = %+v", batch.Files)
	}

	want := []RawChangeRecord{
		{Name: "pkg", Exists: true, Size: batch.Files[0].Size, Kind: KindDirectory},
		{Name: "pkg/a.txt", Exists: true, Size: 1, Kind: KindFile},
	}
	for i := range want {
		if batch.Files[i] != want[i] {
			t.Errorf("record[%d] = %+v; want %+v", i, batch.Files[i], want[i])
		}
	}
}

// TestBuildBatchMovedDirectory 目录被移走时，其中的每个文件都上报为不存在
func TestBuildBatchMovedDirectory(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, dir)

	oldDir := filepath.Join(dir, "a")
	if err := os.Mkdir(oldDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(oldDir, "x.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.scan(dir); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	newDir := filepath.Join(dir, "b")
	if err := os.Rename(oldDir, newDir); err != nil {
		t.Fatal(err)
	}
	batch := c.buildBatch([]string{oldDir, newDir}, map[string]fsnotify.Op{
		oldDir: fsnotify.Rename,
		newDir: fsnotify.Create,
	})

	var files []RawChangeRecord
	for _, f := range batch.Files {
		if f.Kind == KindFile {
			files = append(files, f)
		}
	}
	want := []RawChangeRecord{
		{Name: "a/x.txt", Exists: false, Size: 5, Kind: KindFile},
		{Name: "b/x.txt", Exists: true, Size: 5, Kind: KindFile},
	}
	if len(files) != len(want) {
		t.Fatalf("file records = %+v; want %+v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("record[%d] = %+v; want %+v", i, files[i], want[i])
		}
	}
	if _, ok := c.Snapshot()["a/x.txt"]; ok {
		t.Error("a/x.txt still known after its directory moved")
	}

	expectEvents(t, Classify(batch, Suppression{}), []WatcherEvent{
		{Kind: Deleted, URI: FileURI(filepath.Join(oldDir, "x.txt"))},
		{Kind: Changed, URI: FileURI(filepath.Join(newDir, "x.txt"))},
		{Kind: Renamed, OldURI: FileURI(filepath.Join(oldDir, "x.txt")), NewURI: FileURI(filepath.Join(newDir, "x.txt"))},
	})
}

// TestBuildBatchUnknownRemovedPath 在一个合并窗口内新建又删除的路径按大小为0的文件上报
func TestBuildBatchUnknownRemovedPath(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, dir)

	p := filepath.Join(dir, "flash.txt")
	batch := c.buildBatch([]string{p}, map[string]fsnotify.Op{p: fsnotify.Create | fsnotify.Remove})

	want := RawChangeRecord{Name: "flash.txt", Exists: false, Size: 0, Kind: KindFile}
	if len(batch.Files) != 1 || batch.Files[0] != want {
		t.Errorf("buildBatch() = %+v; want [%+v]", batch.Files, want)
	}
}

// TestCloseFromBatchCallback 在批次回调里调用 Close 不会卡住
func TestCloseFromBatchCallback(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, dir)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	returned := make(chan struct{})
	var once sync.Once
	_, err := c.Subscribe(context.Background(), "**", func(RawChangeBatch) {
		once.Do(func() {
			_ = c.Close()
			close(returned)
		})
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "trigger.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Close called from batch callback did not return")
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("delivery did not finish after Close")
	}
}

// TestCloseFlushesPending Close 前仍在合并窗口里的变更会被投递
func TestCloseFlushesPending(t *testing.T) {
	dir := t.TempDir()
	logger, _ := newTestLogger()
	c, err := NewNotifyClient(ConfigNotify{Root: dir, Debounce: time.Hour, Logger: logger})
	if err != nil {
		t.Fatalf("NewNotifyClient failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	batches := make(chan RawChangeBatch, 16)
	if _, err := c.Subscribe(context.Background(), "**", func(b RawChangeBatch) { batches <- b }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pending.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		c.aggMu.Lock()
		n := len(c.aggOrder)
		c.aggMu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for event to be merged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	closeAndWait(t, c)
	select {
	case b := <-batches:
		want := RawChangeRecord{Name: "pending.txt", Exists: true, Size: 3, Kind: KindFile}
		if len(b.Files) != 1 || b.Files[0] != want {
			t.Errorf("flushed batch = %+v; want [%+v]", b.Files, want)
		}
	default:
		t.Fatal("pending change was dropped by Close")
	}
}

func waitEvent[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v := <-ch:
			if match(v) {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatal("timeout waiting for event")
			return zero
		}
	}
}

// TestNotifyClientWithWatcher 端到端：真实文件系统 -> NotifyClient -> FileSystemWatcher
func TestNotifyClientWithWatcher(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, dir)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	w := NewFileSystemWatcher(Resolved(c), "**/*.txt", false, false, false)
	defer func() {
		w.Dispose()
		w.wg.Wait()
	}()
	<-w.Ready()
	if !w.Subscribed() {
		t.Fatal("watcher did not subscribe")
	}

	changed := make(chan URI, 64)
	deleted := make(chan URI, 64)
	renamed := make(chan RenameEvent, 8)
	w.OnDidChange(func(u URI) { changed <- u })
	w.OnDidDelete(func(u URI) { deleted <- u })
	w.OnDidRename(func(e RenameEvent) { renamed <- e })

	oldPath := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(oldPath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	// 被忽略和不匹配的文件不产生事件
	_ = os.WriteFile(filepath.Join(dir, "scratch.tmp"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0o644)

	waitEvent(t, changed, func(u URI) bool { return u == FileURI(oldPath) })
	// 等写入产生的事件全部落入之前的批次
	time.Sleep(200 * time.Millisecond)

	newPath := filepath.Join(dir, "new.txt")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("failed to rename test file: %v", err)
	}

	ev := waitEvent(t, renamed, func(RenameEvent) bool { return true })
	if ev.OldURI != FileURI(oldPath) || ev.NewURI != FileURI(newPath) {
		t.Errorf("rename = %+v; want %s -> %s", ev, oldPath, newPath)
	}
	waitEvent(t, deleted, func(u URI) bool { return u == FileURI(oldPath) })

	if err := os.Remove(newPath); err != nil {
		t.Fatalf("failed to remove test file: %v", err)
	}
	waitEvent(t, deleted, func(u URI) bool { return u == FileURI(newPath) })

	for {
		select {
		case u := <-changed:
			if u.Filename() == filepath.Join(dir, "notes.md") || u.Filename() == filepath.Join(dir, "scratch.tmp") {
				t.Errorf("unexpected change event for %s", u)
			}
			continue
		default:
		}
		break
	}
}
