// Command changewatch 监控一个目录并打印分类后的文件事件
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	watcher "github.com/shuakami/changewatch"
)

type CLI struct {
	Config   string        `help:"YAML config file." type:"existingfile" short:"c"`
	Root     string        `help:"Directory to watch (overrides config)." type:"existingdir" short:"r"`
	Pattern  []string      `help:"Glob pattern to subscribe (repeatable, overrides config)." short:"p"`
	Ignore   []string      `help:"File name patterns to ignore." short:"i"`
	Debounce time.Duration `help:"Event merge interval." default:"100ms"`
	Debug    bool          `help:"Enable debug logging."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("changewatch"),
		kong.Description("Classify file system changes into create/change/delete/rename events."),
	)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := cli.load()
	if err != nil {
		slog.Error("load config", slog.Any("err", err))
		os.Exit(2)
	}
	cfg.Notify.Logger = logger

	// 客户端创建失败时 watcher 只记录日志并保持静默
	var promise watcher.ClientPromise
	client, err := watcher.NewNotifyClient(cfg.Notify)
	if err == nil {
		if err = client.Start(); err != nil {
			_ = client.Close()
			client = nil
		}
	}
	if err != nil {
		promise = watcher.Rejected(err)
	} else {
		promise = watcher.Resolved(client)
	}

	watchers := make([]*watcher.FileSystemWatcher, 0, len(cfg.Watches))
	for _, wc := range cfg.Watches {
		w := watcher.NewFileSystemWatcher(promise, wc.Pattern,
			wc.IgnoreCreate, wc.IgnoreChange, wc.IgnoreDelete, watcher.WithLogger(logger))
		watchers = append(watchers, w)

		pattern := wc.Pattern
		w.OnDidCreate(func(u watcher.URI) {
			slog.Info("created", slog.String("pattern", pattern), slog.String("uri", u.String()))
		})
		w.OnDidChange(func(u watcher.URI) {
			slog.Info("changed", slog.String("pattern", pattern), slog.String("uri", u.String()))
		})
		w.OnDidDelete(func(u watcher.URI) {
			slog.Info("deleted", slog.String("pattern", pattern), slog.String("uri", u.String()))
		})
		w.OnDidRename(func(e watcher.RenameEvent) {
			slog.Info("renamed", slog.String("pattern", pattern),
				slog.String("old", e.OldURI.String()), slog.String("new", e.NewURI.String()))
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	// 先释放订阅再关闭客户端；关闭后的 Unsubscribe 仍然有效
	for _, w := range watchers {
		w.Dispose()
	}
	if client != nil {
		_ = client.Close()
		select {
		case <-client.Done():
		case <-time.After(5 * time.Second):
			slog.Warn("timeout waiting for pending batches")
		}
	}
}

// load 合并配置文件与命令行参数
func (cli *CLI) load() (watcher.Config, error) {
	var cfg watcher.Config
	if cli.Config != "" {
		loaded, err := watcher.LoadConfig(cli.Config)
		if err != nil {
			return watcher.Config{}, err
		}
		cfg = loaded
	}
	if cli.Root != "" {
		cfg.Notify.Root = cli.Root
	}
	if cfg.Notify.Root == "" {
		cfg.Notify.Root = "."
	}
	if len(cli.Ignore) > 0 {
		cfg.Notify.IgnorePatterns = cli.Ignore
	}
	if cfg.Notify.Debounce <= 0 {
		cfg.Notify.Debounce = cli.Debounce
	}
	if len(cli.Pattern) > 0 {
		cfg.Watches = cfg.Watches[:0]
		for _, p := range cli.Pattern {
			cfg.Watches = append(cfg.Watches, watcher.WatchConfig{Pattern: p})
		}
	}
	if len(cfg.Watches) == 0 {
		cfg.Watches = []watcher.WatchConfig{{Pattern: "**"}}
	}
	return cfg, nil
}
