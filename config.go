package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDebounce    = 10 * time.Millisecond
	defaultWorkerCount = 32
)

// ConfigNotify 用于配置 NotifyClient
//
// Root：需要监控的根目录，批次中的 Root 即为它的绝对路径
// IgnorePatterns：需要忽略的文件(或目录)名通配符，如 "*.tmp" 或 ".git"
// Debounce：事件合并的时间间隔, 默认 10ms
// WorkerCount：并发 stat 的最大 worker 数量, 默认 32
// Logger：日志输出，默认 slog.Default()
type ConfigNotify struct {
	Root           string        `yaml:"root"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
	Debounce       time.Duration `yaml:"debounce"`
	WorkerCount    int           `yaml:"worker_count"`
	Logger         *slog.Logger  `yaml:"-"`
}

// WatchConfig 描述一个 FileSystemWatcher 的订阅参数
type WatchConfig struct {
	Pattern      string `yaml:"pattern"`
	IgnoreCreate bool   `yaml:"ignore_create"`
	IgnoreChange bool   `yaml:"ignore_change"`
	IgnoreDelete bool   `yaml:"ignore_delete"`
}

// Config 是配置文件的顶层结构
type Config struct {
	Notify  ConfigNotify  `yaml:"notify"`
	Watches []WatchConfig `yaml:"watches"`
}

// withDefaults 填充未设置的字段
func (cfg ConfigNotify) withDefaults() ConfigNotify {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// ParseConfig 从 YAML 内容解析配置
//
// 没有声明任何 watch 时默认监听全部文件("**")
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Notify.Root == "" {
		return Config{}, fmt.Errorf("failed to parse config: %w", ErrNoRoot)
	}
	if len(cfg.Watches) == 0 {
		cfg.Watches = []WatchConfig{{Pattern: "**"}}
	}
	return cfg, nil
}

// LoadConfig 读取并解析 YAML 配置文件
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}
