package watcher

import (
	"net/url"
	"path/filepath"
	"strings"
)

// FileKind 表示外部监控机制上报的条目类型
type FileKind string

const (
	KindFile      FileKind = "f" // 普通文件
	KindDirectory FileKind = "d" // 目录
	KindOther     FileKind = "o" // 其它(符号链接、设备文件等)
)

// RawChangeRecord 表示单个路径的原始变更记录
//
// Name：相对于批次Root的路径
// Exists：变更后该路径是否仍然存在
// Size：文件大小（单位：字节）；对已删除的文件为最后一次已知的大小
// Kind：条目类型
type RawChangeRecord struct {
	Name   string
	Exists bool
	Size   int64
	Kind   FileKind
}

// RawChangeBatch 表示外部监控机制一次性投递的一批变更
//
// Files 的顺序与来源保持一致，重命名推断依赖这个顺序
type RawChangeBatch struct {
	Root  string
	Files []RawChangeRecord
}

// URI 是文件的绝对标识，形如 file:///abs/path
type URI string

// FileURI 根据绝对路径构造 URI
//
// 不以 '/' 开头的路径(如 Windows 的 C:/x)补上前导 '/'，避免盘符被当成 host
func FileURI(path string) URI {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p}
	return URI(u.String())
}

// Filename 返回 URI 对应的本地路径，无法解析时返回空字符串
func (u URI) Filename() string {
	parsed, err := url.Parse(string(u))
	if err != nil || parsed.Scheme != "file" {
		return ""
	}
	p := parsed.Path
	// /C:/x => C:/x，只在有盘符概念的平台上生效
	if len(p) > 1 && filepath.VolumeName(filepath.FromSlash(p[1:])) != "" {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

func (u URI) String() string {
	return string(u)
}

// recordURI 拼接 root 与记录的相对路径
func recordURI(root string, rec RawChangeRecord) URI {
	return FileURI(filepath.Join(root, filepath.FromSlash(rec.Name)))
}

// RenameEvent 是 OnDidRename 上发布的负载
type RenameEvent struct {
	OldURI URI
	NewURI URI
}

// EventKind 表示语义事件的种类
type EventKind int

const (
	Created EventKind = iota + 1
	Changed
	Deleted
	Renamed
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "CREATE"
	case Changed:
		return "CHANGE"
	case Deleted:
		return "DELETE"
	case Renamed:
		return "RENAME"
	}
	return "UNKNOWN"
}

// WatcherEvent 是分类结果
//
// Kind 为 Renamed 时使用 OldURI/NewURI，其余情况只使用 URI
type WatcherEvent struct {
	Kind   EventKind
	URI    URI
	OldURI URI
	NewURI URI
}
