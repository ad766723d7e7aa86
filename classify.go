package watcher

// Suppression 保存三个抑制标志，重命名没有独立的抑制标志
type Suppression struct {
	IgnoreCreate bool
	IgnoreChange bool
	IgnoreDelete bool
}

// Classify 把一批原始变更转换成语义事件
//
// 规则：
//  1. 非普通文件(目录、其它类型)直接丢弃
//  2. 不存在 => Deleted；存在且大小为0 => Created；存在且大小非0 => Changed，
//     各自受对应抑制标志控制
//  3. 过滤后恰好两条记录、第一条不存在而第二条存在、且大小相同 => 额外追加 Renamed，
//     不受任何抑制标志影响
//
// 注意：大小为0即视为新建是一个近似判断。把已有文件截断为空会被报告成 Created，
// 新建后立即写入内容的文件可能只被报告成 Changed。跨批次的重命名、
// 或者同一批次里还夹带其它变更的重命名都不会被识别，只会表现为独立的删除/新建事件。
func Classify(batch RawChangeBatch, s Suppression) []WatcherEvent {
	files := filterFiles(batch.Files)
	if len(files) == 0 {
		return nil
	}

	events := make([]WatcherEvent, 0, len(files)+1)
	for _, f := range files {
		uri := recordURI(batch.Root, f)
		switch {
		case !f.Exists:
			if !s.IgnoreDelete {
				events = append(events, WatcherEvent{Kind: Deleted, URI: uri})
			}
		case f.Size == 0:
			if !s.IgnoreCreate {
				events = append(events, WatcherEvent{Kind: Created, URI: uri})
			}
		default:
			if !s.IgnoreChange {
				events = append(events, WatcherEvent{Kind: Changed, URI: uri})
			}
		}
	}

	if oldFile, newFile, ok := inferRename(files); ok {
		events = append(events, WatcherEvent{
			Kind:   Renamed,
			OldURI: recordURI(batch.Root, oldFile),
			NewURI: recordURI(batch.Root, newFile),
		})
	}
	return events
}

// filterFiles 只保留普通文件，保持原有顺序
func filterFiles(records []RawChangeRecord) []RawChangeRecord {
	out := make([]RawChangeRecord, 0, len(records))
	for _, r := range records {
		if r.Kind == KindFile {
			out = append(out, r)
		}
	}
	return out
}

// inferRename 只识别"一删一建、大小相同"的两条记录
func inferRename(files []RawChangeRecord) (RawChangeRecord, RawChangeRecord, bool) {
	if len(files) != 2 {
		return RawChangeRecord{}, RawChangeRecord{}, false
	}
	oldFile, newFile := files[0], files[1]
	if oldFile.Exists || !newFile.Exists || oldFile.Size != newFile.Size {
		return RawChangeRecord{}, RawChangeRecord{}, false
	}
	return oldFile, newFile, true
}
