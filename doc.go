// Package watcher 把外部文件监控机制投递的原始变更批次分类为语义事件并分发。
//
// 核心特点：
//   - 外部机制每个路径只报告"是否存在"和"大小"，不报告事件类型
//   - 不存在 => 删除；存在且大小为0 => 新建；存在且大小非0 => 修改
//   - 重命名需要推断：同一批次恰好两条文件记录，先删后建且大小相同 => 重命名
//   - 新建/修改/删除/重命名四类事件各自独立广播，互不可见
//   - 新建/修改/删除各有一个抑制标志，重命名不受抑制标志影响
//   - 提供基于fsnotify的 NotifyClient 作为外部机制的一种实现
//
// 注意：
//   - "大小为0即新建"是近似判断：截断为空的已有文件会被报告成新建，
//     新建后立即写入内容的文件可能只被报告成修改
//   - 重命名只在单个批次内识别，跨批次或夹带其它变更的重命名只表现为删除+新建/修改
//   - Dispose() 不等待取消订阅完成，正在分发中的批次仍可能产生事件
//
// 推荐使用方式：
//  1. 配置ConfigNotify，通过NewNotifyClient创建客户端并Start()
//  2. 用Resolved(client)得到ClientPromise，调用NewFileSystemWatcher
//  3. 通过OnDidCreate/OnDidChange/OnDidDelete/OnDidRename订阅事件
//  4. 结束时调用watcher的Dispose()和客户端的Close()，需要时等待客户端的Done()
//
// 失败处理：
//   - 客户端不可用、订阅失败、取消订阅失败都只记录日志(log/slog)，不会返回给调用方
//   - 失败后watcher保持静默，不再产生事件，也不会重试
package watcher
