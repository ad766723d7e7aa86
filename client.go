package watcher

import "context"

// Client 是外部监控机制的客户端
//
// Subscribe：为 pattern 注册订阅，每投递一批变更调用一次 onBatch，返回订阅ID
// Unsubscribe：按订阅ID取消订阅
//
// 同一订阅的 onBatch 必须串行调用。
type Client interface {
	Subscribe(ctx context.Context, pattern string, onBatch func(RawChangeBatch)) (string, error)
	Unsubscribe(ctx context.Context, id string) error
}

// ClientResult 是 ClientPromise 的结算值
//
// Err 非空表示客户端初始化失败；Client 为 nil 表示客户端不可用
type ClientResult struct {
	Client Client
	Err    error
}

// ClientPromise 表示"客户端可用"的延迟信号
//
// 读到一个 ClientResult 即视为结算；通道被关闭且没有值等同于客户端不可用
type ClientPromise <-chan ClientResult

// Resolved 返回一个已经以 c 结算的 ClientPromise
func Resolved(c Client) ClientPromise {
	return settled(ClientResult{Client: c})
}

// Rejected 返回一个已经以 err 失败的 ClientPromise
func Rejected(err error) ClientPromise {
	return settled(ClientResult{Err: err})
}

// Absent 返回一个结算为"没有客户端"的 ClientPromise
func Absent() ClientPromise {
	ch := make(chan ClientResult)
	close(ch)
	return ch
}

func settled(res ClientResult) ClientPromise {
	ch := make(chan ClientResult, 1)
	ch <- res
	close(ch)
	return ch
}
