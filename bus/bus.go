// Package bus 提供机器人之间的发布/订阅通道抽象。
//
// 部署时使用 Redis Pub/Sub 作为传输层；测试与单进程仿真使用进程内
// 总线。传输层只保证尽力送达：消息至少投递一次，不保证跨发布者的
// 顺序，协调层对重复投递保持幂等。
package bus

import "context"

// Handler processes one raw message. Handlers run on bus dispatch
// goroutines and must be safe for concurrent use; they should do
// bookkeeping only and never block.
type Handler func(topic string, payload []byte)

// Subscription is one active topic subscription.
type Subscription interface {
	// Close stops delivery. Safe to call more than once.
	Close() error
}

// Bus is the transport all coordination traffic rides on.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Close() error
}
