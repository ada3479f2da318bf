package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/dpgoflow/types"
)

// subCounter 用于生成唯一订阅 ID，避免并发碰撞
var subCounter int64

var _ Bus = (*InProc)(nil)

// InProc 是进程内总线实现，用于测试和单进程多机器人仿真。
// 每个订阅持有一条带缓冲的通道和一个串行分发 goroutine，
// 同一订阅内的消息按发布顺序送达。
type InProc struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*inprocSub
	closed bool
	logger *zap.Logger
}

type inprocSub struct {
	bus       *InProc
	topic     string
	id        int64
	ch        chan []byte
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// NewInProc creates an in-process bus.
func NewInProc(logger *zap.Logger) *InProc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProc{
		subs:   make(map[string]map[int64]*inprocSub),
		logger: logger.With(zap.String("component", "inproc_bus")),
	}
}

// Publish delivers payload to every subscriber of topic. A subscriber whose
// buffer is full loses the message; the coordination layer's periodic
// republish heals such gaps.
func (b *InProc) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return types.NewError(types.ErrBusClosed, "publish on closed bus")
	}
	targets := make([]*inprocSub, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- payload:
		case <-s.done:
		default:
			b.logger.Warn("subscriber buffer full, dropping message",
				zap.String("topic", topic), zap.Int64("sub", s.id))
		}
	}
	return nil
}

// Subscribe registers h for topic. Delivery is serialized per subscription.
func (b *InProc) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, types.NewError(types.ErrBusClosed, "subscribe on closed bus")
	}

	s := &inprocSub{
		bus:    b,
		topic:  topic,
		id:     atomic.AddInt64(&subCounter, 1),
		ch:     make(chan []byte, 256),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int64]*inprocSub)
	}
	b.subs[topic][s.id] = s

	go s.dispatch(h)
	return s, nil
}

func (s *inprocSub) dispatch(h Handler) {
	defer close(s.exited)
	for {
		select {
		case payload := <-s.ch:
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.bus.logger.Error("handler panicked",
							zap.String("topic", s.topic), zap.Any("recover", r))
					}
				}()
				h(s.topic, payload)
			}()
		case <-s.done:
			return
		}
	}
}

// Close stops delivery and removes the subscription from the bus.
func (s *inprocSub) Close() error {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		if m := s.bus.subs[s.topic]; m != nil {
			delete(m, s.id)
			if len(m) == 0 {
				delete(s.bus.subs, s.topic)
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
	<-s.exited
	return nil
}

// Close shuts down the bus and every subscription.
func (b *InProc) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*inprocSub
	for _, m := range b.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[int64]*inprocSub)
	b.mu.Unlock()

	for _, s := range all {
		s.closeOnce.Do(func() { close(s.done) })
		<-s.exited
	}
	return nil
}
