// Package viz 通过 WebSocket 向外部查看器流式推送机器人轨迹。
//
// Server 缓存每台机器人最新的全局轨迹：新连接先收到全部缓存的快照，
// 之后每次 PublishTrajectory 都会广播给所有在线客户端。每条消息都是
// 一个 JSON 编码的 wire.Trajectory。慢客户端会丢帧而不是拖慢发布方。
package viz

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/dpgoflow/wire"
)

// writeTimeout 限定单帧推送的等待时间，超时视为客户端失联。
const writeTimeout = 5 * time.Second

// clientBuffer 是每个客户端的待发帧缓冲，写满即丢帧。
const clientBuffer = 16

// Server 是 WebSocket 轨迹服务。实现 http.Handler，可挂到任意 mux 上。
type Server struct {
	logger *zap.Logger

	mu      sync.Mutex
	latest  map[wire.RobotID]wire.Trajectory
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn   *websocket.Conn
	frames chan []byte
}

// NewServer 创建轨迹服务。
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:  logger.With(zap.String("component", "viz")),
		latest:  make(map[wire.RobotID]wire.Trajectory),
		clients: make(map[*client]struct{}),
	}
}

// PublishTrajectory 更新某机器人的最新轨迹并广播给所有客户端。
func (s *Server) PublishTrajectory(tr wire.Trajectory) {
	payload, err := wire.Marshal(tr)
	if err != nil {
		s.logger.Error("failed to marshal trajectory", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.latest[tr.RobotID] = tr
	for c := range s.clients {
		select {
		case c.frames <- payload:
		default:
			s.logger.Debug("client buffer full, dropping frame",
				zap.Uint32("robot", uint32(tr.RobotID)))
		}
	}
}

// Snapshot 返回当前缓存的全部轨迹，按机器人编号升序。
func (s *Server) Snapshot() []wire.Trajectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Trajectory, 0, len(s.latest))
	for _, tr := range s.latest {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RobotID < out[j].RobotID })
	return out
}

// ServeHTTP 把请求升级为 WebSocket 并进入推送循环。
// 连接是单向的：服务端只写，客户端的入站数据被忽略。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, frames: make(chan []byte, clientBuffer)}
	snapshot := s.register(c)
	defer s.unregister(c)

	s.logger.Info("viewer connected", zap.String("remote", r.RemoteAddr))
	ctx := conn.CloseRead(r.Context())

	for _, payload := range snapshot {
		if err := s.writeFrame(ctx, conn, payload); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-c.frames:
			if err := s.writeFrame(ctx, conn, payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, payload); err != nil {
		s.logger.Debug("viewer write failed", zap.Error(err))
		return err
	}
	return nil
}

// register 登记客户端并返回应先行推送的快照帧。
// 快照在锁内序列化，保证与后续广播之间没有空洞。
func (s *Server) register(c *client) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]wire.RobotID, 0, len(s.latest))
	for id := range s.latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var snapshot [][]byte
	for _, id := range ids {
		payload, err := wire.Marshal(s.latest[id])
		if err != nil {
			s.logger.Error("failed to marshal trajectory", zap.Error(err))
			continue
		}
		snapshot = append(snapshot, payload)
	}
	s.clients[c] = struct{}{}
	return snapshot
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	s.logger.Info("viewer disconnected")
}

// Close 断开所有客户端并拒绝新连接。幂等。
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "server shutting down")
	}
	return nil
}
