package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"vibenotes/backend/internal/metrics"
	"vibenotes/backend/internal/note"
	"vibenotes/backend/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBufferSize = 256
)

// Conn 一个已认证的 websocket 连接，可以同时在多个笔记房间里。
// 出站消息经 send 通道由 writeLoop 串行写出；缓冲满说明对端太慢，直接断开让它重连重同步
type Conn struct {
	ws       *websocket.Conn
	id       string
	userID   uint64
	username string
	log      *zap.Logger

	send      chan protocol.ServerMessage
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool // 断开流程已开始，不允许再加入房间
	rooms  map[string]struct{}
}

func NewConn(ws *websocket.Conn, id string, userID uint64, username string, log *zap.Logger) *Conn {
	return &Conn{
		ws:       ws,
		id:       id,
		userID:   userID,
		username: username,
		log:      log.With(zap.String("connId", id), zap.Uint64("userId", userID)),
		send:     make(chan protocol.ServerMessage, sendBufferSize),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
}

func (c *Conn) ConnID() string { return c.id }
func (c *Conn) UserID() uint64 { return c.userID }

// Attach 在房间锁内调用；断开流程开始后拒绝
func (c *Conn) Attach(noteID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.rooms[noteID] = struct{}{}
	return true
}

func (c *Conn) Detach(noteID string) {
	c.mu.Lock()
	delete(c.rooms, noteID)
	c.mu.Unlock()
}

// Send 非阻塞入队；房间锁内调用，不能等待
func (c *Conn) Send(msg protocol.ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		metrics.SlowConsumersTotal.Inc()
		c.log.Warn("send buffer full, closing slow connection")
		c.Close()
	}
}

// Close 关闭底层连接；readLoop 随之退出并走断开流程
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) inRoom(noteID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[noteID]
	return ok
}

// markClosed 开始断开：之后的 Attach 都会失败，返回此刻所在的全部房间
func (c *Conn) markClosed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (c *Conn) roomIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}

// readLoop 逐条读取并处理；同一连接的消息按到达顺序处理完才读下一条
func (c *Conn) readLoop(handle func(protocol.ClientMessage)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("read error", zap.Error(err))
			}
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			metrics.FramesTotal.WithLabelValues("invalid", metrics.OutcomeProtocol).Inc()
			c.log.Debug("malformed envelope dropped", zap.Error(err))
			c.Send(protocol.ErrorMessage("", "", errors.Join(note.ErrProtocol, err), note.ErrProtocol.Error()))
			continue
		}
		handle(msg)
	}
}

// writeLoop 唯一的写者；定时 ping 并回调心跳
func (c *Conn) writeLoop(heartbeat func()) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
			if heartbeat != nil {
				heartbeat()
			}
		case <-c.done:
			return
		}
	}
}
