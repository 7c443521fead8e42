package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"vibenotes/backend/internal/cache"
	"vibenotes/backend/internal/collab"
	"vibenotes/backend/internal/crdt"
	"vibenotes/backend/internal/metrics"
	"vibenotes/backend/internal/note"
	"vibenotes/backend/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// 允许本地开发环境的来源；不带 Origin 的非浏览器客户端也放行
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	} {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// 错误码（error 事件的 code 字段）
const (
	CodeAccessDenied = "ACCESS_DENIED"
	CodeNotFound     = "NOT_FOUND"
	CodeProtocol     = "PROTOCOL_ERROR"
	CodeNotInRoom    = "NOT_IN_ROOM"
	CodeUnavailable  = "UNAVAILABLE"
)

// AccessControl 权限适配器
type AccessControl interface {
	CanView(ctx context.Context, noteID string, userID uint64) (bool, error)
	CanEdit(ctx context.Context, noteID string, userID uint64) (bool, error)
}

type Options struct {
	PresenceTTL   time.Duration // redis 在线镜像的 TTL
	GrantTTL      time.Duration // 编辑权限缓存时间，过期后 sync 重新查询
	AccessTimeout time.Duration
	JoinTimeout   time.Duration
}

func (o *Options) withDefaults() {
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 2 * time.Minute
	}
	if o.GrantTTL <= 0 {
		o.GrantTTL = 30 * time.Second
	}
	if o.AccessTimeout <= 0 {
		o.AccessTimeout = 2 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
}

// Manager 会话管理：每个连接的协议状态机，连接与房间之间的枢纽
type Manager struct {
	registry *collab.Registry
	access   AccessControl
	presence cache.PresenceCache // 可为 nil
	log      *zap.Logger
	opts     Options

	// connId|noteId -> canEdit
	grants   *ttlcache.Cache[string, bool]
	stopOnce sync.Once

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewManager(registry *collab.Registry, access AccessControl, presence cache.PresenceCache, log *zap.Logger, opts Options) *Manager {
	opts.withDefaults()
	grants := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](opts.GrantTTL),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go grants.Start()
	return &Manager{
		registry: registry,
		access:   access,
		presence: presence,
		log:      log,
		opts:     opts,
		grants:   grants,
		conns:    make(map[string]*Conn),
	}
}

func grantKey(connID, noteID string) string { return connID + "|" + noteID }

// WebSocketConnect 认证在中间件里已经完成（userId/username 在 gin.Context 上）
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.Error(err), zap.String("origin", c.Request.Header.Get("Origin")))
		return
	}

	conn := NewConn(wsConn, uuid.NewString(), userID, username, m.log)
	m.register(conn)
	defer m.disconnect(conn)

	// 先启动写循环，确保后续写入 send 通道的消息能及时发出
	go conn.writeLoop(func() { m.heartbeat(conn) })

	// 读循环阻塞至连接关闭
	conn.readLoop(func(msg protocol.ClientMessage) { m.dispatch(c.Request.Context(), conn, msg) })
}

func (m *Manager) register(c *Conn) {
	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()
	metrics.ConnectedPeers.Inc()
	c.log.Debug("connected")
}

// CloseAll 进程退出时断开所有连接（各自的断开流程会离开房间）
func (m *Manager) CloseAll() {
	defer m.stopOnce.Do(m.grants.Stop)
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (m *Manager) dispatch(ctx context.Context, c *Conn, msg protocol.ClientMessage) {
	cmd, err := ParseCommand(msg)
	if err != nil {
		metrics.FramesTotal.WithLabelValues(msg.Type, metrics.OutcomeProtocol).Inc()
		c.log.Debug("invalid message dropped", zap.String("type", msg.Type), zap.Error(err))
		c.Send(protocol.ErrorMessage(msg.NoteID, msg.RequestID, err, CodeProtocol))
		return
	}

	switch cmd := cmd.(type) {
	case JoinCommand:
		m.join(ctx, c, cmd)
	case LeaveCommand:
		m.leave(c, cmd.NoteID)
	case SyncCommand:
		m.sync(ctx, c, cmd)
	case AwarenessCommand:
		m.awareness(c, cmd)
	case CursorCommand:
		m.cursor(c, cmd)
	case GetUsersCommand:
		m.getUsers(c, cmd)
	}
}

// join 权限检查 -> 取/建房间 -> 入房（入房与“连接是否已断开”的检查在房间锁内一起完成）
func (m *Manager) join(ctx context.Context, c *Conn, cmd JoinCommand) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.JoinTimeout)
	defer cancel()

	canView, err := m.access.CanView(ctx, cmd.NoteID, c.userID)
	if err != nil {
		m.fail(c, cmd, outcomeOf(err), err)
		return
	}
	if !canView {
		m.fail(c, cmd, metrics.OutcomeDenied, note.ErrAccessDenied)
		return
	}
	// 顺带取编辑权限，后续 sync 直接用缓存
	canEdit, err := m.access.CanEdit(ctx, cmd.NoteID, c.userID)
	if err != nil {
		m.fail(c, cmd, outcomeOf(err), err)
		return
	}

	entry := crdt.PresenceEntry{UserID: c.userID, DisplayName: c.username, Color: colorFor(c.userID)}
	for attempt := 0; ; attempt++ {
		room, err := m.registry.GetOrCreate(ctx, cmd.NoteID)
		if err != nil {
			m.fail(c, cmd, outcomeOf(err), err)
			return
		}
		err = room.Join(c, entry, cmd.RequestID)
		if errors.Is(err, collab.ErrRoomClosed) && attempt < 3 {
			// 恰好撞上延迟回收：GetOrCreate 会摘掉关闭的房间，稍等后重新取一个
			time.Sleep(time.Millisecond << attempt)
			continue
		}
		if err != nil {
			if !errors.Is(err, collab.ErrPeerClosed) {
				m.fail(c, cmd, metrics.OutcomeError, err)
			}
			return
		}
		break
	}
	m.grants.Set(grantKey(c.id, cmd.NoteID), canEdit, ttlcache.DefaultTTL)
	metrics.FramesTotal.WithLabelValues(protocol.TypeJoin, metrics.OutcomeOK).Inc()
	c.log.Debug("joined", zap.String("noteId", cmd.NoteID), zap.Bool("canEdit", canEdit))

	m.mirrorAdd(c, cmd.NoteID)
}

// leave 重复离开是空操作
func (m *Manager) leave(c *Conn, noteID string) {
	room := m.registry.Lookup(noteID)
	if room == nil {
		m.grants.Delete(grantKey(c.id, noteID))
		c.Detach(noteID)
		return
	}
	m.grants.Delete(grantKey(c.id, noteID))
	if _, removed := m.registry.Leave(room, c.id); removed {
		c.log.Debug("left", zap.String("noteId", noteID))
		m.mirrorRemove(c, noteID)
	}
}

// disconnect 对所在的每个房间执行 leave
func (m *Manager) disconnect(c *Conn) {
	for _, noteID := range c.markClosed() {
		m.leave(c, noteID)
	}
	c.Close()

	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
	metrics.ConnectedPeers.Dec()
	c.log.Debug("disconnected")
}

// sync 解码后只有会改变文档的帧（step2/update）需要编辑权限；
// 被拒绝的帧只给发送者回 error，不进文档也不广播
func (m *Manager) sync(ctx context.Context, c *Conn, cmd SyncCommand) {
	f, err := protocol.Decode(cmd.Frame)
	if err == nil && f.Type != protocol.MessageSync {
		err = fmt.Errorf("%w: sync message carries an awareness frame", note.ErrProtocol)
	}
	if err != nil {
		m.fail(c, cmd, metrics.OutcomeProtocol, err)
		return
	}

	if !c.inRoom(cmd.NoteID) {
		m.fail(c, cmd, metrics.OutcomeError, collab.ErrNotInRoom)
		return
	}
	if f.StateChanging() {
		canEdit, err := m.canEdit(ctx, c, cmd.NoteID)
		if err != nil {
			m.fail(c, cmd, outcomeOf(err), err)
			return
		}
		if !canEdit {
			m.fail(c, cmd, metrics.OutcomeDenied, note.ErrAccessDenied)
			return
		}
	}

	room := m.registry.Lookup(cmd.NoteID)
	if room == nil {
		m.fail(c, cmd, metrics.OutcomeError, collab.ErrNotInRoom)
		return
	}
	if err := room.Sync(c, f); err != nil {
		m.fail(c, cmd, outcomeOf(err), err)
		return
	}
	metrics.FramesTotal.WithLabelValues(protocol.TypeSync, metrics.OutcomeOK).Inc()
}

// canEdit 权限缓存过期后重新查询
func (m *Manager) canEdit(ctx context.Context, c *Conn, noteID string) (bool, error) {
	key := grantKey(c.id, noteID)
	if item := m.grants.Get(key); item != nil {
		return item.Value(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.AccessTimeout)
	defer cancel()
	ok, err := m.access.CanEdit(ctx, noteID, c.userID)
	if err != nil {
		return false, err
	}
	m.grants.Set(key, ok, ttlcache.DefaultTTL)
	return ok, nil
}

func (m *Manager) awareness(c *Conn, cmd AwarenessCommand) {
	room := m.registry.Lookup(cmd.NoteID)
	if room == nil {
		m.fail(c, cmd, metrics.OutcomeError, collab.ErrNotInRoom)
		return
	}
	if err := room.Awareness(c, cmd.Frame); err != nil {
		m.fail(c, cmd, outcomeOf(err), err)
		return
	}
	metrics.FramesTotal.WithLabelValues(protocol.TypeAwareness, metrics.OutcomeOK).Inc()
}

func (m *Manager) cursor(c *Conn, cmd CursorCommand) {
	room := m.registry.Lookup(cmd.NoteID)
	if room == nil {
		m.fail(c, cmd, metrics.OutcomeError, collab.ErrNotInRoom)
		return
	}
	if err := room.Cursor(c, cmd.Cursor); err != nil {
		m.fail(c, cmd, outcomeOf(err), err)
	}
}

func (m *Manager) getUsers(c *Conn, cmd GetUsersCommand) {
	room := m.registry.Lookup(cmd.NoteID)
	if room == nil {
		m.fail(c, cmd, metrics.OutcomeError, collab.ErrNotInRoom)
		return
	}
	ids, err := room.Users(c)
	if err != nil {
		m.fail(c, cmd, outcomeOf(err), err)
		return
	}
	c.Send(protocol.ServerMessage{Type: protocol.EventUsers, NoteID: cmd.NoteID, RequestID: cmd.RequestID, UserIDs: ids})
}

// fail 错误只回给发送者，房间和其他连接不受影响
func (m *Manager) fail(c *Conn, cmd Command, outcome string, err error) {
	kind := commandType(cmd)
	metrics.FramesTotal.WithLabelValues(kind, outcome).Inc()
	if outcome == metrics.OutcomeError {
		c.log.Warn("request failed", zap.String("type", kind), zap.String("noteId", cmd.noteID()), zap.Error(err))
	} else {
		c.log.Debug("request rejected", zap.String("type", kind), zap.String("noteId", cmd.noteID()), zap.Error(err))
	}
	c.Send(protocol.ErrorMessage(cmd.noteID(), cmd.requestID(), err, errorCode(err)))
}

// outcomeOf 错误分类到指标 outcome
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, note.ErrAccessDenied):
		return metrics.OutcomeDenied
	case errors.Is(err, note.ErrProtocol):
		return metrics.OutcomeProtocol
	case errors.Is(err, note.ErrNotFound), errors.Is(err, collab.ErrNotInRoom):
		return metrics.OutcomeDenied
	}
	return metrics.OutcomeError
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, note.ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, note.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, note.ErrProtocol):
		return CodeProtocol
	case errors.Is(err, collab.ErrNotInRoom):
		return CodeNotInRoom
	}
	return CodeUnavailable
}

func commandType(cmd Command) string {
	switch cmd.(type) {
	case JoinCommand:
		return protocol.TypeJoin
	case LeaveCommand:
		return protocol.TypeLeave
	case SyncCommand:
		return protocol.TypeSync
	case AwarenessCommand:
		return protocol.TypeAwareness
	case CursorCommand:
		return protocol.TypeCursor
	case GetUsersCommand:
		return protocol.TypeGetUsers
	}
	return "unknown"
}

// 在线镜像（redis）：失败只记日志
func (m *Manager) mirrorAdd(c *Conn, noteID string) {
	if m.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := m.presence.AddMember(ctx, noteID, c.id, c.userID, c.username, m.opts.PresenceTTL); err != nil {
		c.log.Warn("presence mirror add failed", zap.String("noteId", noteID), zap.Error(err))
	}
}

func (m *Manager) mirrorRemove(c *Conn, noteID string) {
	if m.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := m.presence.RemoveMember(ctx, noteID, c.id); err != nil {
		c.log.Warn("presence mirror remove failed", zap.String("noteId", noteID), zap.Error(err))
	}
}

// heartbeat 随 ping 续期在线镜像
func (m *Manager) heartbeat(c *Conn) {
	for _, noteID := range c.roomIDs() {
		m.mirrorAdd(c, noteID)
	}
}

var palette = []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#46f0f0", "#f032e6", "#9a6324"}

func colorFor(userID uint64) string {
	return palette[userID%uint64(len(palette))]
}
