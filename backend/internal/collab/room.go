package collab

import (
	"errors"
	"fmt"
	"sync"

	"vibenotes/backend/internal/crdt"
	"vibenotes/backend/internal/note"
	"vibenotes/backend/internal/protocol"
)

var (
	ErrRoomClosed = errors.New("ROOM_CLOSED")
	ErrPeerClosed = errors.New("PEER_CLOSED")
	ErrNotInRoom  = errors.New("NOT_IN_ROOM")
)

// CodeNoteDeleted 房间因笔记被删除而关闭时发给成员的错误码
const CodeNoteDeleted = "NOT_FOUND"

// Peer 房间里的一个连接。Send 不能阻塞（发送缓冲满时由实现自行断开）。
// Attach/Detach 在房间锁内调用，锁顺序固定为 room.mu -> peer 内部锁。
type Peer interface {
	ConnID() string
	UserID() uint64
	// Attach 登记房间归属；连接已关闭时返回 false，此时不得加入房间
	Attach(noteID string) bool
	Detach(noteID string)
	Send(msg protocol.ServerMessage)
}

// Room 一篇笔记的协作状态：复制文档 + 在线状态 + 连接集合。
// 同一房间的所有消息在 mu 下串行处理完，不同房间互不阻塞。
type Room struct {
	noteID string

	mu       sync.Mutex
	doc      *crdt.Document
	presence *crdt.Presence
	peers    map[string]Peer
	dirty    bool
	gen      uint64 // 每次成员变化 +1，用来让过期的延迟回收失效
	closed   bool

	// persistMu 串行化“落库”和“外部写入拼接”，防止旧快照覆盖 REST 写入
	persistMu sync.Mutex
}

func newRoom(noteID string, doc *crdt.Document) *Room {
	return &Room{
		noteID:   noteID,
		doc:      doc,
		presence: crdt.NewPresence(),
		peers:    make(map[string]Peer),
	}
}

func (r *Room) NoteID() string { return r.noteID }

// Join 加入房间：检查连接状态与登记在同一把锁下完成，
// 连接在 join 过程中断开不会留下半注册的条目。
// 加入者依次收到：全量状态(step2)、服务端状态向量(step1)、在线快照；其余成员收到 user-joined。
func (r *Room) Join(p Peer, entry crdt.PresenceEntry, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	if _, ok := r.peers[p.ConnID()]; !ok {
		if !p.Attach(r.noteID) {
			return ErrPeerClosed
		}
		r.peers[p.ConnID()] = p
		r.presence.Set(p.ConnID(), entry)
	}
	r.gen++

	p.Send(protocol.ServerMessage{
		Type:      protocol.EventAck,
		NoteID:    r.noteID,
		RequestID: requestID,
		ConnID:    p.ConnID(),
		UserCount: len(r.peers),
	})
	p.Send(protocol.ServerMessage{
		Type:   protocol.EventSync,
		NoteID: r.noteID,
		Frame:  protocol.EncodeSync(protocol.SyncStep2, r.doc.Encode()),
	})
	p.Send(protocol.ServerMessage{
		Type:   protocol.EventSync,
		NoteID: r.noteID,
		Frame:  protocol.EncodeSync(protocol.SyncStep1, r.doc.StateVector()),
	})
	p.Send(protocol.ServerMessage{
		Type:     protocol.EventAwareness,
		NoteID:   r.noteID,
		Presence: r.presence.Snapshot(),
	})

	r.broadcastLocked(p.ConnID(), protocol.ServerMessage{
		Type:      protocol.EventUserJoined,
		NoteID:    r.noteID,
		ConnID:    p.ConnID(),
		UserID:    p.UserID(),
		UserCount: len(r.peers),
	})
	return nil
}

// Leave 移出房间与在线状态；重复调用是空操作。
// 返回剩余连接数、是否真的移除、以及当前 generation（房间变空时用于延迟回收）。
func (r *Room) Leave(connID string) (remaining int, removed bool, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[connID]
	if !ok {
		return len(r.peers), false, r.gen
	}
	delete(r.peers, connID)
	r.presence.Remove(connID)
	p.Detach(r.noteID)
	r.gen++

	r.broadcastLocked(connID, protocol.ServerMessage{
		Type:      protocol.EventUserLeft,
		NoteID:    r.noteID,
		ConnID:    connID,
		UserID:    p.UserID(),
		UserCount: len(r.peers),
	})
	return len(r.peers), true, r.gen
}

// Sync 处理 SYNC 帧。权限检查在调用方；这里只负责成员校验、应用和转发。
// step1 的回应只发给发送者；step2/update 应用后把原始帧原样转发给其他成员。
func (r *Room) Sync(p Peer, f protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ConnID()]; !ok {
		return ErrNotInRoom
	}

	switch f.Step {
	case protocol.SyncStep1:
		diff, err := r.doc.DiffSince(f.Payload)
		if err != nil {
			return err
		}
		p.Send(protocol.ServerMessage{
			Type:   protocol.EventSync,
			NoteID: r.noteID,
			Frame:  protocol.EncodeSync(protocol.SyncStep2, diff),
		})
		return nil
	case protocol.SyncStep2, protocol.SyncUpdate:
		changed, err := r.doc.ApplyUpdate(f.Payload)
		if err != nil {
			return err
		}
		if changed {
			r.dirty = true
		}
	default:
		return fmt.Errorf("%w: sync %s", note.ErrProtocol, f.Step)
	}

	if f.StateChanging() {
		r.broadcastLocked(p.ConnID(), protocol.ServerMessage{
			Type:   protocol.EventSync,
			NoteID: r.noteID,
			ConnID: p.ConnID(),
			UserID: p.UserID(),
			Frame:  f.Raw,
		})
	}
	return nil
}

// Awareness 合并在线状态增量（以连接身份为键），原始帧转发给其他成员
func (r *Room) Awareness(p Peer, f protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ConnID()]; !ok {
		return ErrNotInRoom
	}
	d, err := crdt.ParsePresenceDelta(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: awareness payload: %v", note.ErrProtocol, err)
	}
	r.presence.Apply(p.ConnID(), p.UserID(), d)

	r.broadcastLocked(p.ConnID(), protocol.ServerMessage{
		Type:   protocol.EventAwareness,
		NoteID: r.noteID,
		ConnID: p.ConnID(),
		UserID: p.UserID(),
		Frame:  f.Raw,
	})
	return nil
}

// Cursor 光标旁路：不进在线状态，只转发
func (r *Room) Cursor(p Peer, c protocol.Cursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ConnID()]; !ok {
		return ErrNotInRoom
	}
	r.broadcastLocked(p.ConnID(), protocol.ServerMessage{
		Type:   protocol.EventCursor,
		NoteID: r.noteID,
		ConnID: p.ConnID(),
		UserID: p.UserID(),
		Cursor: &c,
	})
	return nil
}

// Users 房间内去重后的用户 id；调用者必须是成员
func (r *Room) Users(p Peer) ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ConnID()]; !ok {
		return nil, ErrNotInRoom
	}
	return r.presence.UserIDs(), nil
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Content 当前文档展平后的字段
func (r *Room) Content() (note.Content, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Fields()
}

// Presence 在线状态快照
func (r *Room) Presence() map[string]crdt.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.Snapshot()
}

// takeDirty 取出待落库的内容并清除 dirty；不脏时 ok=false
func (r *Room) takeDirty() (c note.Content, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return note.Content{}, false, nil
	}
	c, err = r.doc.Fields()
	if err != nil {
		return note.Content{}, false, err
	}
	r.dirty = false
	return c, true, nil
}

func (r *Room) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

// takeSnapshot 与 takeDirty 相同，但不脏时也返回当前内容。
// 不脏意味着文档与存储里的最新一版一致
func (r *Room) takeSnapshot() (c note.Content, dirty bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err = r.doc.Fields()
	if err != nil {
		return note.Content{}, false, err
	}
	dirty = r.dirty
	r.dirty = false
	return c, dirty, nil
}

// splice 把外部写入拼进文档：只有相对 base（写入所基于的版本）变化了的字段
// 才覆盖，其余字段保留期间的协作编辑。增量作为 update 广播给所有成员。
// 不标记 dirty：外部写入已经落库。
func (r *Room) splice(base, written note.Content) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	target, err := r.doc.Fields()
	if err != nil {
		return err
	}
	if written.Title != base.Title {
		target.Title = written.Title
	}
	if written.Content != base.Content {
		target.Content = written.Content
	}
	update, err := r.doc.Replace(target)
	if err != nil || update == nil {
		return err
	}
	r.broadcastLocked("", protocol.ServerMessage{
		Type:   protocol.EventSync,
		NoteID: r.noteID,
		Frame:  protocol.EncodeSync(protocol.SyncUpdate, update),
	})
	return nil
}

// tombstone 笔记被删除：通知所有成员、清空房间并关闭
func (r *Room) tombstone() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.broadcastLocked("", protocol.ErrorMessage(r.noteID, "", note.ErrNotFound, CodeNoteDeleted))
	for id, p := range r.peers {
		p.Detach(r.noteID)
		r.presence.Remove(id)
		delete(r.peers, id)
	}
	r.closed = true
	r.dirty = false
	r.gen++
}

// closeIfIdle 仍为空且 generation 未变时关闭房间
func (r *Room) closeIfIdle(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.gen != gen || len(r.peers) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// broadcastLocked 调用方持有 r.mu；except 为空时发给所有人
func (r *Room) broadcastLocked(except string, msg protocol.ServerMessage) {
	for id, p := range r.peers {
		if id == except {
			continue
		}
		p.Send(msg)
	}
}
