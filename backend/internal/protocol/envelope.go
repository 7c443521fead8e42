package protocol

import "vibenotes/backend/internal/crdt"

// 客户端 -> 服务端的消息类型
const (
	TypeJoin      = "join-document"
	TypeLeave     = "leave-document"
	TypeSync      = "sync"
	TypeAwareness = "awareness"
	TypeCursor    = "cursor"
	TypeGetUsers  = "get-users"
)

// 服务端 -> 客户端的事件类型
const (
	EventAck        = "ack"
	EventSync       = "sync"
	EventAwareness  = "awareness"
	EventCursor     = "cursor"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventUsers      = "users"
	EventError      = "error"
)

// Cursor 光标旁路广播，只带位置
type Cursor struct {
	Field  string `json:"field,omitempty"` // title / content
	Offset int    `json:"offset"`
}

// ClientMessage websocket 上的 JSON 信封；Frame 在 JSON 里是 base64
type ClientMessage struct {
	Type      string  `json:"type"`
	NoteID    string  `json:"noteId,omitempty"`
	Frame     []byte  `json:"frame,omitempty"`
	Cursor    *Cursor `json:"cursor,omitempty"`
	RequestID string  `json:"requestId,omitempty"`
}

type ServerMessage struct {
	Type      string                        `json:"type"`
	NoteID    string                        `json:"noteId,omitempty"`
	RequestID string                        `json:"requestId,omitempty"`
	ConnID    string                        `json:"connId,omitempty"` // 事件来源连接
	UserID    uint64                        `json:"userId,omitempty"`
	UserCount int                           `json:"userCount,omitempty"`
	UserIDs   []uint64                      `json:"userIds,omitempty"`
	Frame     []byte                        `json:"frame,omitempty"`
	Cursor    *Cursor                       `json:"cursor,omitempty"`
	Presence  map[string]crdt.PresenceEntry `json:"presence,omitempty"`
	Code      string                        `json:"code,omitempty"`
	Message   string                        `json:"message,omitempty"`
}

func ErrorMessage(noteID, requestID string, err error, code string) ServerMessage {
	return ServerMessage{Type: EventError, NoteID: noteID, RequestID: requestID, Code: code, Message: err.Error()}
}
