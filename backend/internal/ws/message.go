package ws

import (
	"fmt"

	"vibenotes/backend/internal/note"
	"vibenotes/backend/internal/protocol"
)

// Command 客户端消息解析后的封闭集合；所有校验在 ParseCommand 一处完成，
// 处理函数拿到的一定是合法的具体类型
type Command interface {
	noteID() string
	requestID() string
}

type JoinCommand struct {
	NoteID    string
	RequestID string
}

type LeaveCommand struct {
	NoteID    string
	RequestID string
}

// SyncCommand 帧在权限检查之后才解码
type SyncCommand struct {
	NoteID    string
	RequestID string
	Frame     []byte
}

type AwarenessCommand struct {
	NoteID    string
	RequestID string
	Frame     protocol.Frame
}

type CursorCommand struct {
	NoteID    string
	RequestID string
	Cursor    protocol.Cursor
}

type GetUsersCommand struct {
	NoteID    string
	RequestID string
}

func (c JoinCommand) noteID() string      { return c.NoteID }
func (c LeaveCommand) noteID() string     { return c.NoteID }
func (c SyncCommand) noteID() string      { return c.NoteID }
func (c AwarenessCommand) noteID() string { return c.NoteID }
func (c CursorCommand) noteID() string    { return c.NoteID }
func (c GetUsersCommand) noteID() string  { return c.NoteID }

func (c JoinCommand) requestID() string      { return c.RequestID }
func (c LeaveCommand) requestID() string     { return c.RequestID }
func (c SyncCommand) requestID() string      { return c.RequestID }
func (c AwarenessCommand) requestID() string { return c.RequestID }
func (c CursorCommand) requestID() string    { return c.RequestID }
func (c GetUsersCommand) requestID() string  { return c.RequestID }

const maxNoteIDLen = 64

func ParseCommand(m protocol.ClientMessage) (Command, error) {
	if m.NoteID == "" {
		return nil, fmt.Errorf("%w: %s without noteId", note.ErrProtocol, m.Type)
	}
	if len(m.NoteID) > maxNoteIDLen {
		return nil, fmt.Errorf("%w: noteId too long", note.ErrProtocol)
	}

	switch m.Type {
	case protocol.TypeJoin:
		return JoinCommand{NoteID: m.NoteID, RequestID: m.RequestID}, nil
	case protocol.TypeLeave:
		return LeaveCommand{NoteID: m.NoteID, RequestID: m.RequestID}, nil
	case protocol.TypeSync:
		if len(m.Frame) == 0 {
			return nil, fmt.Errorf("%w: sync without frame", note.ErrProtocol)
		}
		return SyncCommand{NoteID: m.NoteID, RequestID: m.RequestID, Frame: m.Frame}, nil
	case protocol.TypeAwareness:
		f, err := protocol.Decode(m.Frame)
		if err != nil {
			return nil, err
		}
		if f.Type != protocol.MessageAwareness {
			return nil, fmt.Errorf("%w: awareness message carries a sync frame", note.ErrProtocol)
		}
		return AwarenessCommand{NoteID: m.NoteID, RequestID: m.RequestID, Frame: f}, nil
	case protocol.TypeCursor:
		if m.Cursor == nil || m.Cursor.Offset < 0 {
			return nil, fmt.Errorf("%w: cursor without position", note.ErrProtocol)
		}
		return CursorCommand{NoteID: m.NoteID, RequestID: m.RequestID, Cursor: *m.Cursor}, nil
	case protocol.TypeGetUsers:
		return GetUsersCommand{NoteID: m.NoteID, RequestID: m.RequestID}, nil
	}
	return nil, fmt.Errorf("%w: unknown message type %q", note.ErrProtocol, m.Type)
}
