package collab

import "time"

const (
	EventNoteCreated   = "NOTE_CREATED"
	EventNoteUpdated   = "NOTE_UPDATED"
	EventNoteDeleted   = "NOTE_DELETED"
	EventNotePersisted = "NOTE_PERSISTED" // 协作房间落库
)

// NoteEvent 每次被接受的写入之后发给下游（搜索索引、活动流等）
type NoteEvent struct {
	EventType string    `json:"eventType"`
	NoteID    string    `json:"noteId"`
	Version   int64     `json:"version"`
	ActorID   uint64    `json:"actorId,omitempty"` // 协作落库时为 0（多人合并的结果）
	At        time.Time `json:"at"`
}
