package note

import (
	"time"
)

// Note 权威记录（由存储层持有）
// Version 是离线写入与在线写入之间唯一的冲突判定信号
type Note struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Tags      []string   `json:"tags"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Content 是协作文档被展平之后落库的两个文本字段
type Content struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Action 离线队列里的变更类型
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Patch 是 UPDATE 的部分字段；nil 表示不修改
type Patch struct {
	Title   *string  `json:"title,omitempty"`
	Content *string  `json:"content,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Apply 把 patch 合并到 n 上（不动 version）
func (p Patch) Apply(n *Note) {
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.Tags != nil {
		n.Tags = append([]string(nil), p.Tags...)
	}
}

// Draft 是 CREATE 的载荷。ClientRef 为客户端本地生成的 id，服务端据此做幂等
type Draft struct {
	ClientRef string   `json:"clientRef"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
}

// Summary 客户端在 pull 时上报的本地版本
type Summary struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

type SyncRequest struct {
	Notes        []Summary `json:"notes"`
	LastSyncTime time.Time `json:"lastSyncTime"`
}

type SyncResponse struct {
	Notes      []Note    `json:"notes"`
	DeletedIDs []string  `json:"deletedIds"`
	ServerTime time.Time `json:"serverTime"`
}
