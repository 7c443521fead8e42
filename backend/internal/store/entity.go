package store

import (
	"time"

	"vibenotes/backend/internal/note"
)

// NoteRecord notes 表。DeletedAt 是墓碑，不用 gorm.DeletedAt：
// 同步接口需要把墓碑查出来下发给离线设备。
type NoteRecord struct {
	ID          string     `gorm:"primaryKey;type:varchar(64)"`
	OwnerID     uint64     `gorm:"not null;uniqueIndex:uk_owner_client_ref,priority:1"`
	WorkspaceID *uint64    `gorm:"index"`
	ClientRef   *string    `gorm:"type:varchar(64);uniqueIndex:uk_owner_client_ref,priority:2"`
	Title       string     `gorm:"type:varchar(512);not null;default:''"`
	Content     string     `gorm:"type:longtext"`
	Tags        []string   `gorm:"serializer:json"`
	Version     int64      `gorm:"not null;default:1"`
	CreatedAt   time.Time
	UpdatedAt   time.Time  `gorm:"index"`
	DeletedAt   *time.Time `gorm:"index"`
}

func (NoteRecord) TableName() string { return "notes" }

func (r NoteRecord) toNote() note.Note {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return note.Note{
		ID:        r.ID,
		Title:     r.Title,
		Content:   r.Content,
		Tags:      tags,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: r.DeletedAt,
	}
}

// WorkspaceMember 由工作区服务维护，这里只读
type WorkspaceMember struct {
	WorkspaceID uint64 `gorm:"primaryKey"`
	UserID      uint64 `gorm:"primaryKey"`
	Role        string `gorm:"type:varchar(16);not null"`
}

func (WorkspaceMember) TableName() string { return "workspace_members" }
