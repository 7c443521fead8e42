package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vibenotes/backend/internal/note"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 乐观并发 UPDATE 的最大重试次数
const maxUpdateAttempts = 5

var ErrVersionConflict = errors.New("VERSION_CONFLICT")

// NoteStore 笔记的权威存储（gorm）。每次被接受的写入 version+1
type NoteStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewNoteStore(db *gorm.DB) *NoteStore {
	return &NoteStore{db: db, now: time.Now}
}

func (s *NoteStore) AutoMigrate() error {
	return s.db.AutoMigrate(&NoteRecord{}, &WorkspaceMember{})
}

func (s *NoteStore) find(ctx context.Context, id string) (*NoteRecord, error) {
	var rec NoteRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, note.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Load 协作文档装载：只要 title/content；墓碑视为不存在
func (s *NoteStore) Load(ctx context.Context, id string) (note.Content, error) {
	rec, err := s.find(ctx, id)
	if err != nil {
		return note.Content{}, err
	}
	if rec.DeletedAt != nil {
		return note.Content{}, note.ErrNotFound
	}
	return note.Content{Title: rec.Title, Content: rec.Content}, nil
}

// Persist 协作文档落库，返回新 version
func (s *NoteStore) Persist(ctx context.Context, id string, c note.Content) (int64, error) {
	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&NoteRecord{}).
			Where("id = ? AND deleted_at IS NULL", id).
			Updates(map[string]any{
				"title":      c.Title,
				"content":    c.Content,
				"version":    gorm.Expr("version + 1"),
				"updated_at": s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return note.ErrNotFound
		}
		return tx.Model(&NoteRecord{}).Where("id = ?", id).Select("version").Scan(&version).Error
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *NoteStore) Get(ctx context.Context, id string) (note.Note, error) {
	rec, err := s.find(ctx, id)
	if err != nil {
		return note.Note{}, err
	}
	if rec.DeletedAt != nil {
		return note.Note{}, note.ErrNotFound
	}
	return rec.toNote(), nil
}

// Create 新建笔记。带 ClientRef 时按 (owner, clientRef) 幂等：
// 客户端重放同一个 CREATE 拿到的是第一次创建的那条
func (s *NoteStore) Create(ctx context.Context, ownerID uint64, workspaceID *uint64, d note.Draft) (note.Note, bool, error) {
	if d.ClientRef != "" {
		if rec, err := s.findByClientRef(ctx, ownerID, d.ClientRef); err == nil {
			return rec.toNote(), false, nil
		} else if !errors.Is(err, note.ErrNotFound) {
			return note.Note{}, false, err
		}
	}

	now := s.now()
	rec := NoteRecord{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		WorkspaceID: workspaceID,
		Title:       d.Title,
		Content:     d.Content,
		Tags:        d.Tags,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if d.ClientRef != "" {
		ref := d.ClientRef
		rec.ClientRef = &ref
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		// 并发重放撞唯一键，读回先写入的那条
		if d.ClientRef != "" && (isDuplicateKey(err) || errors.Is(err, gorm.ErrDuplicatedKey)) {
			if existing, ferr := s.findByClientRef(ctx, ownerID, d.ClientRef); ferr == nil {
				return existing.toNote(), false, nil
			}
		}
		return note.Note{}, false, err
	}
	return rec.toNote(), true, nil
}

func (s *NoteStore) findByClientRef(ctx context.Context, ownerID uint64, ref string) (*NoteRecord, error) {
	var rec NoteRecord
	err := s.db.WithContext(ctx).Where("owner_id = ? AND client_ref = ?", ownerID, ref).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, note.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Update 部分字段更新。读-改-条件写（WHERE version = 读到的版本），
// 与协作持久化并发时重试，保证 version 单调且每次写入恰好 +1
func (s *NoteStore) Update(ctx context.Context, id string, p note.Patch) (note.Note, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		rec, err := s.find(ctx, id)
		if err != nil {
			return note.Note{}, err
		}
		if rec.DeletedAt != nil {
			return note.Note{}, note.ErrNotFound
		}

		n := rec.toNote()
		p.Apply(&n)
		now := s.now()
		res := s.db.WithContext(ctx).Model(&NoteRecord{}).
			Where("id = ? AND version = ? AND deleted_at IS NULL", id, rec.Version).
			Updates(map[string]any{
				"title":      n.Title,
				"content":    n.Content,
				"tags":       tagsColumn(n.Tags),
				"version":    rec.Version + 1,
				"updated_at": now,
			})
		if res.Error != nil {
			return note.Note{}, res.Error
		}
		if res.RowsAffected == 1 {
			n.Version = rec.Version + 1
			n.UpdatedAt = now
			return n, nil
		}
	}
	return note.Note{}, fmt.Errorf("update note %s: %w", id, ErrVersionConflict)
}

// Delete 写墓碑并 version+1。已经删除的返回原墓碑（重放安全）
func (s *NoteStore) Delete(ctx context.Context, id string) (note.Note, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&NoteRecord{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]any{
			"deleted_at": now,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return note.Note{}, res.Error
	}
	rec, err := s.find(ctx, id)
	if err != nil {
		return note.Note{}, err
	}
	return rec.toNote(), nil
}

// ChangedSince 拉取 userID 可见、且 since 之后有写入的笔记；墓碑单独返回 id
func (s *NoteStore) ChangedSince(ctx context.Context, userID uint64, since time.Time) ([]note.Note, []string, error) {
	var recs []NoteRecord
	err := s.visibleTo(ctx, userID).
		Where("updated_at >= ?", since).
		Order("updated_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, nil, err
	}
	return splitTombstones(recs)
}

// ByIDs 客户端上报的本地笔记对应的服务端记录（可见范围内）
func (s *NoteStore) ByIDs(ctx context.Context, userID uint64, ids []string) ([]note.Note, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	var recs []NoteRecord
	if err := s.visibleTo(ctx, userID).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, nil, err
	}
	return splitTombstones(recs)
}

func (s *NoteStore) visibleTo(ctx context.Context, userID uint64) *gorm.DB {
	members := s.db.Model(&WorkspaceMember{}).Select("workspace_id").Where("user_id = ?", userID)
	return s.db.WithContext(ctx).Model(&NoteRecord{}).
		Where("owner_id = ? OR workspace_id IN (?)", userID, members)
}

func splitTombstones(recs []NoteRecord) ([]note.Note, []string, error) {
	notes := make([]note.Note, 0, len(recs))
	var deleted []string
	for _, r := range recs {
		if r.DeletedAt != nil {
			deleted = append(deleted, r.ID)
			continue
		}
		notes = append(notes, r.toNote())
	}
	return notes, deleted, nil
}

// map 形式的 Updates 不走 serializer，这里手动序列化成 JSON 文本
func tagsColumn(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
