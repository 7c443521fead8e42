package store

import (
	"context"
	"database/sql"
	"errors"

	"vibenotes/backend/internal/note"
)

const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// AccessStore 访问控制：所有者 或 工作区角色。
// 工作区成员表由外部服务维护，这里只做查询
type AccessStore struct{ db *sql.DB }

func NewAccessStore(db *sql.DB) *AccessStore {
	return &AccessStore{db: db}
}

type grant struct {
	owner bool
	role  string
}

func (s *AccessStore) lookup(ctx context.Context, noteID string, userID uint64) (grant, error) {
	var ownerID uint64
	var role sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT n.owner_id, wm.role
		FROM notes n
		LEFT JOIN workspace_members wm ON wm.workspace_id = n.workspace_id AND wm.user_id = ?
		WHERE n.id = ? AND n.deleted_at IS NULL`,
		userID,
		noteID,
	).Scan(&ownerID, &role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return grant{}, note.ErrNotFound
		}
		return grant{}, err
	}
	return grant{owner: ownerID == userID, role: role.String}, nil
}

// CanView 所有者或任意工作区成员
func (s *AccessStore) CanView(ctx context.Context, noteID string, userID uint64) (bool, error) {
	g, err := s.lookup(ctx, noteID, userID)
	if err != nil {
		return false, err
	}
	return g.owner || g.role != "", nil
}

// CanEdit 所有者，或工作区角色 ∈ {admin, editor}
func (s *AccessStore) CanEdit(ctx context.Context, noteID string, userID uint64) (bool, error) {
	g, err := s.lookup(ctx, noteID, userID)
	if err != nil {
		return false, err
	}
	return g.owner || g.role == RoleAdmin || g.role == RoleEditor, nil
}
