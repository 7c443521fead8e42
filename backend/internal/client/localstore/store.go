package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vibenotes/backend/internal/note"

	_ "github.com/mattn/go-sqlite3"
)

// LocalNote 设备上的笔记副本。Pending 表示有本地修改还没被服务端确认
type LocalNote struct {
	note.Note
	Pending  bool       `json:"pending"`
	SyncedAt *time.Time `json:"syncedAt,omitempty"`
}

// Store 本地副本（sqlite）。离线时所有编辑先落这里
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		pending INTEGER NOT NULL DEFAULT 0,
		synced_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_notes_pending ON notes(pending);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const columns = `id, title, content, tags, version, updated_at, pending, synced_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(row scanner) (LocalNote, error) {
	var (
		n        LocalNote
		tags     string
		syncedAt sql.NullTime
	)
	if err := row.Scan(&n.ID, &n.Title, &n.Content, &tags, &n.Version, &n.UpdatedAt, &n.Pending, &syncedAt); err != nil {
		return LocalNote{}, err
	}
	if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
		return LocalNote{}, fmt.Errorf("decode tags of %s: %w", n.ID, err)
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		n.SyncedAt = &t
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, id string) (LocalNote, error) {
	n, err := scanNote(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM notes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return LocalNote{}, note.ErrNotFound
	}
	if err != nil {
		return LocalNote{}, fmt.Errorf("get note %s: %w", id, err)
	}
	return n, nil
}

func (s *Store) List(ctx context.Context) ([]LocalNote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM notes ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []LocalNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Summaries pull 时上报的 {id, version}
func (s *Store) Summaries(ctx context.Context) ([]note.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, version FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	out := []note.Summary{}
	for rows.Next() {
		var sm note.Summary
		if err := rows.Scan(&sm.ID, &sm.Version); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Put 插入或整体覆盖
func (s *Store) Put(ctx context.Context, n LocalNote) error {
	return put(ctx, s.db, n)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, db execer, n LocalNote) error {
	tags, err := json.Marshal(nonNil(n.Tags))
	if err != nil {
		return err
	}
	var syncedAt any
	if n.SyncedAt != nil {
		syncedAt = *n.SyncedAt
	}
	_, err = db.ExecContext(ctx, `
	INSERT INTO notes (`+columns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		content = excluded.content,
		tags = excluded.tags,
		version = excluded.version,
		updated_at = excluded.updated_at,
		pending = excluded.pending,
		synced_at = excluded.synced_at`,
		n.ID, n.Title, n.Content, string(tags), n.Version, n.UpdatedAt, n.Pending, syncedAt,
	)
	if err != nil {
		return fmt.Errorf("save note %s: %w", n.ID, err)
	}
	return nil
}

// CreateLocal 离线新建：version 0 表示服务端还没有这条
func (s *Store) CreateLocal(ctx context.Context, id string, d note.Draft) (LocalNote, error) {
	n := LocalNote{
		Note: note.Note{
			ID:        id,
			Title:     d.Title,
			Content:   d.Content,
			Tags:      nonNil(d.Tags),
			UpdatedAt: s.now(),
		},
		Pending: true,
	}
	if err := s.Put(ctx, n); err != nil {
		return LocalNote{}, err
	}
	return n, nil
}

// ApplyEdit 本地编辑：合并字段并标记 pending，不动 version
func (s *Store) ApplyEdit(ctx context.Context, id string, p note.Patch) (LocalNote, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return LocalNote{}, err
	}
	p.Apply(&n.Note)
	n.UpdatedAt = s.now()
	n.Pending = true
	if err := s.Put(ctx, n); err != nil {
		return LocalNote{}, err
	}
	return n, nil
}

// MarkSynced 服务端确认之后记录服务端 version；队列里还有这条笔记的后续变更时保持 pending
func (s *Store) MarkSynced(ctx context.Context, id string, version int64, pending bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notes SET version = ?, pending = ?, synced_at = ? WHERE id = ?`,
		version, pending, s.now(), id)
	if err != nil {
		return fmt.Errorf("mark %s synced: %w", id, err)
	}
	return nil
}

// Remap 服务端给新建笔记分配了不同的 id：旧行删除，按新 id 重新插入
func (s *Store) Remap(ctx context.Context, oldID string, server note.Note, pending bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := scanNote(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM notes WHERE id = ?`, oldID))
	if errors.Is(err, sql.ErrNoRows) {
		// 本地已经删了，排在后面的 DELETE 会处理服务端那条
		return nil
	}
	if err != nil {
		return fmt.Errorf("remap %s: %w", oldID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, oldID); err != nil {
		return fmt.Errorf("remap %s: %w", oldID, err)
	}

	now := s.now()
	n.ID = server.ID
	n.Version = server.Version
	n.Pending = pending
	n.SyncedAt = &now
	if err := put(ctx, tx, n); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete 删除本地副本；不存在时是空操作
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
