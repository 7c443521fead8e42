package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vibenotes/backend/internal/note"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

var (
	bucketQueue = []byte("queue")
	bucketMeta  = []byte("meta")

	keyCheckpoint = []byte("checkpoint")
)

var ErrInvalidAction = errors.New("INVALID_ACTION")

// Item 队列里的一条待同步变更。服务端确认后才删除
type Item struct {
	ID         string          `json:"id"` // ulid，字典序即入队顺序
	NoteID     string          `json:"noteId"`
	Action     note.Action     `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// Queue 设备本地的持久化变更日志（bbolt），外加同步检查点
type Queue struct {
	db  *bbolt.DB
	now func() time.Time
}

func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketQueue, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Queue{db: db, now: time.Now}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue 追加一条变更。只依赖本地磁盘，离线时也成功
func (q *Queue) Enqueue(noteID string, action note.Action, payload any) (Item, error) {
	if !action.Valid() {
		return Item{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Item{}, fmt.Errorf("encode %s payload: %w", action, err)
	}
	now := q.now()
	it := Item{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		NoteID:     noteID,
		Action:     action,
		Payload:    raw,
		EnqueuedAt: now,
	}
	err = q.db.Update(func(tx *bbolt.Tx) error {
		return putItem(tx.Bucket(bucketQueue), it)
	})
	if err != nil {
		return Item{}, err
	}
	return it, nil
}

func putItem(b *bbolt.Bucket, it Item) error {
	v, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return b.Put([]byte(it.ID), v)
}

// Items 按入队顺序返回全部待同步变更
func (q *Queue) Items() ([]Item, error) {
	var items []Item
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var it Item
			if err := json.Unmarshal(v, &it); err != nil {
				return fmt.Errorf("decode queue item %s: %w", k, err)
			}
			items = append(items, it)
			return nil
		})
	})
	return items, err
}

func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	return n, err
}

// ack 服务端确认：删除该条；remapTo 非空时把同一笔记后续变更的 noteId 改写成服务端 id
func (q *Queue) ack(id, fromNoteID, remapTo string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		if remapTo == "" {
			return nil
		}
		var rewrite []Item
		err := b.ForEach(func(k, v []byte) error {
			var it Item
			if err := json.Unmarshal(v, &it); err != nil {
				return err
			}
			if it.NoteID == fromNoteID {
				it.NoteID = remapTo
				rewrite = append(rewrite, it)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// ForEach 期间不能修改 bucket
		for _, it := range rewrite {
			if err := putItem(b, it); err != nil {
				return err
			}
		}
		return nil
	})
}

// fail 记录一次失败；条目保留等待下一轮
func (q *Queue) fail(id string, cause error) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var it Item
		if err := json.Unmarshal(v, &it); err != nil {
			return err
		}
		it.RetryCount++
		it.LastError = cause.Error()
		return putItem(b, it)
	})
}

// Checkpoint 上一次完整同步时服务端给的 serverTime；从未同步过为零值
func (q *Queue) Checkpoint() (time.Time, error) {
	var t time.Time
	err := q.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyCheckpoint)
		if v == nil {
			return nil
		}
		return t.UnmarshalText(v)
	})
	return t, err
}

func (q *Queue) SetCheckpoint(t time.Time) error {
	v, err := t.UTC().MarshalText()
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyCheckpoint, v)
	})
}
