package offline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vibenotes/backend/internal/client/localstore"
	"vibenotes/backend/internal/note"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRemote 内存版服务端：version 每次写入 +1，CREATE 按 clientRef 幂等
type fakeRemote struct {
	mu     sync.Mutex
	notes  map[string]note.Note
	refs   map[string]string
	fail   map[string]int // noteID -> 剩余失败次数
	calls  []string
	nextID int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{notes: map[string]note.Note{}, refs: map[string]string{}, fail: map[string]int{}}
}

func (r *fakeRemote) shouldFail(id string) error {
	if r.fail[id] > 0 {
		r.fail[id]--
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func (r *fakeRemote) Create(ctx context.Context, d note.Draft) (note.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "create:"+d.ClientRef)
	if err := r.shouldFail(d.ClientRef); err != nil {
		return note.Note{}, err
	}
	if id, ok := r.refs[d.ClientRef]; ok {
		return r.notes[id], nil
	}
	r.nextID++
	n := note.Note{ID: fmt.Sprintf("srv-%d", r.nextID), Title: d.Title, Content: d.Content, Tags: d.Tags, Version: 1}
	r.notes[n.ID] = n
	r.refs[d.ClientRef] = n.ID
	return n, nil
}

func (r *fakeRemote) Update(ctx context.Context, id string, p note.Patch) (note.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "update:"+id)
	if err := r.shouldFail(id); err != nil {
		return note.Note{}, err
	}
	n, ok := r.notes[id]
	if !ok {
		return note.Note{}, note.ErrNotFound
	}
	p.Apply(&n)
	n.Version++
	r.notes[id] = n
	return n, nil
}

func (r *fakeRemote) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "delete:"+id)
	if err := r.shouldFail(id); err != nil {
		return err
	}
	if _, ok := r.notes[id]; !ok {
		return note.ErrNotFound
	}
	delete(r.notes, id)
	return nil
}

func (r *fakeRemote) get(id string) (note.Note, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	return n, ok
}

func newQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newReplica(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestQueue_EnqueueKeepsOrder(t *testing.T) {
	q := newQueue(t)
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue("n1", note.ActionUpdate, note.Patch{Content: strPtr(fmt.Sprint(i))})
		require.NoError(t, err)
	}
	items, err := q.Items()
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i := 1; i < len(items); i++ {
		assert.Less(t, items[i-1].ID, items[i].ID)
	}
	assert.JSONEq(t, `{"content":"4"}`, string(items[4].Payload))

	_, err = q.Enqueue("n1", note.Action("RENAME"), nil)
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestQueue_CheckpointSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)

	cp, err := q.Checkpoint()
	require.NoError(t, err)
	assert.True(t, cp.IsZero())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, q.SetCheckpoint(at))
	_, err = q.Enqueue("n1", note.ActionDelete, nil)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = Open(path)
	require.NoError(t, err)
	defer q.Close()
	cp, err = q.Checkpoint()
	require.NoError(t, err)
	assert.True(t, at.Equal(cp))
	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrain_OfflineUpdateBumpsServerVersion(t *testing.T) {
	ctx := context.Background()
	q, replica, remote := newQueue(t), newReplica(t), newFakeRemote()
	remote.notes["n2"] = note.Note{ID: "n2", Title: "old", Version: 1}
	require.NoError(t, replica.Put(ctx, localstore.LocalNote{Note: note.Note{ID: "n2", Title: "old", Version: 1, UpdatedAt: time.Now()}}))

	// 离线编辑：先写本地副本，再入队
	_, err := replica.ApplyEdit(ctx, "n2", note.Patch{Title: strPtr("X")})
	require.NoError(t, err)
	_, err = q.Enqueue("n2", note.ActionUpdate, note.Patch{Title: strPtr("X")})
	require.NoError(t, err)

	res, err := q.Drain(ctx, remote, replica, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Sent: 1}, res)

	srv, _ := remote.get("n2")
	assert.Equal(t, "X", srv.Title)
	assert.Equal(t, int64(2), srv.Version)

	local, err := replica.Get(ctx, "n2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), local.Version)
	assert.False(t, local.Pending)
	assert.NotNil(t, local.SyncedAt)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrain_FailureHoldsLaterItemsOfSameNote(t *testing.T) {
	ctx := context.Background()
	q, replica, remote := newQueue(t), newReplica(t), newFakeRemote()
	for _, id := range []string{"n1", "n2"} {
		remote.notes[id] = note.Note{ID: id, Version: 1}
		require.NoError(t, replica.Put(ctx, localstore.LocalNote{Note: note.Note{ID: id, Version: 1, UpdatedAt: time.Now()}}))
	}
	remote.fail["n1"] = 1

	_, err := q.Enqueue("n1", note.ActionUpdate, note.Patch{Content: strPtr("a")})
	require.NoError(t, err)
	_, err = q.Enqueue("n1", note.ActionUpdate, note.Patch{Content: strPtr("ab")})
	require.NoError(t, err)
	_, err = q.Enqueue("n2", note.ActionUpdate, note.Patch{Content: strPtr("z")})
	require.NoError(t, err)

	res, err := q.Drain(ctx, remote, replica, zaptest.NewLogger(t))
	assert.Error(t, err)
	assert.Equal(t, DrainResult{Sent: 1, Failed: 1, Held: 1}, res)

	items, err := q.Items()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.NotEmpty(t, items[0].LastError)
	assert.Equal(t, 0, items[1].RetryCount)

	res, err = q.Drain(ctx, remote, replica, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)

	srv, _ := remote.get("n1")
	assert.Equal(t, "ab", srv.Content)
	assert.Equal(t, int64(3), srv.Version)
	assert.Equal(t, []string{"update:n1", "update:n2", "update:n1", "update:n1"}, remote.calls)
}

func TestDrain_CreateRemapsLaterItems(t *testing.T) {
	ctx := context.Background()
	q, replica, remote := newQueue(t), newReplica(t), newFakeRemote()

	_, err := replica.CreateLocal(ctx, "local-1", note.Draft{Title: "draft"})
	require.NoError(t, err)
	_, err = q.Enqueue("local-1", note.ActionCreate, note.Draft{Title: "draft"})
	require.NoError(t, err)
	_, err = replica.ApplyEdit(ctx, "local-1", note.Patch{Content: strPtr("body")})
	require.NoError(t, err)
	_, err = q.Enqueue("local-1", note.ActionUpdate, note.Patch{Content: strPtr("body")})
	require.NoError(t, err)

	// 第一次 CREATE 成功但后面的 UPDATE 失败：队列里的 noteId 已经改写
	remote.fail["srv-1"] = 1
	_, err = q.Drain(ctx, remote, replica, zaptest.NewLogger(t))
	assert.Error(t, err)

	items, err := q.Items()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "srv-1", items[0].NoteID)

	_, err = replica.Get(ctx, "local-1")
	assert.ErrorIs(t, err, note.ErrNotFound)
	moved, err := replica.Get(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "body", moved.Content)
	assert.True(t, moved.Pending)

	_, err = q.Drain(ctx, remote, replica, zaptest.NewLogger(t))
	require.NoError(t, err)
	srv, ok := remote.get("srv-1")
	require.True(t, ok)
	assert.Equal(t, "body", srv.Content)

	moved, err = replica.Get(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, moved.Pending)
	assert.Equal(t, int64(2), moved.Version)
}

func TestDrain_ReplayedCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, replica, remote := newQueue(t), newReplica(t), newFakeRemote()
	_, err := replica.CreateLocal(ctx, "local-1", note.Draft{Title: "t"})
	require.NoError(t, err)

	// 上一次 CREATE 其实已经到达服务端，只是客户端没收到响应
	_, err = remote.Create(ctx, note.Draft{ClientRef: "local-1", Title: "t"})
	require.NoError(t, err)
	_, err = q.Enqueue("local-1", note.ActionCreate, note.Draft{Title: "t"})
	require.NoError(t, err)

	_, err = q.Drain(ctx, remote, replica, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Len(t, remote.notes, 1)
	_, err = replica.Get(ctx, "srv-1")
	assert.NoError(t, err)
}

func TestDrain_DeleteOfMissingNoteSucceeds(t *testing.T) {
	ctx := context.Background()
	q, replica, remote := newQueue(t), newReplica(t), newFakeRemote()

	_, err := q.Enqueue("gone", note.ActionDelete, nil)
	require.NoError(t, err)
	res, err := q.Drain(ctx, remote, replica, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestDrain_StopsOnCancel(t *testing.T) {
	q, replica, remote := newQueue(t), newReplica(t), newFakeRemote()
	_, err := q.Enqueue("n1", note.ActionDelete, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Drain(ctx, remote, replica, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, remote.calls)
}

func TestDrain_UpdateOfDeletedNoteIsSuperseded(t *testing.T) {
	ctx := context.Background()
	q, replica, remote := newQueue(t), newReplica(t), newFakeRemote()
	require.NoError(t, replica.Put(ctx, localstore.LocalNote{Note: note.Note{ID: "n9", Version: 3, UpdatedAt: time.Now()}}))
	_, err := q.Enqueue("n9", note.ActionUpdate, note.Patch{Content: strPtr("offline")})
	require.NoError(t, err)
	remote.notes["n8"] = note.Note{ID: "n8", Version: 1}
	_, err = q.Enqueue("n8", note.ActionUpdate, note.Patch{Content: strPtr("x")})
	require.NoError(t, err)

	res, err := q.Drain(ctx, remote, replica, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Sent: 1, Superseded: 1}, res)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

// deniedRemote 对所有写入返回权限错误
type deniedRemote struct{ *fakeRemote }

func (deniedRemote) Update(ctx context.Context, id string, p note.Patch) (note.Note, error) {
	return note.Note{}, fmt.Errorf("PATCH /v1/notes/%s: %w", id, note.ErrAccessDenied)
}

func TestDrain_PermanentFailureIsNotReturned(t *testing.T) {
	ctx := context.Background()
	q, replica := newQueue(t), newReplica(t)
	_, err := q.Enqueue("n1", note.ActionUpdate, note.Patch{Content: strPtr("a")})
	require.NoError(t, err)
	_, err = q.Enqueue("n1", note.ActionUpdate, note.Patch{Content: strPtr("ab")})
	require.NoError(t, err)

	res, err := q.Drain(ctx, deniedRemote{newFakeRemote()}, replica, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1, Rejected: 1, Held: 1}, res)

	items, err := q.Items()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Contains(t, items[0].LastError, "ACCESS_DENIED")
}
