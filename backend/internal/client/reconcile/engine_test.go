package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vibenotes/backend/internal/client/localstore"
	"vibenotes/backend/internal/client/offline"
	"vibenotes/backend/internal/note"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeServer struct {
	mu         sync.Mutex
	notes      map[string]note.Note
	resp       note.SyncResponse
	lastReq    note.SyncRequest
	failUpdate bool
	failSync   bool
}

func (s *fakeServer) Create(ctx context.Context, d note.Draft) (note.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := note.Note{ID: "srv-" + d.ClientRef, Title: d.Title, Content: d.Content, Version: 1}
	s.notes[n.ID] = n
	return n, nil
}

func (s *fakeServer) Update(ctx context.Context, id string, p note.Patch) (note.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate {
		return note.Note{}, errors.New("503 service unavailable")
	}
	n, ok := s.notes[id]
	if !ok {
		return note.Note{}, note.ErrNotFound
	}
	p.Apply(&n)
	n.Version++
	s.notes[id] = n
	return n, nil
}

func (s *fakeServer) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, id)
	return nil
}

func (s *fakeServer) Sync(ctx context.Context, req note.SyncRequest) (note.SyncResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	if s.failSync {
		return note.SyncResponse{}, errors.New("502 bad gateway")
	}
	return s.resp, nil
}

type fixture struct {
	queue   *offline.Queue
	replica *localstore.Store
	server  *fakeServer
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	q, err := offline.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	replica, err := localstore.Open(filepath.Join(dir, "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = replica.Close() })

	server := &fakeServer{notes: map[string]note.Note{}}
	return &fixture{queue: q, replica: replica, server: server, engine: NewEngine(q, server, replica, zaptest.NewLogger(t))}
}

func (f *fixture) local(t *testing.T, id, content string, version int64) {
	require.NoError(t, f.replica.Put(context.Background(), localstore.LocalNote{
		Note: note.Note{ID: id, Content: content, Version: version, UpdatedAt: time.Now()},
	}))
}

func TestEngine_PullAppliesVersionRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.local(t, "n3", "stale", 3)
	f.local(t, "n4", "local wins", 7)
	f.local(t, "n6", "doomed", 2)

	serverTime := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	f.server.resp = note.SyncResponse{
		Notes: []note.Note{
			{ID: "n3", Content: "fresh", Version: 5},
			{ID: "n4", Content: "older", Version: 7},
			{ID: "n5", Content: "new", Version: 1},
		},
		DeletedIDs: []string{"n6", "never-seen"},
		ServerTime: serverTime,
	}

	res, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Overwritten)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, 2, res.Deleted)
	assert.True(t, serverTime.Equal(res.Checkpoint))

	n3, err := f.replica.Get(ctx, "n3")
	require.NoError(t, err)
	assert.Equal(t, "fresh", n3.Content)
	assert.Equal(t, int64(5), n3.Version)

	n4, err := f.replica.Get(ctx, "n4")
	require.NoError(t, err)
	assert.Equal(t, "local wins", n4.Content)

	_, err = f.replica.Get(ctx, "n5")
	assert.NoError(t, err)
	_, err = f.replica.Get(ctx, "n6")
	assert.ErrorIs(t, err, note.ErrNotFound)

	cp, err := f.queue.Checkpoint()
	require.NoError(t, err)
	assert.True(t, serverTime.Equal(cp))

	// 下一轮带上检查点和本地版本
	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, serverTime.Equal(f.server.lastReq.LastSyncTime))
	assert.Contains(t, f.server.lastReq.Notes, note.Summary{ID: "n3", Version: 5})
}

func TestEngine_PushBeforePull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.local(t, "n2", "", 1)
	f.server.notes["n2"] = note.Note{ID: "n2", Version: 1}
	title := "X"
	_, err := f.queue.Enqueue("n2", note.ActionUpdate, note.Patch{Title: &title})
	require.NoError(t, err)
	f.server.resp = note.SyncResponse{ServerTime: time.Now().UTC()}

	res, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Push.Sent)
	assert.Equal(t, int64(2), f.server.notes["n2"].Version)
	// pull 上报的是推送之后的版本
	assert.Equal(t, []note.Summary{{ID: "n2", Version: 2}}, f.server.lastReq.Notes)
}

func TestEngine_CheckpointHeldOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.local(t, "n1", "", 1)
	f.server.notes["n1"] = note.Note{ID: "n1", Version: 1}
	content := "offline"
	_, err := f.queue.Enqueue("n1", note.ActionUpdate, note.Patch{Content: &content})
	require.NoError(t, err)

	f.server.failUpdate = true
	f.server.resp = note.SyncResponse{
		Notes:      []note.Note{{ID: "n9", Version: 1}},
		ServerTime: time.Now().UTC(),
	}
	res, err := f.engine.Sync(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, res.Push.Failed)
	// 推送失败不影响拉取
	assert.Equal(t, 1, res.Inserted)
	cp, err := f.queue.Checkpoint()
	require.NoError(t, err)
	assert.True(t, cp.IsZero())

	f.server.failUpdate = false
	f.server.failSync = true
	_, err = f.engine.Sync(ctx)
	assert.Error(t, err)
	cp, err = f.queue.Checkpoint()
	require.NoError(t, err)
	assert.True(t, cp.IsZero())
	n, err := f.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	f.server.failSync = false
	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	cp, err = f.queue.Checkpoint()
	require.NoError(t, err)
	assert.False(t, cp.IsZero())
}

func TestEngine_TombstoneSupersedesQueuedUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.local(t, "n9", "before", 2)
	content := "edited offline"
	_, err := f.queue.Enqueue("n9", note.ActionUpdate, note.Patch{Content: &content})
	require.NoError(t, err)

	// 服务端已经删除了 n9
	serverTime := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	f.server.resp = note.SyncResponse{DeletedIDs: []string{"n9"}, ServerTime: serverTime}

	res, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Push.Superseded)
	assert.Equal(t, 1, res.Deleted)

	n, err := f.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	cp, err := f.queue.Checkpoint()
	require.NoError(t, err)
	assert.True(t, serverTime.Equal(cp))
	_, err = f.replica.Get(ctx, "n9")
	assert.ErrorIs(t, err, note.ErrNotFound)
}
