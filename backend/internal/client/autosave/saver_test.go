package autosave

import (
	"context"
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

type recorder struct {
	mu      sync.Mutex
	applied []note.Patch
	queued  []note.Patch

	// block 非空时第一次 ApplyEdit 在这里等待，直到 ctx 取消
	block   chan struct{}
	started chan struct{}
}

func (r *recorder) ApplyEdit(ctx context.Context, id string, p note.Patch) (localstore.LocalNote, error) {
	r.mu.Lock()
	block := r.block
	r.block = nil
	r.mu.Unlock()
	if block != nil {
		close(r.started)
		select {
		case <-ctx.Done():
			return localstore.LocalNote{}, ctx.Err()
		case <-block:
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, p)
	return localstore.LocalNote{}, nil
}

func (r *recorder) Enqueue(noteID string, action note.Action, payload any) (offline.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, payload.(note.Patch))
	return offline.Item{NoteID: noteID, Action: action}, nil
}

func (r *recorder) snapshot() ([]note.Patch, []note.Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]note.Patch(nil), r.applied...), append([]note.Patch(nil), r.queued...)
}

func strPtr(s string) *string { return &s }

func TestSaver_DebouncesEdits(t *testing.T) {
	r := &recorder{}
	s := New(r, r, 20*time.Millisecond, zaptest.NewLogger(t))

	s.Edit("n1", note.Patch{Title: strPtr("T")})
	s.Edit("n1", note.Patch{Content: strPtr("He")})
	s.Edit("n1", note.Patch{Content: strPtr("Hello")})

	require.Eventually(t, func() bool {
		_, ok := s.LastSaved("n1")
		return ok
	}, time.Second, 5*time.Millisecond)

	applied, queued := r.snapshot()
	require.Len(t, applied, 1)
	require.Len(t, queued, 1)
	assert.Equal(t, "T", *queued[0].Title)
	assert.Equal(t, "Hello", *queued[0].Content)
}

func TestSaver_NewEditCancelsInflightSave(t *testing.T) {
	r := &recorder{block: make(chan struct{}), started: make(chan struct{})}
	s := New(r, r, 10*time.Millisecond, zaptest.NewLogger(t))

	s.Edit("n1", note.Patch{Title: strPtr("first")})
	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatal("save never started")
	}
	s.Edit("n1", note.Patch{Content: strPtr("second")})

	require.Eventually(t, func() bool {
		_, queued := r.snapshot()
		return len(queued) == 1
	}, time.Second, 5*time.Millisecond)

	_, queued := r.snapshot()
	// 被取消那次的字段并入了下一次保存
	assert.Equal(t, "first", *queued[0].Title)
	assert.Equal(t, "second", *queued[0].Content)
	_, ok := s.LastSaved("n1")
	assert.True(t, ok)
}

func TestSaver_FlushSavesImmediately(t *testing.T) {
	r := &recorder{}
	s := New(r, r, time.Hour, zaptest.NewLogger(t))

	s.Edit("n1", note.Patch{Content: strPtr("a")})
	s.Edit("n2", note.Patch{Content: strPtr("b")})
	_, ok := s.LastSaved("n1")
	assert.False(t, ok)

	require.NoError(t, s.Flush(context.Background()))
	_, queued := r.snapshot()
	assert.Len(t, queued, 2)

	// 没有新编辑时 Flush 不再写
	require.NoError(t, s.Flush(context.Background()))
	_, queued = r.snapshot()
	assert.Len(t, queued, 2)
}
