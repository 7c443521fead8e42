package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"vibenotes/backend/internal/client/localstore"
	"vibenotes/backend/internal/client/offline"
	"vibenotes/backend/internal/note"

	"go.uber.org/zap"
)

type Replica interface {
	ApplyEdit(ctx context.Context, id string, p note.Patch) (localstore.LocalNote, error)
}

type Enqueuer interface {
	Enqueue(noteID string, action note.Action, payload any) (offline.Item, error)
}

// slot 单篇笔记的自动保存状态
type slot struct {
	gen       uint64 // 每次编辑 +1，旧的尝试发现不一致就放弃
	patch     note.Patch
	dirty     bool
	timer     *time.Timer
	cancel    context.CancelFunc
	lastSaved time.Time

	run sync.Mutex // 同一笔记的保存串行执行
}

// Saver 按笔记去抖的自动保存：写本地副本并入队 UPDATE。
// 新的编辑会取消正在进行的保存；被取消的保存既不更新 lastSaved，也不报错
type Saver struct {
	replica Replica
	queue   Enqueuer
	delay   time.Duration
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	notes map[string]*slot
}

func New(replica Replica, queue Enqueuer, delay time.Duration, log *zap.Logger) *Saver {
	if delay <= 0 {
		delay = 800 * time.Millisecond
	}
	return &Saver{replica: replica, queue: queue, delay: delay, log: log, now: time.Now, notes: make(map[string]*slot)}
}

// Edit 记录一次本地编辑，delay 之后保存；期间的多次编辑合并成一次
func (s *Saver) Edit(noteID string, p note.Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.notes[noteID]
	if sl == nil {
		sl = &slot{}
		s.notes[noteID] = sl
	}
	sl.gen++
	sl.patch = merge(sl.patch, p)
	sl.dirty = true
	if sl.cancel != nil {
		sl.cancel()
		sl.cancel = nil
	}
	if sl.timer != nil {
		sl.timer.Stop()
	}
	gen := sl.gen
	sl.timer = time.AfterFunc(s.delay, func() {
		_ = s.save(context.Background(), noteID, gen)
	})
}

// save 执行 gen 对应的那次保存
func (s *Saver) save(parent context.Context, noteID string, gen uint64) error {
	s.mu.Lock()
	sl := s.notes[noteID]
	s.mu.Unlock()
	if sl == nil {
		return nil
	}
	sl.run.Lock()
	defer sl.run.Unlock()

	s.mu.Lock()
	if sl.gen != gen || !sl.dirty {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	sl.cancel = cancel
	p := sl.patch
	sl.patch = note.Patch{}
	sl.dirty = false
	s.mu.Unlock()

	err := s.write(ctx, noteID, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl.gen == gen {
		sl.cancel = nil
	}
	if err == nil {
		sl.lastSaved = s.now()
		return nil
	}
	// 没写完：把这次的字段垫在之后的编辑下面，交给下一次保存
	sl.patch = merge(p, sl.patch)
	sl.dirty = true
	if ctx.Err() != nil {
		return nil
	}
	s.log.Warn("autosave failed", zap.String("noteId", noteID), zap.Error(err))
	return err
}

func (s *Saver) write(ctx context.Context, noteID string, p note.Patch) error {
	if _, err := s.replica.ApplyEdit(ctx, noteID, p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.queue.Enqueue(noteID, note.ActionUpdate, p)
	return err
}

// LastSaved 最近一次成功保存的时间
func (s *Saver) LastSaved(noteID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.notes[noteID]
	if sl == nil || sl.lastSaved.IsZero() {
		return time.Time{}, false
	}
	return sl.lastSaved, true
}

// Flush 立即保存所有未保存的编辑（退出前调用）
func (s *Saver) Flush(ctx context.Context) error {
	s.mu.Lock()
	type job struct {
		noteID string
		gen    uint64
	}
	var jobs []job
	for id, sl := range s.notes {
		if !sl.dirty {
			continue
		}
		if sl.timer != nil {
			sl.timer.Stop()
		}
		sl.gen++
		jobs = append(jobs, job{noteID: id, gen: sl.gen})
	}
	s.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		errs = append(errs, s.save(ctx, j.noteID, j.gen))
	}
	return errors.Join(errs...)
}

// merge 后者覆盖前者的同名字段
func merge(base, next note.Patch) note.Patch {
	out := base
	if next.Title != nil {
		out.Title = next.Title
	}
	if next.Content != nil {
		out.Content = next.Content
	}
	if next.Tags != nil {
		out.Tags = next.Tags
	}
	return out
}
