package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vibenotes/backend/internal/crdt"
	"vibenotes/backend/internal/metrics"
	"vibenotes/backend/internal/note"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DocumentStore 存储适配器：按 id 读写 title/content
type DocumentStore interface {
	Load(ctx context.Context, noteID string) (note.Content, error)
	Persist(ctx context.Context, noteID string, c note.Content) (int64, error)
}

// EventPublisher 笔记变更事件出口（KafkaDispatcher）
type EventPublisher interface {
	Enqueue(ctx context.Context, evt NoteEvent) error
}

// 落库触发来源（指标标签）
const (
	TriggerPeriodic = "periodic"
	TriggerIdle     = "idle"
	TriggerShutdown = "shutdown"
	TriggerExternal = "external" // REST 写入前先落库
)

type Options struct {
	PersistInterval time.Duration // 房间非空时的周期落库
	TeardownDelay   time.Duration // 最后一人离开后的回收延迟
	PersistTimeout  time.Duration
	PublishTimeout  time.Duration
}

func (o *Options) withDefaults() {
	if o.PersistInterval <= 0 {
		o.PersistInterval = 5 * time.Second
	}
	if o.TeardownDelay <= 0 {
		o.TeardownDelay = 3 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 50 * time.Millisecond
	}
}

// Registry noteID -> Room。进程内唯一的跨连接共享可变状态；
// 以普通对象注入，不做全局单例
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	group singleflight.Group

	docs   DocumentStore
	events EventPublisher
	sem    *SemaphoreControl
	log    *zap.Logger
	opts   Options
}

func NewRegistry(store DocumentStore, events EventPublisher, sem *SemaphoreControl, log *zap.Logger, opts Options) *Registry {
	opts.withDefaults()
	if sem == nil {
		sem = NewSemaphoreControl(DefaultMaxConcurrentPersist)
	}
	return &Registry{
		rooms:  make(map[string]*Room),
		docs:   store,
		events: events,
		sem:    sem,
		log:    log,
		opts:   opts,
	}
}

// Lookup 只查不建
func (r *Registry) Lookup(noteID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[noteID]
}

// GetOrCreate 返回已有房间，或从存储装载后创建。
// 并发首次访问只会装载一次、创建一个房间
func (r *Registry) GetOrCreate(ctx context.Context, noteID string) (*Room, error) {
	if room := r.Lookup(noteID); room != nil {
		if !room.isClosed() {
			return room, nil
		}
		// 已关闭但回收还没把它摘掉：直接摘掉，下面重建
		r.remove(room)
	}

	v, err, _ := r.group.Do(noteID, func() (any, error) {
		// double check：可能刚被上一轮 singleflight 建好
		if room := r.Lookup(noteID); room != nil && !room.isClosed() {
			return room, nil
		}
		content, err := r.docs.Load(ctx, noteID)
		if err != nil {
			return nil, err
		}
		doc, err := crdt.NewDocument(content)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if room := r.rooms[noteID]; room != nil {
			if !room.isClosed() {
				return room, nil
			}
			delete(r.rooms, noteID)
			metrics.ActiveRooms.Dec()
		}
		room := newRoom(noteID, doc)
		r.rooms[noteID] = room
		metrics.ActiveRooms.Inc()
		r.log.Debug("room created", zap.String("noteId", noteID))
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// Leave 把连接移出房间；房间变空时安排延迟落库 + 回收
func (r *Registry) Leave(room *Room, connID string) (remaining int, removed bool) {
	remaining, removed, gen := room.Leave(connID)
	if removed && remaining == 0 {
		r.scheduleTeardown(room, gen)
	}
	return remaining, removed
}

// scheduleTeardown 延迟回收。generation 变化（期间有人加入/离开）时该次回收作废
func (r *Registry) scheduleTeardown(room *Room, gen uint64) {
	time.AfterFunc(r.opts.TeardownDelay, func() {
		r.teardown(room, gen)
	})
}

func (r *Registry) teardown(room *Room, gen uint64) {
	// 已被 Close 回收的房间不再落库
	if room.Len() > 0 || room.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PersistTimeout)
	defer cancel()
	if err := r.persistRoom(ctx, room, TriggerIdle); err != nil {
		// 落库失败先不回收，稍后再试
		r.scheduleTeardown(room, gen)
		return
	}
	if !room.closeIfIdle(gen) {
		return
	}
	r.remove(room)
}

func (r *Registry) remove(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room.noteID] == room {
		delete(r.rooms, room.noteID)
		metrics.ActiveRooms.Dec()
		r.log.Debug("room closed", zap.String("noteId", room.noteID))
	}
}

// Persist 把房间当前内容作为一次 UPDATE 落库（不脏则跳过）
func (r *Registry) Persist(ctx context.Context, noteID string) error {
	room := r.Lookup(noteID)
	if room == nil {
		return nil
	}
	return r.persistRoom(ctx, room, TriggerPeriodic)
}

func (r *Registry) persistRoom(ctx context.Context, room *Room, trigger string) error {
	room.persistMu.Lock()
	defer room.persistMu.Unlock()

	content, ok, err := room.takeDirty()
	if err != nil {
		metrics.PersistTotal.WithLabelValues(trigger, metrics.OutcomeError).Inc()
		r.log.Error("flatten document failed", zap.String("noteId", room.noteID), zap.Error(err))
		return err
	}
	if !ok {
		return nil
	}
	return r.store(ctx, room, content, trigger)
}

// store 写入一份已取出的快照。调用方持有 room.persistMu；失败时房间重新标记为 dirty
func (r *Registry) store(ctx context.Context, room *Room, content note.Content, trigger string) error {
	if err := r.sem.Acquire(ctx); err != nil {
		room.markDirty()
		return err
	}
	defer r.sem.Release()

	start := time.Now()
	version, err := r.docs.Persist(ctx, room.noteID, content)
	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistTotal.WithLabelValues(trigger, metrics.OutcomeError).Inc()
		if errors.Is(err, note.ErrNotFound) {
			// 笔记已被删除：不再重试
			r.log.Warn("persist skipped, note gone", zap.String("noteId", room.noteID))
			return nil
		}
		room.markDirty()
		r.log.Warn("persist failed, will retry",
			zap.String("noteId", room.noteID),
			zap.String("trigger", trigger),
			zap.Error(err))
		return err
	}
	metrics.PersistTotal.WithLabelValues(trigger, metrics.OutcomeOK).Inc()
	r.log.Debug("persisted", zap.String("noteId", room.noteID), zap.Int64("version", version))

	r.publish(NoteEvent{EventType: EventNotePersisted, NoteID: room.noteID, Version: version, At: time.Now()})
	return nil
}

// publish 变更事件入队；失败只记录日志，不影响写路径
func (r *Registry) publish(evt NoteEvent) {
	if r.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PublishTimeout)
	defer cancel()
	if err := r.events.Enqueue(ctx, evt); err != nil {
		r.log.Warn("note event dropped", zap.String("noteId", evt.NoteID), zap.Error(err))
	}
}

// Publish 给 REST 写路径用
func (r *Registry) Publish(evt NoteEvent) { r.publish(evt) }

// ApplyExternal 执行一次外部（REST）写入。房间打开时先把未落库的协作编辑写进存储，
// 让外部写入的读改写基于最新文本；写成功后只把被改动的字段拼进活跃文档并广播。
// 写入是删除时关闭房间并通知成员
func (r *Registry) ApplyExternal(ctx context.Context, noteID string, write func(ctx context.Context) (note.Note, error)) (note.Note, error) {
	room := r.Lookup(noteID)
	if room == nil {
		return write(ctx)
	}
	room.persistMu.Lock()
	defer room.persistMu.Unlock()

	base, dirty, err := room.takeSnapshot()
	if err != nil {
		return note.Note{}, err
	}
	if dirty {
		if err := r.store(ctx, room, base, TriggerExternal); err != nil {
			return note.Note{}, fmt.Errorf("flush live note %s: %w", noteID, err)
		}
	}

	n, err := write(ctx)
	if err != nil {
		return n, err
	}
	if n.DeletedAt != nil {
		room.tombstone()
		r.remove(room)
		return n, nil
	}
	if err := room.splice(base, note.Content{Title: n.Title, Content: n.Content}); err != nil {
		r.log.Error("splice external write failed", zap.String("noteId", noteID), zap.Error(err))
	}
	return n, nil
}

func (r *Registry) snapshot() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Run 周期落库，直到 ctx 结束
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.persistAll(ctx, TriggerPeriodic)
		}
	}
}

func (r *Registry) persistAll(ctx context.Context, trigger string) {
	for _, room := range r.snapshot() {
		pctx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
		_ = r.persistRoom(pctx, room, trigger)
		cancel()
	}
}

// Close 进程退出：所有打开的文档落库并关闭房间
func (r *Registry) Close(ctx context.Context) {
	for _, room := range r.snapshot() {
		pctx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
		if err := r.persistRoom(pctx, room, TriggerShutdown); err != nil {
			r.log.Error("shutdown persist failed", zap.String("noteId", room.noteID), zap.Error(err))
		}
		cancel()
		room.close()
		r.remove(room)
	}
}

// Len 打开的房间数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
