package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vibenotes/backend/internal/client/localstore"
	"vibenotes/backend/internal/client/offline"
	"vibenotes/backend/internal/note"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Remote 推送 + 拉取（notesapi.Client）
type Remote interface {
	offline.Remote
	Sync(ctx context.Context, req note.SyncRequest) (note.SyncResponse, error)
}

// Replica 本地副本（localstore.Store）
type Replica interface {
	offline.Replica
	Get(ctx context.Context, id string) (localstore.LocalNote, error)
	Put(ctx context.Context, n localstore.LocalNote) error
	Delete(ctx context.Context, id string) error
	Summaries(ctx context.Context) ([]note.Summary, error)
}

type Result struct {
	Push        offline.DrainResult
	Inserted    int
	Overwritten int
	Kept        int
	Deleted     int
	Checkpoint  time.Time
}

// Engine 一轮同步 = 推送队列 + 拉取服务端变更。
// 推送失败不阻止拉取；检查点只在两步都没有出错时前进
type Engine struct {
	queue   *offline.Queue
	remote  Remote
	replica Replica
	log     *zap.Logger
	now     func() time.Time
}

func NewEngine(queue *offline.Queue, remote Remote, replica Replica, log *zap.Logger) *Engine {
	return &Engine{queue: queue, remote: remote, replica: replica, log: log, now: time.Now}
}

func (e *Engine) Sync(ctx context.Context) (Result, error) {
	var res Result

	push, pushErr := e.queue.Drain(ctx, e.remote, e.replica, e.log)
	res.Push = push
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	serverTime, pullErr := e.pull(ctx, &res)

	checkpoint, err := e.queue.Checkpoint()
	if err != nil {
		return res, err
	}
	res.Checkpoint = checkpoint
	if pushErr != nil || pullErr != nil {
		return res, errors.Join(pushErr, pullErr)
	}
	if err := e.queue.SetCheckpoint(serverTime); err != nil {
		return res, err
	}
	res.Checkpoint = serverTime
	e.log.Info("sync finished",
		zap.Int("pushed", push.Sent),
		zap.Int("inserted", res.Inserted),
		zap.Int("overwritten", res.Overwritten),
		zap.Int("deleted", res.Deleted),
		zap.Time("checkpoint", serverTime))
	return res, nil
}

// pull 按版本号合并：本地没有则插入；服务端版本更大则覆盖；否则保留本地。墓碑无条件删除
func (e *Engine) pull(ctx context.Context, res *Result) (time.Time, error) {
	since, err := e.queue.Checkpoint()
	if err != nil {
		return time.Time{}, err
	}
	local, err := e.replica.Summaries(ctx)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := e.remote.Sync(ctx, note.SyncRequest{Notes: local, LastSyncTime: since})
	if err != nil {
		return time.Time{}, fmt.Errorf("pull: %w", err)
	}

	for _, remote := range resp.Notes {
		if err := e.merge(ctx, remote, res); err != nil {
			return time.Time{}, err
		}
	}
	for _, id := range resp.DeletedIDs {
		if err := e.replica.Delete(ctx, id); err != nil {
			return time.Time{}, err
		}
		res.Deleted++
	}
	return resp.ServerTime, nil
}

func (e *Engine) merge(ctx context.Context, remote note.Note, res *Result) error {
	now := e.now()
	cur, err := e.replica.Get(ctx, remote.ID)
	switch {
	case errors.Is(err, note.ErrNotFound):
		res.Inserted++
		return e.replica.Put(ctx, localstore.LocalNote{Note: remote, SyncedAt: &now})
	case err != nil:
		return err
	case remote.Version > cur.Version:
		res.Overwritten++
		// 队列里还有这条笔记的变更时保持 pending，下一轮推送会再带上去
		return e.replica.Put(ctx, localstore.LocalNote{Note: remote, Pending: cur.Pending, SyncedAt: &now})
	}
	res.Kept++
	return nil
}

// Run 周期同步直到 ctx 结束；失败后按指数退避重试，成功后回到正常间隔
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = interval
	b.MaxElapsedTime = 0 // 永不放弃

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if _, err := e.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = b.NextBackOff()
			e.log.Warn("sync failed", zap.Duration("retryIn", wait), zap.Error(err))
			continue
		}
		b.Reset()
		wait = interval
	}
}
