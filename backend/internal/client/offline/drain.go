package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vibenotes/backend/internal/note"

	"go.uber.org/zap"
)

// Remote 服务端 REST 变更接口（notesapi.Client）
type Remote interface {
	Create(ctx context.Context, d note.Draft) (note.Note, error)
	Update(ctx context.Context, id string, p note.Patch) (note.Note, error)
	Delete(ctx context.Context, id string) error
}

// Replica 本地副本（localstore.Store）
type Replica interface {
	MarkSynced(ctx context.Context, id string, version int64, pending bool) error
	Remap(ctx context.Context, oldID string, server note.Note, pending bool) error
}

type DrainResult struct {
	Sent       int
	Superseded int // 服务端已删除该笔记，UPDATE 作废
	Failed     int
	Rejected   int // Failed 中的确定性失败（权限、协议），不计入返回的 error
	Held       int // 同一笔记前面有失败的条目，本轮没有尝试
}

// errSuperseded 条目已被服务端墓碑取代，按已确认处理
var errSuperseded = errors.New("superseded by tombstone")

// Drain 按入队顺序推送。成功的条目删除；失败的条目保留并 retryCount+1，
// 同一笔记后面的条目本轮不再尝试（保持单笔记 FIFO）。不同笔记互不影响。
// 返回的 error 只汇总可重试的失败（note.IsTransient）；确定性失败记在 Rejected，
// 条目照样保留以便排查。ctx 结束时立即返回
func (q *Queue) Drain(ctx context.Context, remote Remote, replica Replica, log *zap.Logger) (DrainResult, error) {
	var res DrainResult
	items, err := q.Items()
	if err != nil {
		return res, err
	}

	blocked := make(map[string]bool)
	var errs []error
	for i := range items {
		it := items[i]
		if blocked[it.NoteID] {
			res.Held++
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		remapTo, err := q.send(ctx, remote, replica, it, items[i+1:])
		if errors.Is(err, errSuperseded) {
			if err := q.ack(it.ID, it.NoteID, ""); err != nil {
				return res, err
			}
			res.Superseded++
			log.Info("sync item dropped, note deleted on server",
				zap.String("item", it.ID),
				zap.String("noteId", it.NoteID),
				zap.String("action", string(it.Action)))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			blocked[it.NoteID] = true
			if ferr := q.fail(it.ID, err); ferr != nil {
				return res, ferr
			}
			fields := []zap.Field{
				zap.String("item", it.ID),
				zap.String("noteId", it.NoteID),
				zap.String("action", string(it.Action)),
				zap.Int("retryCount", it.RetryCount+1),
				zap.Error(err),
			}
			if !note.IsTransient(err) {
				res.Rejected++
				log.Error("sync item rejected by server", fields...)
				continue
			}
			errs = append(errs, fmt.Errorf("%s %s: %w", it.Action, it.NoteID, err))
			log.Warn("sync item failed, will retry", fields...)
			continue
		}

		if err := q.ack(it.ID, it.NoteID, remapTo); err != nil {
			return res, err
		}
		if remapTo != "" {
			// 内存里剩下的条目同步改写
			for j := i + 1; j < len(items); j++ {
				if items[j].NoteID == it.NoteID {
					items[j].NoteID = remapTo
				}
			}
		}
		res.Sent++
	}
	return res, errors.Join(errs...)
}

// send 推送一条并更新本地副本。CREATE 拿到的服务端 id 与本地不同时返回新 id
func (q *Queue) send(ctx context.Context, remote Remote, replica Replica, it Item, rest []Item) (string, error) {
	pending := hasLater(rest, it.NoteID)

	switch it.Action {
	case note.ActionCreate:
		var d note.Draft
		if err := json.Unmarshal(it.Payload, &d); err != nil {
			return "", fmt.Errorf("%w: create payload: %v", note.ErrProtocol, err)
		}
		if d.ClientRef == "" {
			d.ClientRef = it.NoteID
		}
		n, err := remote.Create(ctx, d)
		if err != nil {
			return "", err
		}
		if n.ID == it.NoteID {
			return "", replica.MarkSynced(ctx, n.ID, n.Version, pending)
		}
		if err := replica.Remap(ctx, it.NoteID, n, pending); err != nil {
			return "", err
		}
		return n.ID, nil

	case note.ActionUpdate:
		var p note.Patch
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return "", fmt.Errorf("%w: update payload: %v", note.ErrProtocol, err)
		}
		n, err := remote.Update(ctx, it.NoteID, p)
		if errors.Is(err, note.ErrNotFound) {
			// 墓碑总是胜出：本地副本由 pull 删除
			return "", errSuperseded
		}
		if err != nil {
			return "", err
		}
		return "", replica.MarkSynced(ctx, n.ID, n.Version, pending)

	case note.ActionDelete:
		// 服务端已经没有这条就是删除成功
		if err := remote.Delete(ctx, it.NoteID); err != nil && !errors.Is(err, note.ErrNotFound) {
			return "", err
		}
		return "", nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, it.Action)
}

func hasLater(rest []Item, noteID string) bool {
	for _, it := range rest {
		if it.NoteID == noteID {
			return true
		}
	}
	return false
}
