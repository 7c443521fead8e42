package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"vibenotes/backend/internal/cache"
	"vibenotes/backend/internal/collab"
	"vibenotes/backend/internal/httpapi/middleware"
	"vibenotes/backend/internal/note"
	"vibenotes/backend/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NoteRepository 权威存储（store.NoteStore）
type NoteRepository interface {
	Get(ctx context.Context, id string) (note.Note, error)
	Create(ctx context.Context, ownerID uint64, workspaceID *uint64, d note.Draft) (note.Note, bool, error)
	Update(ctx context.Context, id string, p note.Patch) (note.Note, error)
	Delete(ctx context.Context, id string) (note.Note, error)
	ChangedSince(ctx context.Context, userID uint64, since time.Time) ([]note.Note, []string, error)
	ByIDs(ctx context.Context, userID uint64, ids []string) ([]note.Note, []string, error)
}

type AccessControl interface {
	CanView(ctx context.Context, noteID string, userID uint64) (bool, error)
	CanEdit(ctx context.Context, noteID string, userID uint64) (bool, error)
}

// LiveDocuments 打开中的协作房间（collab.Registry）：REST 写入要和落库串行并拼进活跃文档
type LiveDocuments interface {
	ApplyExternal(ctx context.Context, noteID string, write func(ctx context.Context) (note.Note, error)) (note.Note, error)
	Publish(evt collab.NoteEvent)
}

// NotesHandler REST 变更接口；离线队列的 drain 和 pull 也走这里
type NotesHandler struct {
	notes    NoteRepository
	access   AccessControl
	live     LiveDocuments
	presence cache.PresenceCache // 可为 nil
	log      *zap.Logger
	now      func() time.Time
}

func NewNotesHandler(notes NoteRepository, access AccessControl, live LiveDocuments, presence cache.PresenceCache, log *zap.Logger) *NotesHandler {
	return &NotesHandler{notes: notes, access: access, live: live, presence: presence, log: log, now: time.Now}
}

// Register 挂到已经带鉴权中间件的分组上
func (h *NotesHandler) Register(g *gin.RouterGroup) {
	g.POST("/notes", h.Create)
	g.POST("/notes/sync", h.Sync)
	g.GET("/notes/:id", h.Get)
	g.PATCH("/notes/:id", h.Update)
	g.DELETE("/notes/:id", h.Delete)
	g.GET("/notes/:id/online", h.Online)
}

type createRequest struct {
	note.Draft
	WorkspaceID *uint64 `json:"workspaceId,omitempty"`
}

func (h *NotesHandler) Create(c *gin.Context) {
	userID := c.GetUint64(middleware.CtxUserID)

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	n, created, err := h.notes.Create(c.Request.Context(), userID, req.WorkspaceID, req.Draft)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !created {
		// 同一个 clientRef 的重放：返回第一次创建的那条
		c.JSON(http.StatusOK, n)
		return
	}
	h.publish(collab.EventNoteCreated, n, userID)
	c.JSON(http.StatusCreated, n)
}

func (h *NotesHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !h.authorize(c, id, false) {
		return
	}
	n, err := h.notes.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *NotesHandler) Update(c *gin.Context) {
	id := c.Param("id")
	userID := c.GetUint64(middleware.CtxUserID)

	var patch note.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	if !h.authorize(c, id, true) {
		return
	}

	n, err := h.live.ApplyExternal(c.Request.Context(), id, func(ctx context.Context) (note.Note, error) {
		return h.notes.Update(ctx, id, patch)
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.publish(collab.EventNoteUpdated, n, userID)
	c.JSON(http.StatusOK, n)
}

// Delete 写墓碑。已删除的笔记对权限查询不可见，重放得到 404
func (h *NotesHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	userID := c.GetUint64(middleware.CtxUserID)
	if !h.authorize(c, id, true) {
		return
	}

	n, err := h.live.ApplyExternal(c.Request.Context(), id, func(ctx context.Context) (note.Note, error) {
		return h.notes.Delete(ctx, id)
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.publish(collab.EventNoteDeleted, n, userID)
	c.JSON(http.StatusOK, n)
}

// Sync 拉取：lastSyncTime 之后变化的笔记 ∪ 客户端上报的笔记，
// 只下发比客户端版本新的；serverTime 在查询之前取，作为下一次的检查点
func (h *NotesHandler) Sync(c *gin.Context) {
	userID := c.GetUint64(middleware.CtxUserID)

	var req note.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	serverTime := h.now().UTC()
	ctx := c.Request.Context()

	changed, deleted, err := h.notes.ChangedSince(ctx, userID, req.LastSyncTime)
	if err != nil {
		h.writeError(c, err)
		return
	}
	local := make(map[string]int64, len(req.Notes))
	ids := make([]string, 0, len(req.Notes))
	for _, s := range req.Notes {
		local[s.ID] = s.Version
		ids = append(ids, s.ID)
	}
	known, knownDeleted, err := h.notes.ByIDs(ctx, userID, ids)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := note.SyncResponse{Notes: []note.Note{}, DeletedIDs: []string{}, ServerTime: serverTime}
	seen := make(map[string]bool)
	for _, n := range append(changed, known...) {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		if v, ok := local[n.ID]; ok && v >= n.Version {
			continue
		}
		resp.Notes = append(resp.Notes, n)
	}
	gone := make(map[string]bool)
	for _, id := range append(deleted, knownDeleted...) {
		if gone[id] {
			continue
		}
		gone[id] = true
		resp.DeletedIDs = append(resp.DeletedIDs, id)
	}
	c.JSON(http.StatusOK, resp)
}

// Online 正在编辑这篇笔记的用户（redis 镜像）
func (h *NotesHandler) Online(c *gin.Context) {
	id := c.Param("id")
	if !h.authorize(c, id, false) {
		return
	}
	users := []cache.OnlineUser{}
	if h.presence != nil {
		got, err := h.presence.OnlineUsers(c.Request.Context(), id)
		if err != nil {
			h.writeError(c, err)
			return
		}
		users = append(users, got...)
	}
	c.JSON(http.StatusOK, gin.H{"noteId": id, "users": users})
}

// authorize 失败时已写好响应
func (h *NotesHandler) authorize(c *gin.Context, noteID string, edit bool) bool {
	userID := c.GetUint64(middleware.CtxUserID)
	check := h.access.CanView
	if edit {
		check = h.access.CanEdit
	}
	ok, err := check(c.Request.Context(), noteID, userID)
	if err != nil {
		h.writeError(c, err)
		return false
	}
	if !ok {
		h.writeError(c, note.ErrAccessDenied)
		return false
	}
	return true
}

func (h *NotesHandler) publish(eventType string, n note.Note, actor uint64) {
	h.live.Publish(collab.NoteEvent{
		EventType: eventType,
		NoteID:    n.ID,
		Version:   n.Version,
		ActorID:   actor,
		At:        h.now(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"code":    note.ErrProtocol.Error(),
		"message": err.Error(),
	})
}

func (h *NotesHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, note.ErrNotFound):
		status, code = http.StatusNotFound, note.ErrNotFound.Error()
	case errors.Is(err, note.ErrAccessDenied):
		status, code = http.StatusForbidden, note.ErrAccessDenied.Error()
	case errors.Is(err, store.ErrVersionConflict):
		status, code = http.StatusConflict, store.ErrVersionConflict.Error()
	case errors.Is(err, note.ErrProtocol):
		status, code = http.StatusBadRequest, note.ErrProtocol.Error()
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"code": code, "message": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
}
