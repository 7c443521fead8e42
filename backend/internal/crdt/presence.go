package crdt

import (
	"encoding/json"
	"sort"
)

type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// PresenceEntry 一个连接的在线状态（光标/选区/身份）
type PresenceEntry struct {
	UserID       uint64     `json:"userId"`
	DisplayName  string     `json:"displayName,omitempty"`
	Color        string     `json:"color,omitempty"`
	CursorOffset *int       `json:"cursorOffset,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
}

// PresenceDelta 客户端 awareness 帧里的增量，未出现的字段保持不变
type PresenceDelta struct {
	DisplayName  *string    `json:"displayName,omitempty"`
	Color        *string    `json:"color,omitempty"`
	CursorOffset *int       `json:"cursorOffset,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
}

func ParsePresenceDelta(raw []byte) (PresenceDelta, error) {
	var d PresenceDelta
	if len(raw) == 0 {
		return d, nil
	}
	err := json.Unmarshal(raw, &d)
	return d, err
}

// Presence connID -> entry。生命周期与文档相同，由 Room 加锁访问
type Presence struct {
	entries map[string]PresenceEntry
}

func NewPresence() *Presence {
	return &Presence{entries: make(map[string]PresenceEntry)}
}

// Set 连接加入时登记身份
func (p *Presence) Set(connID string, e PresenceEntry) {
	p.entries[connID] = e
}

// Apply 合并增量；连接没有条目时以 userID 新建
func (p *Presence) Apply(connID string, userID uint64, d PresenceDelta) PresenceEntry {
	e, ok := p.entries[connID]
	if !ok {
		e = PresenceEntry{UserID: userID}
	}
	if d.DisplayName != nil {
		e.DisplayName = *d.DisplayName
	}
	if d.Color != nil {
		e.Color = *d.Color
	}
	if d.CursorOffset != nil {
		off := *d.CursorOffset
		e.CursorOffset = &off
	}
	if d.Selection != nil {
		sel := *d.Selection
		e.Selection = &sel
	}
	p.entries[connID] = e
	return e
}

// Remove 删除连接的条目；重复删除是无害的空操作，返回是否真的删了
func (p *Presence) Remove(connID string) bool {
	if _, ok := p.entries[connID]; !ok {
		return false
	}
	delete(p.entries, connID)
	return true
}

func (p *Presence) Get(connID string) (PresenceEntry, bool) {
	e, ok := p.entries[connID]
	return e, ok
}

// Snapshot 拷贝一份给新加入者
func (p *Presence) Snapshot() map[string]PresenceEntry {
	out := make(map[string]PresenceEntry, len(p.entries))
	for k, v := range p.entries {
		out[k] = v
	}
	return out
}

// UserIDs 去重后升序的用户 id（同一用户可能开了多个标签页）
func (p *Presence) UserIDs() []uint64 {
	seen := make(map[uint64]struct{}, len(p.entries))
	ids := make([]uint64, 0, len(p.entries))
	for _, e := range p.entries {
		if _, ok := seen[e.UserID]; ok {
			continue
		}
		seen[e.UserID] = struct{}{}
		ids = append(ids, e.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *Presence) Len() int { return len(p.entries) }
