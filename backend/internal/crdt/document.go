package crdt

import (
	"bytes"
	"fmt"

	"vibenotes/backend/internal/note"
	"vibenotes/backend/internal/ot/delta"

	"github.com/automerge/automerge-go"
)

const (
	FieldTitle   = "title"
	FieldContent = "content"
)

// 一个 head（change hash）固定 32 字节，状态向量就是 heads 的拼接
const headSize = len(automerge.ChangeHash{})

// Document 是一篇笔记的复制文档：title / content 两个文本字段。
// 合并语义完全交给 automerge；这里只负责装载、导出和对外的字节接口。
// 非并发安全，由 collab.Room 的锁串行化访问。
type Document struct {
	doc *automerge.Doc
}

// NewDocument 用落库的 title/content 初始化文档
func NewDocument(c note.Content) (*Document, error) {
	doc := automerge.New()
	if err := doc.Path(FieldTitle).Set(automerge.NewText(c.Title)); err != nil {
		return nil, fmt.Errorf("init title: %w", err)
	}
	if err := doc.Path(FieldContent).Set(automerge.NewText(c.Content)); err != nil {
		return nil, fmt.Errorf("init content: %w", err)
	}
	if _, err := doc.Commit("hydrate", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("commit hydrate: %w", err)
	}
	return &Document{doc: doc}, nil
}

// LoadDocument 从完整快照（Encode 的结果）恢复
func LoadDocument(raw []byte) (*Document, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: load document: %v", note.ErrProtocol, err)
	}
	return &Document{doc: doc}, nil
}

// Fields 把文档展平成要落库的两个字段
func (d *Document) Fields() (note.Content, error) {
	title, err := d.doc.Path(FieldTitle).Text().Get()
	if err != nil {
		return note.Content{}, fmt.Errorf("read title: %w", err)
	}
	content, err := d.doc.Path(FieldContent).Text().Get()
	if err != nil {
		return note.Content{}, fmt.Errorf("read content: %w", err)
	}
	return note.Content{Title: title, Content: content}, nil
}

// StateVector 返回当前 heads 的编码（sync step1 的载荷）
func (d *Document) StateVector() []byte {
	heads := d.doc.Heads()
	out := make([]byte, 0, len(heads)*headSize)
	for _, h := range heads {
		out = append(out, h[:]...)
	}
	return out
}

func decodeStateVector(sv []byte) ([]automerge.ChangeHash, error) {
	if len(sv)%headSize != 0 {
		return nil, fmt.Errorf("%w: state vector length %d", note.ErrProtocol, len(sv))
	}
	heads := make([]automerge.ChangeHash, 0, len(sv)/headSize)
	for i := 0; i < len(sv); i += headSize {
		var h automerge.ChangeHash
		copy(h[:], sv[i:i+headSize])
		heads = append(heads, h)
	}
	return heads, nil
}

// DiffSince 返回对方（持有 sv 所描述的状态）缺少的部分（sync step2 的载荷）。
// 对方持有我们不认识的 head 时退化为完整快照，LoadIncremental 会去重。
func (d *Document) DiffSince(sv []byte) ([]byte, error) {
	heads, err := decodeStateVector(sv)
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return d.doc.Save(), nil
	}
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return d.doc.Save(), nil
	}
	return automerge.SaveChanges(changes), nil
}

// ApplyUpdate 合并 step2 / update 载荷，返回文档状态是否发生了变化
func (d *Document) ApplyUpdate(update []byte) (bool, error) {
	before := d.StateVector()
	if err := d.doc.LoadIncremental(update); err != nil {
		return false, fmt.Errorf("%w: apply update: %v", note.ErrProtocol, err)
	}
	return !bytes.Equal(before, d.StateVector()), nil
}

// Encode 完整快照（step2 全量）
func (d *Document) Encode() []byte {
	return d.doc.Save()
}

// Replace 把文本整体替换成 c（REST 写入落到活跃房间时使用）。
// 用前缀/后缀差量改写，保留两端未变文本的 CRDT 身份，
// 返回可以直接作为 UPDATE 载荷广播的增量；无变化时返回 nil。
func (d *Document) Replace(c note.Content) ([]byte, error) {
	cur, err := d.Fields()
	if err != nil {
		return nil, err
	}
	before := d.doc.Heads()

	changed := false
	for _, f := range []struct {
		name     string
		from, to string
	}{
		{FieldTitle, cur.Title, c.Title},
		{FieldContent, cur.Content, c.Content},
	} {
		ops := delta.Diff(f.from, f.to)
		if ops.IsNoop() {
			continue
		}
		if err := applyDelta(d.doc.Path(f.name).Text(), ops); err != nil {
			return nil, fmt.Errorf("splice %s: %w", f.name, err)
		}
		changed = true
	}
	if !changed {
		return nil, nil
	}
	if _, err := d.doc.Commit("replace"); err != nil {
		return nil, fmt.Errorf("commit replace: %w", err)
	}

	changes, err := d.doc.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("collect changes: %w", err)
	}
	return automerge.SaveChanges(changes), nil
}

// applyDelta 按 retain/insert/delete 游走文本（位置按 rune 计）
func applyDelta(t *automerge.Text, ops delta.Delta) error {
	pos := 0
	for _, op := range ops {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			if err := t.Insert(pos, op.Text); err != nil {
				return err
			}
			pos += len([]rune(op.Text))
		case delta.KindDelete:
			if err := t.Delete(pos, op.Count); err != nil {
				return err
			}
		}
	}
	return nil
}
