package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

type Delta []Op

// "ops":[{"retain":5},{"insert":"Hello"}]

// Diff 计算把 from 变成 to 的最小前缀/后缀差量：
// retain(公共前缀) + delete(中间旧段) + insert(中间新段)。
// 不追求全局最小编辑距离，REST 整段覆盖写进协作文档时够用。
func Diff(from, to string) Delta {
	a, b := []rune(from), []rune(to)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	var d Delta
	if prefix > 0 {
		d = append(d, Op{Kind: KindRetain, Count: prefix})
	}
	if del := len(a) - prefix - suffix; del > 0 {
		d = append(d, Op{Kind: KindDelete, Count: del})
	}
	if ins := b[prefix : len(b)-suffix]; len(ins) > 0 {
		d = append(d, Op{Kind: KindInsert, Text: string(ins)})
	}
	return d
}

// IsNoop 没有 insert/delete 的 delta 不改变文本
func (d Delta) IsNoop() bool {
	for _, op := range d {
		if op.Kind != KindRetain {
			return false
		}
	}
	return true
}

// Apply 在纯字符串上执行 delta，语义与协作文档上的执行一致（用于校验）
func (d Delta) Apply(s string) string {
	r := []rune(s)
	out := make([]rune, 0, len(r))
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			end := min(pos+op.Count, len(r))
			out = append(out, r[pos:end]...)
			pos = end
		case KindInsert:
			out = append(out, []rune(op.Text)...)
		case KindDelete:
			pos = min(pos+op.Count, len(r))
		}
	}
	return string(append(out, r[pos:]...))
}
