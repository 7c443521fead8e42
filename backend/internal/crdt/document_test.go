package crdt

import (
	"errors"
	"testing"

	"vibenotes/backend/internal/note"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocument_Fields(t *testing.T) {
	doc, err := NewDocument(note.Content{Title: "T", Content: "body"})
	require.NoError(t, err)

	got, err := doc.Fields()
	require.NoError(t, err)
	assert.Equal(t, note.Content{Title: "T", Content: "body"}, got)
}

func TestReplace_ProducesRelayableUpdate(t *testing.T) {
	server, err := NewDocument(note.Content{Title: "", Content: ""})
	require.NoError(t, err)

	// 客户端从服务端全量快照起步
	client, err := LoadDocument(server.Encode())
	require.NoError(t, err)

	update, err := client.Replace(note.Content{Title: "", Content: "Hello"})
	require.NoError(t, err)
	require.NotEmpty(t, update)

	changed, err := server.ApplyUpdate(update)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := server.Fields()
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Content)

	// 重复应用不改变状态
	changed, err = server.ApplyUpdate(update)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReplace_NoopReturnsNil(t *testing.T) {
	doc, err := NewDocument(note.Content{Title: "a", Content: "b"})
	require.NoError(t, err)

	update, err := doc.Replace(note.Content{Title: "a", Content: "b"})
	require.NoError(t, err)
	assert.Nil(t, update)
}

func TestDiffSince_BringsPeerUpToDate(t *testing.T) {
	server, err := NewDocument(note.Content{Title: "t", Content: "abc"})
	require.NoError(t, err)
	peer, err := LoadDocument(server.Encode())
	require.NoError(t, err)

	_, err = server.Replace(note.Content{Title: "t", Content: "abcdef"})
	require.NoError(t, err)

	diff, err := server.DiffSince(peer.StateVector())
	require.NoError(t, err)
	_, err = peer.ApplyUpdate(diff)
	require.NoError(t, err)

	got, err := peer.Fields()
	require.NoError(t, err)
	assert.Equal(t, "abcdef", got.Content)
	assert.Equal(t, server.StateVector(), peer.StateVector())
}

func TestConcurrentEdits_Converge(t *testing.T) {
	base, err := NewDocument(note.Content{Title: "", Content: "Hello world"})
	require.NoError(t, err)
	a, err := LoadDocument(base.Encode())
	require.NoError(t, err)
	b, err := LoadDocument(base.Encode())
	require.NoError(t, err)

	ua, err := a.Replace(note.Content{Content: "Hello big world"})
	require.NoError(t, err)
	ub, err := b.Replace(note.Content{Content: "Hello world!"})
	require.NoError(t, err)

	_, err = a.ApplyUpdate(ub)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(ua)
	require.NoError(t, err)

	fa, err := a.Fields()
	require.NoError(t, err)
	fb, err := b.Fields()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Equal(t, "Hello big world!", fa.Content)
}

func TestDecodeStateVector_RejectsBadLength(t *testing.T) {
	doc, err := NewDocument(note.Content{})
	require.NoError(t, err)

	_, err = doc.DiffSince([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, note.ErrProtocol))
}

func TestApplyUpdate_Garbage(t *testing.T) {
	doc, err := NewDocument(note.Content{})
	require.NoError(t, err)

	_, err = doc.ApplyUpdate([]byte("definitely not automerge"))
	assert.True(t, errors.Is(err, note.ErrProtocol))
}
