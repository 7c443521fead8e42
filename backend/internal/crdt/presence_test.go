package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresence_ApplyMergesDelta(t *testing.T) {
	p := NewPresence()
	p.Set("c1", PresenceEntry{UserID: 7, DisplayName: "ann", Color: "#f00"})

	d, err := ParsePresenceDelta([]byte(`{"cursorOffset":4}`))
	require.NoError(t, err)
	e := p.Apply("c1", 7, d)

	assert.Equal(t, "ann", e.DisplayName)
	assert.Equal(t, "#f00", e.Color)
	require.NotNil(t, e.CursorOffset)
	assert.Equal(t, 4, *e.CursorOffset)
}

func TestPresence_RemoveIsIdempotent(t *testing.T) {
	p := NewPresence()
	p.Set("c1", PresenceEntry{UserID: 1})
	p.Set("c2", PresenceEntry{UserID: 2})

	assert.True(t, p.Remove("c1"))
	assert.False(t, p.Remove("c1"))

	_, ok := p.Get("c2")
	assert.True(t, ok)
	assert.Equal(t, 1, p.Len())
}

func TestPresence_UserIDsDistinct(t *testing.T) {
	p := NewPresence()
	p.Set("c1", PresenceEntry{UserID: 9})
	p.Set("c2", PresenceEntry{UserID: 3})
	p.Set("c3", PresenceEntry{UserID: 9})

	assert.Equal(t, []uint64{3, 9}, p.UserIDs())
}
