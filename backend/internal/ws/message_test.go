package ws

import (
	"errors"
	"strings"
	"testing"

	"vibenotes/backend/internal/note"
	"vibenotes/backend/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand_Valid(t *testing.T) {
	cmd, err := ParseCommand(protocol.ClientMessage{Type: protocol.TypeJoin, NoteID: "n1", RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, JoinCommand{NoteID: "n1", RequestID: "r1"}, cmd)

	frame := protocol.EncodeSync(protocol.SyncStep1, nil)
	cmd, err = ParseCommand(protocol.ClientMessage{Type: protocol.TypeSync, NoteID: "n1", Frame: frame})
	require.NoError(t, err)
	assert.Equal(t, frame, cmd.(SyncCommand).Frame)

	cmd, err = ParseCommand(protocol.ClientMessage{Type: protocol.TypeAwareness, NoteID: "n1", Frame: protocol.EncodeAwareness([]byte(`{}`))})
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageAwareness, cmd.(AwarenessCommand).Frame.Type)

	cmd, err = ParseCommand(protocol.ClientMessage{Type: protocol.TypeCursor, NoteID: "n1", Cursor: &protocol.Cursor{Field: "content", Offset: 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, cmd.(CursorCommand).Cursor.Offset)
}

func TestParseCommand_Rejects(t *testing.T) {
	cases := map[string]protocol.ClientMessage{
		"no note":          {Type: protocol.TypeJoin},
		"long note":        {Type: protocol.TypeJoin, NoteID: strings.Repeat("x", maxNoteIDLen+1)},
		"unknown type":     {Type: "edit", NoteID: "n1"},
		"sync no frame":    {Type: protocol.TypeSync, NoteID: "n1"},
		"awareness sync":   {Type: protocol.TypeAwareness, NoteID: "n1", Frame: protocol.EncodeSync(protocol.SyncStep1, nil)},
		"awareness broken": {Type: protocol.TypeAwareness, NoteID: "n1", Frame: []byte{1, 9}},
		"cursor missing":   {Type: protocol.TypeCursor, NoteID: "n1"},
		"cursor negative":  {Type: protocol.TypeCursor, NoteID: "n1", Cursor: &protocol.Cursor{Offset: -1}},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCommand(m)
			assert.True(t, errors.Is(err, note.ErrProtocol), "got %v", err)
		})
	}
}
