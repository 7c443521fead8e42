package protocol

import (
	"errors"
	"testing"

	"vibenotes/backend/internal/note"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SyncSteps(t *testing.T) {
	for _, step := range []SyncStep{SyncStep1, SyncStep2, SyncUpdate} {
		raw := EncodeSync(step, []byte("payload"))
		f, err := Decode(raw)
		require.NoError(t, err, step.String())

		assert.Equal(t, MessageSync, f.Type)
		assert.Equal(t, step, f.Step)
		assert.Equal(t, []byte("payload"), f.Payload)
		assert.Equal(t, raw, f.Raw)
		assert.Equal(t, step != SyncStep1, f.StateChanging(), step.String())
	}
}

func TestDecode_Awareness(t *testing.T) {
	raw := EncodeAwareness([]byte(`{"cursorOffset":3}`))
	f, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, MessageAwareness, f.Type)
	assert.Equal(t, `{"cursorOffset":3}`, string(f.Payload))
	assert.False(t, f.StateChanging())
}

func TestDecode_EmptyPayload(t *testing.T) {
	f, err := Decode(EncodeSync(SyncStep1, nil))
	require.NoError(t, err)
	assert.Empty(t, f.Payload)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":        {},
		"unknown type": {7, 0},
		"no step":      {0},
		"bad step":     {0, 9, 0},
		"no length":    {1},
		"short":        {0, 2, 5, 'a'},
		"trailing":     {1, 1, 'a', 'b'},
	}
	for name, raw := range cases {
		_, err := Decode(raw)
		assert.True(t, errors.Is(err, note.ErrProtocol), name)
	}
}
