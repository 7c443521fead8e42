package note

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatch_ApplyOnlySetFields(t *testing.T) {
	n := Note{ID: "n1", Title: "old", Content: "body", Tags: []string{"a"}, Version: 3}
	title := "new"
	Patch{Title: &title}.Apply(&n)

	assert.Equal(t, "new", n.Title)
	assert.Equal(t, "body", n.Content)
	assert.Equal(t, []string{"a"}, n.Tags)
	assert.Equal(t, int64(3), n.Version)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(fmt.Errorf("load: %w", ErrNotFound)))
	assert.False(t, IsTransient(ErrAccessDenied))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("connection reset by peer")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestAction_Valid(t *testing.T) {
	assert.True(t, ActionCreate.Valid())
	assert.True(t, ActionDelete.Valid())
	assert.False(t, Action("PATCH").Valid())
}
