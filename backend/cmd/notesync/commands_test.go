package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vibenotes/backend/internal/note"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), "notesync %v", args)
	return out.String()
}

func TestSplitTags(t *testing.T) {
	assert.Nil(t, splitTags(""))
	assert.Equal(t, []string{"a", "b"}, splitTags(" a, ,b "))
}

func TestOfflineEditThenSync(t *testing.T) {
	var (
		mu      sync.Mutex
		created note.Draft
		patched note.Patch
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/notes", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(note.Note{ID: "srv-1", Title: created.Title, Content: created.Content, Version: 1})
	})
	mux.HandleFunc("PATCH /v1/notes/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "srv-1", r.PathValue("id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
		_ = json.NewEncoder(w).Encode(note.Note{ID: "srv-1", Title: created.Title, Content: *patched.Content, Version: 2})
	})
	mux.HandleFunc("POST /v1/notes/sync", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(note.SyncResponse{Notes: []note.Note{}, DeletedIDs: []string{}, ServerTime: time.Now().UTC()})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	base := []string{"--data-dir", dir, "--server", srv.URL, "--token", "tkn"}
	with := func(args ...string) []string { return append(append([]string(nil), base...), args...) }

	localID := strings.TrimSpace(run(t, with("new", "-t", "hello")...))
	require.True(t, strings.HasPrefix(localID, "local-"))
	run(t, with("edit", localID, "-c", "offline body")...)

	status := run(t, with("status")...)
	assert.Contains(t, status, "last sync: never")
	assert.Contains(t, status, "pending: 2")

	out := run(t, with("sync")...)
	assert.Contains(t, out, "pushed=2 superseded=0 failed=0")

	mu.Lock()
	assert.Equal(t, localID, created.ClientRef)
	assert.Equal(t, "hello", created.Title)
	require.NotNil(t, patched.Content)
	assert.Equal(t, "offline body", *patched.Content)
	mu.Unlock()

	list := run(t, with("list")...)
	assert.Contains(t, list, "srv-1")
	assert.NotContains(t, list, localID)

	status = run(t, with("status")...)
	assert.Contains(t, status, "pending: 0")
	assert.NotContains(t, status, "never")
}
