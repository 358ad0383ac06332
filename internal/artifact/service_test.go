package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/bus"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestServiceMirrorsAndAnnounces(t *testing.T) {
	root := t.TempDir()
	b := bus.NewMemoryEventBus(testLogger(t))
	defer b.Close()

	announced := make(chan *bus.Event, 4)
	_, err := b.Subscribe(events.TopicArtifactEvents, func(ctx context.Context, e *bus.Event) error {
		announced <- e
		return nil
	})
	require.NoError(t, err)

	svc := NewService(NewMemoryStore(), NewWorkspaceMirror(root), b, testLogger(t))

	a := &v1.Artifact{
		ProjectID: "p-1",
		AgentID:   "agent-1",
		Type:      v1.ArtifactTypeSpecDocument,
		Title:     "login spec",
		Content:   map[string]interface{}{"overview": "login"},
	}
	require.NoError(t, svc.Create(context.Background(), a))

	// Mirrored file lands under projects/{project}/artifacts.
	matches, err := filepath.Glob(filepath.Join(root, "projects", "p-1", "artifacts", "*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "login spec")

	select {
	case e := <-announced:
		assert.Equal(t, events.ArtifactCreated, e.Type)
		var payload v1.ArtifactEvent
		require.NoError(t, e.DecodeData(&payload))
		assert.Equal(t, a.ID, payload.ArtifactID)
		assert.Equal(t, 1, payload.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no artifact event announced")
	}

	_, err = svc.CreateVersion(context.Background(), a.ID, map[string]interface{}{"overview": "login v2"})
	require.NoError(t, err)

	select {
	case e := <-announced:
		assert.Equal(t, events.ArtifactVersioned, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no version event announced")
	}

	matches, err = filepath.Glob(filepath.Join(root, "projects", "p-1", "artifacts", "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestServiceMirrorFailureDoesNotAbortWrite(t *testing.T) {
	// Root is a regular file, so MkdirAll under it fails.
	badRoot := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(badRoot, []byte("x"), 0o644))

	svc := NewService(NewMemoryStore(), NewWorkspaceMirror(badRoot), nil, testLogger(t))

	a := &v1.Artifact{ProjectID: "p-1", Type: v1.ArtifactTypeTestPlan, Title: "plan"}
	require.NoError(t, svc.Create(context.Background(), a))

	got, err := svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan", got.Title)
}

func TestServiceStatusChangeAnnounced(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	defer b.Close()

	announced := make(chan *bus.Event, 2)
	_, err := b.Subscribe(events.TopicArtifactEvents, func(ctx context.Context, e *bus.Event) error {
		announced <- e
		return nil
	})
	require.NoError(t, err)

	svc := NewService(NewMemoryStore(), nil, b, testLogger(t))
	a := &v1.Artifact{ProjectID: "p-1", Type: v1.ArtifactTypeImplementation, Title: "summary"}
	require.NoError(t, svc.Create(context.Background(), a))
	<-announced

	_, err = svc.UpdateStatus(context.Background(), a.ID, v1.ArtifactStatusApproved, "lead", "ship it")
	require.NoError(t, err)

	select {
	case e := <-announced:
		assert.Equal(t, events.ArtifactStatusChanged, e.Type)
		var payload v1.ArtifactEvent
		require.NoError(t, e.DecodeData(&payload))
		assert.Equal(t, string(v1.ArtifactStatusApproved), payload.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no status event announced")
	}
}
