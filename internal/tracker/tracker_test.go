package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/blueprint-manager/internal/ids"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RegisterAndGet(t *testing.T) {
	s := newTestStore(t)

	rec := Record{
		ID:             "dep-1",
		BlueprintID:    ids.BlueprintID(1),
		ServiceID:      ids.ServiceID(2),
		DeploymentType: TypeLocalDocker,
		DeployedAt:     time.Now(),
		Status:         StatusActive,
		ResourceIDs:    map[string]string{"container_id": "abc"},
		Metadata:       map[string]string{},
	}
	require.NoError(t, s.Register(rec))

	got, ok := s.Get(ids.InstanceKey{BlueprintID: 1, ServiceID: 2})
	require.True(t, ok)
	assert.Equal(t, "dep-1", got.ID)
	assert.FileExists(t, filepath.Join(s.dir, "dep-1.json"))
	assert.FileExists(t, filepath.Join(s.dir, "index.json"))
}

func TestStore_ExpiresAtComputedFromTTL(t *testing.T) {
	s := newTestStore(t)
	ttl := int64(60)
	deployedAt := time.Now()
	rec := Record{
		ID: "dep-ttl", DeploymentType: TypeBareMetal, Status: StatusActive,
		DeployedAt: deployedAt, TTLSeconds: &ttl,
		ResourceIDs: map[string]string{}, Metadata: map[string]string{},
	}
	require.NoError(t, s.Register(rec))

	got, ok := s.Get(ids.InstanceKey{})
	require.True(t, ok)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, deployedAt.Add(60*time.Second), *got.ExpiresAt, time.Second)
}

func TestStore_QuarantinesMalformedRecordOnReload(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore2(t, dir)
	require.NoError(t, s.Register(Record{ID: "dep-good", DeploymentType: TypeBareMetal, Status: StatusActive, ResourceIDs: map[string]string{}, Metadata: map[string]string{}}))
	require.NoError(t, s.Close())

	// Corrupt a second record file directly and make the index reference it.
	badPath := filepath.Join(dir, "deployments", "dep-bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0o644))
	indexPath := filepath.Join(dir, "deployments", "index.json")
	require.NoError(t, os.WriteFile(indexPath, []byte(`[{"id":"dep-good"},{"id":"dep-bad"}]`), 0o644))

	s2, err := Open(dir, nil)
	require.NoError(t, err)
	defer s2.Close()

	_, ok := s2.GetByID("dep-good")
	assert.True(t, ok)
	_, ok = s2.GetByID("dep-bad")
	assert.False(t, ok)
	assert.FileExists(t, filepath.Join(dir, "deployments", "quarantine", "dep-bad.json"))
}

func newTestStore2(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	return s
}

func TestReaper_CleansUpExpiredDockerRecord(t *testing.T) {
	s := newTestStore(t)
	ttl := int64(0)
	rec := Record{
		ID: "dep-docker", DeploymentType: TypeLocalDocker, Status: StatusActive,
		DeployedAt: time.Now().Add(-time.Minute), TTLSeconds: &ttl,
		ResourceIDs: map[string]string{"container_id": "c1"}, Metadata: map[string]string{},
	}
	require.NoError(t, s.Register(rec))

	var cleaned []string
	handlers := HandlerTable{
		TypeLocalDocker: func(ctx context.Context, r Record) error {
			cleaned = append(cleaned, r.ResourceIDs["container_id"])
			return nil
		},
	}
	reaper := NewReaper(s, handlers, nil, time.Hour)

	removed, err := reaper.ReapExpired(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"dep-docker"}, removed)
	assert.Equal(t, []string{"c1"}, cleaned)

	_, ok := s.GetByID("dep-docker")
	assert.False(t, ok)
}

func TestReaper_RetriesFailingHandlerThenMarksFailed(t *testing.T) {
	s := newTestStore(t)
	ttl := int64(0)
	rec := Record{
		ID: "dep-flaky", DeploymentType: TypeLocalDocker, Status: StatusActive,
		DeployedAt: time.Now().Add(-time.Minute), TTLSeconds: &ttl,
		ResourceIDs: map[string]string{"container_id": "c1"}, Metadata: map[string]string{},
	}
	require.NoError(t, s.Register(rec))

	handlers := HandlerTable{
		TypeLocalDocker: func(ctx context.Context, r Record) error {
			return errors.New("docker daemon unreachable")
		},
	}
	reaper := NewReaper(s, handlers, nil, time.Hour)

	for i := 0; i < maxRetries; i++ {
		err := reaper.Cleanup(t.Context(), "dep-flaky")
		require.Error(t, err)
	}

	got, ok := s.GetByID("dep-flaky")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestReaper_UnknownDeploymentTypeMarksUnknown(t *testing.T) {
	s := newTestStore(t)
	rec := Record{
		ID: "dep-weird", DeploymentType: DeploymentType("made_up"), Status: StatusActive,
		DeployedAt: time.Now(), ResourceIDs: map[string]string{}, Metadata: map[string]string{},
	}
	require.NoError(t, s.Register(rec))

	reaper := NewReaper(s, HandlerTable{}, nil, time.Hour)
	require.NoError(t, reaper.Cleanup(t.Context(), "dep-weird"))

	got, ok := s.GetByID("dep-weird")
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, got.Status)
}
