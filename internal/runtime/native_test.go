package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/ids"
)

func TestNativeBackend_StartAndFinish(t *testing.T) {
	b := NewNativeBackend(nil, time.Second)

	h, err := b.Start(t.Context(), StartRequest{
		Instance:     ids.InstanceKey{BlueprintID: 1, ServiceID: 2},
		ArtifactPath: "/bin/sh",
		Args:         []string{"-c", "exit 0"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	s, err := b.WaitStatusChange(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, blueprint.StateFinished, s)

	s, err = b.Status(t.Context(), h)
	require.NoError(t, err)
	assert.Equal(t, blueprint.StateFinished, s)
}

func TestNativeBackend_StartAndError(t *testing.T) {
	b := NewNativeBackend(nil, time.Second)

	h, err := b.Start(t.Context(), StartRequest{
		Instance:     ids.InstanceKey{BlueprintID: 1, ServiceID: 3},
		ArtifactPath: "/bin/sh",
		Args:         []string{"-c", "exit 7"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	s, err := b.WaitStatusChange(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, blueprint.StateError, s)
}

func TestNativeBackend_ShutdownIsIdempotent(t *testing.T) {
	b := NewNativeBackend(nil, 200*time.Millisecond)

	h, err := b.Start(t.Context(), StartRequest{
		Instance:     ids.InstanceKey{BlueprintID: 4, ServiceID: 5},
		ArtifactPath: "/bin/sh",
		Args:         []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)

	s, err := b.Status(t.Context(), h)
	require.NoError(t, err)
	assert.Equal(t, blueprint.StateRunning, s)

	require.NoError(t, b.Shutdown(t.Context(), h))
	require.NoError(t, b.Shutdown(t.Context(), h), "second Shutdown must be a no-op, not an error")
}

func TestNativeBackend_StatusUnknownHandle(t *testing.T) {
	b := NewNativeBackend(nil, time.Second)
	_, err := b.Status(t.Context(), &nativeHandle{id: "nope"})
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestNativeBackend_StartRejectsEmptyArtifactPath(t *testing.T) {
	b := NewNativeBackend(nil, time.Second)
	_, err := b.Start(t.Context(), StartRequest{Instance: ids.InstanceKey{BlueprintID: 1, ServiceID: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
}
