package bridge

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_PingUnblocksWaitFirstPing(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "svc.sock")
	b, err := ListenUnix(sock, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	cli, err := DialUnix(sock)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Ping())

	require.NoError(t, b.WaitFirstPing(t.Context(), time.Second))
}

func TestBridge_WaitFirstPingTimesOutWithoutPing(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "svc.sock")
	b, err := ListenUnix(sock, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	err = b.WaitFirstPing(t.Context(), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPingTimeout))
}

func TestBridge_RequestPort(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "svc.sock")
	b, err := ListenUnix(sock, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	cli, err := DialUnix(sock)
	require.NoError(t, err)
	defer cli.Close()

	port, err := cli.RequestPort(0)
	require.NoError(t, err)
	assert.NotZero(t, port)
}

func TestBridge_CloseRemovesSocketFile(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "svc.sock")
	b, err := ListenUnix(sock, nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.NoFileExists(t, sock)
}
