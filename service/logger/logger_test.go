package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hive "github.com/ehrlich-b/go-hive"
	"github.com/ehrlich-b/go-hive/internal/logging"
)

func newTestNode(t *testing.T) *hive.Node {
	t.Helper()
	bl := logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
	n, err := hive.NewNode(hive.Config{Workers: 2, Logger: bl, ServiceLogDir: t.TempDir()})
	require.NoError(t, err)
	n.Start()
	t.Cleanup(func() {
		n.Abort()
		n.Wait()
	})
	return n
}

func TestTextMessagesWrittenWithAddressPrefix(t *testing.T) {
	n := newTestNode(t)
	path := filepath.Join(t.TempDir(), "node.log")

	h, err := n.Launch("logger", path)
	require.NoError(t, err)

	require.NoError(t, n.Send(hive.Handle(0xabcd), h, hive.ProtoText, 0, []byte("service started")))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, 5*time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[:0000abcd] service started\n", string(data))
}

func TestSystemMessageReopensFile(t *testing.T) {
	n := newTestNode(t)
	path := filepath.Join(t.TempDir(), "node.log")

	h, err := n.Launch("logger", path)
	require.NoError(t, err)

	require.NoError(t, n.Send(1, h, hive.ProtoText, 0, []byte("before rotate")))
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(path)
		return bytes.Contains(data, []byte("before rotate"))
	}, 5*time.Second, 5*time.Millisecond)

	// simulate external rotation, then ask for a reopen
	rotated := path + ".1"
	require.NoError(t, os.Rename(path, rotated))
	require.NoError(t, n.Send(1, h, hive.ProtoSystem, 0, nil))
	require.NoError(t, n.Send(1, h, hive.ProtoText, 0, []byte("after rotate")))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && bytes.Contains(data, []byte("after rotate"))
	}, 5*time.Second, 5*time.Millisecond)

	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Contains(t, string(old), "before rotate")
	assert.NotContains(t, string(old), "after rotate")
}

func TestRuntimeLinesFlowToLoggerService(t *testing.T) {
	n := newTestNode(t)
	path := filepath.Join(t.TempDir(), "node.log")

	h, err := n.Launch("logger", path)
	require.NoError(t, err)
	n.SetLoggerService(h)

	var svcCtx *hive.Context
	_, err = n.LaunchWith(&hive.HandlerInstance{
		OnInit: func(ctx *hive.Context) error { svcCtx = ctx; return nil },
	}, "")
	require.NoError(t, err)

	// Context.Log routes the line through the runtime to the logger service
	svcCtx.Log("hello sink")
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(path)
		return bytes.Contains(data, []byte("hello sink"))
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDailySinkWritesStampedFile(t *testing.T) {
	n := newTestNode(t)
	path := filepath.Join(t.TempDir(), "node.log")

	h, err := n.Launch("logger", path+" daily")
	require.NoError(t, err)

	require.NoError(t, n.Send(1, h, hive.ProtoText, 0, []byte("stamped")))
	stamped := path + "." + time.Now().Format("20060102")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(stamped)
		return err == nil && bytes.Contains(data, []byte("stamped"))
	}, 5*time.Second, 5*time.Millisecond)
}

func TestUnknownRotationFailsInit(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Launch("logger", filepath.Join(t.TempDir(), "x.log")+" weekly")
	assert.Error(t, err)
}

func TestMissingDirectoryFailsInit(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Launch("logger", filepath.Join(t.TempDir(), "no", "such", "dir", "x.log"))
	assert.Error(t, err)
}
