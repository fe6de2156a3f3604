package spawner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

func TestSpawnRunsToCompletion(t *testing.T) {
	s := New("ws://localhost:8080/ws", 0, testLogger(t))
	require.NoError(t, s.Spawn(context.Background(), BotSpec{Command: "echo", Args: []string{"hello"}, Count: 2}))

	require.NoError(t, s.Wait())
	assert.Zero(t, s.ActiveCount())
}

func TestSpawnSetsEnvironment(t *testing.T) {
	dir := t.TempDir()
	script := `printf '%s|%s|%s' "$CPRBARG_SERVER" "$CPRBARG_NAME" "$CPRBARG_SEED" > "$OUT_DIR/$CPRBARG_NAME"`

	s := New("ws://example:9000/ws", 42, testLogger(t))
	require.NoError(t, s.Spawn(context.Background(), BotSpec{
		Command: "sh",
		Args:    []string{"-c", script},
		Count:   2,
		Env:     map[string]string{"OUT_DIR": dir},
	}))
	require.NoError(t, s.Wait())

	seeds := map[string]bool{}
	for _, name := range []string{"external-1", "external-2"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		parts := strings.Split(string(data), "|")
		require.Len(t, parts, 3)
		assert.Equal(t, "ws://example:9000/ws", parts[0])
		assert.Equal(t, name, parts[1])
		assert.NotEmpty(t, parts[2])
		seeds[parts[2]] = true
	}
	assert.Len(t, seeds, 2, "each process gets its own seed")
}

func TestStopAllInterruptsProcesses(t *testing.T) {
	s := New("ws://localhost:8080/ws", 0, testLogger(t))
	require.NoError(t, s.Spawn(context.Background(), BotSpec{Command: "sleep", Args: []string{"30"}, Count: 2}))
	assert.Equal(t, 2, s.ActiveCount())

	start := time.Now()
	s.StopAll()
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Zero(t, s.ActiveCount())
	assert.Error(t, s.Wait())
}

func TestCancelStopsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewProcess("sleep", []string{"30"}, nil, testLogger(t))
	require.NoError(t, p.Start(ctx))
	assert.Error(t, p.Start(ctx))
	assert.True(t, p.IsAlive())

	cancel()
	assert.Error(t, p.Wait())
	assert.False(t, p.IsAlive())
}

func TestSpawnErrors(t *testing.T) {
	s := New("ws://localhost:8080/ws", 0, testLogger(t))
	assert.Error(t, s.Spawn(context.Background(), BotSpec{}))
	assert.Error(t, s.Spawn(context.Background(), BotSpec{Command: "/definitely/not/a/binary"}))
	assert.NoError(t, NewProcess("true", nil, nil, testLogger(t)).Stop())
}
