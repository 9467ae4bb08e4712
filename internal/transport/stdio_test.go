package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-dev/masc/internal/dispatch"
	"github.com/masc-dev/masc/internal/events"
	"github.com/masc-dev/masc/internal/features"
	"github.com/masc-dev/masc/internal/lock"
	"github.com/masc-dev/masc/internal/mcpserver"
	"github.com/masc-dev/masc/internal/planning"
	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/session"
	"github.com/masc-dev/masc/internal/storage"
	"github.com/masc-dev/masc/internal/task/service"
)

func newTestHandler(t *testing.T) *mcpserver.Handler {
	t.Helper()
	dir := t.TempDir()
	backend, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	store := room.NewStore(backend, dir, nil)
	registry := session.NewRegistry(session.DefaultRateLimits())
	notifier := events.NewNotifier(store, registry, nil, nil, "", nil)
	tasks := service.New(store, notifier, nil)
	featureSet, err := features.Resolve("standard", dir)
	require.NoError(t, err)

	d := dispatch.New(store, tasks, registry, lock.NewManager(backend),
		planning.NewStore(store), notifier, featureSet, nil,
		dispatch.Config{ZombieThreshold: time.Hour, GCDays: 7}, nil)
	return mcpserver.NewHandler(d, nil)
}

func frame(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

// runStdio feeds input through the transport until EOF and returns the
// decoded response frames.
func runStdio(t *testing.T, input string) []map[string]any {
	t.Helper()
	var out bytes.Buffer
	s := NewStdioWith(newTestHandler(t), strings.NewReader(input), &out, nil)

	err := s.Run(context.Background())
	require.NoError(t, err, "EOF is a clean exit")
	return parseFrames(t, &out)
}

func parseFrames(t *testing.T, r io.Reader) []map[string]any {
	t.Helper()
	br := bufio.NewReader(r)
	var frames []map[string]any
	for {
		contentLength := -1
		for {
			line, err := br.ReadString('\n')
			if err == io.EOF {
				return frames
			}
			require.NoError(t, err)
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if name, value, ok := strings.Cut(line, ":"); ok &&
				strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				n, err := strconv.Atoi(strings.TrimSpace(value))
				require.NoError(t, err)
				contentLength = n
			}
		}
		require.GreaterOrEqual(t, contentLength, 0, "response frame must carry Content-Length")
		body := make([]byte, contentLength)
		_, err := io.ReadFull(br, body)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(body, &decoded))
		frames = append(frames, decoded)
	}
}

func TestStdioPingRoundTrip(t *testing.T) {
	frames := runStdio(t, frame(`{"jsonrpc": "2.0", "id": 1, "method": "ping"}`))

	require.Len(t, frames, 1)
	assert.Equal(t, "2.0", frames[0]["jsonrpc"])
	assert.Equal(t, float64(1), frames[0]["id"])
	_, hasError := frames[0]["error"]
	assert.False(t, hasError)
}

func TestStdioNotificationsStaySilent(t *testing.T) {
	frames := runStdio(t,
		frame(`{"jsonrpc": "2.0", "method": "notifications/initialized"}`)+
			frame(`{"jsonrpc": "2.0", "id": 2, "method": "ping"}`))

	require.Len(t, frames, 1, "only the ping is answered")
	assert.Equal(t, float64(2), frames[0]["id"])
}

func TestStdioHeaderCaseInsensitive(t *testing.T) {
	body := `{"jsonrpc": "2.0", "id": 3, "method": "ping"}`
	input := fmt.Sprintf("content-length: %d\r\nX-Extra: ignored\r\n\r\n%s", len(body), body)

	frames := runStdio(t, input)
	require.Len(t, frames, 1)
	assert.Equal(t, float64(3), frames[0]["id"])
}

func TestStdioMissingContentLengthRecovers(t *testing.T) {
	// A header block without Content-Length yields a parse error frame and
	// the loop keeps serving.
	input := "X-Broken: yes\r\n\r\n" +
		frame(`{"jsonrpc": "2.0", "id": 4, "method": "ping"}`)

	frames := runStdio(t, input)
	require.Len(t, frames, 2)

	errObj, ok := frames[0]["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-32700), errObj["code"])
	assert.Nil(t, frames[0]["id"])

	assert.Equal(t, float64(4), frames[1]["id"])
}

func TestStdioMalformedJSONRecovers(t *testing.T) {
	frames := runStdio(t,
		frame(`{"jsonrpc": "2.0", "id":`)+
			frame(`{"jsonrpc": "2.0", "id": 5, "method": "ping"}`))

	require.Len(t, frames, 2)
	errObj, ok := frames[0]["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-32700), errObj["code"])
	assert.Equal(t, float64(5), frames[1]["id"])
}

func TestStdioContextCancellation(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	s := NewStdioWith(newTestHandler(t), pr, &out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return on cancellation")
	}
}
