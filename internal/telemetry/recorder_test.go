package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderRoundTrip(t *testing.T) {
	rec, err := NewRecorder(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	defer rec.Close()

	ctx := context.Background()
	require.NoError(t, rec.Record(ctx, "masc_status", "go-swift-otter", true, 12*time.Millisecond))
	require.NoError(t, rec.Record(ctx, "masc_status", "go-swift-otter", false, 8*time.Millisecond))
	require.NoError(t, rec.Record(ctx, "masc_join", "go-calm-heron", true, 3*time.Millisecond))

	summary, err := rec.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "masc_status", summary[0].Tool)
	assert.Equal(t, int64(2), summary[0].Calls)
	assert.Equal(t, int64(1), summary[0].Failures)

	recent, err := rec.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}
