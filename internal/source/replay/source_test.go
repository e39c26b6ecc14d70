package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harvestkit/harvester/internal/harvester"
)

func writeReplayFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConnectRejectsMissingFile(t *testing.T) {
	t.Parallel()

	src := New(Config{Path: filepath.Join(t.TempDir(), "nope.jsonl")})
	require.Error(t, src.Connect(context.Background()))
}

func TestConnectRejectsMalformedLine(t *testing.T) {
	t.Parallel()

	path := writeReplayFile(t, `{"declared_id":"a","content":"one"}
not json at all
`)
	src := New(Config{Path: path})
	err := src.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
}

func TestFetchBatchPagesThroughFile(t *testing.T) {
	t.Parallel()

	path := writeReplayFile(t, `{"declared_id":"a","content":"one"}
{"declared_id":"b","content":"two"}
{"content":"three"}
`)
	src := New(Config{Path: path, BatchSize: 2})
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))

	first, err := src.FetchBatch(ctx, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.True(t, first.HasMore)
	require.Equal(t, "2", first.NextCursor)
	require.Equal(t, "a", first.Items[0].DeclaredID)
	require.Equal(t, []byte("one"), first.Items[0].Content)

	second, err := src.FetchBatch(ctx, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	require.False(t, second.HasMore)
	require.Empty(t, second.Items[0].DeclaredID)

	_, err = src.FetchBatch(ctx, second.NextCursor)
	require.ErrorIs(t, err, harvester.ErrSourceExhausted)
}

func TestFetchBatchSkipsBlankLines(t *testing.T) {
	t.Parallel()

	path := writeReplayFile(t, `{"content":"one"}

{"content":"two"}
`)
	src := New(Config{Path: path})
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))

	batch, err := src.FetchBatch(ctx, "")
	require.NoError(t, err)
	require.Len(t, batch.Items, 2)
}

func TestFetchBatchRejectsBadCursor(t *testing.T) {
	t.Parallel()

	path := writeReplayFile(t, `{"content":"one"}
`)
	src := New(Config{Path: path})
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))

	_, err := src.FetchBatch(ctx, "not-a-number")
	require.Error(t, err)
}
