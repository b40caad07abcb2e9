package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUpsertAndUpdate(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	rec := &Record{JobID: "job-1", Kind: KindDownload, Status: StatusRunning}
	require.NoError(t, store.Upsert(ctx, rec))
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, rec.CreatedAt.Add(time.Hour), rec.ExpiresAt)

	require.NoError(t, store.Update(ctx, "job-1", func(r *Record) {
		r.Images = append(r.Images, "/tmp/001.png")
	}))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/001.png"}, got.Images)

	// 取得した記録を変更しても保存内容には影響しない
	got.Images[0] = "changed"
	again, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/001.png", again.Images[0])

	assert.ErrorIs(t, store.Update(ctx, "missing", func(*Record) {}), ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	rec := &Record{JobID: "old", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, store.Upsert(ctx, rec))
	require.NoError(t, store.AppendLog(ctx, "old", "line"))

	_, err := store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	lines, err := store.Logs(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestMemoryStoreTrimsLogs(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	store.maxLines = 3
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.AppendLog(ctx, "job", fmt.Sprintf("line %d", i)))
	}
	lines, err := store.Logs(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, lines)
}

func TestPDFHandler(t *testing.T) {
	var got string
	handler := pdfHandler(func(ctx context.Context, jobID string) error {
		got = jobID
		return nil
	})

	require.NoError(t, handler(context.Background(), asynq.NewTask(TaskTypePDF, []byte(`{"jobId":"job-9"}`))))
	assert.Equal(t, "job-9", got)

	err := handler(context.Background(), asynq.NewTask(TaskTypePDF, []byte(`not json`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = handler(context.Background(), asynq.NewTask(TaskTypePDF, []byte(`{}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
