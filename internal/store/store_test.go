package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func openTestStore(t *testing.T, maxRetries int) (StateStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "state", "dotcall.db"), Options{MaxRetries: maxRetries, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, _ := openTestStore(t, 3)
	ctx := context.Background()

	state, err := s.LoadUploadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Successful)
	assert.Empty(t, state.Retriable)
	assert.Empty(t, state.Exhausted)

	extracted, err := s.IsExtracted(ctx, "/data/a.tar")
	require.NoError(t, err)
	assert.False(t, extracted)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open("", Options{})
	assert.Error(t, err)

	// A directory where the database file should be cannot be opened
	dir := t.TempDir()
	_, err = Open(dir, Options{})
	assert.Error(t, err)
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dotcall.db")
	ctx := context.Background()

	s, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.RecordExtracted(ctx, "/data/a.tar", time.Now()))
	require.NoError(t, s.RecordUploadOutcome(ctx, "/x/a.wav", StatusSuccess, ""))
	require.NoError(t, s.Close())

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()

	extracted, err := s.IsExtracted(ctx, "/data/a.tar")
	require.NoError(t, err)
	assert.True(t, extracted)

	state, err := s.LoadUploadState(ctx)
	require.NoError(t, err)
	assert.True(t, state.IsSuccessful("/x/a.wav"))
}

func TestRecordExtractedIdempotent(t *testing.T) {
	s, _ := openTestStore(t, 3)
	ctx := context.Background()

	require.NoError(t, s.RecordExtracted(ctx, "/data/a.tar", time.Now()))
	require.NoError(t, s.RecordExtracted(ctx, "/data/a.tar", time.Now().Add(time.Hour)))

	extracted, err := s.IsExtracted(ctx, "/data/a.tar")
	require.NoError(t, err)
	assert.True(t, extracted)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Archives)
}

func TestSuccessLaw(t *testing.T) {
	priors := map[string][]UploadStatus{
		"no prior record": nil,
		"prior success":   {StatusSuccess},
		"prior failures":  {StatusFailed, StatusFailed},
		"exhausted":       {StatusFailed, StatusFailed, StatusFailed, StatusFailed},
	}

	for name, prior := range priors {
		t.Run(name, func(t *testing.T) {
			s, _ := openTestStore(t, 3)
			ctx := context.Background()
			path := "/x/" + name + ".wav"

			for _, status := range prior {
				require.NoError(t, s.RecordUploadOutcome(ctx, path, status, "boom"))
			}
			require.NoError(t, s.RecordUploadOutcome(ctx, path, StatusSuccess, ""))

			state, err := s.LoadUploadState(ctx)
			require.NoError(t, err)
			assert.True(t, state.IsSuccessful(path))
			assert.NotContains(t, state.Retriable, path)
			assert.False(t, state.IsExhausted(path))

			record, ok, err := s.GetUpload(ctx, path)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 0, record.RetryCount)
			assert.Empty(t, record.ErrorMessage)
		})
	}
}

func TestSuccessOverSuccessIsNoop(t *testing.T) {
	s, clock := openTestStore(t, 3)
	ctx := context.Background()

	require.NoError(t, s.RecordUploadOutcome(ctx, "/x/a.wav", StatusSuccess, ""))
	first, _, err := s.GetUpload(ctx, "/x/a.wav")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, s.RecordUploadOutcome(ctx, "/x/a.wav", StatusSuccess, ""))
	second, _, err := s.GetUpload(ctx, "/x/a.wav")
	require.NoError(t, err)

	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt), "timestamp must not change")
	assert.Equal(t, 0, second.RetryCount)
}

func TestRetryCountMonotonicity(t *testing.T) {
	const maxRetries = 3
	s, _ := openTestStore(t, maxRetries)
	ctx := context.Background()
	path := "/x/a.wav"

	for n := 1; n <= maxRetries; n++ {
		require.NoError(t, s.RecordUploadOutcome(ctx, path, StatusFailed, "connection reset"))

		record, ok, err := s.GetUpload(ctx, path)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, n, record.RetryCount)
		assert.Equal(t, StatusFailed, record.Status)
		assert.Equal(t, "connection reset", record.ErrorMessage)

		state, err := s.LoadUploadState(ctx)
		require.NoError(t, err)
		if n < maxRetries {
			assert.Contains(t, state.Retriable, path)
			assert.False(t, state.IsExhausted(path))
		} else {
			assert.NotContains(t, state.Retriable, path)
			assert.True(t, state.IsExhausted(path))
		}
	}

	// Exhausted records stay until cleanup removes them
	record, ok, err := s.GetUpload(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, maxRetries, record.RetryCount)
}

func TestResetLaw(t *testing.T) {
	s, _ := openTestStore(t, 5)
	ctx := context.Background()
	path := "/x/a.wav"

	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordUploadOutcome(ctx, path, StatusFailed, "boom"))
	}
	require.NoError(t, s.RecordUploadOutcome(ctx, path, StatusSuccess, ""))
	require.NoError(t, s.RecordUploadOutcome(ctx, path, StatusFailed, "again"))

	record, _, err := s.GetUpload(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, record.RetryCount)
	assert.Equal(t, StatusFailed, record.Status)
}

func TestRecordPermanentFailure(t *testing.T) {
	s, _ := openTestStore(t, 3)
	ctx := context.Background()

	require.NoError(t, s.RecordPermanentFailure(ctx, "/x/bad.wav", "Invalid filename format"))

	state, err := s.LoadUploadState(ctx)
	require.NoError(t, err)
	assert.True(t, state.IsExhausted("/x/bad.wav"))
	assert.NotContains(t, state.Retriable, "/x/bad.wav")
}

func TestRecordInvalidStatus(t *testing.T) {
	s, _ := openTestStore(t, 3)
	err := s.RecordUploadOutcome(context.Background(), "/x/a.wav", UploadStatus("PENDING"), "")
	assert.Error(t, err)
}

func TestCleanupStale(t *testing.T) {
	s, _ := openTestStore(t, 3)
	ctx := context.Background()
	dir := t.TempDir()

	present := filepath.Join(dir, "present.wav")
	require.NoError(t, os.WriteFile(present, []byte("RIFF"), 0644))
	missingFailed := filepath.Join(dir, "missing-failed.wav")
	missingSuccess := filepath.Join(dir, "missing-success.wav")
	missingExhausted := filepath.Join(dir, "missing-exhausted.wav")

	require.NoError(t, s.RecordUploadOutcome(ctx, present, StatusFailed, "boom"))
	require.NoError(t, s.RecordUploadOutcome(ctx, missingFailed, StatusFailed, "boom"))
	require.NoError(t, s.RecordUploadOutcome(ctx, missingSuccess, StatusSuccess, ""))
	require.NoError(t, s.RecordPermanentFailure(ctx, missingExhausted, "format"))

	removed, err := s.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, err := s.GetUpload(ctx, present)
	require.NoError(t, err)
	assert.True(t, ok, "FAILED record with file on disk must stay")

	_, ok, err = s.GetUpload(ctx, missingSuccess)
	require.NoError(t, err)
	assert.True(t, ok, "SUCCESS record must never be removed")

	for _, path := range []string{missingFailed, missingExhausted} {
		_, ok, err = s.GetUpload(ctx, path)
		require.NoError(t, err)
		assert.False(t, ok, "stale FAILED record %s must be removed", path)
	}
}

func TestListUploadsAndStats(t *testing.T) {
	s, _ := openTestStore(t, 2)
	ctx := context.Background()

	require.NoError(t, s.RecordExtracted(ctx, "/data/a.tar", time.Now()))
	require.NoError(t, s.RecordUploadOutcome(ctx, "/x/b.wav", StatusSuccess, ""))
	require.NoError(t, s.RecordUploadOutcome(ctx, "/x/a.wav", StatusFailed, "one"))
	require.NoError(t, s.RecordUploadOutcome(ctx, "/x/c.wav", StatusFailed, "one"))
	require.NoError(t, s.RecordUploadOutcome(ctx, "/x/c.wav", StatusFailed, "two"))

	failed, err := s.ListUploads(ctx, StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "/x/a.wav", failed[0].Path)
	assert.Equal(t, "/x/c.wav", failed[1].Path)
	assert.Equal(t, "two", failed[1].ErrorMessage)

	all, err := s.ListUploads(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Archives: 1, Succeeded: 1, Failed: 2, Exhausted: 1}, stats)
}

func TestResetRetries(t *testing.T) {
	s, _ := openTestStore(t, 1)
	ctx := context.Background()

	require.NoError(t, s.RecordUploadOutcome(ctx, "/x/a.wav", StatusFailed, "boom"))
	state, err := s.LoadUploadState(ctx)
	require.NoError(t, err)
	require.True(t, state.IsExhausted("/x/a.wav"))

	require.NoError(t, s.ResetRetries(ctx, "/x/a.wav"))
	state, err = s.LoadUploadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/x/a.wav"}, state.Retriable)

	assert.Error(t, s.ResetRetries(ctx, "/x/unknown.wav"))
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "dotcall.db"), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.IsExtracted(context.Background(), "/data/a.tar")
	assert.ErrorIs(t, err, ErrStoreClosed)
	err = s.RecordUploadOutcome(context.Background(), "/x/a.wav", StatusSuccess, "")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestDefaultMaxRetries(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "dotcall.db"), Options{})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, DefaultMaxRetries, s.MaxRetries())
}
