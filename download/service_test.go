package download_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkatanacio/hyperdl/download"
)

func testOptions(parts, chunk int) download.Options {
	return download.Options{
		NumParts:         parts,
		ChunkSize:        chunk,
		ProgressInterval: 10 * time.Millisecond,
		TeardownTimeout:  5 * time.Second,
		Retry: download.RetryOptions{
			Attempts:       2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}
}

// snapshotRecorder is a progress sink that keeps every snapshot it receives.
type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots []download.Snapshot
}

func (r *snapshotRecorder) Progress(s download.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots = append(r.snapshots, s)
}

func (r *snapshotRecorder) all() []download.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]download.Snapshot(nil), r.snapshots...)
}

func Test_Service_Download_Success(t *testing.T) {
	testCases := map[string]struct {
		size     int
		sessions int
		parts    int
		chunk    int
	}{
		"single session, single part": {size: 100_000, sessions: 1, parts: 1, chunk: 4096},
		"single session, many parts":  {size: 100_000, sessions: 1, parts: 4, chunk: 4096},
		"more parts than sessions":     {size: 1_000_003, sessions: 3, parts: 8, chunk: 65536},
		"fewer parts than sessions":    {size: 65_537, sessions: 4, parts: 2, chunk: 1000},
		"fewer bytes than parts":       {size: 3, sessions: 2, parts: 8, chunk: 16},
		"chunk larger than part":       {size: 10_000, sessions: 2, parts: 4, chunk: 1 << 20},
		"empty object":                 {size: 0, sessions: 2, parts: 4, chunk: 16},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			data := randomBytes(tc.size)
			pool := poolOf(memSessions(data, tc.sessions))
			svc := download.NewService(pool, testOptions(tc.parts, tc.chunk))
			dest := filepath.Join(t.TempDir(), "out.bin")
			obj := download.ObjectRef{ID: "1", Name: "out.bin", Size: int64(tc.size)}

			res, err := svc.Download(context.Background(), obj, dest, nil)
			require.NoError(t, err)

			assert.Equal(t, download.StatusCompleted, res.Status)
			assert.NoError(t, res.Err)
			assert.Equal(t, dest, res.Path)
			assert.Empty(t, res.PartialPath)
			for _, p := range res.Parts {
				assert.Equal(t, download.PartDone, p.Status)
				assert.Equal(t, p.Range.Len(), p.Transferred)
			}

			got, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Len(t, got, tc.size)
			assert.True(t, bytes.Equal(data, got), "output differs from source")

			_, err = os.Stat(dest + ".download")
			assert.True(t, os.IsNotExist(err))
			assert.Equal(t, make([]int, tc.sessions), pool.Loads())
			assert.Empty(t, svc.Active())
		})
	}
}

func Test_Service_Download_PartFailsAfterOneMegabyte(t *testing.T) {
	const size = 10_000_000
	data := randomBytes(size)
	sessions := memSessions(data, 4)
	sessions[3].brokenAt = 7_500_000 + 1_000_000

	pool := poolOf(sessions)
	svc := download.NewService(pool, testOptions(4, 65536))
	dest := filepath.Join(t.TempDir(), "out.bin")

	res, err := svc.Download(context.Background(), download.ObjectRef{ID: "1", Size: size}, dest, nil)
	require.NoError(t, err)

	assert.Equal(t, download.StatusError, res.Status)
	assert.ErrorIs(t, res.Err, errFlaky)
	assert.Empty(t, res.Path)
	assert.Equal(t, dest+".download", res.PartialPath)

	require.Len(t, res.Parts, 4)
	for i, want := range []int64{2_500_000, 2_500_000, 2_500_000, 2_500_000} {
		assert.Equal(t, want, res.Parts[i].Range.Len())
	}
	assert.Equal(t, download.PartFailed, res.Parts[3].Status)
	assert.Equal(t, int64(1_000_000), res.Parts[3].Transferred)
	assert.Equal(t, int32(3), sessions[3].opens.Load(), "one open plus two retries")

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "failed download must not be moved into place")
	assert.Equal(t, []int{0, 0, 0, 0}, pool.Loads())
}

func Test_Service_Download_PermanentErrorIsNotRetried(t *testing.T) {
	data := randomBytes(4096)
	sessions := memSessions(data, 2)
	sessions[1].openErr = download.Permanent(errors.New("forbidden"))

	pool := poolOf(sessions)
	svc := download.NewService(pool, testOptions(2, 512))

	res, err := svc.Download(context.Background(), download.ObjectRef{ID: "1", Size: 4096}, filepath.Join(t.TempDir(), "out"), nil)
	require.NoError(t, err)

	assert.Equal(t, download.StatusError, res.Status)
	assert.True(t, download.IsPermanent(res.Err))
	assert.Equal(t, int32(1), sessions[1].opens.Load())
	assert.Equal(t, []int{0, 0}, pool.Loads())
}

func Test_Service_Download_TransientErrorRecovers(t *testing.T) {
	const size = 200_000
	data := randomBytes(size)
	sessions := memSessions(data, 2)
	sessions[0].flakyOpens = 3

	svc := download.NewService(poolOf(sessions), testOptions(2, 4096))
	dest := filepath.Join(t.TempDir(), "out")
	rec := &snapshotRecorder{}

	d, err := svc.Start(context.Background(), download.ObjectRef{ID: "1", Size: size}, dest, rec)
	require.NoError(t, err)
	res := d.Wait()

	assert.Equal(t, download.StatusCompleted, res.Status)
	assert.Greater(t, sessions[0].opens.Load(), int32(1))
	assert.Equal(t, int64(size), d.Progress().Downloaded, "retried bytes must not be counted twice")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func Test_Service_Download_ZeroAttemptsDisablesRetries(t *testing.T) {
	const size = 50_000
	sessions := memSessions(randomBytes(size), 1)
	sessions[0].flakyOpens = 1

	opts := testOptions(1, 4096)
	opts.Retry.Attempts = 0
	svc := download.NewService(poolOf(sessions), opts)

	res, err := svc.Download(context.Background(), download.ObjectRef{ID: "1", Size: size}, filepath.Join(t.TempDir(), "out"), nil)
	require.NoError(t, err)

	assert.Equal(t, download.StatusError, res.Status)
	assert.ErrorIs(t, res.Err, errFlaky)
	assert.Equal(t, int32(1), sessions[0].opens.Load())
}

func Test_Service_Download_CancelWithTwoPartsDone(t *testing.T) {
	const size = 400_000
	data := randomBytes(size)
	sessions := memSessions(data, 4)
	sessions[2].gate = make(chan struct{})
	sessions[3].gate = make(chan struct{})

	pool := poolOf(sessions)
	svc := download.NewService(pool, testOptions(4, 8192))
	dest := filepath.Join(t.TempDir(), "out")

	d, err := svc.Start(context.Background(), download.ObjectRef{ID: "1", Size: size}, dest, nil)
	require.NoError(t, err)
	assert.Contains(t, svc.Active(), d.ID)
	found, ok := svc.Lookup(d.ID)
	require.True(t, ok)
	assert.Same(t, d, found)

	assert.Eventually(t, func() bool {
		return d.Progress().Downloaded == size/2
	}, 5*time.Second, time.Millisecond)

	assert.True(t, svc.Cancel(d.ID))
	res := d.Wait()

	assert.Equal(t, download.StatusCancelled, res.Status)
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Path)
	assert.Equal(t, []download.PartStatus{
		download.PartDone, download.PartDone, download.PartCancelled, download.PartCancelled,
	}, partStatuses(res.Parts))

	got, err := os.ReadFile(res.PartialPath)
	require.NoError(t, err)
	require.Len(t, got, size)
	assert.True(t, bytes.Equal(data[:size/2], got[:size/2]), "done parts must be at their offsets")
	assert.True(t, bytes.Equal(make([]byte, size/2), got[size/2:]), "unfinished parts must stay zero-filled")

	assert.Equal(t, []int{0, 0, 0, 0}, pool.Loads())
	assert.NotContains(t, svc.Active(), d.ID)
	_, ok = svc.Lookup(d.ID)
	assert.False(t, ok)
}

func Test_Service_Download_CancelAfterCompletionIsNoop(t *testing.T) {
	data := randomBytes(50_000)
	svc := download.NewService(poolOf(memSessions(data, 2)), testOptions(3, 1024))
	dest := filepath.Join(t.TempDir(), "out")

	d, err := svc.Start(context.Background(), download.ObjectRef{ID: "1", Size: 50_000}, dest, nil)
	require.NoError(t, err)
	res := d.Wait()
	require.Equal(t, download.StatusCompleted, res.Status)

	assert.False(t, svc.Cancel(d.ID))
	d.Cancel()
	d.Cancel()

	assert.Equal(t, download.StatusCompleted, d.Wait().Status)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func Test_Service_Download_ParentContextCancelled(t *testing.T) {
	data := randomBytes(10_000)
	sessions := memSessions(data, 2)
	for _, s := range sessions {
		s.gate = make(chan struct{})
	}
	svc := download.NewService(poolOf(sessions), testOptions(2, 1024))

	ctx, cancel := context.WithCancel(context.Background())
	d, err := svc.Start(ctx, download.ObjectRef{ID: "1", Size: 10_000}, filepath.Join(t.TempDir(), "out"), nil)
	require.NoError(t, err)

	cancel()
	res := d.Wait()

	assert.Equal(t, download.StatusCancelled, res.Status)
	assert.NoError(t, res.Err)
}

func Test_Service_Download_ProgressSnapshots(t *testing.T) {
	const size = 300_000
	data := randomBytes(size)
	sessions := memSessions(data, 3)
	gate := make(chan struct{})
	for _, s := range sessions {
		s.gate = gate
	}

	svc := download.NewService(poolOf(sessions), testOptions(3, 4096))
	rec := &snapshotRecorder{}
	obj := download.ObjectRef{ID: "7", Name: "movie.mkv", Size: size}

	d, err := svc.Start(context.Background(), obj, filepath.Join(t.TempDir(), "out"), rec)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(rec.all()) > 0 }, 5*time.Second, time.Millisecond)
	close(gate)
	d.Wait()

	select {
	case <-d.ProgressDelivered():
	case <-time.After(5 * time.Second):
		t.Fatal("terminal snapshot was not delivered")
	}

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	first, last := snaps[0], snaps[len(snaps)-1]

	assert.Equal(t, download.StatusDownloading, first.Status)
	assert.Equal(t, "movie.mkv", first.Label)
	assert.Equal(t, d.ID, first.ID)
	assert.Equal(t, int64(size), first.Total)

	assert.Equal(t, download.StatusCompleted, last.Status)
	assert.Equal(t, int64(size), last.Downloaded)
	assert.InDelta(t, 100.0, last.Percentage, 0.001)
	assert.Equal(t, time.Duration(0), last.ETA)

	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].Downloaded, snaps[i-1].Downloaded)
	}
}

func Test_Service_Download_BlockedSinkDoesNotStall(t *testing.T) {
	data := randomBytes(100_000)
	svc := download.NewService(poolOf(memSessions(data, 2)), testOptions(4, 1024))

	release := make(chan struct{})
	defer close(release)
	sink := download.ProgressFunc(func(download.Snapshot) { <-release })

	done := make(chan download.Result, 1)
	go func() {
		res, err := svc.Download(context.Background(), download.ObjectRef{ID: "1", Size: 100_000}, filepath.Join(t.TempDir(), "out"), sink)
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case res := <-done:
		assert.Equal(t, download.StatusCompleted, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("download blocked on progress sink")
	}
}

func Test_Service_Download_ConcurrentDownloadsSharePool(t *testing.T) {
	pool := poolOf(memSessions(randomBytes(80_000), 3))
	svc := download.NewService(pool, testOptions(4, 2048))
	dir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Download(context.Background(), download.ObjectRef{ID: "1", Size: 80_000}, filepath.Join(dir, string(rune('a'+i))), nil)
			assert.NoError(t, err)
			assert.Equal(t, download.StatusCompleted, res.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{0, 0, 0}, pool.Loads())
}

func Test_Service_Download_Failed(t *testing.T) {
	testCases := map[string]struct {
		pool *download.SessionPool
		opts download.Options
		obj  download.ObjectRef
		dest string
	}{
		"empty pool": {
			pool: download.NewSessionPool(),
			opts: testOptions(4, 1024),
			obj:  download.ObjectRef{ID: "1", Size: 100},
			dest: "out",
		},
		"negative parts": {
			pool: poolOf(memSessions(nil, 1)),
			opts: testOptions(-1, 1024),
			obj:  download.ObjectRef{ID: "1", Size: 100},
			dest: "out",
		},
		"negative chunk size": {
			pool: poolOf(memSessions(nil, 1)),
			opts: testOptions(2, -1),
			obj:  download.ObjectRef{ID: "1", Size: 100},
			dest: "out",
		},
		"negative size": {
			pool: poolOf(memSessions(nil, 1)),
			opts: testOptions(2, 1024),
			obj:  download.ObjectRef{ID: "1", Size: -5},
			dest: "out",
		},
		"missing object id": {
			pool: poolOf(memSessions(nil, 1)),
			opts: testOptions(2, 1024),
			obj:  download.ObjectRef{Size: 100},
			dest: "out",
		},
		"missing destination": {
			pool: poolOf(memSessions(nil, 1)),
			opts: testOptions(2, 1024),
			obj:  download.ObjectRef{ID: "1", Size: 100},
		},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			svc := download.NewService(tc.pool, tc.opts)
			dest := tc.dest
			if dest != "" {
				dest = filepath.Join(t.TempDir(), dest)
			}

			_, err := svc.Start(context.Background(), tc.obj, dest, nil)

			var cfgErr *download.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "got %v", err)
			if dest != "" {
				_, statErr := os.Stat(dest + ".download")
				assert.True(t, os.IsNotExist(statErr), "no file is created for an invalid download")
			}
		})
	}
}

func Test_Service_Download_DestinationIsDirectory(t *testing.T) {
	svc := download.NewService(poolOf(memSessions(randomBytes(100), 1)), testOptions(2, 16))
	dir := t.TempDir()

	_, err := svc.Start(context.Background(), download.ObjectRef{ID: ".", Size: 100}, dir, nil)

	var cfgErr *download.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "got %v", err)
	_, statErr := os.Stat(dir + ".download")
	assert.True(t, os.IsNotExist(statErr))
}

func Test_Service_Download_TeardownTimeoutReleasesSessions(t *testing.T) {
	const size = 20_000
	sessions := memSessions(randomBytes(size), 2)
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	for _, s := range sessions {
		s.stuck = stuck
	}

	pool := poolOf(sessions)
	opts := testOptions(2, 1024)
	opts.TeardownTimeout = 50 * time.Millisecond
	svc := download.NewService(pool, opts)
	dest := filepath.Join(t.TempDir(), "out")

	d, err := svc.Start(context.Background(), download.ObjectRef{ID: "1", Size: size}, dest, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return sessions[0].opens.Load() == 1 && sessions[1].opens.Load() == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int{1, 1}, pool.Loads())

	started := time.Now()
	d.Cancel()
	res := d.Wait()

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, download.StatusCancelled, res.Status)
	assert.Equal(t, []download.PartStatus{download.PartCancelled, download.PartCancelled}, partStatuses(res.Parts))
	assert.Equal(t, []int{0, 0}, pool.Loads(), "sessions of parts that ignore cancellation are released at teardown")
	assert.Empty(t, svc.Active())

	_, err = os.Stat(res.PartialPath)
	assert.NoError(t, err)
}

func Test_Service_Download_MemMapFs(t *testing.T) {
	const size = 300_000
	data := randomBytes(size)
	fs := afero.NewMemMapFs()
	pool := poolOf(memSessions(data, 3))
	svc := download.NewService(pool, testOptions(6, 4096), download.WithFs(fs))
	dest := "/dl/7_a.bin"

	res, err := svc.Download(context.Background(), download.ObjectRef{ID: "7", Name: "a.bin", Size: size}, dest, nil)
	require.NoError(t, err)
	require.Equal(t, download.StatusCompleted, res.Status)
	assert.Equal(t, dest, res.Path)

	got, err := afero.ReadFile(fs, dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "output differs from source")

	partial, err := afero.Exists(fs, dest+".download")
	require.NoError(t, err)
	assert.False(t, partial, "partial file is renamed on completion")

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "nothing is written to the OS file system")
	assert.Equal(t, []int{0, 0, 0}, pool.Loads())
}

func Test_Service_Download_MemMapFsCancelKeepsPartial(t *testing.T) {
	const size = 400_000
	data := randomBytes(size)
	sessions := memSessions(data, 4)
	sessions[2].gate = make(chan struct{})
	sessions[3].gate = make(chan struct{})

	fs := afero.NewMemMapFs()
	svc := download.NewService(poolOf(sessions), testOptions(4, 8192), download.WithFs(fs))
	dest := "/dl/out"

	d, err := svc.Start(context.Background(), download.ObjectRef{ID: "1", Size: size}, dest, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return d.Progress().Downloaded == size/2
	}, 5*time.Second, time.Millisecond)

	d.Cancel()
	res := d.Wait()

	assert.Equal(t, download.StatusCancelled, res.Status)
	assert.Equal(t, dest+".download", res.PartialPath)

	got, err := afero.ReadFile(fs, res.PartialPath)
	require.NoError(t, err)
	require.Len(t, got, size)
	assert.True(t, bytes.Equal(data[:size/2], got[:size/2]), "done parts must be at their offsets")

	final, err := afero.Exists(fs, dest)
	require.NoError(t, err)
	assert.False(t, final)
}

func partStatuses(parts []download.PartState) []download.PartStatus {
	statuses := make([]download.PartStatus, len(parts))
	for i, p := range parts {
		statuses[i] = p.Status
	}
	return statuses
}
