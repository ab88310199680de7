package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radif/uploads/internal/logging"
	"github.com/radif/uploads/internal/staging"
	"github.com/radif/uploads/internal/storage"
)

type failingRemover struct {
	Remover
	fail string
}

func (r failingRemover) Remove(path string) error {
	_ = r.Remover.Remove(path)
	if path == r.fail {
		return fmt.Errorf("%w: remove %q: disk on fire", staging.ErrStaging, path)
	}
	return nil
}

func assertRemoved(t *testing.T, files []StagedFile) {
	t.Helper()
	for _, f := range files {
		_, err := os.Stat(f.LocalPath)
		assert.ErrorIs(t, err, os.ErrNotExist, "%s still on disk", f.LocalPath)
	}
}

func TestSaveFiles_AllSucceed(t *testing.T) {
	stage := newStagingStore(t)
	_, files := stageFiles(t, stage, "file1.txt", "one", "file2.txt", "two")
	remote := newFakeStore()
	ledger := &fakeLedger{}
	svc := NewService(remote, stage, ledger, 2, logging.Nop())

	res, err := svc.SaveFiles(context.Background(), files, "uploads/")
	require.NoError(t, err)

	assert.Equal(t, []Record{
		{Filename: "file1.txt", Key: "uploads/file1.txt", URL: "https://bucket.s3.eu-west-1.amazonaws.com/uploads/file1.txt"},
		{Filename: "file2.txt", Key: "uploads/file2.txt", URL: "https://bucket.s3.eu-west-1.amazonaws.com/uploads/file2.txt"},
	}, res.Uploaded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []byte("one"), remote.objects["uploads/file1.txt"])
	assert.Equal(t, res.Uploaded, ledger.saved)
	assertRemoved(t, files)
}

func TestSaveFiles_PartialFailure(t *testing.T) {
	stage := newStagingStore(t)
	_, files := stageFiles(t, stage, "a.txt", "a", "report.pdf", "%PDF", "b.txt", "b")
	remote := newFakeStore()
	remote.putErrs["uploads/report.pdf"] = errors.New("AccessDenied")
	ledger := &fakeLedger{}
	svc := NewService(remote, stage, ledger, 2, logging.Nop())

	res, err := svc.SaveFiles(context.Background(), files, "uploads/")
	require.NoError(t, err)

	require.Len(t, res.Uploaded, 2)
	assert.Equal(t, "a.txt", res.Uploaded[0].Filename)
	assert.Equal(t, "b.txt", res.Uploaded[1].Filename)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, "report.pdf", res.Failed[0].Filename)
	assert.Equal(t, "uploads/report.pdf", res.Failed[0].Key)
	assert.Contains(t, res.Failed[0].Error, "AccessDenied")

	assert.Len(t, ledger.saved, 2)
	assertRemoved(t, files)
}

func TestSaveFiles_NoFileIsDropped(t *testing.T) {
	stage := newStagingStore(t)
	var pairs []string
	for i := 0; i < 7; i++ {
		pairs = append(pairs, fmt.Sprintf("f%d.txt", i), "x")
	}
	_, files := stageFiles(t, stage, pairs...)
	remote := newFakeStore()
	remote.putErrs["p/f1.txt"] = errors.New("denied")
	remote.putErrs["p/f4.txt"] = errors.New("denied")
	svc := NewService(remote, stage, nil, 2, logging.Nop())

	res, err := svc.SaveFiles(context.Background(), files, "p/")
	require.NoError(t, err)

	assert.Equal(t, len(files), len(res.Uploaded)+len(res.Failed))
	assert.Len(t, res.Failed, 2)
	assertRemoved(t, files)
}

func TestSaveFiles_BoundedConcurrency(t *testing.T) {
	stage := newStagingStore(t)
	_, files := stageFiles(t, stage, "1", "a", "2", "b", "3", "c", "4", "d", "5", "e")
	remote := newFakeStore()
	remote.delay = 50 * time.Millisecond
	svc := NewService(remote, stage, nil, 2, logging.Nop())

	res, err := svc.SaveFiles(context.Background(), files, "")
	require.NoError(t, err)

	assert.Len(t, res.Uploaded, 5)
	assert.EqualValues(t, 2, remote.maxSeen.Load())
	assertRemoved(t, files)
}

func TestSaveFiles_ZeroLimitUsesDefault(t *testing.T) {
	svc := NewService(newFakeStore(), newStagingStore(t), nil, 0, logging.Nop())
	assert.Equal(t, DefaultConcurrency, svc.limit)
}

func TestSaveFiles_CancelledBeforeStart(t *testing.T) {
	stage := newStagingStore(t)
	_, files := stageFiles(t, stage, "a.txt", "a", "b.txt", "b")
	remote := newFakeStore()
	svc := NewService(remote, stage, nil, 2, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := svc.SaveFiles(ctx, files, "uploads/")
	require.NoError(t, err)

	assert.Empty(t, res.Uploaded)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, context.Canceled.Error(), res.Failed[0].Error)
	assert.Empty(t, remote.puts)
	assertRemoved(t, files)
}

func TestSaveFiles_CancelledMidBatch(t *testing.T) {
	stage := newStagingStore(t)
	_, files := stageFiles(t, stage, "a", "1", "b", "2", "c", "3", "d", "4")
	remote := newFakeStore()
	remote.started = make(chan string, len(files))
	remote.release = make(chan struct{})
	svc := NewService(remote, stage, nil, 2, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := svc.SaveFiles(ctx, files, "k/")
		done <- outcome{res, err}
	}()

	<-remote.started
	<-remote.started
	cancel()
	close(remote.release)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SaveFiles did not return after cancellation")
	}
	require.NoError(t, out.err)

	assert.Equal(t, []Record{
		{Filename: "a", Key: "k/a", URL: remote.PublicURL("k/a")},
		{Filename: "b", Key: "k/b", URL: remote.PublicURL("k/b")},
	}, out.res.Uploaded)
	require.Len(t, out.res.Failed, 2)
	assert.Equal(t, "c", out.res.Failed[0].Filename)
	assert.Equal(t, "d", out.res.Failed[1].Filename)

	for _, c := range remote.putCtxs {
		assert.NoError(t, c.Err(), "started uploads must not see the cancellation")
	}
	assertRemoved(t, files)
}

func TestSaveFiles_CleanupFailureIsReportedAfterFullCleanup(t *testing.T) {
	stage := newStagingStore(t)
	_, files := stageFiles(t, stage, "a.txt", "a", "b.txt", "b", "c.txt", "c")
	remote := newFakeStore()
	svc := NewService(remote, failingRemover{Remover: stage, fail: files[1].LocalPath}, nil, 2, logging.Nop())

	res, err := svc.SaveFiles(context.Background(), files, "uploads/")
	require.Error(t, err)
	assert.ErrorIs(t, err, staging.ErrStaging)

	require.NotNil(t, res)
	assert.Len(t, res.Uploaded, 3)
	assertRemoved(t, files)
}

func TestSaveFiles_LedgerFailureDoesNotFailUpload(t *testing.T) {
	stage := newStagingStore(t)
	_, files := stageFiles(t, stage, "a.txt", "a")
	svc := NewService(newFakeStore(), stage, &fakeLedger{err: errors.New("db down")}, 2, logging.Nop())

	res, err := svc.SaveFiles(context.Background(), files, "uploads/")
	require.NoError(t, err)
	assert.Len(t, res.Uploaded, 1)
}

func TestSaveFiles_Empty(t *testing.T) {
	svc := NewService(newFakeStore(), newStagingStore(t), nil, 2, logging.Nop())

	res, err := svc.SaveFiles(context.Background(), nil, "uploads/")
	require.NoError(t, err)
	assert.Empty(t, res.Uploaded)
	assert.Empty(t, res.Failed)
}

func TestDeleteObjects_Idempotent(t *testing.T) {
	remote := newFakeStore()
	remote.objects["uploads/a.txt"] = []byte("a")
	ledger := &fakeLedger{}
	svc := NewService(remote, newStagingStore(t), ledger, 2, logging.Nop())

	keys := []string{"uploads/a.txt", "uploads/never-existed.txt"}
	for i := 0; i < 2; i++ {
		results := svc.DeleteObjects(context.Background(), keys)
		assert.Equal(t, []DeleteResult{
			{Key: "uploads/a.txt", Deleted: true},
			{Key: "uploads/never-existed.txt", Deleted: true},
		}, results, "call %d", i+1)
	}
	assert.Empty(t, remote.objects)
	assert.Len(t, ledger.deleted, 4)
}

func TestDeleteObjects_ReportsFailures(t *testing.T) {
	remote := newFakeStore()
	remote.delErrs["uploads/b.txt"] = errors.New("timeout")
	ledger := &fakeLedger{}
	svc := NewService(remote, newStagingStore(t), ledger, 2, logging.Nop())

	results := svc.DeleteObjects(context.Background(), []string{"uploads/a.txt", "uploads/b.txt"})

	require.Len(t, results, 2)
	assert.True(t, results[0].Deleted)
	assert.False(t, results[1].Deleted)
	assert.Contains(t, results[1].Error, "timeout")
	assert.Equal(t, []string{"uploads/a.txt"}, ledger.deleted)
}

func TestFetchObject(t *testing.T) {
	remote := newFakeStore()
	remote.objects["uploads/a.txt"] = []byte("hello")
	svc := NewService(remote, newStagingStore(t), nil, 2, logging.Nop())

	obj, ok, err := svc.FetchObject(context.Background(), "missing-key")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, obj)

	obj, ok, err = svc.FetchObject(context.Background(), "uploads/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	defer obj.Body.Close()
	assert.Equal(t, int64(5), obj.Size)

	remote.getErr = &storage.Error{Op: "get", Key: "x", Kind: storage.ErrUnavailable, Err: errors.New("503")}
	_, ok, err = svc.FetchObject(context.Background(), "x")
	assert.False(t, ok)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
