package syncd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapbak/snapbak/internal/syncd/plan"
	"github.com/snapbak/snapbak/internal/syncd/task"
)

var errUploaderDown = errors.New("uploader down")

// fakeUploader records every remote call in order and can be told to fail
// specific calls a fixed number of times.
type fakeUploader struct {
	mu        sync.Mutex
	ops       []string
	partData  map[string]string
	handles   map[string]string
	completed map[string]map[int][]byte
	fail      map[string]int
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		partData:  make(map[string]string),
		handles:   make(map[string]string),
		completed: make(map[string]map[int][]byte),
		fail:      make(map[string]int),
	}
}

func (f *fakeUploader) failNext(op string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = times
}

// shouldFail consumes one forced failure for op. Callers hold f.mu.
func (f *fakeUploader) shouldFail(op string) bool {
	if f.fail[op] > 0 {
		f.fail[op]--
		return true
	}
	return false
}

func (f *fakeUploader) opCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (f *fakeUploader) allOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeUploader) CreateMultipart(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := "create " + key
	f.ops = append(f.ops, op)
	if f.shouldFail(op) {
		return nil, errUploaderDown
	}
	return []byte("upload:" + key), nil
}

func (f *fakeUploader) UploadPart(_ context.Context, key string, uploadHandle []byte, partNumber int, r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	op := fmt.Sprintf("put %s#%d", key, partNumber)
	f.ops = append(f.ops, op)
	if f.shouldFail(op) {
		return nil, errUploaderDown
	}
	f.partData[fmt.Sprintf("%s#%d", key, partNumber)] = string(data)
	f.handles[op] = string(uploadHandle)
	return []byte(fmt.Sprintf("h%d", partNumber)), nil
}

func (f *fakeUploader) CompleteMultipart(_ context.Context, key string, uploadHandle []byte, partHandles map[int][]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := "complete " + key
	f.ops = append(f.ops, op)
	if f.shouldFail(op) {
		return "", errUploaderDown
	}
	f.handles[op] = string(uploadHandle)
	parts := make(map[int][]byte, len(partHandles))
	for n, h := range partHandles {
		parts[n] = h
	}
	f.completed[key] = parts
	return "etag-" + key, nil
}

func (f *fakeUploader) AbortMultipart(_ context.Context, key string, uploadHandle []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := "abort " + key
	f.ops = append(f.ops, op)
	f.handles[op] = string(uploadHandle)
	return nil
}

func (f *fakeUploader) DeleteObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := "delete " + key
	f.ops = append(f.ops, op)
	if f.shouldFail(op) {
		return errUploaderDown
	}
	return nil
}

func (f *fakeUploader) CopyObject(_ context.Context, srcKey, dstKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := fmt.Sprintf("copy %s %s", srcKey, dstKey)
	f.ops = append(f.ops, op)
	if f.shouldFail(op) {
		return errUploaderDown
	}
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	metas  []task.MetaFeedback
	blocks []task.BlockFeedback
}

func (s *recordingSink) UpdateMetaStats(fb task.MetaFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas = append(s.metas, fb)
	return nil
}

func (s *recordingSink) UpdateBlockStats(fb task.BlockFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, fb)
	return nil
}

// drivePlan pumps the plan's phases through the executor until it can make
// no further progress.
func drivePlan(t *testing.T, e *Executor, p *plan.Plan) {
	t.Helper()
	ctx := context.Background()
	for !p.IsFinished() && !p.Terminated() {
		batch := p.HandlePhase()
		if batch.Empty() {
			continue
		}
		e.RunBatch(ctx, p, batch)
	}
}

func TestExecutor_RunMeta_AppliesInReportOrder(t *testing.T) {
	fake := newFakeUploader()
	sink := &recordingSink{}
	e := NewExecutor(fake, sink, 4)

	rename := task.NewMetadata("m1", "y.txt", "backups/m/y.txt", task.OpRenameFile)
	rename.Target = "backups/m/z.txt"
	metas := []*task.Metadata{
		task.NewMetadata("m1", "x.txt", "backups/m/x.txt", task.OpDeleteFile),
		rename,
		task.NewMetadata("m1", "d", "backups/m/d", task.OpCreateDirectory),
	}

	require.NoError(t, e.RunMeta(context.Background(), metas))

	assert.Equal(t, []string{
		"delete backups/m/x.txt",
		"copy backups/m/y.txt backups/m/z.txt",
		"delete backups/m/y.txt",
	}, fake.ops, "directory tasks make no remote calls")

	require.Len(t, sink.metas, 3)
	for _, fb := range sink.metas {
		assert.Equal(t, task.Succeeded, fb.Outcome)
		assert.Equal(t, "m1", fb.MountName)
	}
	assert.Equal(t, task.OpDeleteFile, sink.metas[0].Op)
	assert.Equal(t, task.OpRenameFile, sink.metas[1].Op)
	assert.Equal(t, task.OpCreateDirectory, sink.metas[2].Op)
}

func TestExecutor_RunMeta_ContinuesPastFailures(t *testing.T) {
	fake := newFakeUploader()
	fake.failNext("delete backups/m/x.txt", 1)
	sink := &recordingSink{}
	e := NewExecutor(fake, sink, 4)

	metas := []*task.Metadata{
		task.NewMetadata("m1", "x.txt", "backups/m/x.txt", task.OpDeleteFile),
		task.NewMetadata("m1", "d", "backups/m/d", task.OpCreateDirectory),
	}

	err := e.RunMeta(context.Background(), metas)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x.txt")

	require.Len(t, sink.metas, 2, "later tasks still run after a failure")
	assert.Equal(t, task.Failed, sink.metas[0].Outcome)
	assert.Equal(t, task.Succeeded, sink.metas[1].Outcome)
}

func TestExecutor_UploadLifecycle_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "hello world!")

	fake := newFakeUploader()
	sink := &recordingSink{}
	e := NewExecutor(fake, sink, 4)

	const key = "backups/m/f.txt"
	file := plan.CreateFile{
		Mount:     "m1",
		Path:      dir + "/f.txt",
		RemoteKey: key,
		Size:      12,
		Parts:     chunkParts(12, 5),
	}
	p := plan.New([]plan.CreateFile{file})
	drivePlan(t, e, p)

	require.True(t, p.IsFinished())

	assert.Equal(t, "hello", fake.partData[key+"#1"])
	assert.Equal(t, " worl", fake.partData[key+"#2"])
	assert.Equal(t, "d!", fake.partData[key+"#3"])

	for _, op := range []string{"put " + key + "#1", "put " + key + "#2", "put " + key + "#3", "complete " + key} {
		assert.Equal(t, "upload:"+key, fake.handles[op], "every later call carries the handle from init")
	}
	assert.Equal(t, map[int][]byte{
		1: []byte("h1"),
		2: []byte("h2"),
		3: []byte("h3"),
	}, fake.completed[key], "complete presents the collected part handles")

	require.Len(t, sink.metas, 2)
	assert.Equal(t, task.OpCreateFile, sink.metas[0].Op)
	assert.Equal(t, task.OpCompleteFile, sink.metas[1].Op)
	assert.Equal(t, []byte("etag-"+key), sink.metas[1].Result.Payload)

	require.Len(t, sink.blocks, 3)
	var bytes int64
	for _, fb := range sink.blocks {
		assert.Equal(t, task.Succeeded, fb.Outcome)
		bytes += fb.Result.Bytes
	}
	assert.EqualValues(t, 12, bytes)
}

func TestExecutor_RetriedPart_Recovers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "0123456789")

	const key = "backups/m/f.txt"
	fake := newFakeUploader()
	fake.failNext("put "+key+"#2", 1)
	sink := &recordingSink{}
	e := NewExecutor(fake, sink, 4)

	file := plan.CreateFile{
		Mount:     "m1",
		Path:      dir + "/f.txt",
		RemoteKey: key,
		Size:      10,
		Parts:     chunkParts(10, 5),
	}
	p := plan.New([]plan.CreateFile{file})
	drivePlan(t, e, p)

	require.True(t, p.IsFinished())
	assert.Equal(t, 2, fake.opCount("put "+key+"#2"), "failed part is retried")
	assert.Equal(t, 1, fake.opCount("put "+key+"#1"))

	var failed int
	for _, fb := range sink.blocks {
		if fb.Outcome == task.Failed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestExecutor_TerminalFailure_AbortsUpload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "0123456789")

	const key = "backups/m/f.txt"
	fake := newFakeUploader()
	fake.failNext("put "+key+"#1", 2)
	sink := &recordingSink{}
	e := NewExecutor(fake, sink, 4)

	file := plan.CreateFile{
		Mount:     "m1",
		Path:      dir + "/f.txt",
		RemoteKey: key,
		Size:      10,
		Parts:     chunkParts(10, 5),
	}
	p := plan.New([]plan.CreateFile{file}, plan.WithMaxAttempts(2))
	drivePlan(t, e, p)

	require.True(t, p.Terminated())
	require.False(t, p.IsFinished())
	assert.Empty(t, fake.completed, "a dead unit never completes")

	e.AbortUploads(context.Background(), p)
	assert.Equal(t, 1, fake.opCount("abort "+key))
	assert.Equal(t, "upload:"+key, fake.handles["abort "+key])
}

func TestExecutor_MissingLocalFile_KillsUnit(t *testing.T) {
	fake := newFakeUploader()
	sink := &recordingSink{}
	e := NewExecutor(fake, sink, 4)

	file := plan.CreateFile{
		Mount:     "m1",
		Path:      "/does/not/exist",
		RemoteKey: "backups/m/ghost.txt",
		Size:      4,
		Parts:     chunkParts(4, 5),
	}
	p := plan.New([]plan.CreateFile{file}, plan.WithMaxAttempts(1))
	drivePlan(t, e, p)

	require.True(t, p.Terminated())
	require.False(t, p.IsFinished())
	require.Len(t, sink.blocks, 1)
	assert.Equal(t, task.Failed, sink.blocks[0].Outcome)
}
