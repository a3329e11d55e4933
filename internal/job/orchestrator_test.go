package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/mediaops-api/internal/asset"
	"github.com/maauso/mediaops-api/internal/events"
	"github.com/maauso/mediaops-api/internal/media"
	"github.com/maauso/mediaops-api/internal/operation"
	"github.com/maauso/mediaops-api/internal/process"
	"github.com/maauso/mediaops-api/internal/storage"
)

// fakeRunner records invocations and, by default, writes every output the
// invocation names so the orchestrator sees a successful run.
type fakeRunner struct {
	mu          sync.Mutex
	invocations []process.Invocation
	handle      func(ctx context.Context, inv process.Invocation) (process.Result, error)
}

func (r *fakeRunner) Run(ctx context.Context, inv process.Invocation) (process.Result, error) {
	r.mu.Lock()
	r.invocations = append(r.invocations, inv)
	handle := r.handle
	r.mu.Unlock()
	if handle == nil {
		handle = produceOutputs
	}
	return handle(ctx, inv)
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invocations)
}

func (r *fakeRunner) calls() []process.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.Invocation(nil), r.invocations...)
}

// outputArg returns the last argument, which is the output path or pattern.
func outputArg(inv process.Invocation) string {
	return inv.Args[len(inv.Args)-1]
}

// jobIDOf extracts the job ID from an output path or pattern.
func jobIDOf(inv process.Invocation) string {
	base := filepath.Base(outputArg(inv))
	if i := strings.IndexAny(base, "._"); i > 0 {
		return base[:i]
	}
	return base
}

func writeOutputs(inv process.Invocation) {
	out := outputArg(inv)
	if !strings.Contains(out, "%03d") {
		_ = os.WriteFile(out, []byte("fake media output"), 0o600)
		return
	}
	n := 3
	for i, a := range inv.Args {
		if a == "-frames:v" && i+1 < len(inv.Args) {
			n, _ = strconv.Atoi(inv.Args[i+1])
		}
	}
	for i := 1; i <= n; i++ {
		_ = os.WriteFile(fmt.Sprintf(out, i), []byte("fake media output"), 0o600)
	}
}

func produceOutputs(_ context.Context, inv process.Invocation) (process.Result, error) {
	writeOutputs(inv)
	return process.Result{ExitCode: 0, Elapsed: time.Millisecond}, nil
}

type fakeProber struct {
	result *media.ProbeResult
	err    error
	calls  atomic.Int32
}

func (p *fakeProber) Probe(_ context.Context, _ string) (*media.ProbeResult, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	b, _ := json.Marshal(p.result)
	var cp media.ProbeResult
	_ = json.Unmarshal(b, &cp)
	return &cp, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type env struct {
	orch      *Orchestrator
	runner    *fakeRunner
	prober    *fakeProber
	library   *asset.Library
	store     storage.Storage
	local     *storage.LocalStorage
	repo      *MemoryRepository
	publisher *recordingPublisher
}

func hdVideo(duration float64) *media.ProbeResult {
	return &media.ProbeResult{
		DurationSeconds: duration,
		SizeBytes:       1024,
		FormatName:      "mov,mp4,m4a,3gp,3g2,mj2",
		Video:           &media.VideoStream{Codec: "h264", Width: 1920, Height: 1080, FPS: 30},
		Audio:           &media.AudioStream{Codec: "aac", Channels: 2, SampleRate: 48000},
	}
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return newEnvWithStore(t, local, local, opts...)
}

func newEnvWithStore(t *testing.T, local *storage.LocalStorage, store storage.Storage, opts ...Option) *env {
	t.Helper()
	e := &env{
		runner:    &fakeRunner{},
		prober:    &fakeProber{result: hdVideo(10)},
		store:     store,
		local:     local,
		repo:      NewMemoryRepository(),
		publisher: &recordingPublisher{},
	}
	e.library = asset.NewLibrary(asset.NewMemoryRepository(), store, e.prober)
	opts = append([]Option{WithPublisher(e.publisher)}, opts...)
	e.orch = NewOrchestrator(e.repo, e.library, store, e.runner, e.prober, media.NewBuilder("ffmpeg", nil), nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.orch.Close(ctx)
	})
	return e
}

// addAsset stores a source file and registers it, optionally with cached metadata.
func (e *env) addAsset(t *testing.T, ext string, ephemeral bool, meta *media.ProbeResult) *asset.Asset {
	t.Helper()
	path, size, err := e.store.Save(context.Background(), uuid.NewString()+ext, strings.NewReader("source media"))
	require.NoError(t, err)
	a := asset.New(path, "source"+ext, "video/mp4", size)
	a.Ephemeral = ephemeral
	a.ApplyProbe(meta)
	require.NoError(t, e.library.Register(context.Background(), a))
	return a
}

func (e *env) wait(t *testing.T, jobID string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := e.orch.Wait(ctx, jobID)
	require.NoError(t, err)
	return j
}

func (e *env) outputFiles(t *testing.T, dest storage.Destination) []string {
	t.Helper()
	entries, err := os.ReadDir(e.store.OutputDir(dest))
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names
}

func (e *env) assetExists(t *testing.T, id string) bool {
	t.Helper()
	_, err := e.library.Get(context.Background(), id)
	if errors.Is(err, asset.ErrAssetNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func submit(t *testing.T, e *env, op operation.Operation, inputs ...string) *Job {
	t.Helper()
	j, err := e.orch.Submit(context.Background(), SubmitRequest{Operation: op, Inputs: inputs})
	require.NoError(t, err)
	return j
}

func TestOrchestrator_Rotate(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 0))
	in := e.addAsset(t, ".mp4", false, nil)

	j := submit(t, e, operation.New(&operation.Rotate{Angle: 90}), in.ID)
	done := e.wait(t, j.ID)

	require.Equal(t, StateSucceeded, done.State, "error: %+v", done.Error)
	assert.Equal(t, 1, e.runner.count(), "rotate must spawn exactly one process")
	assert.Equal(t, int32(0), e.prober.calls.Load(), "rotate must not probe")
	assert.Contains(t, e.runner.calls()[0].Args, "transpose=1")

	require.Len(t, done.Outputs, 1)
	out := done.Outputs[0]
	assert.Equal(t, filepath.Join(e.store.OutputDir(storage.DestinationFinal), j.ID+".mp4"), out.Path)
	assert.FileExists(t, out.Path)

	produced, err := e.library.Get(context.Background(), out.AssetID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, produced.ProducedBy)
	assert.False(t, produced.Ephemeral)
	assert.True(t, e.assetExists(t, in.ID), "non-ephemeral input must be kept")
	assert.False(t, done.StartedAt.IsZero())
	assert.False(t, done.FinishedAt.Before(done.StartedAt))
}

func TestOrchestrator_InvalidInput_NoSpawn(t *testing.T) {
	e := newEnv(t)
	in := e.addAsset(t, ".mp4", true, nil)

	j, err := e.orch.Submit(context.Background(), SubmitRequest{
		Operation: operation.New(&operation.Rotate{Angle: 45}),
		Inputs:    []string{in.ID},
	})

	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, KindInvalidInput, jerr.Kind)
	require.NotNil(t, j)
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, 0, e.runner.count())
	assert.False(t, e.assetExists(t, in.ID), "ephemeral input must be removed on failure")

	stored, err := e.orch.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, KindInvalidInput, stored.Error.Kind)
}

func TestOrchestrator_WrongInputCount(t *testing.T) {
	e := newEnv(t)
	video := e.addAsset(t, ".mp4", false, nil)

	_, err := e.orch.Submit(context.Background(), SubmitRequest{
		Operation: operation.New(&operation.AddAudio{}),
		Inputs:    []string{video.ID},
	})
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.Equal(t, 0, e.runner.count())
}

func TestOrchestrator_InvalidDestination(t *testing.T) {
	e := newEnv(t)
	in := e.addAsset(t, ".mp4", false, nil)

	_, err := e.orch.Submit(context.Background(), SubmitRequest{
		Operation:   operation.New(&operation.RemoveAudio{}),
		Inputs:      []string{in.ID},
		Destination: "archive",
	})
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestOrchestrator_MissingInput(t *testing.T) {
	e := newEnv(t)
	ephemeral := e.addAsset(t, ".wav", true, nil)

	j, err := e.orch.Submit(context.Background(), SubmitRequest{
		Operation: operation.New(&operation.AddAudio{}),
		Inputs:    []string{"does-not-exist", ephemeral.ID},
	})

	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, 0, e.runner.count())
	assert.False(t, e.assetExists(t, ephemeral.ID), "resolved ephemeral inputs must still be cleaned up")
}

func TestOrchestrator_CropOutOfBounds(t *testing.T) {
	e := newEnv(t)
	in := e.addAsset(t, ".mp4", false, hdVideo(10))

	j, err := e.orch.Submit(context.Background(), SubmitRequest{
		Operation: operation.New(&operation.Crop{X: 0, Y: 0, Width: 4000, Height: 100}),
		Inputs:    []string{in.ID},
	})

	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, 0, e.runner.count(), "no process may be spawned for an out-of-bounds crop")
	assert.Equal(t, int32(0), e.prober.calls.Load(), "cached metadata must be used")
	assert.Empty(t, e.outputFiles(t, storage.DestinationFinal))
}

func TestOrchestrator_RejectedJobsLeaveQueue(t *testing.T) {
	e := newEnv(t, WithConcurrency(1))
	in := e.addAsset(t, ".mp4", false, hdVideo(10))

	for range 3 {
		j, err := e.orch.Submit(context.Background(), SubmitRequest{
			Operation: operation.New(&operation.Crop{Width: 4000, Height: 4000}),
			Inputs:    []string{in.ID},
		})
		assert.Equal(t, KindInvalidInput, KindOf(err))
		assert.Equal(t, StateFailed, j.State)
	}

	running, queued := e.orch.Stats()
	assert.Equal(t, 0, running)
	assert.Equal(t, 0, queued)
}

func TestOrchestrator_FailedSourceProbeLeavesQueue(t *testing.T) {
	e := newEnv(t)
	e.prober.err = fmt.Errorf("%w: invalid data", media.ErrMetadataUnavailable)
	in := e.addAsset(t, ".mp4", false, nil)

	j := submit(t, e, operation.New(&operation.Thumbnail{Count: 3}), in.ID)
	assert.Equal(t, StateFailed, e.wait(t, j.ID).State)

	_, queued := e.orch.Stats()
	assert.Equal(t, 0, queued)
}

// slowProber tracks how many probes run at once.
type slowProber struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (p *slowProber) Probe(_ context.Context, _ string) (*media.ProbeResult, error) {
	n := p.current.Add(1)
	defer p.current.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return hdVideo(10), nil
}

func TestOrchestrator_SourceProbesAreBounded(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 1), WithConcurrency(4))
	sp := &slowProber{}
	e.orch.prober = sp

	var ids []string
	for range 4 {
		in := e.addAsset(t, ".mp4", false, nil)
		ids = append(ids, submit(t, e, operation.New(&operation.Crop{Width: 640, Height: 360}), in.ID).ID)
	}
	for _, id := range ids {
		assert.Equal(t, StateSucceeded, e.wait(t, id).State)
	}
	assert.Equal(t, int32(1), sp.peak.Load())
}

func TestOrchestrator_CropProbesUncachedSource(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 0))
	in := e.addAsset(t, ".mp4", false, nil)

	j := submit(t, e, operation.New(&operation.Crop{X: 10, Y: 20, Width: 640, Height: 360}), in.ID)
	done := e.wait(t, j.ID)

	require.Equal(t, StateSucceeded, done.State, "error: %+v", done.Error)
	assert.Equal(t, int32(1), e.prober.calls.Load())
	assert.Contains(t, e.runner.calls()[0].Args, "crop=640:360:10:20")

	cached, err := e.library.Get(context.Background(), in.ID)
	require.NoError(t, err)
	require.NotNil(t, cached.Metadata, "probe result must be cached on the source")
	assert.Equal(t, 10.0, cached.DurationSeconds)
}

func TestOrchestrator_ProbeFailure(t *testing.T) {
	e := newEnv(t)
	e.prober.err = fmt.Errorf("%w: moov atom not found", media.ErrMetadataUnavailable)
	in := e.addAsset(t, ".mp4", false, nil)

	j := submit(t, e, operation.New(&operation.Thumbnail{Count: 3}), in.ID)
	done := e.wait(t, j.ID)

	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, KindMetadataUnavailable, done.Error.Kind)
	assert.Equal(t, 0, e.runner.count())
}

func TestOrchestrator_ThumbnailTimeGrid(t *testing.T) {
	e := newEnv(t)
	in := e.addAsset(t, ".mp4", false, hdVideo(10))

	j := submit(t, e, operation.New(&operation.Thumbnail{Count: 5}), in.ID)
	done := e.wait(t, j.ID)

	require.Equal(t, StateSucceeded, done.State, "error: %+v", done.Error)
	assert.Equal(t, []float64{0, 2, 4, 6, 8}, done.Timestamps)
	require.Len(t, done.Outputs, 5)
	for i, out := range done.Outputs {
		assert.Equal(t, fmt.Sprintf("%s_thumb_%03d.png", j.ID, i+1), filepath.Base(out.Path))
	}
	assert.Equal(t, int32(5), e.prober.calls.Load(), "each output is probed once")
}

func TestOrchestrator_ThumbnailUnknownDuration(t *testing.T) {
	e := newEnv(t)
	in := e.addAsset(t, ".mp4", false, &media.ProbeResult{SizeBytes: 10})

	_, err := e.orch.Submit(context.Background(), SubmitRequest{
		Operation: operation.New(&operation.Thumbnail{Count: 4}),
		Inputs:    []string{in.ID},
	})
	assert.Equal(t, KindMetadataUnavailable, KindOf(err))
	assert.Equal(t, 0, e.runner.count())
}

func TestOrchestrator_ThumbnailSurplusOutputsAreTrimmed(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 0))
	e.runner.handle = func(_ context.Context, inv process.Invocation) (process.Result, error) {
		out := outputArg(inv)
		for i := 1; i <= 4; i++ {
			_ = os.WriteFile(fmt.Sprintf(out, i), []byte("frame"), 0o600)
		}
		return process.Result{}, nil
	}
	in := e.addAsset(t, ".mp4", false, hdVideo(9))

	j := submit(t, e, operation.New(&operation.Thumbnail{Count: 2}), in.ID)
	done := e.wait(t, j.ID)

	require.Equal(t, StateSucceeded, done.State)
	assert.Len(t, done.Outputs, 2)
	assert.Equal(t, []float64{0, 4.5}, done.Timestamps)
	assert.Len(t, e.outputFiles(t, storage.DestinationFinal), 2)
}

func TestOrchestrator_Split(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 0))
	in := e.addAsset(t, ".mp4", false, nil)

	j := submit(t, e, operation.New(&operation.Split{ChunkDurationSeconds: 4}), in.ID)
	done := e.wait(t, j.ID)

	require.Equal(t, StateSucceeded, done.State)
	require.Len(t, done.Outputs, 3)
	assert.Equal(t, j.ID+"_part_001.mp4", filepath.Base(done.Outputs[0].Path))
	assert.Equal(t, j.ID+"_part_003.mp4", filepath.Base(done.Outputs[2].Path))
	assert.Empty(t, done.Timestamps)
}

func TestOrchestrator_TimeoutLeavesNoFiles(t *testing.T) {
	e := newEnv(t, WithTimeouts(time.Second, 2*time.Second))
	e.runner.handle = func(_ context.Context, inv process.Invocation) (process.Result, error) {
		_ = os.WriteFile(outputArg(inv), []byte("partial"), 0o600)
		return process.Result{ExitCode: -1}, fmt.Errorf("%w after %s", process.ErrTimeout, inv.Timeout)
	}
	in := e.addAsset(t, ".mp4", true, nil)

	j := submit(t, e, operation.New(&operation.Export{Format: "webm"}), in.ID)
	done := e.wait(t, j.ID)

	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, KindTimeout, done.Error.Kind)
	assert.Empty(t, done.Outputs)
	assert.Empty(t, e.outputFiles(t, storage.DestinationFinal), "partial output must be removed")
	assert.False(t, e.assetExists(t, in.ID))
	assert.Equal(t, 2*time.Second, e.runner.calls()[0].Timeout, "export uses the encode timeout")
}

func TestOrchestrator_ProcessFailureHidesDiagnostics(t *testing.T) {
	e := newEnv(t)
	e.runner.handle = func(_ context.Context, inv process.Invocation) (process.Result, error) {
		_ = os.WriteFile(outputArg(inv), []byte("partial"), 0o600)
		return process.Result{ExitCode: 1, Diagnostics: "/secret/path: Invalid data found"}, nil
	}
	in := e.addAsset(t, ".mp4", false, nil)

	j := submit(t, e, operation.New(&operation.RemoveAudio{}), in.ID)
	done := e.wait(t, j.ID)

	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, KindProcessing, done.Error.Kind)
	assert.NotContains(t, done.Error.Message, "secret")
	assert.Empty(t, e.outputFiles(t, storage.DestinationFinal))
}

func TestOrchestrator_EmptyOutputFails(t *testing.T) {
	e := newEnv(t)
	e.runner.handle = func(_ context.Context, inv process.Invocation) (process.Result, error) {
		_ = os.WriteFile(outputArg(inv), nil, 0o600)
		return process.Result{}, nil
	}
	in := e.addAsset(t, ".mp4", false, nil)

	done := e.wait(t, submit(t, e, operation.New(&operation.Rotate{Angle: 180}), in.ID).ID)

	assert.Equal(t, KindProcessing, done.Error.Kind)
	assert.Empty(t, e.outputFiles(t, storage.DestinationFinal))
}

func TestOrchestrator_TrimFallsBackToReencode(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 0))
	e.runner.handle = func(_ context.Context, inv process.Invocation) (process.Result, error) {
		if strings.Contains(strings.Join(inv.Args, " "), "-c copy") {
			_ = os.WriteFile(outputArg(inv), []byte("broken"), 0o600)
			return process.Result{ExitCode: 1}, nil
		}
		writeOutputs(inv)
		return process.Result{}, nil
	}
	in := e.addAsset(t, ".mov", false, nil)

	j := submit(t, e, operation.New(&operation.Trim{Start: 1, End: 3}), in.ID)
	done := e.wait(t, j.ID)

	require.Equal(t, StateSucceeded, done.State, "error: %+v", done.Error)
	calls := e.runner.calls()
	require.Len(t, calls, 2, "one copy attempt then one re-encode")
	assert.Contains(t, calls[1].Args, "libx264")
	assert.Equal(t, 10*time.Minute, calls[0].Timeout, "copy uses the copy timeout")
	assert.Equal(t, time.Hour, calls[1].Timeout, "re-encode uses the encode timeout")
	assert.Equal(t, j.ID+".mov", filepath.Base(done.Outputs[0].Path))
}

func TestOrchestrator_TrimFallbackDisabled(t *testing.T) {
	e := newEnv(t, WithTrimFallback(false))
	e.runner.handle = func(context.Context, process.Invocation) (process.Result, error) {
		return process.Result{ExitCode: 1}, nil
	}
	in := e.addAsset(t, ".mp4", false, nil)

	done := e.wait(t, submit(t, e, operation.New(&operation.Trim{Start: 0, End: 1}), in.ID).ID)

	assert.Equal(t, KindProcessing, done.Error.Kind)
	assert.Equal(t, 1, e.runner.count())
}

// blockingRunner holds every invocation until released.
type blockingRunner struct {
	started chan string
	release chan struct{}
	current atomic.Int32
	peak    atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 16), release: make(chan struct{})}
}

func (b *blockingRunner) handle(ctx context.Context, inv process.Invocation) (process.Result, error) {
	n := b.current.Add(1)
	defer b.current.Add(-1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	b.started <- jobIDOf(inv)
	select {
	case <-b.release:
	case <-ctx.Done():
		return process.Result{ExitCode: -1}, fmt.Errorf("%w: %v", process.ErrCancelled, ctx.Err())
	}
	writeOutputs(inv)
	return process.Result{}, nil
}

func (b *blockingRunner) next(t *testing.T) string {
	t.Helper()
	select {
	case id := <-b.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a process to start")
		return ""
	}
}

func (b *blockingRunner) assertNoStart(t *testing.T) {
	t.Helper()
	select {
	case id := <-b.started:
		t.Fatalf("unexpected start of %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOrchestrator_ConcurrencyCeilingAndFIFO(t *testing.T) {
	const ceiling = 2
	e := newEnv(t, WithConcurrency(ceiling), WithOutputProbe(false, 0))
	br := newBlockingRunner()
	e.runner.handle = br.handle

	var ids []string
	for i := 0; i < ceiling+3; i++ {
		in := e.addAsset(t, ".mp4", false, nil)
		ids = append(ids, submit(t, e, operation.New(&operation.RemoveAudio{}), in.ID).ID)
	}

	first := []string{br.next(t), br.next(t)}
	assert.ElementsMatch(t, ids[:ceiling], first)
	br.assertNoStart(t)

	running, queued := e.orch.Stats()
	assert.Equal(t, ceiling, running)
	assert.Equal(t, 3, queued)
	for _, id := range ids[ceiling:] {
		j, err := e.orch.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StateValidated, j.State)
	}

	for _, want := range ids[ceiling:] {
		br.release <- struct{}{}
		assert.Equal(t, want, br.next(t), "queued jobs must start in submission order")
	}
	for range ceiling {
		br.release <- struct{}{}
	}

	for _, id := range ids {
		assert.Equal(t, StateSucceeded, e.wait(t, id).State)
	}
	assert.LessOrEqual(t, br.peak.Load(), int32(ceiling))
}

func TestOrchestrator_CancelRunning(t *testing.T) {
	e := newEnv(t)
	br := newBlockingRunner()
	e.runner.handle = func(ctx context.Context, inv process.Invocation) (process.Result, error) {
		_ = os.WriteFile(outputArg(inv), []byte("partial"), 0o600)
		return br.handle(ctx, inv)
	}
	in := e.addAsset(t, ".mp4", true, nil)

	j := submit(t, e, operation.New(&operation.Export{Format: "mp4"}), in.ID)
	br.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cancelled, err := e.orch.Cancel(ctx, j.ID)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, cancelled.State)
	assert.Equal(t, KindCancelled, cancelled.Error.Kind)
	assert.Empty(t, e.outputFiles(t, storage.DestinationFinal))
	assert.False(t, e.assetExists(t, in.ID))

	_, err = e.orch.Cancel(ctx, j.ID)
	assert.ErrorIs(t, err, ErrJobFinished)
}

func TestOrchestrator_CancelQueued(t *testing.T) {
	e := newEnv(t, WithConcurrency(1), WithOutputProbe(false, 0))
	br := newBlockingRunner()
	e.runner.handle = br.handle

	a := submit(t, e, operation.New(&operation.RemoveAudio{}), e.addAsset(t, ".mp4", false, nil).ID)
	b := submit(t, e, operation.New(&operation.RemoveAudio{}), e.addAsset(t, ".mp4", false, nil).ID)
	assert.Equal(t, a.ID, br.next(t))

	cancelled, err := e.orch.Cancel(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, cancelled.State)
	assert.Equal(t, KindCancelled, cancelled.Error.Kind)

	br.release <- struct{}{}
	assert.Equal(t, StateSucceeded, e.wait(t, a.ID).State)
	assert.Equal(t, 1, e.runner.count(), "cancelled job must never start")
}

func TestOrchestrator_CancelUnknown(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.Cancel(context.Background(), "job-1-deadbeef")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestOrchestrator_Chain(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 0))
	in := e.addAsset(t, ".mp4", false, nil)

	parent, err := e.orch.Submit(context.Background(), SubmitRequest{
		Operation: operation.New(&operation.Trim{Start: 0, End: 2}),
		Inputs:    []string{in.ID},
		Then: []operation.Operation{
			operation.New(&operation.Rotate{Angle: 270}),
			operation.New(&operation.Export{Format: "webm"}),
		},
	})
	require.NoError(t, err)

	first := e.wait(t, parent.ID)
	require.Equal(t, StateSucceeded, first.State, "error: %+v", first.Error)
	require.NotEmpty(t, first.NextID)

	second := e.wait(t, first.NextID)
	require.Equal(t, StateSucceeded, second.State, "error: %+v", second.Error)
	assert.Equal(t, parent.ID, second.ParentID)
	assert.Equal(t, []string{first.Outputs[0].AssetID}, second.Inputs)

	third := e.wait(t, second.NextID)
	require.Equal(t, StateSucceeded, third.State, "error: %+v", third.Error)
	assert.Empty(t, third.NextID)
	assert.Equal(t, operation.KindExport, third.Operation.Kind)

	assert.False(t, e.assetExists(t, first.Outputs[0].AssetID), "intermediate output must be consumed")
	assert.False(t, e.assetExists(t, second.Outputs[0].AssetID), "intermediate output must be consumed")
	assert.NoFileExists(t, first.Outputs[0].Path)
	assert.True(t, e.assetExists(t, third.Outputs[0].AssetID))
	assert.Equal(t, []string{third.ID + ".webm"}, e.outputFiles(t, storage.DestinationFinal))
	assert.Equal(t, 3, e.runner.count())
	assert.True(t, e.assetExists(t, in.ID))
}

func TestOrchestrator_ChainRejectsMultiOutputStage(t *testing.T) {
	e := newEnv(t)
	in := e.addAsset(t, ".mp4", false, nil)

	_, err := e.orch.Submit(context.Background(), SubmitRequest{
		Operation: operation.New(&operation.Split{ChunkDurationSeconds: 2}),
		Inputs:    []string{in.ID},
		Then:      []operation.Operation{operation.New(&operation.Rotate{Angle: 90})},
	})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = e.orch.Submit(context.Background(), SubmitRequest{
		Operation: operation.New(&operation.Rotate{Angle: 90}),
		Inputs:    []string{in.ID},
		Then:      []operation.Operation{operation.New(&operation.AddAudio{})},
	})
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.Equal(t, 0, e.runner.count())
}

func TestOrchestrator_ChainedStageFailureCleansIntermediate(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 0))
	e.prober.result = &media.ProbeResult{DurationSeconds: 1, Video: &media.VideoStream{Width: 100, Height: 100}}
	in := e.addAsset(t, ".mp4", false, nil)

	parent, err := e.orch.Submit(context.Background(), SubmitRequest{
		Operation: operation.New(&operation.Rotate{Angle: 90}),
		Inputs:    []string{in.ID},
		Then:      []operation.Operation{operation.New(&operation.Crop{Width: 500, Height: 500})},
	})
	require.NoError(t, err)

	first := e.wait(t, parent.ID)
	require.Equal(t, StateSucceeded, first.State)
	second := e.wait(t, first.NextID)

	assert.Equal(t, StateFailed, second.State)
	assert.Equal(t, KindInvalidInput, second.Error.Kind)
	assert.False(t, e.assetExists(t, first.Outputs[0].AssetID))
	assert.Empty(t, e.outputFiles(t, storage.DestinationFinal))
}

func TestOrchestrator_DraftDestination(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 0))
	in := e.addAsset(t, ".mp4", false, nil)

	j, err := e.orch.Submit(context.Background(), SubmitRequest{
		Operation:   operation.New(&operation.Trim{Start: 0, End: 5}),
		Inputs:      []string{in.ID},
		Destination: storage.DestinationDraft,
	})
	require.NoError(t, err)
	done := e.wait(t, j.ID)

	require.Equal(t, StateSucceeded, done.State)
	assert.Equal(t, e.store.OutputDir(storage.DestinationDraft), filepath.Dir(done.Outputs[0].Path))
	assert.Empty(t, e.outputFiles(t, storage.DestinationFinal))
}

func TestOrchestrator_MetadataJob(t *testing.T) {
	e := newEnv(t)
	in := e.addAsset(t, ".mp4", true, nil)

	j := submit(t, e, operation.New(&operation.Metadata{}), in.ID)
	done := e.wait(t, j.ID)

	require.Equal(t, StateSucceeded, done.State)
	assert.Equal(t, 0, e.runner.count(), "metadata must not run ffmpeg")
	assert.Equal(t, int32(1), e.prober.calls.Load())
	require.NotNil(t, done.Metadata)
	assert.Equal(t, 1920, done.Metadata.Video.Width)
	require.Len(t, done.Outputs, 1)
	assert.Equal(t, in.ID, done.Outputs[0].AssetID, "metadata output is the input itself")
	assert.True(t, e.assetExists(t, in.ID), "aliased input must survive")
}

func TestOrchestrator_ProbeIsIdempotent(t *testing.T) {
	e := newEnv(t)
	in := e.addAsset(t, ".mp4", false, nil)

	first, err := e.orch.Probe(context.Background(), in.ID)
	require.NoError(t, err)
	second, err := e.orch.Probe(context.Background(), in.ID)
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.JSONEq(t, string(a), string(b))
	assert.Equal(t, string(a), string(b))

	_, err = e.orch.Probe(context.Background(), "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestOrchestrator_OutputProbeFailureIsTolerated(t *testing.T) {
	e := newEnv(t)
	e.prober.err = media.ErrMetadataUnavailable
	in := e.addAsset(t, ".mp4", false, nil)

	done := e.wait(t, submit(t, e, operation.New(&operation.Rotate{Angle: 90}), in.ID).ID)

	require.Equal(t, StateSucceeded, done.State)
	out, err := e.library.Get(context.Background(), done.Outputs[0].AssetID)
	require.NoError(t, err)
	assert.Nil(t, out.Metadata)
}

type mirroringStorage struct {
	*storage.LocalStorage
	mu   sync.Mutex
	keys []string
}

func (m *mirroringStorage) Mirror(_ context.Context, key string, data io.Reader, _ int64) (string, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return "https://cdn.example.com/" + key, nil
}

func TestOrchestrator_Mirror(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	store := &mirroringStorage{LocalStorage: local}
	e := newEnvWithStore(t, local, store, WithMirror(true), WithOutputProbe(false, 0))
	in := e.addAsset(t, ".mp4", false, nil)

	done := e.wait(t, submit(t, e, operation.New(&operation.Rotate{Angle: 90}), in.ID).ID)

	require.Equal(t, StateSucceeded, done.State)
	key := "processed/" + done.ID + ".mp4"
	assert.Equal(t, []string{key}, store.keys)
	assert.Equal(t, "https://cdn.example.com/"+key, done.Outputs[0].RemoteURL)
}

func TestOrchestrator_MirrorNotConfiguredIsTolerated(t *testing.T) {
	e := newEnv(t, WithMirror(true), WithOutputProbe(false, 0))
	in := e.addAsset(t, ".mp4", false, nil)

	done := e.wait(t, submit(t, e, operation.New(&operation.Rotate{Angle: 90}), in.ID).ID)

	require.Equal(t, StateSucceeded, done.State)
	assert.Empty(t, done.Outputs[0].RemoteURL)
}

func TestOrchestrator_PublishesTerminalEvents(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 0))
	in := e.addAsset(t, ".mp4", false, nil)

	ok := e.wait(t, submit(t, e, operation.New(&operation.Rotate{Angle: 90}), in.ID).ID)
	_, _ = e.orch.Submit(context.Background(), SubmitRequest{
		Operation: operation.New(&operation.Rotate{Angle: 1}),
		Inputs:    []string{in.ID},
	})

	got := e.publisher.all()
	require.Len(t, got, 2)
	assert.Equal(t, ok.ID, got[0].JobID)
	assert.Equal(t, "SUCCEEDED", got[0].State)
	assert.Equal(t, []string{ok.Outputs[0].AssetID}, got[0].Outputs)
	assert.Equal(t, "FAILED", got[1].State)
	assert.Equal(t, string(KindInvalidInput), got[1].ErrorKind)
}

func TestOrchestrator_Forget(t *testing.T) {
	e := newEnv(t, WithOutputProbe(false, 0))
	br := newBlockingRunner()
	e.runner.handle = br.handle
	in := e.addAsset(t, ".mp4", false, nil)

	j := submit(t, e, operation.New(&operation.Rotate{Angle: 90}), in.ID)
	br.next(t)
	assert.ErrorIs(t, e.orch.Forget(context.Background(), j.ID), ErrJobActive)

	br.release <- struct{}{}
	done := e.wait(t, j.ID)

	require.NoError(t, e.orch.Forget(context.Background(), j.ID))
	_, err := e.orch.Get(context.Background(), j.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.True(t, e.assetExists(t, done.Outputs[0].AssetID), "outputs outlive the job record")
	assert.ErrorIs(t, e.orch.Forget(context.Background(), j.ID), ErrJobNotFound)
}

func TestOrchestrator_Recover(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	interrupted := New(operation.New(&operation.Rotate{Angle: 90}), []string{"a"}, storage.DestinationFinal)
	_ = interrupted.Validate()
	_ = interrupted.Start()
	require.NoError(t, e.repo.Save(ctx, interrupted))
	partial := filepath.Join(e.store.OutputDir(storage.DestinationFinal), interrupted.ID+".mp4")
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0o600))

	finished := New(operation.New(&operation.Rotate{Angle: 90}), []string{"a"}, storage.DestinationFinal)
	_ = finished.Fail(NewError(KindTimeout, "slow"))
	require.NoError(t, e.repo.Save(ctx, finished))

	n, err := e.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.orch.Get(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, KindProcessing, got.Error.Kind)
	assert.NoFileExists(t, partial)

	got, _ = e.orch.Get(ctx, finished.ID)
	assert.Equal(t, KindTimeout, got.Error.Kind)
}

func TestOrchestrator_Close(t *testing.T) {
	e := newEnv(t, WithConcurrency(1), WithOutputProbe(false, 0))
	br := newBlockingRunner()
	e.runner.handle = br.handle

	running := submit(t, e, operation.New(&operation.RemoveAudio{}), e.addAsset(t, ".mp4", false, nil).ID)
	queued := submit(t, e, operation.New(&operation.RemoveAudio{}), e.addAsset(t, ".mp4", false, nil).ID)
	br.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.orch.Close(ctx))

	for _, id := range []string{running.ID, queued.ID} {
		j, err := e.orch.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, j.State)
		assert.Equal(t, KindCancelled, j.Error.Kind)
	}

	_, err := e.orch.Submit(ctx, SubmitRequest{Operation: operation.New(&operation.RemoveAudio{})})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, e.orch.Close(ctx))
}
