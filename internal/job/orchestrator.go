package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/maauso/mediaops-api/internal/asset"
	"github.com/maauso/mediaops-api/internal/events"
	"github.com/maauso/mediaops-api/internal/job/id"
	"github.com/maauso/mediaops-api/internal/media"
	"github.com/maauso/mediaops-api/internal/operation"
	"github.com/maauso/mediaops-api/internal/process"
	"github.com/maauso/mediaops-api/internal/storage"
)

const (
	defaultConcurrency      = 4
	defaultCopyTimeout      = 10 * time.Minute
	defaultEncodeTimeout    = time.Hour
	defaultProbeParallelism = 4
	publishTimeout          = 5 * time.Second
)

// SubmitRequest describes an operation to run.
type SubmitRequest struct {
	Operation operation.Operation
	// Inputs are asset IDs, in the order the operation expects.
	Inputs []string
	// Destination defaults to final.
	Destination storage.Destination
	// Then lists follow-up operations, each consuming the previous output.
	Then []operation.Operation
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency sets how many media tool processes may run at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithTimeouts sets the timeouts for stream-copy and encode runs.
func WithTimeouts(copyTimeout, encodeTimeout time.Duration) Option {
	return func(o *Orchestrator) {
		if copyTimeout > 0 {
			o.copyTimeout = copyTimeout
		}
		if encodeTimeout > 0 {
			o.encodeTimeout = encodeTimeout
		}
	}
}

// WithTrimFallback enables re-encoding a trim whose stream copy failed.
func WithTrimFallback(enabled bool) Option {
	return func(o *Orchestrator) {
		o.trimFallback = enabled
	}
}

// WithOutputProbe enables probing outputs after a successful run. parallelism
// also caps concurrent probes of job sources.
func WithOutputProbe(enabled bool, parallelism int) Option {
	return func(o *Orchestrator) {
		o.probeOutputs = enabled
		if parallelism > 0 {
			o.probeParallelism = parallelism
		}
	}
}

// WithMirror enables copying final outputs to object storage.
func WithMirror(enabled bool) Option {
	return func(o *Orchestrator) {
		o.mirror = enabled
	}
}

// WithPublisher sets where terminal job events are sent.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// Orchestrator owns the lifecycle of every job: validation, queueing,
// execution through the process runner, output registration and cleanup.
type Orchestrator struct {
	repo      Repository
	library   *asset.Library
	store     storage.Storage
	runner    process.Runner
	prober    media.Prober
	builder   *media.Builder
	publisher events.Publisher
	logger    *slog.Logger

	concurrency      int
	copyTimeout      time.Duration
	encodeTimeout    time.Duration
	trimFallback     bool
	probeOutputs     bool
	probeParallelism int
	mirror           bool

	dispatcher *dispatcher
	baseCtx    context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
	persistMu  sync.Mutex
	// probeSem bounds source probes, which run outside the dispatcher.
	probeSem *semaphore.Weighted

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	repo Repository,
	library *asset.Library,
	store storage.Storage,
	runner process.Runner,
	prober media.Prober,
	builder *media.Builder,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		repo:             repo,
		library:          library,
		store:            store,
		runner:           runner,
		prober:           prober,
		builder:          builder,
		publisher:        events.NopPublisher{},
		logger:           logger,
		concurrency:      defaultConcurrency,
		copyTimeout:      defaultCopyTimeout,
		encodeTimeout:    defaultEncodeTimeout,
		trimFallback:     true,
		probeOutputs:     true,
		probeParallelism: defaultProbeParallelism,
		tasks:            make(map[string]*task),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.baseCtx, o.stop = context.WithCancel(context.Background())
	o.probeSem = semaphore.NewWeighted(int64(o.probeParallelism))
	o.dispatcher = newDispatcher(o.concurrency, o.launch)
	return o
}

// Submit creates a job for req and queues it.
//
// Requests that fail validation are recorded as Failed and returned together
// with their *Error. Jobs whose operation needs uncached source metadata are
// returned in Pending state and validated in the background.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}
	dest := req.Destination
	if dest == "" {
		dest = storage.DestinationFinal
	}
	j := New(req.Operation, req.Inputs, dest)
	j.Then = append([]operation.Operation(nil), req.Then...)
	return o.submit(ctx, j)
}

func (o *Orchestrator) submit(ctx context.Context, j *Job) (*Job, error) {
	o.logger.Info("job submitted",
		slog.String("job_id", j.ID),
		slog.String("operation", j.Operation.String()),
		slog.Int("inputs", len(j.Inputs)),
		slog.Int("then", len(j.Then)),
	)

	if err := o.repo.Save(ctx, j); err != nil {
		o.logger.Error("failed to save job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("save job: %w", err)
	}

	t := newTask(j)
	inputs, resolveErr := o.resolveInputs(ctx, j.Inputs)
	t.inputs = inputs

	if err := checkStatic(j); err != nil {
		o.finishFailure(t, err)
		return j.Clone(), failure(j, err)
	}
	if resolveErr != nil {
		o.finishFailure(t, resolveErr)
		return j.Clone(), failure(j, resolveErr)
	}

	async := j.Operation.NeedsProbe() && t.inputs[0].Metadata == nil

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.finishFailure(t, NewError(KindCancelled, "service is shutting down"))
		return j.Clone(), ErrClosed
	}
	t.ctx, t.cancel = context.WithCancel(o.baseCtx)
	o.tasks[j.ID] = t
	o.dispatcher.enqueue(t)
	if async {
		o.wg.Add(1)
	}
	o.mu.Unlock()

	if async {
		go func() {
			defer o.wg.Done()
			_ = o.prepare(t)
		}()
		return j.Clone(), nil
	}

	if err := o.prepare(t); err != nil {
		return j.Clone(), failure(j, err)
	}
	return j.Clone(), nil
}

// failure returns the error recorded on j, falling back to err.
func failure(j *Job, err error) error {
	if e := j.Err(); e != nil {
		return e
	}
	return AsError(err)
}

// checkStatic validates everything that does not need the input files.
func checkStatic(j *Job) error {
	if !j.Destination.IsValid() {
		return fmt.Errorf("%w: unknown destination %q", operation.ErrInvalidParams, j.Destination)
	}
	if err := j.Operation.Validate(); err != nil {
		return err
	}
	if len(j.Inputs) != j.Operation.Arity() {
		return fmt.Errorf("%w: %s takes %d input(s), got %d",
			operation.ErrInvalidParams, j.Operation, j.Operation.Arity(), len(j.Inputs))
	}

	prev := j.Operation
	for i, next := range j.Then {
		if !prev.SingleOutput() {
			return fmt.Errorf("%w: %s does not produce a single output and cannot be followed by %s",
				operation.ErrInvalidParams, prev, next)
		}
		if err := next.Validate(); err != nil {
			return fmt.Errorf("then[%d]: %w", i, err)
		}
		if next.Arity() != 1 {
			return fmt.Errorf("%w: then[%d]: %s takes %d inputs and cannot be chained",
				operation.ErrInvalidParams, i, next, next.Arity())
		}
		prev = next
	}
	return nil
}

// resolveInputs loads every input it can. Found assets are returned even on
// error so that ephemeral ones can still be cleaned up.
func (o *Orchestrator) resolveInputs(ctx context.Context, ids []string) ([]*asset.Asset, error) {
	assets := make([]*asset.Asset, 0, len(ids))
	var firstErr error
	for _, assetID := range ids {
		a, err := o.library.Get(ctx, assetID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("input %s: %w", assetID, err)
			}
			continue
		}
		assets = append(assets, a)
	}
	return assets, firstErr
}

// prepare builds the command for t and marks it ready to run.
func (o *Orchestrator) prepare(t *task) error {
	j := t.job

	if j.Operation.Kind != operation.KindMetadata {
		var probe *media.ProbeResult
		if j.Operation.NeedsProbe() {
			p, err := o.sourceMetadata(t.ctx, t.inputs[0])
			if err != nil {
				o.finishFailure(t, err)
				return err
			}
			probe = p
		}

		t.request = media.Request{
			Inputs:     storagePaths(t.inputs),
			Probe:      probe,
			OutputDir:  o.store.OutputDir(j.Destination),
			OutputName: j.ID,
		}
		plan, err := o.builder.Build(j.Operation, t.request)
		if err != nil {
			o.finishFailure(t, err)
			return err
		}
		t.plan = plan
	}

	if err := j.Validate(); err != nil {
		// Finished concurrently, e.g. cancelled while probing.
		return nil
	}
	o.persist(j)
	o.dispatcher.markReady(t)
	return nil
}

// sourceMetadata returns the cached probe of a, probing and caching it if needed.
func (o *Orchestrator) sourceMetadata(ctx context.Context, a *asset.Asset) (*media.ProbeResult, error) {
	if a.Metadata != nil {
		return a.Metadata, nil
	}
	return o.probeAsset(ctx, a)
}

// probeAsset probes a and stores the result on its record.
func (o *Orchestrator) probeAsset(ctx context.Context, a *asset.Asset) (*media.ProbeResult, error) {
	if err := o.probeSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for probe slot: %w", err)
	}
	res, err := o.prober.Probe(ctx, a.StoragePath)
	o.probeSem.Release(1)
	if err != nil {
		return nil, err
	}
	a.ApplyProbe(res)
	if err := o.library.Register(ctx, a); err != nil {
		o.logger.Warn("failed to cache probe result",
			slog.String("asset_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
	return res, nil
}

// launch is called by the dispatcher with its lock held.
func (o *Orchestrator) launch(t *task) {
	o.wg.Add(1)
	go o.run(t)
}

func (o *Orchestrator) run(t *task) {
	defer o.wg.Done()
	defer o.dispatcher.done()

	j := t.job
	if err := j.Start(); err != nil {
		return
	}
	o.persist(j)
	o.logger.Info("job started",
		slog.String("job_id", j.ID),
		slog.String("operation", j.Operation.String()),
	)

	if j.Operation.Kind == operation.KindMetadata {
		res, err := o.probeAsset(t.ctx, t.inputs[0])
		if err != nil {
			o.finishFailure(t, err)
			return
		}
		o.finishSuccess(t, nil, nil, res)
		return
	}

	outputs, timestamps, err := o.execute(t)
	if err != nil {
		o.finishFailure(t, err)
		return
	}
	o.finishSuccess(t, outputs, timestamps, nil)
}

// execute runs the plan of t and registers what it produced.
func (o *Orchestrator) execute(t *task) ([]*asset.Asset, []float64, error) {
	j := t.job
	plan := t.plan

	res, err := o.runPlan(t, plan)
	if err == nil && res.ExitCode != 0 && o.canReencode(j.Operation) {
		o.logDiagnostics(j, res)
		o.logger.Warn("stream copy failed, re-encoding",
			slog.String("job_id", j.ID),
			slog.Int("exit_code", res.ExitCode),
		)
		o.removePartials(j)

		plan, err = o.builder.Build(reencoded(j.Operation), t.request)
		if err != nil {
			return nil, nil, err
		}
		res, err = o.runPlan(t, plan)
	}
	if err != nil {
		return nil, nil, err
	}
	if res.ExitCode != 0 {
		o.logDiagnostics(j, res)
		return nil, nil, fmt.Errorf("%w: %s exited with code %d",
			ErrProcessing, filepath.Base(plan.Binary), res.ExitCode)
	}

	paths, err := o.collectOutputs(plan)
	if err != nil {
		return nil, nil, err
	}

	timestamps := plan.Timestamps
	if len(timestamps) > len(paths) {
		timestamps = timestamps[:len(paths)]
	}

	outputs, err := o.registerOutputs(t, paths)
	if err != nil {
		return nil, nil, err
	}
	return outputs, timestamps, nil
}

func (o *Orchestrator) runPlan(t *task, plan media.Plan) (process.Result, error) {
	inv := plan.Invocation(o.timeoutFor(plan.Class))
	o.logger.Debug("running media tool",
		slog.String("job_id", t.job.ID),
		slog.String("command", inv.String()),
		slog.Duration("timeout", inv.Timeout),
	)
	return o.runner.Run(t.ctx, inv)
}

func (o *Orchestrator) timeoutFor(class operation.Class) time.Duration {
	if class == operation.ClassCopy {
		return o.copyTimeout
	}
	return o.encodeTimeout
}

func (o *Orchestrator) canReencode(op operation.Operation) bool {
	p, ok := op.Params.(*operation.Trim)
	return o.trimFallback && ok && !p.Reencode
}

func reencoded(op operation.Operation) operation.Operation {
	p := *op.Params.(*operation.Trim)
	p.Reencode = true
	return operation.New(&p)
}

func (o *Orchestrator) logDiagnostics(j *Job, res process.Result) {
	o.logger.Warn("media tool failed",
		slog.String("job_id", j.ID),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("elapsed", res.Elapsed),
		slog.Bool("truncated", res.Truncated),
		slog.String("diagnostics", res.Diagnostics),
	)
}

// collectOutputs returns the files a successful run produced, in order.
func (o *Orchestrator) collectOutputs(plan media.Plan) ([]string, error) {
	paths := plan.Outputs
	if len(paths) == 0 {
		matches, err := filepath.Glob(plan.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProcessing, err)
		}
		sort.Strings(matches)
		if plan.MaxOutputs > 0 && len(matches) > plan.MaxOutputs {
			if err := o.store.Remove(context.Background(), matches[plan.MaxOutputs:]); err != nil {
				o.logger.Warn("failed to remove surplus outputs", slog.String("error", err.Error()))
			}
			matches = matches[:plan.MaxOutputs]
		}
		paths = matches
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no output was produced", ErrProcessing)
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.Size() == 0 {
			return nil, fmt.Errorf("%w: output %s is missing or empty", ErrProcessing, filepath.Base(p))
		}
	}
	return paths, nil
}

// registerOutputs turns output files into library assets.
func (o *Orchestrator) registerOutputs(t *task, paths []string) ([]*asset.Asset, error) {
	j := t.job
	outputs := make([]*asset.Asset, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProcessing, err)
		}
		mime := "application/octet-stream"
		if mt, err := mimetype.DetectFile(p); err == nil {
			mime = mt.String()
		}
		a := asset.New(p, filepath.Base(p), mime, info.Size())
		a.ProducedBy = j.ID
		a.Ephemeral = len(j.Then) > 0
		outputs = append(outputs, a)
	}

	if o.probeOutputs {
		o.probeAll(t.ctx, j, outputs)
	}
	if o.mirror {
		for _, a := range outputs {
			if !a.Ephemeral {
				o.mirrorOutput(t.ctx, j, a)
			}
		}
	}

	for i, a := range outputs {
		if err := o.library.Register(context.Background(), a); err != nil {
			for _, done := range outputs[:i] {
				_ = o.library.Delete(context.Background(), done.ID)
			}
			return nil, fmt.Errorf("register output: %w", err)
		}
	}
	return outputs, nil
}

// probeAll probes outputs concurrently. Failures leave the output unprobed.
func (o *Orchestrator) probeAll(ctx context.Context, j *Job, outputs []*asset.Asset) {
	var g errgroup.Group
	g.SetLimit(o.probeParallelism)
	for _, a := range outputs {
		g.Go(func() error {
			res, err := o.prober.Probe(ctx, a.StoragePath)
			if err != nil {
				o.logger.Warn("output probe failed",
					slog.String("job_id", j.ID),
					slog.String("output", filepath.Base(a.StoragePath)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			a.ApplyProbe(res)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) mirrorOutput(ctx context.Context, j *Job, a *asset.Asset) {
	key, err := o.store.Rel(a.StoragePath)
	if err != nil {
		key = filepath.Base(a.StoragePath)
	}
	f, err := o.store.Open(ctx, a.StoragePath)
	if err != nil {
		o.logger.Warn("failed to open output for mirroring",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer f.Close()

	url, err := o.store.Mirror(ctx, key, f, a.SizeBytes)
	if err != nil {
		o.logger.Warn("failed to mirror output",
			slog.String("job_id", j.ID),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	a.RemoteURL = url
	o.logger.Info("output mirrored",
		slog.String("job_id", j.ID),
		slog.String("url", url),
	)
}

// finishSuccess records the results of t. Only the caller whose transition
// to Succeeded wins performs cleanup.
func (o *Orchestrator) finishSuccess(t *task, produced []*asset.Asset, timestamps []float64, metadata *media.ProbeResult) {
	j := t.job

	var outputs []Output
	if j.Operation.Kind == operation.KindMetadata {
		in := t.inputs[0]
		outputs = []Output{{AssetID: in.ID, Path: in.StoragePath, RemoteURL: in.RemoteURL}}
	}
	for _, a := range produced {
		outputs = append(outputs, Output{AssetID: a.ID, Path: a.StoragePath, RemoteURL: a.RemoteURL})
	}

	if err := j.Succeed(outputs, timestamps, metadata); err != nil {
		o.logger.Warn("job already finished, discarding outputs", slog.String("job_id", j.ID))
		for _, a := range produced {
			_ = o.library.Delete(context.Background(), a.ID)
		}
		return
	}
	t.cancel()

	var next *Job
	if len(j.Then) > 0 && len(produced) > 0 {
		next = New(j.Then[0], []string{produced[0].ID}, j.Destination)
		next.Then = append([]operation.Operation(nil), j.Then[1:]...)
		next.ParentID = j.ID
		j.SetNext(next.ID)
	}

	o.cleanupInputs(t, true)
	o.persist(j)
	snap := j.Clone()
	o.logger.Info("job succeeded",
		slog.String("job_id", j.ID),
		slog.Int("outputs", len(outputs)),
		slog.Duration("elapsed", snap.FinishedAt.Sub(snap.StartedAt)),
	)
	o.publish(j)

	if next != nil {
		if _, err := o.submit(context.Background(), next); err != nil {
			o.logger.Warn("chained job did not start",
				slog.String("job_id", next.ID),
				slog.String("parent_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	o.untrack(j.ID)
	close(t.done)
}

// finishFailure records err on t. Partial outputs are removed first; only the
// caller whose transition to Failed wins performs the remaining cleanup.
func (o *Orchestrator) finishFailure(t *task, err error) {
	j := t.job
	jerr := AsError(err)
	o.dispatcher.remove(t)

	if j.Operation.Kind != operation.KindMetadata {
		o.removePartials(j)
	}
	if ferr := j.Fail(jerr); ferr != nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}

	o.logger.Warn("job failed",
		slog.String("job_id", j.ID),
		slog.String("kind", string(jerr.Kind)),
		slog.String("message", jerr.Message),
	)

	o.cleanupInputs(t, false)
	o.persist(j)
	o.publish(j)
	o.untrack(j.ID)
	close(t.done)
}

// removePartials deletes any file named after the job in its output directory.
func (o *Orchestrator) removePartials(j *Job) {
	if !id.Valid(j.ID) {
		return
	}
	dir := o.store.OutputDir(j.Destination)
	var paths []string
	for _, pattern := range []string{j.ID + ".*", j.ID + "_*"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return
	}
	if err := o.store.Remove(context.Background(), paths); err != nil {
		o.logger.Warn("failed to remove partial outputs",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	o.logger.Debug("partial outputs removed",
		slog.String("job_id", j.ID),
		slog.Int("files", len(paths)),
	)
}

// cleanupInputs deletes the ephemeral inputs of t. A metadata job that
// succeeded keeps its input, since its output refers to it.
func (o *Orchestrator) cleanupInputs(t *task, succeeded bool) {
	if succeeded && t.job.Operation.Kind == operation.KindMetadata {
		return
	}
	seen := make(map[string]bool, len(t.inputs))
	for _, in := range t.inputs {
		if !in.Ephemeral || seen[in.ID] {
			continue
		}
		seen[in.ID] = true
		if err := o.library.Delete(context.Background(), in.ID); err != nil && !errors.Is(err, asset.ErrAssetNotFound) {
			o.logger.Warn("failed to remove ephemeral input",
				slog.String("job_id", t.job.ID),
				slog.String("asset_id", in.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// persist saves j. Snapshots are taken under persistMu so a later save
// never stores an older state.
func (o *Orchestrator) persist(j *Job) {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()
	if err := o.repo.Save(context.Background(), j); err != nil {
		o.logger.Error("failed to save job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) publish(j *Job) {
	snap := j.Clone()
	e := events.Event{
		JobID:      snap.ID,
		Operation:  snap.Operation.String(),
		State:      string(snap.State),
		ParentID:   snap.ParentID,
		NextID:     snap.NextID,
		FinishedAt: snap.FinishedAt,
	}
	if snap.Error != nil {
		e.ErrorKind = string(snap.Error.Kind)
		e.Message = snap.Error.Message
	}
	for _, out := range snap.Outputs {
		e.Outputs = append(e.Outputs, out.AssetID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := o.publisher.Publish(ctx, e); err != nil {
		o.logger.Warn("failed to publish job event",
			slog.String("job_id", snap.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) lookup(jobID string) (*task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[jobID]
	return t, ok
}

func (o *Orchestrator) untrack(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.tasks, jobID)
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Get returns the current snapshot of a job.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*Job, error) {
	if t, ok := o.lookup(jobID); ok {
		return t.job.Clone(), nil
	}
	return o.repo.FindByID(ctx, jobID)
}

// Wait blocks until the job is terminal and its cleanup has completed.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (*Job, error) {
	if t, ok := o.lookup(jobID); ok {
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.repo.FindByID(ctx, jobID)
}

// List returns all jobs, oldest first.
func (o *Orchestrator) List(ctx context.Context) ([]*Job, error) {
	return o.repo.List(ctx)
}

// Stats returns the number of running and queued jobs.
func (o *Orchestrator) Stats() (running, queued int) {
	return o.dispatcher.stats()
}

// Cancel stops a job. Queued jobs are removed from the queue; running jobs
// have their process group killed. Either way the job ends Failed/Cancelled.
// Returns ErrJobFinished if the job finished before it could be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*Job, error) {
	t, ok := o.lookup(jobID)
	if !ok {
		j, err := o.repo.FindByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.IsTerminal() {
			return j, ErrJobFinished
		}
		// Not owned by this process, e.g. left over from a previous run.
		_ = j.Fail(NewError(KindCancelled, "job was cancelled"))
		o.persist(j)
		return j, nil
	}

	o.logger.Info("cancelling job", slog.String("job_id", jobID))
	if o.dispatcher.remove(t) {
		o.finishFailure(t, NewError(KindCancelled, "job was cancelled before it started"))
	} else {
		t.cancel()
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return t.job.Clone(), nil
	}

	j := t.job.Clone()
	if j.Error == nil || j.Error.Kind != KindCancelled {
		return j, ErrJobFinished
	}
	return j, nil
}

// Forget deletes a finished job record. Its outputs stay in the asset library.
func (o *Orchestrator) Forget(ctx context.Context, jobID string) error {
	if _, ok := o.lookup(jobID); ok {
		return ErrJobActive
	}
	j, err := o.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.IsTerminal() {
		return ErrJobActive
	}
	return o.repo.Delete(ctx, jobID)
}

// Probe returns fresh metadata for an asset and caches it on the asset.
func (o *Orchestrator) Probe(ctx context.Context, assetID string) (*media.ProbeResult, error) {
	a, err := o.library.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return o.probeAsset(ctx, a)
}

// Recover fails jobs left unfinished by a previous process and removes
// their partial outputs. It must be called before any job is submitted.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	recovered := 0
	for _, j := range jobs {
		if j.IsTerminal() {
			continue
		}
		o.removePartials(j)
		if err := j.Fail(NewError(KindProcessing, "interrupted by a service restart")); err != nil {
			continue
		}
		o.persist(j)
		recovered++
	}
	if recovered > 0 {
		o.logger.Warn("recovered interrupted jobs", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Close stops accepting jobs, cancels queued and running ones and waits for
// them to finish or for ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	for _, t := range o.dispatcher.stop() {
		o.finishFailure(t, NewError(KindCancelled, "service is shutting down"))
	}
	o.stop()

	waited := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

func storagePaths(assets []*asset.Asset) []string {
	paths := make([]string, len(assets))
	for i, a := range assets {
		paths[i] = a.StoragePath
	}
	return paths
}
