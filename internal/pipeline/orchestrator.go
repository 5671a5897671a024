// Package pipeline runs one drawing through normalization, header reading,
// mesh generation and delivery, publishing progress to the task registry as
// it goes.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"drawing-mesh-pipeline/internal/clock"
	"drawing-mesh-pipeline/internal/models"
	"drawing-mesh-pipeline/internal/poller"
	"drawing-mesh-pipeline/internal/queue"
	"drawing-mesh-pipeline/internal/telemetry"
	"drawing-mesh-pipeline/internal/vision"
)

// ErrMissingToken is returned when the mesh service accepts an upload but
// issues no image token.
var ErrMissingToken = errors.New("upload returned no image token")

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("orchestrator closed")

// Progress checkpoints published as each stage completes.
const (
	progressStarted    = 5
	progressNormalized = 10
	progressExtracted  = 15
	progressPartial    = 18
	progressCropped    = 20
	progressUploaded   = 25
	progressSubmitted  = 30
	progressGenerated  = 85
	progressFetched    = 90
	progressPersisted  = 95
	progressDone       = 100
)

// Stage names, used in error messages, logs, metrics and audit rows.
const (
	StageStart     = "start"
	StageNormalize = "normalize"
	StageExtract   = "extract"
	StageCrop      = "crop"
	StageUpload    = "upload"
	StageSubmit    = "submit"
	StagePoll      = "poll"
	StageFetch     = "fetch"
	StagePersist   = "persist"
	StageDeliver   = "deliver"
)

// Tasks is the slice of the registry the orchestrator writes to.
type Tasks interface {
	Create(id string) (models.TaskRecord, error)
	Update(id string, patch models.TaskPatch) (models.TaskRecord, error)
}

type Transformer interface {
	Normalize(image []byte) ([]byte, error)
	CropHeader(image []byte) ([]byte, error)
}

type Extractor interface {
	Extract(ctx context.Context, image []byte) (vision.Labels, error)
}

// MeshService uploads images, starts generation jobs and downloads results.
// The design label lets the service pick a base mesh to texture.
type MeshService interface {
	UploadImage(ctx context.Context, image []byte) (string, error)
	SubmitJob(ctx context.Context, imageToken, label string) (string, error)
	FetchArtifact(ctx context.Context, ref string) ([]byte, error)
}

type JobWaiter interface {
	Wait(ctx context.Context, jobID string, maxWait time.Duration, onProgress func(int)) (poller.Outcome, error)
}

type ArtifactStore interface {
	Save(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// AuditSink records stage events. It is optional.
type AuditSink interface {
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

// Deps are the collaborators of an Orchestrator. Audit, Logger and Clock may
// be nil.
type Deps struct {
	Tasks       Tasks
	Delivery    queue.DeliveryQueue
	Transformer Transformer
	Extractor   Extractor
	Mesh        MeshService
	Waiter      JobWaiter
	Artifacts   ArtifactStore
	Audit       AuditSink
	Logger      *slog.Logger
	Clock       clock.Clock
}

// StageError ties a failure to the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Orchestrator launches one detached run per submission.
type Orchestrator struct {
	deps    Deps
	logger  *slog.Logger
	clock   clock.Clock
	baseCtx context.Context
	maxWait time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Orchestrator)

// WithMaxWait bounds the polling stage; zero leaves the poller's default.
func WithMaxWait(d time.Duration) Option { return func(o *Orchestrator) { o.maxWait = d } }

// New validates deps. Runs are bound to baseCtx, which should live as long
// as the process; cancelling it aborts every in-flight run.
func New(baseCtx context.Context, deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Tasks == nil:
		return nil, errors.New("tasks cannot be nil")
	case deps.Delivery == nil:
		return nil, errors.New("delivery queue cannot be nil")
	case deps.Transformer == nil:
		return nil, errors.New("transformer cannot be nil")
	case deps.Extractor == nil:
		return nil, errors.New("extractor cannot be nil")
	case deps.Mesh == nil:
		return nil, errors.New("mesh service cannot be nil")
	case deps.Waiter == nil:
		return nil, errors.New("job waiter cannot be nil")
	case deps.Artifacts == nil:
		return nil, errors.New("artifact store cannot be nil")
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	o := &Orchestrator{
		deps:    deps,
		logger:  deps.Logger,
		clock:   deps.Clock,
		baseCtx: baseCtx,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Submit registers a queued task and starts its run in the background. Only
// malformed input fails synchronously.
func (o *Orchestrator) Submit(image []byte) (models.TaskRecord, error) {
	if len(image) == 0 {
		return models.TaskRecord{}, fmt.Errorf("%w: image is empty", models.ErrValidation)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return models.TaskRecord{}, ErrClosed
	}
	if err := o.baseCtx.Err(); err != nil {
		return models.TaskRecord{}, fmt.Errorf("orchestrator stopped: %w", err)
	}

	id := uuid.NewString()
	rec, err := o.deps.Tasks.Create(id)
	if err != nil {
		return models.TaskRecord{}, err
	}

	o.wg.Add(1)
	go o.run(o.baseCtx, id, bytes.Clone(image))
	return rec, nil
}

// Close stops accepting submissions. Runs already launched keep going; call
// Wait afterwards to drain them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// Wait blocks until every launched run has finished. Call Close first so no
// new run can start while waiting.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// state carries intermediate values between stages of one run.
type state struct {
	normalized []byte
	cropped    []byte
	labels     vision.Labels
	token      string
	jobID      string
	outcome    poller.Outcome
	artifact   []byte
	stored     string
}

type step struct {
	name       string
	checkpoint int
	fn         func(ctx context.Context, id string, st *state) error
}

func (o *Orchestrator) steps(image []byte) []step {
	return []step{
		{StageNormalize, progressNormalized, func(_ context.Context, _ string, st *state) error {
			out, err := o.deps.Transformer.Normalize(image)
			st.normalized = out
			return err
		}},
		{StageExtract, progressExtracted, func(ctx context.Context, _ string, st *state) error {
			labels, err := o.deps.Extractor.Extract(ctx, st.normalized)
			st.labels = labels
			return err
		}},
		{StageCrop, progressCropped, func(ctx context.Context, id string, st *state) error {
			// Label and name become visible before the mesh exists.
			o.update(id, models.TaskPatch{
				Progress: models.IntPtr(progressPartial),
				Result:   &models.TaskResult{Label: st.labels.Label, ChildName: st.labels.ChildName},
			})
			o.audit(ctx, id, "partial_result", st.labels.Label+"/"+st.labels.ChildName)

			out, err := o.deps.Transformer.CropHeader(st.normalized)
			st.cropped = out
			return err
		}},
		{StageUpload, progressUploaded, func(ctx context.Context, _ string, st *state) error {
			token, err := o.deps.Mesh.UploadImage(ctx, st.cropped)
			if err != nil {
				return err
			}
			if token == "" {
				return ErrMissingToken
			}
			st.token = token
			return nil
		}},
		{StageSubmit, progressSubmitted, func(ctx context.Context, _ string, st *state) error {
			jobID, err := o.deps.Mesh.SubmitJob(ctx, st.token, st.labels.Label)
			st.jobID = jobID
			return err
		}},
		{StagePoll, progressGenerated, func(ctx context.Context, id string, st *state) error {
			out, err := o.deps.Waiter.Wait(ctx, st.jobID, o.maxWait, func(remote int) {
				o.update(id, models.TaskPatch{Progress: models.IntPtr(mapRemoteProgress(remote))})
			})
			st.outcome = out
			return err
		}},
		{StageFetch, progressFetched, func(ctx context.Context, _ string, st *state) error {
			body, err := o.deps.Mesh.FetchArtifact(ctx, st.outcome.ArtifactRef)
			st.artifact = body
			return err
		}},
		{StagePersist, progressPersisted, func(ctx context.Context, id string, st *state) error {
			ref, err := o.deps.Artifacts.Save(ctx, "meshes/"+id+".glb", st.artifact, "model/gltf-binary")
			st.stored = ref
			return err
		}},
	}
}

// mapRemoteProgress projects the service's 0-100 onto the polling window.
func mapRemoteProgress(remote int) int {
	if remote < 0 {
		remote = 0
	}
	if remote > 100 {
		remote = 100
	}
	return progressSubmitted + remote*(progressGenerated-progressSubmitted)/100
}

func (o *Orchestrator) run(ctx context.Context, id string, image []byte) {
	defer o.wg.Done()
	telemetry.PipelinesInFlight.Inc()
	defer telemetry.PipelinesInFlight.Dec()

	log := o.logger.With("task_id", id)
	started := o.clock.Now()

	result, err := o.execute(ctx, id, image, started)
	if err != nil {
		o.fail(ctx, log, id, err)
		return
	}

	telemetry.TasksCompleted.Inc()
	o.audit(ctx, id, "done", result.Artifact)
	log.InfoContext(ctx, "task completed",
		"label", result.Label,
		"child_name", result.ChildName,
		"job_id", result.JobID,
		"elapsed_seconds", result.ElapsedSeconds)
}

func (o *Orchestrator) execute(ctx context.Context, id string, image []byte, started time.Time) (res models.TaskResult, err error) {
	current := StageStart
	defer func() {
		if r := recover(); r != nil {
			err = &StageError{Stage: current, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if _, err := o.deps.Tasks.Update(id, models.TaskPatch{
		Status:   models.StatusPtr(models.StatusProcessing),
		Progress: models.IntPtr(progressStarted),
	}); err != nil {
		return res, &StageError{Stage: current, Err: err}
	}
	o.audit(ctx, id, "started", "")

	st := &state{}
	for _, s := range o.steps(image) {
		current = s.name
		if err := ctx.Err(); err != nil {
			return res, &StageError{Stage: s.name, Err: err}
		}
		begin := o.clock.Now()
		err := s.fn(ctx, id, st)
		telemetry.StageDuration.WithLabelValues(s.name).Observe(o.clock.Now().Sub(begin).Seconds())
		if err != nil {
			return res, &StageError{Stage: s.name, Err: err}
		}
		o.update(id, models.TaskPatch{Progress: models.IntPtr(s.checkpoint)})
		o.audit(ctx, id, s.name, "")
		o.logger.DebugContext(ctx, "stage finished", "task_id", id, "stage", s.name, "progress", s.checkpoint)
	}

	current = StageDeliver
	res = models.TaskResult{
		Label:          st.labels.Label,
		ChildName:      st.labels.ChildName,
		JobID:          st.jobID,
		Artifact:       st.stored,
		ModelURL:       st.outcome.ArtifactRef,
		ElapsedSeconds: o.clock.Now().Sub(started).Seconds(),
	}
	item := models.DeliveryItem{
		TaskID:      id,
		Label:       res.Label,
		ChildName:   res.ChildName,
		JobID:       res.JobID,
		Artifact:    res.Artifact,
		ModelURL:    res.ModelURL,
		CompletedAt: o.clock.Now().UTC(),
	}
	if err := o.deps.Delivery.Push(ctx, item); err != nil {
		return res, &StageError{Stage: StageDeliver, Err: err}
	}
	if _, err := o.deps.Tasks.Update(id, models.TaskPatch{
		Status:   models.StatusPtr(models.StatusDone),
		Progress: models.IntPtr(progressDone),
		Result:   &res,
	}); err != nil {
		o.logger.ErrorContext(ctx, "mark task done", "task_id", id, "error", err)
	}
	if depth, err := o.deps.Delivery.Len(ctx); err == nil {
		telemetry.DeliveryDepth.Set(float64(depth))
	}
	return res, nil
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, id string, err error) {
	stage := StageStart
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	msg := err.Error()
	telemetry.TasksFailed.WithLabelValues(stage).Inc()
	log.ErrorContext(ctx, "task failed", "stage", stage, "error", msg)

	if _, uerr := o.deps.Tasks.Update(id, models.TaskPatch{
		Status: models.StatusPtr(models.StatusError),
		Error:  models.StringPtr(msg),
	}); uerr != nil {
		log.ErrorContext(ctx, "mark task failed", "error", uerr)
	}
	o.audit(context.WithoutCancel(ctx), id, "error", msg)
}

func (o *Orchestrator) update(id string, patch models.TaskPatch) {
	if _, err := o.deps.Tasks.Update(id, patch); err != nil {
		o.logger.Warn("task update dropped", "task_id", id, "error", err)
	}
}

func (o *Orchestrator) audit(ctx context.Context, id, event, detail string) {
	if o.deps.Audit == nil {
		return
	}
	_ = o.deps.Audit.AppendAudit(ctx, id, event, detail)
}
