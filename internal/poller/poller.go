// Package poller waits on one outstanding job at the mesh generation service.
//
// A wait is a small state machine: it starts in waiting and moves to exactly
// one of success, failed or timeout. Each iteration sleeps a fixed interval on
// the injected clock and then queries the job once. Query errors are logged and
// do not change state or reset the deadline. Giving up on a job only stops
// local observation; the remote job is left alone.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"drawing-mesh-pipeline/internal/clock"
	"drawing-mesh-pipeline/internal/models"
	"drawing-mesh-pipeline/internal/telemetry"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultMaxWait  = 600 * time.Second
)

var (
	// ErrJobFailed is returned when the service reports a terminal non-success state.
	ErrJobFailed = errors.New("external job failed")
	// ErrMissingArtifact is returned when a job succeeded but no locator found an artifact.
	ErrMissingArtifact = errors.New("external job succeeded without an artifact reference")
)

// State is the position of a wait in its state machine.
type State string

const (
	StateWaiting State = "waiting"
	StateSuccess State = "success"
	StateFailed  State = "failed"
	StateTimeout State = "timeout"
)

// StatusChecker queries the current status of an external job.
type StatusChecker interface {
	JobStatus(ctx context.Context, jobID string) (models.ExternalJob, error)
}

// Outcome describes how a wait ended.
type Outcome struct {
	State        State
	ArtifactRef  string
	Locator      string
	RemoteStatus string
	Polls        int
	Elapsed      time.Duration
}

// Poller is safe for concurrent use; each Wait call owns its own loop state.
type Poller struct {
	checker  StatusChecker
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	maxWait  time.Duration
	locators []Locator
}

type Option func(*Poller)

func WithClock(c clock.Clock) Option { return func(p *Poller) { p.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.logger = l } }

func WithInterval(d time.Duration) Option { return func(p *Poller) { p.interval = d } }

func WithMaxWait(d time.Duration) Option { return func(p *Poller) { p.maxWait = d } }

func WithLocators(l []Locator) Option { return func(p *Poller) { p.locators = l } }

// New builds a poller with a 3s interval and a 10 minute budget unless overridden.
func New(checker StatusChecker, opts ...Option) *Poller {
	p := &Poller{
		checker:  checker,
		clock:    clock.Real{},
		logger:   slog.Default(),
		interval: DefaultInterval,
		maxWait:  DefaultMaxWait,
		locators: DefaultLocators,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait polls jobID until it reaches a terminal outcome or maxWait elapses.
// A zero maxWait uses the poller's default. onProgress, if set, receives the
// remote progress percentage while the job is still queued or running.
func (p *Poller) Wait(ctx context.Context, jobID string, maxWait time.Duration, onProgress func(int)) (Outcome, error) {
	if maxWait <= 0 {
		maxWait = p.maxWait
	}
	log := p.logger.With("job_id", jobID)
	start := p.clock.Now()
	out := Outcome{State: StateWaiting}

	for out.State == StateWaiting {
		select {
		case <-ctx.Done():
			out.Elapsed = p.clock.Now().Sub(start)
			return out, ctx.Err()
		case <-p.clock.After(p.interval):
		}

		out.Polls++
		job, err := p.checker.JobStatus(ctx, jobID)
		out.Elapsed = p.clock.Now().Sub(start)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			telemetry.JobPolls.WithLabelValues("error").Inc()
			log.WarnContext(ctx, "job status query failed, will retry",
				"poll", out.Polls,
				"elapsed", out.Elapsed.String(),
				"error", err)
		} else {
			out.RemoteStatus = job.Status
			telemetry.JobPolls.WithLabelValues(job.Status).Inc()
			p.advance(&out, job, onProgress)
		}

		if out.State == StateWaiting && out.Elapsed >= maxWait {
			out.State = StateTimeout
		}
	}

	switch out.State {
	case StateSuccess:
		log.InfoContext(ctx, "external job succeeded",
			"polls", out.Polls,
			"elapsed", out.Elapsed.String(),
			"locator", out.Locator)
		return out, nil
	case StateTimeout:
		log.WarnContext(ctx, "stopped waiting for external job",
			"polls", out.Polls,
			"elapsed", out.Elapsed.String(),
			"last_status", out.RemoteStatus)
		return out, fmt.Errorf("%w: job %s after %s", models.ErrTimeout, jobID, out.Elapsed)
	default:
		if out.RemoteStatus == models.JobSuccess {
			log.ErrorContext(ctx, "external job succeeded but no artifact was found", "polls", out.Polls)
			return out, fmt.Errorf("%w: job %s", ErrMissingArtifact, jobID)
		}
		log.WarnContext(ctx, "external job failed", "status", out.RemoteStatus, "polls", out.Polls)
		return out, fmt.Errorf("%w: job %s reported %q", ErrJobFailed, jobID, out.RemoteStatus)
	}
}

// advance applies one status observation to the state machine.
func (p *Poller) advance(out *Outcome, job models.ExternalJob, onProgress func(int)) {
	switch job.Status {
	case models.JobSuccess:
		ref, name := Locate(job, p.locators)
		if ref == "" {
			out.State = StateFailed
			return
		}
		out.ArtifactRef = ref
		out.Locator = name
		out.State = StateSuccess
	case models.JobFailed, models.JobError, models.JobCancelled, models.JobBanned, models.JobExpired:
		out.State = StateFailed
	default:
		// queued, running, unknown or a status this code does not know yet.
		if onProgress != nil {
			onProgress(job.Progress)
		}
	}
}
