package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/disintegration/imaging"

	"virtualfit/pkg/events"
	"virtualfit/pkg/job"
	"virtualfit/pkg/metrics"
	"virtualfit/pkg/store"
	"virtualfit/pkg/tryon"
)

// Archiver keeps copies of job artifacts.
type Archiver interface {
	SaveInputs(jobID string, in job.Input) (subjectPath, referencePath string, err error)
	SaveResult(jobID string, data []byte, ext string) (string, error)
}

// Processor drives one job from pending to a terminal status.
type Processor struct {
	store       store.Store
	transformer tryon.Transformer
	archive     Archiver
	publisher   events.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	timeout     time.Duration
}

// Option configures a Processor
type Option func(*Processor)

func WithArchive(a Archiver) Option { return func(p *Processor) { p.archive = a } }

func WithPublisher(pub events.Publisher) Option { return func(p *Processor) { p.publisher = pub } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Processor) { p.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// WithTimeout bounds each call to the remote capability.
func WithTimeout(d time.Duration) Option { return func(p *Processor) { p.timeout = d } }

func New(st store.Store, t tryon.Transformer, opts ...Option) *Processor {
	p := &Processor{
		store:       st,
		transformer: t,
		publisher:   events.Nop{},
		logger:      slog.Default(),
		timeout:     120 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartError is returned when a job could not be moved to processing.
// The job is left as it was.
type StartError struct{ Err error }

func (e *StartError) Error() string { return e.Err.Error() }
func (e *StartError) Unwrap() error { return e.Err }

// Retryable is false when the job is unknown or already claimed.
func (e *StartError) Retryable() bool {
	return !errors.Is(e.Err, job.ErrNotFound) && !errors.Is(e.Err, job.ErrInvalidTransition)
}

// Process runs the job identified by id. The job always ends in completed
// or error unless it could not be moved to processing in the first place,
// in which case the returned error says why and the job is left untouched.
func (p *Processor) Process(ctx context.Context, id string) (err error) {
	logger := p.logger.With("job_id", id)

	j, err := p.store.Get(ctx, id)
	if err != nil {
		return &StartError{Err: fmt.Errorf("load job: %w", err)}
	}
	if err := p.store.SetStatus(ctx, id, job.StatusProcessing, job.Update{}); err != nil {
		return &StartError{Err: fmt.Errorf("start job: %w", err)}
	}
	logger.Info("job processing", "description", j.Input.Description)

	done := p.metrics.JobStarted()

	// Terminal writes use a context that outlives ctx so a cancelled caller
	// cannot leave the job stuck in processing.
	finishCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job %s panicked: %v", id, r)
			p.fail(finishCtx, logger, id, fmt.Sprintf("internal error: %v", r), done)
		}
	}()

	out, runErr := p.run(ctx, logger, j)
	if runErr != nil {
		p.fail(finishCtx, logger, id, describe(runErr), done)
		return runErr
	}

	if err := p.store.SetStatus(finishCtx, id, job.StatusCompleted, job.Update{Result: out.Data, ResultExt: out.Ext}); err != nil {
		p.fail(finishCtx, logger, id, fmt.Sprintf("store result: %v", err), done)
		return fmt.Errorf("complete job: %w", err)
	}
	done(string(job.StatusCompleted))
	logger.Info("job completed", "result_bytes", len(out.Data), "result_ext", out.Ext)
	p.publish(finishCtx, logger, events.Event{JobID: id, Status: job.StatusCompleted, At: time.Now()})
	return nil
}

func (p *Processor) run(ctx context.Context, logger *slog.Logger, j job.Job) (tryon.Output, error) {
	if p.archive != nil {
		if _, _, err := p.archive.SaveInputs(j.ID, j.Input); err != nil {
			return tryon.Output{}, fmt.Errorf("archive inputs: %w", err)
		}
	}

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := p.transformer.Transform(callCtx, tryon.Request{
		Subject:     j.Input.Subject,
		Reference:   j.Input.Reference,
		Description: j.Input.Description,
	})
	if err != nil {
		return tryon.Output{}, err
	}
	logger.Debug("remote call finished", "elapsed", time.Since(start))

	if err := validateOutput(out); err != nil {
		return tryon.Output{}, err
	}
	out.Ext = job.NormalizeExt(out.Ext)
	if out.Ext == "" {
		out.Ext = ".png"
	}

	if p.archive != nil {
		if _, err := p.archive.SaveResult(j.ID, out.Data, out.Ext); err != nil {
			return tryon.Output{}, fmt.Errorf("archive result: %w", err)
		}
	}
	return out, nil
}

// ErrMalformedOutput is returned when the capability answers with bytes that are not an image.
var ErrMalformedOutput = errors.New("malformed output image")

func validateOutput(out tryon.Output) error {
	if len(out.Data) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedOutput)
	}
	if _, err := imaging.Decode(bytes.NewReader(out.Data)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, logger *slog.Logger, id, detail string, done func(string)) {
	if err := p.store.SetStatus(ctx, id, job.StatusError, job.Update{Error: detail}); err != nil {
		// already terminal, nothing left to record
		logger.Error("failed to record job error", "error", err, "detail", detail)
		return
	}
	done(string(job.StatusError))
	logger.Warn("job failed", "error", detail)
	p.publish(ctx, logger, events.Event{JobID: id, Status: job.StatusError, Error: detail, At: time.Now()})
}

func (p *Processor) publish(ctx context.Context, logger *slog.Logger, e events.Event) {
	if err := p.publisher.Publish(ctx, e); err != nil {
		logger.Warn("failed to publish job event", "error", err, "subject", e.Subject())
	}
}

// describe turns a processing failure into the detail stored on the job.
func describe(err error) string {
	var te *tryon.TransportError
	var re *tryon.RemoteError
	switch {
	case errors.As(err, &te):
		if errors.Is(err, context.DeadlineExceeded) {
			return "remote service timed out"
		}
		return "remote service unreachable: " + te.Err.Error()
	case errors.As(err, &re):
		return "remote service failed: " + re.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "remote service timed out"
	case errors.Is(err, ErrMalformedOutput):
		return "remote service returned an invalid image"
	}
	return err.Error()
}
