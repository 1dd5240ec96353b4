package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"virtualfit/pkg/job"
)

// State is the poller's view of a submitted job.
type State string

const (
	StateAwaiting  State = "awaiting"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateExhausted State = "exhausted"
)

// Terminal reports whether polling has stopped for good.
func (s State) Terminal() bool {
	return s != StateAwaiting
}

// ErrorKind tells apart the reasons a poll ends in StateError.
type ErrorKind string

const (
	KindRemote    ErrorKind = "remote"
	KindNotFound  ErrorKind = "not_found"
	KindTransport ErrorKind = "transport"
)

// Outcome is the result of one poll step.
type Outcome struct {
	State     State
	Attempts  int
	JobStatus job.Status // last status seen, empty if none
	Result    []byte
	ResultExt string
	Kind      ErrorKind
	Message   string
	Err       error
}

// StatusQuerier is the part of the API client the poller needs.
type StatusQuerier interface {
	Status(ctx context.Context, jobID string) (StatusResult, error)
}

// PollConfig bounds the polling loop.
type PollConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

func DefaultPollConfig() PollConfig {
	return PollConfig{MaxAttempts: 5, Delay: 12 * time.Second}
}

type PollOption func(*Poller)

// WithProgress registers a callback run after every non-terminal step.
func WithProgress(fn func(Outcome)) PollOption {
	return func(p *Poller) { p.progress = fn }
}

// Poller is a finite state machine over repeated status queries. Once it
// reaches a terminal state it keeps returning the same outcome.
type Poller struct {
	client   StatusQuerier
	jobID    string
	cfg      PollConfig
	progress func(Outcome)

	attempts int
	outcome  Outcome
}

func NewPoller(c StatusQuerier, jobID string, cfg PollConfig, opts ...PollOption) *Poller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultPollConfig().MaxAttempts
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	p := &Poller{
		client:  c,
		jobID:   jobID,
		cfg:     cfg,
		outcome: Outcome{State: StateAwaiting},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Outcome returns the current outcome without querying.
func (p *Poller) Outcome() Outcome { return p.outcome }

// Step performs at most one status query.
func (p *Poller) Step(ctx context.Context) Outcome {
	if p.outcome.State.Terminal() {
		return p.outcome
	}
	if p.attempts >= p.cfg.MaxAttempts {
		p.outcome = Outcome{
			State:     StateExhausted,
			Attempts:  p.attempts,
			JobStatus: p.outcome.JobStatus,
			Message:   "maximum number of attempts reached, please try again later",
		}
		return p.outcome
	}

	p.attempts++
	res, err := p.client.Status(ctx, p.jobID)
	if err != nil {
		p.outcome = p.failure(err)
		return p.outcome
	}

	switch res.Status {
	case job.StatusCompleted:
		p.outcome = Outcome{
			State:     StateCompleted,
			Attempts:  p.attempts,
			JobStatus: res.Status,
			Result:    res.Result,
			ResultExt: res.ResultExt,
			Message:   "processing finished",
		}
	case job.StatusError:
		p.outcome = Outcome{
			State:     StateError,
			Attempts:  p.attempts,
			JobStatus: res.Status,
			Kind:      KindRemote,
			Message:   remoteMessage(res.Error),
		}
	default:
		p.outcome = Outcome{
			State:     StateAwaiting,
			Attempts:  p.attempts,
			JobStatus: res.Status,
			Message:   "processing is still running",
		}
	}
	return p.outcome
}

func (p *Poller) failure(err error) Outcome {
	o := Outcome{State: StateError, Attempts: p.attempts, JobStatus: p.outcome.JobStatus, Err: err}
	if errors.Is(err, job.ErrNotFound) {
		o.Kind = KindNotFound
		o.Message = fmt.Sprintf("job %s was not found", p.jobID)
		return o
	}
	o.Kind = KindTransport
	o.Message = fmt.Sprintf("could not get the job status: %v", err)
	return o
}

func remoteMessage(detail string) string {
	if detail == "" {
		return "the try-on service failed, please try again"
	}
	return fmt.Sprintf("the try-on service failed: %s, please try again", detail)
}

// Run waits Delay before each query and steps until a terminal state. The
// loop runs at most MaxAttempts+1 times; the last iteration can only
// produce StateExhausted. Cancelling ctx ends the run with a transport error.
func (p *Poller) Run(ctx context.Context) Outcome {
	for i := 0; i <= p.cfg.MaxAttempts; i++ {
		if p.outcome.State.Terminal() {
			return p.outcome
		}
		if p.attempts < p.cfg.MaxAttempts {
			if err := sleep(ctx, p.cfg.Delay); err != nil {
				p.outcome = p.failure(err)
				return p.outcome
			}
		}
		out := p.Step(ctx)
		if !out.State.Terminal() && p.progress != nil {
			p.progress(out)
		}
	}
	return p.outcome
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
