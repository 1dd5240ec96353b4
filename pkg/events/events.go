package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"virtualfit/pkg/job"
)

// SubjectPrefix is prepended to the job status to build the NATS subject.
const SubjectPrefix = "tryon.jobs."

// Event is published once a job reaches a terminal status
type Event struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
	Error  string     `json:"error,omitempty"`
	At     time.Time  `json:"at"`
}

// Subject returns the subject an event is published on, e.g. tryon.jobs.completed
func (e Event) Subject() string {
	return SubjectPrefix + string(e.Status)
}

// Publisher announces job lifecycle events
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event. Used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("virtualfit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// Publish sends e on its status subject.
func (c *Client) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.PublishJSON(e.Subject(), e)
}

// Subscribe delivers decoded events for every terminal status.
func (c *Client) Subscribe(handler func(ctx context.Context, e Event)) (*nats.Subscription, error) {
	return c.nc.Subscribe(SubjectPrefix+"*", func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, e)
	})
}
