package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// Config configures the queue client and workers.
type Config struct {
	Stream           string
	HeavyQueue       string
	MaintenanceQueue string
	ResultBucket     string
	ResultTTL        time.Duration
	RetryDelay       time.Duration
	MaxRetries       int
	AckWait          time.Duration
	// Routes overrides the queue of individual job types.
	Routes map[domain.JobType]string
}

// Connect dials the broker with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("lighthouse"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

type handle string

func (h handle) ID() string { return string(h) }

// Client implements ports.JobQueue.
type Client struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	kv  jetstream.KeyValue
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

// NewClient ensures the stream and result bucket exist.
func NewClient(ctx context.Context, nc *nats.Conn, cfg Config, log zerolog.Logger) (*Client, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c := &Client{nc: nc, js: js, cfg: cfg, log: log, now: time.Now}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{c.subject(cfg.HeavyQueue), c.subject(cfg.MaintenanceQueue)},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	}); err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.ResultBucket,
		TTL:     cfg.ResultTTL,
		History: 1,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure result bucket %s: %w", cfg.ResultBucket, err)
	}
	c.kv = kv
	return c, nil
}

func (c *Client) subject(queue string) string {
	return "jobs." + queue
}

func (c *Client) revokeSubject() string {
	return "jobs.revoke." + c.cfg.Stream
}

// QueueFor routes a job type to its queue.
func (c *Client) QueueFor(t domain.JobType) string {
	if q, ok := c.cfg.Routes[t]; ok {
		return q
	}
	switch t {
	case domain.JobBuild, domain.JobDeploy, domain.JobStop, domain.JobRemove:
		return c.cfg.HeavyQueue
	default:
		return c.cfg.MaintenanceQueue
	}
}

// Enqueue records the job as PENDING and publishes it. The job id doubles
// as the message id so a retried publish is deduplicated by the stream.
func (c *Client) Enqueue(ctx context.Context, jobType domain.JobType, payload any) (ports.JobHandle, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.E(domain.KindInvalid, "enqueue", err)
	}

	now := c.now().UTC()
	id := uuid.NewString()
	queue := c.QueueFor(jobType)
	status := domain.JobStatus{
		ID:        id,
		Type:      jobType,
		Queue:     queue,
		State:     domain.JobPending,
		Progress:  domain.Progress{Total: 100},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.putStatus(ctx, &status); err != nil {
		return nil, domain.E(domain.KindTransport, "enqueue", err)
	}

	env, err := json.Marshal(domain.Envelope{ID: id, Type: jobType, Payload: raw, EnqueuedAt: now})
	if err != nil {
		return nil, domain.E(domain.KindInvalid, "enqueue", err)
	}
	if _, err := c.js.Publish(ctx, c.subject(queue), env, jetstream.WithMsgID(id)); err != nil {
		return nil, domain.E(domain.KindTransport, "enqueue", fmt.Sprintf("publish %s job", jobType), err)
	}

	c.log.Debug().Str("job_id", id).Str("job_type", string(jobType)).Str("queue", queue).Msg("job enqueued")
	return handle(id), nil
}

func (c *Client) Status(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	st, _, err := c.getStatus(ctx, jobID)
	return st, err
}

// Revoke marks the job REVOKED and tells every worker to cancel it. A job
// that already finished keeps its terminal state.
func (c *Client) Revoke(ctx context.Context, jobID string) error {
	if _, err := c.mutate(ctx, jobID, func(st *domain.JobStatus) bool {
		st.State = domain.JobRevoked
		msg := "job revoked"
		st.Error = &msg
		return true
	}); err != nil {
		return err
	}
	if err := c.nc.Publish(c.revokeSubject(), []byte(jobID)); err != nil {
		return domain.E(domain.KindTransport, "revoke", err)
	}
	return c.nc.FlushWithContext(ctx)
}

func (c *Client) putStatus(ctx context.Context, st *domain.JobStatus) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = c.kv.Put(ctx, st.ID, b)
	return err
}

func (c *Client) getStatus(ctx context.Context, jobID string) (*domain.JobStatus, uint64, error) {
	entry, err := c.kv.Get(ctx, jobID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, domain.ErrNotFound
	}
	if err != nil {
		return nil, 0, domain.E(domain.KindTransport, "job status", err)
	}
	var st domain.JobStatus
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, 0, fmt.Errorf("decode job status: %w", err)
	}
	return &st, entry.Revision(), nil
}

const casRetries = 8

// mutate applies fn to the stored status with a compare-and-set on the
// entry revision. Terminal states are never overwritten; fn returning
// false skips the write.
func (c *Client) mutate(ctx context.Context, jobID string, fn func(*domain.JobStatus) bool) (*domain.JobStatus, error) {
	var lastErr error
	for i := 0; i < casRetries; i++ {
		st, rev, err := c.getStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if st.State.Terminal() || !fn(st) {
			return st, nil
		}
		st.UpdatedAt = c.now().UTC()
		b, err := json.Marshal(st)
		if err != nil {
			return nil, err
		}
		if _, err := c.kv.Update(ctx, jobID, b, rev); err != nil {
			lastErr = err
			continue
		}
		return st, nil
	}
	return nil, domain.E(domain.KindTransport, "update job status", lastErr)
}

// Close drains the connection.
func (c *Client) Close() error {
	return c.nc.Drain()
}
