package nats

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/metrics"
)

var validate = validator.New()

// Worker consumes one queue with a fixed number of slots. Each slot holds
// at most one message and acknowledges it only after the handler returns.
type Worker struct {
	client    *Client
	queue     string
	slots     int
	handlers  map[domain.JobType]ports.JobHandler
	fetchWait time.Duration
	log       zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewWorker returns a worker for queue. Job types without a handler are
// failed when received.
func (c *Client) NewWorker(queue string, slots int, handlers map[domain.JobType]ports.JobHandler) *Worker {
	return &Worker{
		client:    c,
		queue:     queue,
		slots:     slots,
		handlers:  handlers,
		fetchWait: 5 * time.Second,
		log:       c.log.With().Str("queue", queue).Logger(),
		running:   map[string]context.CancelCauseFunc{},
	}
}

var errRevoked = errors.New("job revoked")

func (w *Worker) String() string { return "worker-" + w.queue }

// Serve runs the worker slots until ctx is done. It implements suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	cfg := w.client.cfg
	cons, err := w.client.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       "workers-" + w.queue,
		FilterSubject: w.client.subject(w.queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxRetries + 1,
		MaxAckPending: w.slots,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer for %s: %w", w.queue, err)
	}

	sub, err := w.client.nc.Subscribe(w.client.revokeSubject(), func(m *nats.Msg) {
		w.cancel(string(m.Data))
	})
	if err != nil {
		return fmt.Errorf("subscribe to revokes: %w", err)
	}
	defer sub.Unsubscribe()

	w.log.Info().Int("slots", w.slots).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.slot(ctx, cons)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) slot(ctx context.Context, cons jetstream.Consumer) {
	for ctx.Err() == nil {
		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(w.fetchWait))
		if err != nil {
			w.log.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for msg := range batch.Messages() {
			w.process(ctx, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			w.log.Debug().Err(err).Msg("fetch batch ended with error")
		}
	}
}

func (w *Worker) cancel(jobID string) {
	w.mu.Lock()
	cancel, ok := w.running[jobID]
	w.mu.Unlock()
	if ok {
		w.log.Info().Str("job_id", jobID).Msg("cancelling revoked job")
		cancel(errRevoked)
	}
}

func (w *Worker) track(jobID string, cancel context.CancelCauseFunc) func() {
	w.mu.Lock()
	w.running[jobID] = cancel
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.running, jobID)
		w.mu.Unlock()
	}
}

func (w *Worker) process(ctx context.Context, msg jetstream.Msg) {
	var env domain.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil || env.ID == "" {
		w.log.Error().Err(err).Msg("dropping malformed job message")
		_ = msg.Term()
		return
	}

	attempts := 1
	if md, err := msg.Metadata(); err == nil {
		attempts = int(md.NumDelivered)
	}
	if attempts > 1 {
		metrics.JobRedeliveries.WithLabelValues(string(env.Type)).Inc()
	}

	log := w.log.With().Str("job_id", env.ID).Str("job_type", string(env.Type)).Int("attempt", attempts).Logger()

	st, err := w.client.mutate(ctx, env.ID, func(st *domain.JobStatus) bool {
		st.State = domain.JobProgress
		st.Attempts = attempts
		st.Error = nil
		return true
	})
	if errors.Is(err, domain.ErrNotFound) {
		// result expired before the job ran
		log.Warn().Msg("job status missing, dropping")
		_ = msg.Term()
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to mark job started")
		_ = msg.NakWithDelay(w.client.cfg.RetryDelay)
		return
	}
	if st.State.Terminal() {
		log.Info().Str("state", string(st.State)).Msg("skipping finished job")
		_ = msg.Ack()
		return
	}

	handler, ok := w.handlers[env.Type]
	if !ok {
		w.finish(ctx, log, msg, env, nil, domain.E(domain.KindInvalid, "dispatch", fmt.Sprintf("no handler for job type %q", env.Type)), attempts)
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	untrack := w.track(env.ID, cancel)
	defer untrack()

	stopBeat := w.heartbeat(jobCtx, msg)
	defer stopBeat()

	metrics.JobsInFlight.WithLabelValues(w.queue).Inc()
	defer metrics.JobsInFlight.WithLabelValues(w.queue).Dec()

	jc := &jobContext{ctx: jobCtx, w: w, env: env, last: st.Progress}
	started := time.Now()
	log.Info().Msg("job started")
	result, herr := w.run(jobCtx, handler, jc)

	switch {
	case errors.Is(context.Cause(jobCtx), errRevoked):
		log.Info().Msg("job revoked")
		metrics.ObserveJob(string(env.Type), string(domain.JobRevoked), started)
		_ = msg.Ack()
	case ctx.Err() != nil:
		// worker shutting down: hand the message back
		log.Warn().Msg("worker stopping, returning job to queue")
		_ = msg.Nak()
	default:
		w.finish(ctx, log, msg, env, result, herr, attempts)
		metrics.ObserveJob(string(env.Type), string(stateFor(herr)), started)
	}
}

// run calls the handler, converting a panic into a job failure.
func (w *Worker) run(ctx context.Context, h ports.JobHandler, jc *jobContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("job_id", jc.env.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job handler panicked")
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, jc)
}

func stateFor(err error) domain.JobState {
	if err == nil {
		return domain.JobSuccess
	}
	return domain.JobFailure
}

// finish records the outcome. Errors whose kind is not fatal are retried
// with a fixed delay until the delivery budget is spent.
func (w *Worker) finish(ctx context.Context, log zerolog.Logger, msg jetstream.Msg, env domain.Envelope, result any, herr error, attempts int) {
	maxDeliver := w.client.cfg.MaxRetries + 1
	if herr != nil && !domain.KindOf(herr).Fatal() && attempts < maxDeliver {
		log.Warn().Err(herr).Dur("retry_in", w.client.cfg.RetryDelay).Msg("job failed with transient error, retrying")
		if _, err := w.client.mutate(ctx, env.ID, func(st *domain.JobStatus) bool {
			st.State = domain.JobPending
			e := herr.Error()
			st.Error = &e
			return true
		}); err != nil {
			log.Warn().Err(err).Msg("failed to record retry")
		}
		_ = msg.NakWithDelay(w.client.cfg.RetryDelay)
		return
	}

	var raw json.RawMessage
	if herr == nil && result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			herr = fmt.Errorf("encode job result: %w", err)
		} else {
			raw = b
		}
	}

	// terminal writes must survive the worker's own cancellation
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := w.client.mutate(wctx, env.ID, func(st *domain.JobStatus) bool {
		if herr != nil {
			st.State = domain.JobFailure
			e := herr.Error()
			st.Error = &e
			st.Result = failureMeta(herr)
			return true
		}
		st.State = domain.JobSuccess
		st.Error = nil
		st.Result = raw
		st.Progress.Current = st.Progress.Total
		return true
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record job outcome")
		_ = msg.NakWithDelay(w.client.cfg.RetryDelay)
		return
	}

	if herr != nil {
		log.Error().Err(herr).Str("kind", domain.KindOf(herr).String()).Msg("job failed")
	} else {
		log.Info().Msg("job succeeded")
	}
	_ = msg.Ack()
}

// failureMeta is the diagnostic result attached to a failed job.
func failureMeta(err error) json.RawMessage {
	meta := map[string]any{
		"kind":  domain.KindOf(err).String(),
		"error": err.Error(),
	}
	if out := domain.OutputOf(err); out != "" {
		meta["output"] = out
	}
	var de *domain.Error
	if errors.As(err, &de) && de.AppID > 0 {
		meta["app_id"] = de.AppID
	}
	b, _ := json.Marshal(meta)
	return b
}

// heartbeat keeps the message from being redelivered while a long job runs.
func (w *Worker) heartbeat(ctx context.Context, msg jetstream.Msg) func() {
	interval := w.client.cfg.AckWait / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := msg.InProgress(); err != nil {
					w.log.Debug().Err(err).Msg("heartbeat failed")
				}
			}
		}
	}()
	return func() { close(done) }
}

// jobContext implements ports.JobContext for one delivery.
type jobContext struct {
	ctx context.Context
	w   *Worker
	env domain.Envelope

	mu   sync.Mutex
	last domain.Progress
}

func (j *jobContext) JobID() string        { return j.env.ID }
func (j *jobContext) Type() domain.JobType { return j.env.Type }

func (j *jobContext) Progress(current int, status string) {
	j.mu.Lock()
	if current < j.last.Current {
		current = j.last.Current
	}
	if current > 100 {
		current = 100
	}
	j.last.Current = current
	j.last.Total = 100
	j.last.Status = status
	p := j.last
	j.mu.Unlock()

	if _, err := j.w.client.mutate(j.ctx, j.env.ID, func(st *domain.JobStatus) bool {
		if p.Current < st.Progress.Current {
			p.Current = st.Progress.Current
		}
		st.State = domain.JobProgress
		st.Progress = p
		return true
	}); err != nil && j.ctx.Err() == nil {
		j.w.log.Warn().Err(err).Str("job_id", j.env.ID).Msg("failed to record progress")
	}
}

func (j *jobContext) SetAppID(appID int64) {
	j.mu.Lock()
	j.last.AppID = appID
	j.mu.Unlock()
}

func (j *jobContext) Decode(v any) error {
	if err := json.Unmarshal(j.env.Payload, v); err != nil {
		return domain.E(domain.KindInvalid, "decode payload", err)
	}
	if err := validate.Struct(v); err != nil {
		return domain.E(domain.KindInvalid, "decode payload", err)
	}
	return nil
}
