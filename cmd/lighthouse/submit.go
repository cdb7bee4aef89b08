package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

const pollInterval = 500 * time.Millisecond

func runReconcile(cmd *cobra.Command, args []string) error {
	return submit(cmd.Context(), domain.JobReconcile, domain.ReconcilePayload{AppID: reconcileApp, Fix: reconcileFix})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	p := domain.MaintenancePayload{Fix: cleanupFix}
	if len(args) == 1 {
		p.Scope = args[0]
	}
	return submit(cmd.Context(), domain.JobCleanup, p)
}

// submit enqueues a maintenance job on the running platform's broker and
// prints its final status. The store is owned by the server process, so
// one-shot commands go through the job pipeline instead of opening it.
func submit(ctx context.Context, t domain.JobType, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	_, nc, client, err := connectQueue(ctx, cfg.Queue, false)
	if err != nil {
		return err
	}
	defer nc.Close()

	h, err := client.Enqueue(ctx, t, payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "submitted %s job %s\n", t, h.ID())

	st, err := wait(ctx, client, h.ID())
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if st.State != domain.JobSuccess {
		return fmt.Errorf("job %s finished with state %s", st.ID, st.State)
	}
	return nil
}

func wait(ctx context.Context, q ports.JobQueue, id string) (*domain.JobStatus, error) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		st, err := q.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for job %s (%s): %w", id, st.State, ctx.Err())
		case <-t.C:
		}
	}
}
