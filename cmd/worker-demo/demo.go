package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/jobworker/internal/broker"
	"github.com/yungbote/jobworker/internal/broker/brokertest"
	"github.com/yungbote/jobworker/internal/jobqueue"
	"github.com/yungbote/jobworker/internal/jobqueue/memjob"
	"github.com/yungbote/jobworker/internal/platform/logger"
)

var (
	demoFlagCount    int
	demoFlagFailRate float64
)

// demoCmd is the zero-infrastructure counterpart to run: it wires the
// same claim/run/retry/shutdown pipeline against brokertest's
// in-process fake broker instead of a live Redis, so the worker core
// can be exercised with nothing more than the binary itself.
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the worker core against an in-process fake broker, no Redis required",
	RunE:  runInProcessDemo,
}

func init() {
	demoCmd.Flags().IntVar(&demoFlagCount, "count", 10, "number of demo jobs to seed")
	demoCmd.Flags().Float64Var(&demoFlagFailRate, "fail-rate", 0.3, "fraction of jobs the demo processor deliberately fails")
}

func runInProcessDemo(cmd *cobra.Command, args []string) error {
	log, err := logger.New("development")
	if err != nil {
		return fmt.Errorf("worker-demo: build logger: %w", err)
	}
	defer log.Sync()

	const jobType = "demo"
	fake := brokertest.NewBroker()
	registry := broker.NewRegistry(fake.Dial)
	bookkeeping, err := fake.Dial(jobType)
	if err != nil {
		return fmt.Errorf("worker-demo: dial bookkeeping connection: %w", err)
	}

	store := memjob.NewStore()
	notifyKey := broker.NotificationListKey(jobType)
	setKey := broker.InactiveSetKey(jobType)
	for i := 0; i < demoFlagCount; i++ {
		id := store.Enqueue(jobType, 3, true, nil, true)
		fake.Notify(notifyKey, setKey, id)
	}
	log.Info("seeded in-process demo jobs", "count", demoFlagCount)

	remaining := demoFlagCount
	done := make(chan struct{})
	local := jobqueue.FuncListener{
		JobComplete: func(job jobqueue.Job) {
			log.Info("job complete", "job_id", job.ID())
			remaining--
			if remaining <= 0 {
				close(done)
			}
		},
		JobFailed: func(job jobqueue.Job) {
			log.Warn("job permanently failed", "job_id", job.ID())
			remaining--
			if remaining <= 0 {
				close(done)
			}
		},
		JobFailedAttempt: func(job jobqueue.Job, attempts int) {
			log.Info("job attempt failed, retrying", "job_id", job.ID(), "attempts", attempts)
			// No promoter runs here, so re-notify the retried job
			// directly, or it would never re-run.
			fake.Notify(notifyKey, setKey, job.ID())
		},
	}

	worker := jobqueue.NewWorker(jobType, registry, bookkeeping, store, jobqueue.NopEventBus{}, local, log)
	worker.Start(cmd.Context(), demoProcessor(demoFlagFailRate))

	select {
	case <-done:
		log.Info("all demo jobs reached a terminal state")
	case <-time.After(30 * time.Second):
		log.Warn("timed out waiting for demo jobs to finish")
	}

	shutdownDone := make(chan error, 1)
	worker.Shutdown(func(err error) { shutdownDone <- err }, 5000)
	<-shutdownDone
	worker.Wait()
	log.Info("worker shut down cleanly")
	return nil
}
