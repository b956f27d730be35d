package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/yungbote/jobworker/internal/broker"
	"github.com/yungbote/jobworker/internal/events"
	"github.com/yungbote/jobworker/internal/jobqueue"
	"github.com/yungbote/jobworker/internal/jobqueue/memjob"
	"github.com/yungbote/jobworker/internal/platform/logger"
)

var (
	flagRedisAddr  string
	flagJobType    string
	flagCount      int
	flagFailRate   float64
	flagMaxRetries int
	flagDevLogs    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Seed demo jobs and run a worker against them until the queue drains or SIGINT is received",
	RunE:  runDemo,
}

func init() {
	runCmd.Flags().StringVar(&flagRedisAddr, "redis-addr", "127.0.0.1:6379", "Redis address")
	runCmd.Flags().StringVar(&flagJobType, "job-type", "demo", "job type this worker claims")
	runCmd.Flags().IntVar(&flagCount, "count", 10, "number of demo jobs to seed")
	runCmd.Flags().Float64Var(&flagFailRate, "fail-rate", 0.3, "fraction of jobs the demo processor deliberately fails")
	runCmd.Flags().IntVar(&flagMaxRetries, "max-attempts", 3, "max attempts before a job is considered permanently failed")
	runCmd.Flags().BoolVar(&flagDevLogs, "dev-logs", true, "use human-readable (vs JSON) logging")
}

func runDemo(cmd *cobra.Command, args []string) error {
	logMode := "production"
	if flagDevLogs {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return fmt.Errorf("worker-demo: build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := memjob.NewStore()
	notifyKey := broker.NotificationListKey(flagJobType)
	setKey := broker.InactiveSetKey(flagJobType)

	seedClient := redis.NewClient(&redis.Options{Addr: flagRedisAddr, DialTimeout: broker.DialTimeout})
	defer seedClient.Close()
	if err := seedClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("worker-demo: redis ping: %w", err)
	}

	for i := 0; i < flagCount; i++ {
		id := store.Enqueue(flagJobType, flagMaxRetries, true, nil, true)
		if err := seedClient.ZAdd(ctx, setKey, redis.Z{Score: float64(i), Member: id}).Err(); err != nil {
			return fmt.Errorf("worker-demo: seed job %q: %w", id, err)
		}
		if err := seedClient.RPush(ctx, notifyKey, "notify").Err(); err != nil {
			return fmt.Errorf("worker-demo: notify for job %q: %w", id, err)
		}
	}
	log.Info("seeded demo jobs", "count", flagCount, "job_type", flagJobType)

	bus, err := events.NewRedisBus(ctx, flagRedisAddr, "", log)
	if err != nil {
		return fmt.Errorf("worker-demo: build event bus: %w", err)
	}
	defer bus.Close()

	registry := broker.NewRegistry(func(jobType string) (broker.Adapter, error) {
		c := redis.NewClient(&redis.Options{Addr: flagRedisAddr, DialTimeout: broker.DialTimeout})
		return broker.NewRedisAdapter(c), nil
	})

	bookkeepingClient := redis.NewClient(&redis.Options{Addr: flagRedisAddr, DialTimeout: broker.DialTimeout})
	defer bookkeepingClient.Close()
	bookkeeping := broker.NewRedisAdapter(bookkeepingClient)

	remaining := flagCount
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
			// No promoter runs here, so put the retried job straight back
			// into the inactive set and notify, or it would never re-run.
			if err := seedClient.ZAdd(ctx, setKey, redis.Z{Score: float64(time.Now().UnixNano()), Member: job.ID()}).Err(); err != nil {
				log.Warn("failed to re-queue retried job", "job_id", job.ID(), "error", err)
				return
			}
			if err := seedClient.RPush(ctx, notifyKey, "notify").Err(); err != nil {
				log.Warn("failed to notify for retried job", "job_id", job.ID(), "error", err)
			}
		},
	}

	worker := jobqueue.NewWorker(flagJobType, registry, bookkeeping, store, bus, local, log)
	worker.Start(ctx, demoProcessor(flagFailRate))

	select {
	case <-done:
		log.Info("all demo jobs reached a terminal state")
	case <-ctx.Done():
		log.Info("interrupted, shutting down")
	}

	shutdownDone := make(chan error, 1)
	worker.Shutdown(func(err error) { shutdownDone <- err }, 5000)
	<-shutdownDone
	worker.Wait()
	log.Info("worker shut down cleanly")
	return nil
}

// demoProcessor simulates variable-latency work that fails at the
// given rate, to exercise the retry/backoff path.
func demoProcessor(failRate float64) jobqueue.Processor {
	return func(ctx context.Context, job jobqueue.Job, done jobqueue.DoneFunc, control jobqueue.Control) {
		go func() {
			time.Sleep(time.Duration(50+rand.Intn(150)) * time.Millisecond)
			if rand.Float64() < failRate {
				done(fmt.Errorf("demo processor: simulated failure for job %s", job.ID()), nil)
				return
			}
			done(nil, map[string]any{"job_id": job.ID(), "processed_at": time.Now().UTC().Format(time.RFC3339)})
		}()
	}
}
