package redisbroker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/jobworker/internal/appctx"
	"github.com/cuongbtq/jobworker/internal/config"
	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	sharedredis "github.com/cuongbtq/jobworker/shared/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBroker(t *testing.T, cfg Config) (*Broker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := sharedredis.NewClient(&sharedredis.Config{
		Host:        host,
		Port:        port,
		DialTimeout: time.Second,
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return New(client, cfg, discardLogger()), mr
}

func newJob(t *testing.T, fn string, args ...any) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(fn, args, nil)
	require.NoError(t, err)
	return job
}

func bound(t *testing.T, names ...string) *worker.QueueSet {
	t.Helper()
	qs, err := worker.NewQueueSet(names)
	require.NoError(t, err)
	return qs
}

func TestBroker_EnqueueLayout(t *testing.T) {
	b, mr := newBroker(t, Config{})
	ctx := context.Background()

	job := newJob(t, "send_email", "a@example.com")
	require.NoError(t, b.Enqueue(ctx, "default", job))

	ids, err := mr.List("rq:queue:default")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	members, err := mr.Members("rq:queues")
	require.NoError(t, err)
	assert.Contains(t, members, "rq:queue:default")

	assert.Equal(t, "send_email", mr.HGet("rq:job:"+job.ID, "func"))
	assert.Equal(t, "default", mr.HGet("rq:job:"+job.ID, "origin"))
	assert.Equal(t, "queued", mr.HGet("rq:job:"+job.ID, "status"))
	assert.JSONEq(t, `{"args":["a@example.com"],"kwargs":{}}`, mr.HGet("rq:job:"+job.ID, "data"))
}

func TestBroker_DequeueOrder(t *testing.T) {
	b, _ := newBroker(t, Config{})
	ctx := context.Background()

	low1, low2 := newJob(t, "l1"), newJob(t, "l2")
	high := newJob(t, "h")
	require.NoError(t, b.Enqueue(ctx, "low", low1))
	require.NoError(t, b.Enqueue(ctx, "low", low2))
	require.NoError(t, b.Enqueue(ctx, "high", high))

	qs := bound(t, "high", "low")
	var got []string
	for i := 0; i < 3; i++ {
		job, err := b.Dequeue(ctx, qs, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.ID)
	}
	assert.Equal(t, []string{high.ID, low1.ID, low2.ID}, got)
}

func TestBroker_DequeueTimeout(t *testing.T) {
	b, _ := newBroker(t, Config{})

	start := time.Now()
	job, err := b.Dequeue(context.Background(), bound(t, "empty"), 2*time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestBlockTimeout(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{in: 5 * time.Second, want: 5 * time.Second},
		{in: 4*time.Second + 999*time.Millisecond, want: 5 * time.Second},
		{in: 999 * time.Millisecond, want: time.Second},
		{in: time.Millisecond, want: time.Second},
		{in: 0, want: 0},
		{in: -time.Second, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, blockTimeout(tt.in))
		})
	}
}

func TestBroker_DequeueSkipsVanishedJob(t *testing.T) {
	b, mr := newBroker(t, Config{})
	ctx := context.Background()

	_, err := mr.Push("rq:queue:default", "ghost")
	require.NoError(t, err)
	live := newJob(t, "f")
	require.NoError(t, b.Enqueue(ctx, "default", live))

	job, err := b.Dequeue(ctx, bound(t, "default"), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, live.ID, job.ID)
}

func TestBroker_ConnectionLost(t *testing.T) {
	b, mr := newBroker(t, Config{})
	mr.Close()

	_, err := b.Dequeue(context.Background(), bound(t, "default"), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectionLost)

	assert.Error(t, b.Reconnect(context.Background()))
}

func TestBroker_ReplyErrorIsNotConnectionLoss(t *testing.T) {
	b, mr := newBroker(t, Config{})
	require.NoError(t, mr.Set("rq:queue:default", "not a list"))

	_, err := b.QueueLength(context.Background(), "default")
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrConnectionLost))
}

func TestBroker_StartAndComplete(t *testing.T) {
	tests := []struct {
		name       string
		resultTTL  time.Duration
		wantExists bool
	}{
		{name: "deleted on success", resultTTL: 0, wantExists: false},
		{name: "kept for result ttl", resultTTL: time.Minute, wantExists: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mr := newBroker(t, Config{ResultTTL: tt.resultTTL})
			ctx := context.Background()

			require.NoError(t, b.Enqueue(ctx, "default", newJob(t, "f")))
			job, err := b.Dequeue(ctx, bound(t, "default"), time.Second)
			require.NoError(t, err)

			job.MarkStarted("w1", time.Now())
			require.NoError(t, b.Start(ctx, job))
			assert.Equal(t, "started", mr.HGet("rq:job:"+job.ID, "status"))
			assert.Equal(t, "w1", mr.HGet("rq:job:"+job.ID, "worker"))
			wip, err := mr.ZMembers("rq:wip:default")
			require.NoError(t, err)
			assert.Equal(t, []string{job.ID}, wip)

			job.MarkFinished([]byte(`{"sent":true}`), time.Now())
			require.NoError(t, b.Complete(ctx, job))

			assert.Equal(t, tt.wantExists, mr.Exists("rq:job:"+job.ID))
			assert.False(t, mr.Exists("rq:wip:default"))
			if tt.wantExists {
				assert.Equal(t, tt.resultTTL, mr.TTL("rq:job:"+job.ID))
				stored, err := b.FetchJob(ctx, job.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.StatusFinished, stored.Status)
				assert.JSONEq(t, `{"sent":true}`, string(stored.Result))
			}
		})
	}
}

func TestBroker_FailPolicies(t *testing.T) {
	tests := []struct {
		name         string
		policy       string
		wantRegistry bool
	}{
		{name: "move", policy: config.FailurePolicyMove, wantRegistry: true},
		{name: "retain", policy: config.FailurePolicyRetain, wantRegistry: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mr := newBroker(t, Config{FailurePolicy: tt.policy, FailureTTL: time.Hour})
			ctx := context.Background()

			require.NoError(t, b.Enqueue(ctx, "default", newJob(t, "f")))
			job, err := b.Dequeue(ctx, bound(t, "default"), time.Second)
			require.NoError(t, err)

			job.MarkStarted("w1", time.Now())
			require.NoError(t, b.Start(ctx, job))
			job.MarkFailed(errors.New("boom"), time.Now())
			require.NoError(t, b.Fail(ctx, job, errors.New("boom")))

			stored, err := b.FetchJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailed, stored.Status)
			assert.Equal(t, "boom", stored.Error)
			assert.Equal(t, time.Hour, mr.TTL("rq:job:"+job.ID))

			failed, err := b.FailedJobs(ctx, "default", 10)
			require.NoError(t, err)
			if tt.wantRegistry {
				require.Len(t, failed, 1)
				assert.Equal(t, job.ID, failed[0].ID)
			} else {
				assert.Empty(t, failed)
			}
		})
	}
}

func TestBroker_Requeue(t *testing.T) {
	b, mr := newBroker(t, Config{})
	ctx := context.Background()

	first, second := newJob(t, "a"), newJob(t, "b")
	require.NoError(t, b.Enqueue(ctx, "default", first))
	require.NoError(t, b.Enqueue(ctx, "default", second))

	job, err := b.Dequeue(ctx, bound(t, "default"), time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Requeue(ctx, job))

	ids, err := mr.List("rq:queue:default")
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID}, ids)
	assert.Equal(t, "queued", mr.HGet("rq:job:"+first.ID, "status"))
}

func TestBroker_WorkerRegistration(t *testing.T) {
	b, mr := newBroker(t, Config{WorkerTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, b.RegisterWorker(ctx, "w1", []string{"high", "low"}))
	assert.Equal(t, "high,low", mr.HGet("rq:worker:w1", "queues"))
	assert.Equal(t, time.Minute, mr.TTL("rq:worker:w1"))

	job := newJob(t, "f")
	require.NoError(t, b.WorkerHeartbeat(ctx, "w1", job))
	assert.Equal(t, "busy", mr.HGet("rq:worker:w1", "state"))
	assert.Equal(t, job.ID, mr.HGet("rq:worker:w1", "current_job"))

	require.NoError(t, b.WorkerHeartbeat(ctx, "w1", nil))
	assert.Equal(t, "idle", mr.HGet("rq:worker:w1", "state"))

	require.NoError(t, b.UnregisterWorker(ctx, "w1"))
	assert.False(t, mr.Exists("rq:worker:w1"))
}

func TestBroker_FetchJobNotFound(t *testing.T) {
	b, _ := newBroker(t, Config{})

	_, err := b.FetchJob(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestDecodeJob_BadTimestamps(t *testing.T) {
	job := decodeJob("j1", map[string]string{
		fieldFunc:       "f",
		fieldStatus:     "weird",
		fieldEnqueuedAt: "yesterday",
		fieldStartedAt:  "2024-01-02T03:04:05.000006Z",
	})

	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.True(t, job.EnqueuedAt.IsZero())
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, 6*time.Microsecond, time.Duration(job.StartedAt.Nanosecond()))
}

func TestBroker_WorkerEndToEnd(t *testing.T) {
	b, mr := newBroker(t, Config{})
	ctx := context.Background()

	reg := worker.NewRegistry()
	reg.MustRegister("upper", func(ctx context.Context, app *appctx.Context, args *domain.Arguments) (any, error) {
		s, err := args.String(0)
		if err != nil {
			return nil, err
		}
		return s + "!", nil
	})

	ok := newJob(t, "upper", "hi")
	bad := newJob(t, "missing")
	require.NoError(t, b.Enqueue(ctx, "default", ok))
	require.NoError(t, b.Enqueue(ctx, "default", bad))

	w := worker.NewWorker(&worker.Config{
		Name:              "e2e",
		Source:            b,
		Queues:            []string{"default"},
		Registry:          reg,
		Logger:            discardLogger(),
		PollTimeout:       time.Second,
		Burst:             true,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, w.Run(ctx))

	assert.Equal(t, int64(2), w.Processed())
	assert.False(t, mr.Exists("rq:job:"+ok.ID))
	assert.Equal(t, "failed", mr.HGet("rq:job:"+bad.ID, "status"))

	failed, err := mr.ZMembers("rq:failed:default")
	require.NoError(t, err)
	assert.Equal(t, []string{bad.ID}, failed)

	assert.False(t, mr.Exists("rq:workers"))
	assert.False(t, mr.Exists("rq:worker:e2e"))
}
