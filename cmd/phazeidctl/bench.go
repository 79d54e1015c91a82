package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/phazeid/internal"
	"github.com/MrEthical07/phazeid/session"
	"github.com/MrEthical07/phazeid/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type benchOptions struct {
	sessions    int
	users       int
	concurrency int
	ops         int
	redisAddr   string
	prefix      string
}

func newBenchCmd(a *app) *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load test the Redis session store",
		Long: `Seed sessions into Redis and measure concurrent lookups and
verification promotions. Without --redis-addr an in-process miniredis is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBench(cmd.Context(), a.out, opts)
		},
	}
	cmd.Flags().IntVar(&opts.sessions, "sessions", 100000, "number of sessions to seed")
	cmd.Flags().IntVar(&opts.users, "users", 1000, "number of users the sessions are spread over")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 256, "number of concurrent workers")
	cmd.Flags().IntVar(&opts.ops, "ops", 200000, "operations per phase")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", "", "redis address; miniredis when empty")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "pzbench", "session key prefix")
	return cmd
}

func runBench(ctx context.Context, out io.Writer, opts benchOptions) error {
	if opts.sessions <= 0 || opts.users <= 0 || opts.concurrency <= 0 || opts.ops <= 0 {
		return errors.New("sessions, users, concurrency and ops must be > 0")
	}

	addr := opts.redisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Fprintf(out, "using miniredis at %s\n", addr)
	} else {
		fmt.Fprintf(out, "using redis at %s\n", addr)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer func() { _ = client.Close() }()

	sessions := session.NewStore(client, opts.prefix, time.Hour)

	ids := make([]string, opts.sessions)
	fmt.Fprintf(out, "seeding %d sessions...\n", opts.sessions)
	startSeed := time.Now()
	now := time.Now()
	for i := range ids {
		ids[i] = internal.NewID()
		sess := &store.Session{
			ID:         ids[i],
			UserID:     fmt.Sprintf("user-%d", i%opts.users),
			SecretHash: "$argon2id$bench",
			CreatedAt:  now.Unix(),
			ExpiresAt:  now.Add(15 * time.Minute).Unix(),
			Location:   store.Location{IP: "127.0.0.1"},
		}
		if err := sessions.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	fmt.Fprintf(out, "seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	resolve := runPhase(opts.ops, opts.concurrency, func(r *rand.Rand) error {
		_, err := sessions.SessionByID(ctx, ids[r.Intn(len(ids))])
		return err
	})
	expiresAt := now.Add(24 * time.Hour).Unix()
	confirm := runPhase(opts.ops, opts.concurrency, func(r *rand.Rand) error {
		return sessions.MarkSessionValid(ctx, ids[r.Intn(len(ids))], expiresAt)
	})

	fmt.Fprintln(out, "---- results ----")
	printStats(out, "resolve", resolve)
	printStats(out, "confirm", confirm)
	return nil
}

// runPhase calls op ops times across concurrency workers.
func runPhase(ops, concurrency int, op func(r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				if int(atomic.AddInt64(&cursor, 1)) > ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(out io.Writer, name string, s phaseStats) {
	fmt.Fprintf(out, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
