// Command bench drives a synthetic multi-worker workload against a
// programcache.ProgramCache through cacheloader, exercising cooperative
// loading, eviction, and pruning the way a validator's execution
// pipeline would, and exposes Prometheus metrics for the run.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/nodevalidator/programcache/cacheloader"
	"github.com/nodevalidator/programcache/internal/telemetry"
	"github.com/nodevalidator/programcache/loader"
	pmet "github.com/nodevalidator/programcache/metrics/prom"
	"github.com/nodevalidator/programcache/programcache"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PROGRAMCACHE_BENCH")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark ProgramCache under a synthetic cooperative-loading workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.Int("addresses", 50_000, "distinct program addresses in the keyspace")
	flags.Int("workers", 2*runtime.GOMAXPROCS(0), "worker goroutines racing through Extract")
	flags.Duration("duration", 10*time.Second, "benchmark duration")
	flags.Float64("zipf-s", 1.1, "Zipf distribution skew (s > 1)")
	flags.Int64("seed", time.Now().UnixNano(), "random seed")
	flags.Duration("load-latency", time.Millisecond, "simulated per-program compile latency")
	flags.Float64("reject-fraction", 0.01, "fraction of addresses that fail verification")
	flags.Duration("prune-interval", 400*time.Millisecond, "how often the root is advanced and pruned")
	flags.Int("shrink-pct", 80, "EvictUsing2sRandomSelection target, percent of MaxLoadedEntryCount")
	flags.String("metrics-addr", ":8080", "Prometheus metrics listen address, empty disables")
	flags.String("pprof-addr", "", "pprof listen address, empty disables")
	flags.String("log-level", "info", "logrus level: trace|debug|info|warn|error")

	_ = v.BindPFlags(flags)
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	level, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	if addr := v.GetString("pprof-addr"); addr != "" {
		go func() {
			telemetry.Log.WithField("addr", addr).Info("serving pprof")
			telemetry.Log.WithError(http.ListenAndServe(addr, nil)).Warn("pprof server stopped")
		}()
	}

	cache := programcache.New(0, 0)
	fg := loader.LinearForkGraph{}
	cache.SetForkGraph(fg)

	if addr := v.GetString("metrics-addr"); addr != "" {
		pmet.New(nil, cache, "programcache", "bench", nil)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			telemetry.Log.WithField("addr", addr).Info("serving metrics")
			telemetry.Log.WithError(http.ListenAndServe(addr, mux)).Warn("metrics server stopped")
		}()
	}

	numAddresses := v.GetInt("addresses")
	addrs := make([]programcache.Address, numAddresses)
	for i := range addrs {
		addrs[i] = syntheticAddress(i)
	}

	synth := &loader.Synthetic{
		Latency:        v.GetDuration("load-latency"),
		RejectFraction: v.GetFloat64("reject-fraction"),
	}

	duration := v.GetDuration("duration")
	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	pruneInterval := v.GetDuration("prune-interval")
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		var slot programcache.Slot
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				slot++
				cache.Prune(slot, programcache.Epoch(slot/loader.SlotsPerEpoch))
				cache.EvictUsing2sRandomSelection(v.GetInt("shrink-pct"), slot)
			}
		}
	}()

	workersN := v.GetInt("workers")
	if workersN <= 0 {
		workersN = 1
	}
	seed := v.GetInt64("seed")
	zipfS := v.GetFloat64("zipf-s")

	var batches, resolved uint64
	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < workersN; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed + int64(w)*9973))
			zipf := rand.NewZipf(rng, zipfS, 1.0, uint64(numAddresses-1))
			ld := cacheloader.New(cache, synth, synth)

			for {
				select {
				case <-gctx.Done():
					return nil
				default:
				}

				batchSize := 1 + rng.Intn(8)
				searchFor := make([]programcache.SearchItem, batchSize)
				for i := range searchFor {
					searchFor[i] = programcache.SearchItem{
						Address:    addrs[zipf.Uint64()],
						Criteria:   programcache.NoCriteria(),
						UsageCount: 1,
					}
				}

				env, upcoming := cache.CurrentEnvironments()
				rootSlot, rootEpoch := cache.LatestRoot()
				view := programcache.NewBatchView(rootSlot, env, upcoming, rootEpoch)

				if err := ld.Fetch(gctx, searchFor, view, programcache.LimitToLoadProgramsOption{}); err != nil {
					continue
				}
				cache.Merge(view)

				atomic.AddUint64(&batches, 1)
				atomic.AddUint64(&resolved, uint64(len(view.Entries())))
			}
		})
	}
	_ = g.Wait() // a worker error just means the run context expired
	elapsed := time.Since(start)

	fmt.Printf("addresses=%d workers=%d duration=%v\n", numAddresses, workersN, elapsed)
	fmt.Printf("batches=%d resolved=%d (%.0f batches/s)\n",
		batches, resolved, float64(batches)/elapsed.Seconds())
	s := cache.Stats()
	fmt.Printf("hits=%d misses=%d reloads=%d insertions=%d lost_insertions=%d\n",
		s.Hits.Load(), s.Misses.Load(), s.Reloads.Load(), s.Insertions.Load(), s.LostInsertions.Load())
	fmt.Printf("replacements=%d one_hit_wonders=%d evictions=%d\n",
		s.Replacements.Load(), s.OneHitWonders.Load(), s.TotalEvictions())
	return nil
}

func syntheticAddress(i int) programcache.Address {
	var addr programcache.Address
	addr[0] = byte(i)
	addr[1] = byte(i >> 8)
	addr[2] = byte(i >> 16)
	return addr
}
