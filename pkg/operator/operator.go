/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package operator assembles the process: it wires configuration into the
// API server or the worker pool and owns their lifecycle.
package operator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/karbos-project/karbos/pkg/carbon"
	"github.com/karbos-project/karbos/pkg/controllers/promotion"
	"github.com/karbos-project/karbos/pkg/executor"
	"github.com/karbos-project/karbos/pkg/jobs"
	"github.com/karbos-project/karbos/pkg/logging"
	"github.com/karbos-project/karbos/pkg/operator/options"
	"github.com/karbos-project/karbos/pkg/queue"
	"github.com/karbos-project/karbos/pkg/scheduling"
	"github.com/karbos-project/karbos/pkg/store"
	"github.com/karbos-project/karbos/pkg/webapi"
	"github.com/karbos-project/karbos/pkg/workers"
)

// newProvider builds the configured upstream provider wrapped in the circuit
// breaker.
func newProvider(opts *options.Options, clk clock.Clock) (*carbon.Breaker, error) {
	var provider carbon.Provider
	switch opts.ProviderKind {
	case options.ProviderElectricityMaps:
		provider = carbon.NewElectricityMapsProvider(opts.ProviderBaseURL, opts.ProviderToken)
	case options.ProviderWattTime:
		provider = carbon.NewWattTimeProvider(opts.ProviderBaseURL, opts.WattTimeUsername, opts.WattTimePassword)
	default:
		return nil, fmt.Errorf("unknown carbon provider %q", opts.ProviderKind)
	}
	return carbon.NewBreaker(provider, carbon.BreakerConfig{
		MaxFailures:    opts.BreakerMaxFailures,
		Timeout:        opts.BreakerTimeout,
		ResetTimeout:   opts.BreakerResetTimeout,
		StaticFallback: opts.BreakerStaticFallback,
	}, clk), nil
}

// RunAPI runs the submission API until ctx is canceled.
func RunAPI(ctx context.Context, opts *options.Options) error {
	log := logging.FromContext(ctx)
	clk := clock.RealClock{}

	db, err := store.New(ctx, opts.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	q, err := queue.Connect(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	if err != nil {
		return err
	}
	defer q.Close()

	breaker, err := newProvider(opts, clk)
	if err != nil {
		return err
	}
	fetcher := carbon.NewFetcher(breaker, db, opts.CacheTTL, clk)
	scheduler := scheduling.NewScheduler(fetcher, scheduling.Config{
		Threshold:    opts.CarbonThreshold,
		SlotSize:     opts.SchedulerSlotSize,
		HorizonHours: opts.SchedulerWindow,
	}, clk)
	service := jobs.NewService(db, q, scheduler, fetcher, clk)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: webapi.NewServer(service, q, db, breaker, log).Router(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Infow("starting api server", "port", opts.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		purgeCache(groupCtx, db, opts.CachePurgeInterval, clk)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.DrainBudget)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// purgeCache periodically removes expired intensity rows.
func purgeCache(ctx context.Context, db *store.Store, interval time.Duration, clk clock.WithTicker) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			purged, err := db.PurgeExpired(ctx)
			if err != nil {
				logging.FromContext(ctx).Errorw("purging intensity cache failed", "error", err)
				continue
			}
			if purged > 0 {
				logging.FromContext(ctx).Infow("purged expired intensity cache rows", "count", purged)
			}
		}
	}
}

// RunWorker runs the worker pool and the promotion controller until ctx is
// canceled, then drains.
func RunWorker(ctx context.Context, opts *options.Options) error {
	log := logging.FromContext(ctx)
	clk := clock.RealClock{}

	db, err := store.New(ctx, opts.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	q, err := queue.Connect(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	if err != nil {
		return err
	}
	defer q.Close()

	exec, err := executor.NewFromEnv(executor.Config{
		MemoryLimitBytes: opts.ExecutorMemoryLimit,
		CPUQuota:         opts.ExecutorCPUQuota,
	})
	if err != nil {
		return err
	}
	if err := exec.Ping(ctx); err != nil {
		return err
	}

	pool := workers.NewPool(db, q, exec, workers.Config{
		Workers:           opts.PoolSize,
		PollInterval:      opts.PollInterval,
		JobTimeout:        opts.JobTimeout,
		HeartbeatInterval: opts.HeartbeatInterval,
		HeartbeatTTL:      opts.HeartbeatTTL,
		DrainBudget:       opts.DrainBudget,
	}, clk)
	promoter := promotion.NewController(q, opts.PromoterInterval, clk)

	log.Infow("starting worker", "workerID", pool.ID(), "poolSize", opts.PoolSize)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		pool.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		promoter.Run(groupCtx)
		return nil
	})
	return group.Wait()
}
