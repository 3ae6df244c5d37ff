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

// Package options parses process configuration from flags with environment
// variable defaults.
package options

import (
	"flag"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/karbos-project/karbos/pkg/utils/env"
)

const (
	ProviderElectricityMaps = "electricitymaps"
	ProviderWattTime        = "watttime"
)

// Options is the full process configuration, shared by the API and worker
// roles.
type Options struct {
	Port           int
	LogDevelopment bool

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ProviderKind     string
	ProviderBaseURL  string
	ProviderToken    string
	WattTimeUsername string
	WattTimePassword string

	CarbonThreshold    float64
	CacheTTL           time.Duration
	CachePurgeInterval time.Duration

	SchedulerSlotSize time.Duration
	SchedulerWindow   int

	BreakerMaxFailures    int
	BreakerTimeout        time.Duration
	BreakerResetTimeout   time.Duration
	BreakerStaticFallback float64

	PoolSize          int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	PromoterInterval  time.Duration
	DrainBudget       time.Duration

	ExecutorMemoryLimit int64
	ExecutorCPUQuota    int64
}

// New registers all flags on fs, defaulting from the environment.
func New(fs *flag.FlagSet) *Options {
	o := &Options{}
	fs.IntVar(&o.Port, "port", env.WithDefaultInt("PORT", 8080), "Port the API listens on")
	fs.BoolVar(&o.LogDevelopment, "log-development", env.WithDefaultBool("LOG_DEVELOPMENT", false), "Use the human-readable log encoder")

	fs.StringVar(&o.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "PostgreSQL connection string")
	fs.StringVar(&o.RedisAddr, "redis-addr", env.WithDefaultString("REDIS_ADDR", "localhost:6379"), "Redis address")
	fs.StringVar(&o.RedisPassword, "redis-password", env.WithDefaultString("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&o.RedisDB, "redis-db", env.WithDefaultInt("REDIS_DB", 0), "Redis database index")

	fs.StringVar(&o.ProviderKind, "carbon-provider", env.WithDefaultString("CARBON_PROVIDER", ProviderElectricityMaps), "Carbon data provider (electricitymaps or watttime)")
	fs.StringVar(&o.ProviderBaseURL, "carbon-api-url", env.WithDefaultString("CARBON_API_URL", "https://api.electricitymap.org/v3"), "Carbon provider base URL")
	fs.StringVar(&o.ProviderToken, "carbon-api-token", env.WithDefaultString("CARBON_API_TOKEN", ""), "ElectricityMaps API token")
	fs.StringVar(&o.WattTimeUsername, "watttime-username", env.WithDefaultString("WATTTIME_USERNAME", ""), "WattTime account username")
	fs.StringVar(&o.WattTimePassword, "watttime-password", env.WithDefaultString("WATTTIME_PASSWORD", ""), "WattTime account password")

	fs.Float64Var(&o.CarbonThreshold, "carbon-threshold", env.WithDefaultFloat64("CARBON_THRESHOLD", 400), "Intensity below which jobs always run immediately, gCO2eq/kWh")
	fs.DurationVar(&o.CacheTTL, "cache-ttl", env.WithDefaultDuration("CACHE_TTL", time.Hour), "Freshness horizon for cached intensity samples")
	fs.DurationVar(&o.CachePurgeInterval, "cache-purge-interval", env.WithDefaultDuration("CACHE_PURGE_INTERVAL", time.Hour), "How often expired cache rows are purged")

	fs.DurationVar(&o.SchedulerSlotSize, "scheduler-slot-size", env.WithDefaultDuration("SCHEDULER_SLOT_SIZE", time.Hour), "Forecast slot granularity the scheduler plans against")
	fs.IntVar(&o.SchedulerWindow, "scheduler-window", env.WithDefaultInt("SCHEDULER_WINDOW", 24), "How many hours ahead the scheduler looks")

	fs.IntVar(&o.BreakerMaxFailures, "breaker-max-failures", env.WithDefaultInt("BREAKER_MAX_FAILURES", 5), "Consecutive provider failures that open the circuit")
	fs.DurationVar(&o.BreakerTimeout, "breaker-timeout", env.WithDefaultDuration("BREAKER_TIMEOUT", 30*time.Second), "How long the circuit stays open before probing")
	fs.DurationVar(&o.BreakerResetTimeout, "breaker-reset-timeout", env.WithDefaultDuration("BREAKER_RESET_TIMEOUT", 10*time.Second), "Bound on a half-open probe")
	fs.Float64Var(&o.BreakerStaticFallback, "breaker-static-fallback", env.WithDefaultFloat64("BREAKER_STATIC_FALLBACK", 400), "Intensity reported while the provider is unavailable, gCO2eq/kWh")

	fs.IntVar(&o.PoolSize, "pool-size", env.WithDefaultInt("POOL_SIZE", 5), "Concurrent workers per pool")
	fs.DurationVar(&o.PollInterval, "poll-interval", env.WithDefaultDuration("POLL_INTERVAL", 2*time.Second), "Worker sleep after finding the queue empty")
	fs.DurationVar(&o.JobTimeout, "job-timeout", env.WithDefaultDuration("JOB_TIMEOUT", 10*time.Minute), "Bound on a single container run")
	fs.DurationVar(&o.HeartbeatInterval, "heartbeat-interval", env.WithDefaultDuration("HEARTBEAT_INTERVAL", 10*time.Second), "How often the pool refreshes its liveness key")
	fs.DurationVar(&o.HeartbeatTTL, "heartbeat-ttl", env.WithDefaultDuration("HEARTBEAT_TTL", 15*time.Second), "Liveness key expiry")
	fs.DurationVar(&o.PromoterInterval, "promoter-interval", env.WithDefaultDuration("PROMOTER_INTERVAL", 10*time.Second), "How often due delayed jobs are promoted")
	fs.DurationVar(&o.DrainBudget, "drain-budget", env.WithDefaultDuration("DRAIN_BUDGET", 30*time.Second), "Bound on graceful shutdown of either role")

	fs.Int64Var(&o.ExecutorMemoryLimit, "executor-memory-limit", env.WithDefaultInt64("EXECUTOR_MEMORY_LIMIT", 512*1024*1024), "Container memory limit in bytes")
	fs.Int64Var(&o.ExecutorCPUQuota, "executor-cpu-quota", env.WithDefaultInt64("EXECUTOR_CPU_QUOTA", 50000), "Container CPU quota per 100ms period")
	return o
}

// Validate checks cross-field constraints, accumulating every problem.
func (o *Options) Validate() error {
	var errs error
	if o.DatabaseURL == "" {
		errs = multierr.Append(errs, fmt.Errorf("database-url is required"))
	}
	if o.ProviderKind != ProviderElectricityMaps && o.ProviderKind != ProviderWattTime {
		errs = multierr.Append(errs, fmt.Errorf("carbon-provider must be %q or %q, got %q", ProviderElectricityMaps, ProviderWattTime, o.ProviderKind))
	}
	if o.ProviderKind == ProviderWattTime && (o.WattTimeUsername == "" || o.WattTimePassword == "") {
		errs = multierr.Append(errs, fmt.Errorf("watttime-username and watttime-password are required for the watttime provider"))
	}
	if o.CacheTTL <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("cache-ttl must be positive"))
	}
	if o.SchedulerSlotSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("scheduler-slot-size must be positive"))
	}
	if o.SchedulerWindow <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("scheduler-window must be positive"))
	}
	if o.DrainBudget <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("drain-budget must be positive"))
	}
	if o.BreakerMaxFailures <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("breaker-max-failures must be positive"))
	}
	if o.PoolSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("pool-size must be positive"))
	}
	if o.HeartbeatTTL <= o.HeartbeatInterval {
		errs = multierr.Append(errs, fmt.Errorf("heartbeat-ttl must exceed heartbeat-interval"))
	}
	if o.ExecutorMemoryLimit <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("executor-memory-limit must be positive"))
	}
	return errs
}
