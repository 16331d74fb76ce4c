package dataloader

import (
	"time"

	"go.uber.org/zap"

	"github.com/absinthe-graphql/dataloader/telemetry"
)

// defaultTimeoutFloor is the timeout applied when no source declares one and
// the caller did not set Loader's own timeout (§3.1).
const defaultTimeoutFloor = 15 * time.Second

// Option configures a Loader, following the teacher's functional-options
// pattern (e.g. memstorage.Option, singleflightloader.Option).
type Option interface {
	apply(*loaderOptions)
}

type optionFunc func(*loaderOptions)

func (f optionFunc) apply(o *loaderOptions) { f(o) }

type loaderOptions struct {
	timeout    time.Duration
	hasTimeout bool
	getPolicy  GetPolicy
	logger     *zap.Logger
	clock      Clock
	cloner     ValueCloner
	telemetry  telemetry.Hook
}

func defaultLoaderOptions() loaderOptions {
	return loaderOptions{
		getPolicy: RaiseOnError,
		logger:    zap.NewNop(),
		clock:     SystemClock,
		cloner:    NopValueCloner{},
		telemetry: telemetry.NopHook{},
	}
}

// WithTimeout sets the loader-wide deadline for Run. d must be positive.
func WithTimeout(d time.Duration) Option {
	return optionFunc(func(o *loaderOptions) {
		o.timeout = d
		o.hasTimeout = true
	})
}

// WithGetPolicy sets how Get/GetMany translate failures (§4.6).
func WithGetPolicy(p GetPolicy) Option {
	return optionFunc(func(o *loaderOptions) { o.getPolicy = p })
}

// WithLogger sets the diagnostic logger. Logging is a side channel: it never
// changes what Run, Get, or GetMany return.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(o *loaderOptions) {
		if logger != nil {
			o.logger = logger
		}
	})
}

// WithClock overrides the clock used to stamp telemetry spans. Tests use
// this to make span timestamps deterministic.
func WithClock(clock Clock) Option {
	return optionFunc(func(o *loaderOptions) {
		if clock != nil {
			o.clock = clock
		}
	})
}

// WithValueCloner overrides the cloner applied to shared result values on
// read (see value_cloner.go).
func WithValueCloner(cloner ValueCloner) Option {
	return optionFunc(func(o *loaderOptions) {
		if cloner != nil {
			o.cloner = cloner
		}
	})
}

// WithTelemetry attaches a span-boundary consumer (§6). The default is a
// no-op hook.
func WithTelemetry(hook telemetry.Hook) Option {
	return optionFunc(func(o *loaderOptions) {
		if hook != nil {
			o.telemetry = hook
		}
	})
}
