package gologger

import (
	"github.com/goliatone/go-iap/core"
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// DefaultName is the logger name used by the entitlement service and its
// background workers.
const DefaultName = "iap"

// Bridge carries one resolved logger set for the service, the webhook
// retry worker and the go-job runtime.
type Bridge struct {
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) Bridge {
	if name == "" {
		name = DefaultName
	}
	resolvedProvider, resolvedLogger := glog.Resolve(name, provider, logger)
	resolvedLogger = glog.Ensure(resolvedLogger)
	bridge := Bridge{
		Provider: resolvedProvider,
		Logger:   resolvedLogger,
	}
	if resolvedProvider != nil {
		bridge.JobProvider = job.GoLoggerProvider(resolvedProvider)
	}
	bridge.JobLogger = job.GoLogger(resolvedLogger)
	return bridge
}

// Named returns the logger for a component, e.g. "iap.webhooks".
func (b Bridge) Named(name string) glog.Logger {
	if b.Provider != nil {
		if logger := b.Provider.GetLogger(name); logger != nil {
			return glog.Ensure(logger)
		}
	}
	return glog.Ensure(b.Logger)
}

// ServiceOptions feeds the resolved logger into core.NewService.
func (b Bridge) ServiceOptions() []core.Option {
	opts := []core.Option{core.WithLogger(b.Logger)}
	if b.Provider != nil {
		opts = append(opts, core.WithLoggerProvider(b.Provider))
	}
	return opts
}
