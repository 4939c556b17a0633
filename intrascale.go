// Package intrascale provides a top-level convenience entry point for
// assembling a node with minimal boilerplate.
//
// Usage:
//
//	import "github.com/intrascale/intrascale"
//
//	n, err := intrascale.New(
//		intrascale.WithHandler("square", square),
//	)
//	if err != nil { ... }
//	go n.Run(ctx)
//
//	handle, err := n.Submit(ctx, scheduler.JobSpec{
//		Handler: "square",
//		Inputs:  [][]byte{[]byte("3"), []byte("4")},
//	})
//	result, err := handle.Wait(ctx)
//
// This is a thin wrapper around [node.New] plus worker registration;
// use the node and worker packages directly when you need finer
// control over assembly.
package intrascale

import (
	"go.uber.org/zap"

	"github.com/intrascale/intrascale/config"
	"github.com/intrascale/intrascale/node"
	"github.com/intrascale/intrascale/worker"
)

// Option configures the node created by [New].
type Option func(*options)

type options struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	handlers   map[string]worker.HandlerFunc
	submitOnly bool
}

// WithConfig supplies a fully built configuration, skipping file and
// environment loading.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile loads configuration from a YAML file, with
// INTRASCALE_* environment variables layered on top.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHandler registers a named task handler the node executes when a
// dispatch names it.
func WithHandler(name string, fn worker.HandlerFunc) Option {
	return func(o *options) { o.handlers[name] = fn }
}

// SubmitOnly builds a node that submits jobs but never executes tasks
// itself; dispatched work is refused and reassigned elsewhere.
func SubmitOnly() Option {
	return func(o *options) { o.submitOnly = true }
}

// New assembles a ready-to-run node with its worker executor attached.
// Without options it loads configuration from the environment and
// executes tasks for whatever handlers were registered.
func New(opts ...Option) (*node.Node, error) {
	o := &options{handlers: make(map[string]worker.HandlerFunc)}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		loader := config.NewLoader()
		if o.configPath != "" {
			loader = loader.WithConfigPath(o.configPath)
		}
		loaded, err := loader.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	if !o.submitOnly {
		registry := worker.NewRegistry()
		for name, fn := range o.handlers {
			registry.Register(name, fn)
		}
		n.SetExecutor(worker.NewExecutor(
			cfg.Worker, n.ID(), registry, n.Sampler(), n.Metrics(), logger,
		))
	}
	return n, nil
}
