// Package orchestrator assembles the tool orchestration engine from
// configuration: backing stores (Redis when configured, in-memory
// otherwise), the HTTP tool invoker, health and performance monitoring,
// and optional OpenTelemetry export.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/invoke"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/monitor"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/orchestration"
	"github.com/nestymook/mbti-travel-assistant-v2-sub005/telemetry"
)

// System is a fully wired engine instance.
type System struct {
	Config       *core.Config
	Registry     core.ToolRegistry
	Orchestrator *orchestration.Orchestrator
	Health       *monitor.HealthMonitor
	Logger       core.Logger

	memoryStore *core.MemoryStore
	otel        *telemetry.OTel
	perfCancel  context.CancelFunc
}

// Option customizes system assembly.
type Option func(*options)

type options struct {
	serviceName string
	telemetry   bool
	invoker     core.ToolInvoker
	registry    core.ToolRegistry
	memory      core.Memory
}

// WithServiceName sets the name used for logging and trace export.
// Defaults to "tool-orchestrator".
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithTelemetry enables OpenTelemetry trace and metric export.
func WithTelemetry() Option {
	return func(o *options) { o.telemetry = true }
}

// WithInvoker replaces the default HTTP invoker, mainly for embedding
// tools in-process.
func WithInvoker(invoker core.ToolInvoker) Option {
	return func(o *options) { o.invoker = invoker }
}

// WithRegistry replaces the configured registry backend.
func WithRegistry(registry core.ToolRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithMemory replaces the configured state store backend.
func WithMemory(memory core.Memory) Option {
	return func(o *options) { o.memory = memory }
}

// NewSystem loads configuration from configPath (empty for defaults plus
// environment) and wires every component. Call Start to begin background
// monitoring and Shutdown to release resources.
func NewSystem(ctx context.Context, configPath string, opts ...Option) (*System, error) {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	o := &options{serviceName: "tool-orchestrator"}
	for _, opt := range opts {
		opt(o)
	}

	logger := core.NewProductionLogger(o.serviceName)
	sys := &System{Config: cfg, Logger: logger}

	registry := o.registry
	memory := o.memory
	if registry == nil {
		if cfg.Redis.URL != "" {
			registry, err = core.NewRedisRegistry(cfg.Redis.URL, cfg.Redis.Namespace)
			if err != nil {
				return nil, fmt.Errorf("building Redis registry: %w", err)
			}
		} else {
			registry = core.NewMemoryRegistry()
		}
	}
	if memory == nil {
		if cfg.Redis.URL != "" {
			memory, err = core.NewRedisStore(cfg.Redis.URL, cfg.Redis.Namespace)
			if err != nil {
				return nil, fmt.Errorf("building Redis state store: %w", err)
			}
		} else {
			store := core.NewMemoryStore()
			sys.memoryStore = store
			memory = store
		}
	}
	sys.Registry = registry

	invoker := o.invoker
	httpInvoker, usesHTTP := invoker.(*invoke.HTTPInvoker)
	if invoker == nil {
		httpInvoker = invoke.NewHTTPInvoker()
		httpInvoker.SetLogger(logger)
		invoker = httpInvoker
		usesHTTP = true
	}

	orch, err := orchestration.NewOrchestrator(cfg, registry, invoker, memory)
	if err != nil {
		return nil, err
	}
	orch.SetLogger(logger)
	sys.Orchestrator = orch

	if o.telemetry {
		tel, err := telemetry.New(ctx, o.serviceName)
		if err != nil {
			return nil, fmt.Errorf("initializing telemetry: %w", err)
		}
		sys.otel = tel
		orch.SetTelemetry(tel)
	}

	// Active health checking needs a prober; only the HTTP invoker
	// provides one out of the box.
	if usesHTTP {
		health := monitor.NewHealthMonitor(registry, monitor.ProberFunc(httpInvoker.HealthProbe), cfg.Monitor)
		health.SetLogger(logger)
		health.SetBreakerOpener(orch.Breakers())
		sys.Health = health
	}

	return sys, nil
}

// Start launches background monitoring: periodic health checks and,
// when enabled, periodic publication of performance aggregates into the
// registry.
func (s *System) Start(ctx context.Context) {
	if s.Health != nil {
		s.Health.Start(ctx)
	}
	if s.Config.Monitor.PublishPerformance {
		pubCtx, cancel := context.WithCancel(ctx)
		s.perfCancel = cancel
		go s.publishLoop(pubCtx)
	}
	s.Logger.Info("Orchestration system started", map[string]interface{}{
		"operation":       "system_start",
		"redis_backed":    s.Config.Redis.URL != "",
		"health_checks":   s.Health != nil,
		"max_concurrency": s.Config.Engine.MaxConcurrentWorkflows,
	})
}

func (s *System) publishLoop(ctx context.Context) {
	interval := s.Config.Monitor.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Orchestrator.PerformanceMonitor().Publish(ctx, s.Registry)
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops monitoring and flushes telemetry.
func (s *System) Shutdown(ctx context.Context) error {
	if s.Health != nil {
		s.Health.Stop()
	}
	if s.perfCancel != nil {
		s.perfCancel()
	}
	if s.memoryStore != nil {
		s.memoryStore.Close()
	}
	if s.otel != nil {
		return s.otel.Shutdown(ctx)
	}
	return nil
}
