// Package agentfabric assembles the agent task-handoff orchestration
// fabric with minimal boilerplate: event bus, access gate, claim
// validator, consensus engine, and handoff orchestrator, wired together
// from one configuration.
//
// Usage:
//
//	import "github.com/agentfabric/agentfabric"
//
//	f, err := agentfabric.New(config.Default(), logger)
//	f, err := agentfabric.New(cfg, logger, agentfabric.WithRecordStore(redisStore))
//
// Library code receives its collaborators explicitly; this facade exists
// for entry points that want the standard wiring.
package agentfabric

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentfabric/agentfabric/access"
	"github.com/agentfabric/agentfabric/claims"
	"github.com/agentfabric/agentfabric/config"
	"github.com/agentfabric/agentfabric/consensus"
	"github.com/agentfabric/agentfabric/fabric"
	"github.com/agentfabric/agentfabric/internal/audit"
	"github.com/agentfabric/agentfabric/internal/metrics"
	"github.com/agentfabric/agentfabric/orchestrator"
)

// Fabric is a fully wired instance of the orchestration fabric.
type Fabric struct {
	Bus          *fabric.Bus
	Gate         *access.Gate
	Validator    *claims.Validator
	Engine       *consensus.Engine
	Orchestrator *orchestrator.Orchestrator
	Collector    *metrics.Collector
	Audit        audit.Sink

	// Tokens is non-nil when cfg.Auth.Secret is set; it issues and verifies
	// identity tokens bound to the gate's principal registry.
	Tokens *access.TokenAuthenticator

	store     orchestrator.RecordStore
	ownsStore bool
}

type options struct {
	store    orchestrator.RecordStore
	sink     audit.Sink
	registry *prometheus.Registry
	roles    []Role
}

// Role re-exports access.Role for callers configuring the gate through
// this package alone.
type Role = access.Role

// Option customizes the assembled fabric.
type Option func(*options)

// WithRecordStore substitutes the handoff record store. The caller keeps
// ownership; Close will not close it.
func WithRecordStore(store orchestrator.RecordStore) Option {
	return func(o *options) { o.store = store }
}

// WithAuditSink substitutes the audit sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithRegistry substitutes the Prometheus registry the collector registers
// on.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithRoles substitutes the role catalog. Defaults to access.DefaultRoles.
func WithRoles(roles []Role) Option {
	return func(o *options) { o.roles = roles }
}

// New assembles a fabric from cfg. The default record store is in-memory
// and owned by the fabric; pass WithRecordStore for persistence.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Fabric, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if o.sink == nil {
		o.sink = audit.NewZapSink(logger)
	}
	if o.roles == nil {
		o.roles = access.DefaultRoles()
	}
	ownsStore := false
	if o.store == nil {
		o.store = orchestrator.NewMemoryStore()
		ownsStore = true
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace, o.registry, logger)
	bus := fabric.NewBus(logger)
	gate := access.NewGate(o.roles, access.DefaultResourceTypes(), logger, access.WithBus(bus))
	var tokens *access.TokenAuthenticator
	if cfg.Auth.Secret != "" {
		tokens = access.NewTokenAuthenticator([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, cfg.Auth.TokenTTL, gate)
	}
	engine := consensus.NewEngine(gate, bus, collector, logger,
		consensus.WithDefaultThreshold(cfg.Consensus.DefaultThreshold))
	validator := claims.NewValidator(claims.Config{
		Rules:          claims.DefaultRules(),
		AutoVeto:       cfg.Validator.AutoVeto,
		VetoConfidence: cfg.Validator.VetoConfidence,
		HistorySize:    cfg.Validator.HistorySize,
	}, engine, o.sink, bus, logger)

	orch := orchestrator.New(orchestrator.Config{
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: cfg.Orchestrator.MaxAttempts,
			BaseDelay:   cfg.Orchestrator.BaseDelay,
			MaxDelay:    cfg.Orchestrator.MaxDelay,
			Multiplier:  2.0,
			Jitter:      true,
		},
		ProviderTimeout: cfg.Orchestrator.ProviderTimeout,
		VetoQuorum:      cfg.Orchestrator.VetoQuorum,
		VetoThreshold:   cfg.Orchestrator.VetoThreshold,
		VetoTimeout:     cfg.Orchestrator.VetoTimeout,
		DefaultCapacity: cfg.Orchestrator.DefaultCapacity,
	}, orchestrator.Deps{
		Gate:      gate,
		Validator: validator,
		Engine:    engine,
		Bus:       bus,
		Store:     o.store,
		Collector: collector,
		Audit:     o.sink,
	}, logger)

	return &Fabric{
		Bus:          bus,
		Gate:         gate,
		Validator:    validator,
		Engine:       engine,
		Orchestrator: orch,
		Collector:    collector,
		Audit:        o.sink,
		Tokens:       tokens,
		store:        o.store,
		ownsStore:    ownsStore,
	}, nil
}

// Close settles in-flight handoffs, closes the bus, and closes the record
// store if the fabric owns it.
func (f *Fabric) Close() error {
	var errs []error
	if err := f.Orchestrator.Close(); err != nil {
		errs = append(errs, err)
	}
	f.Bus.Close()
	if f.ownsStore {
		if err := f.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
