// Package kernel wires the governance core from process settings and a
// policy, and exposes the calls the CLI makes: evaluate, execute, approve,
// kill switch, registration, replay and evidence export.
package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/approval"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/authz"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/config"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/executor"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/gate"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/killswitch"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/observability"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/reliability"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/replay"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/tenants"
)

// ErrStorage marks failures to open or initialize durable storage.
var ErrStorage = errors.New("storage unavailable")

// Option customizes a Kernel.
type Option func(*options)

type options struct {
	effector  executor.Effector
	clock     func() time.Time
	sleeper   reliability.Sleeper
	logger    *slog.Logger
	telemetry *observability.Provider
	limiter   reliability.Limiter
}

// WithEffector supplies the effector used when EXOARMUR_EFFECTOR is "real".
func WithEffector(e executor.Effector) Option {
	return func(o *options) { o.effector = e }
}

// WithClock overrides the clock of every component.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithSleeper overrides the retry sleeper.
func WithSleeper(s reliability.Sleeper) Option {
	return func(o *options) { o.sleeper = s }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTelemetry uses p instead of building a provider from the settings.
func WithTelemetry(p *observability.Provider) Option {
	return func(o *options) { o.telemetry = p }
}

// WithLimiter replaces the configured token-bucket limiter.
func WithLimiter(l reliability.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// Kernel is the wired core.
type Kernel struct {
	cfg        *config.Config
	policy     *config.Policy
	policyHash string
	logger     *slog.Logger
	telemetry  *observability.Provider
	ownsTel    bool

	db      *sql.DB
	store   kv.Store
	log     audit.Log
	closers []func() error

	sink       *audit.Emitter
	chain      *gate.Chain
	approvals  *approval.Service
	switches   *killswitch.Switches
	registry   *tenants.Registry
	directory  *authz.Directory
	guard      *reliability.Guard
	executor   *executor.Executor
	replay     *replay.Engine
	queue      *reliability.BoundedQueue[reliability.Task]
	dispatcher *reliability.Dispatcher
}

// New opens storage and builds every component. The caller must Close the
// kernel.
func New(ctx context.Context, cfg *config.Config, policy *config.Policy, opts ...Option) (*Kernel, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	policyHash, err := policy.Hash()
	if err != nil {
		return nil, &contracts.ConfigurationError{Field: "policy", Err: err}
	}
	ev, err := authz.NewEvaluator(policy.Authz.Condition)
	if err != nil {
		return nil, &contracts.ConfigurationError{Field: "authz.condition", Err: err}
	}

	k := &Kernel{
		cfg:        cfg,
		policy:     policy,
		policyHash: policyHash,
		logger:     o.logger.With("component", "kernel"),
		telemetry:  o.telemetry,
	}
	if k.telemetry == nil {
		tel, err := observability.New(ctx, cfg.Telemetry(Version))
		if err != nil {
			return nil, fmt.Errorf("kernel: telemetry: %w", err)
		}
		k.telemetry, k.ownsTel = tel, true
	}

	if err := k.openStorage(ctx, o.clock); err != nil {
		_ = k.Close()
		return nil, err
	}

	k.sink = audit.NewEmitter(k.log, cfg.Actor).WithClock(o.clock).WithLogger(o.logger)
	k.chain = gate.NewChain(k.store, k.sink, ev).
		WithClock(o.clock).
		WithPolicyHash(policyHash).
		WithLogger(o.logger).
		WithTelemetry(k.telemetry)
	k.approvals = approval.New(k.store, k.sink).
		WithClock(o.clock).
		WithDefaultTTL(time.Duration(policy.Approval.DefaultTTL))
	k.switches = killswitch.New(k.store, k.sink).WithClock(o.clock)
	k.registry = tenants.NewRegistry(k.store, k.sink).WithClock(o.clock)
	k.directory = authz.NewDirectory(k.store, k.sink).WithClock(o.clock)

	limiter, err := k.limiter(ctx, o)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	guard, err := reliability.NewGuard(policy.Guard(), k.store, limiter, k.sink)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	k.guard = guard.WithClock(o.clock).WithLogger(o.logger).WithTelemetry(k.telemetry)
	if o.sleeper != nil {
		k.guard.WithSleeper(o.sleeper)
	}

	effector, err := selectEffector(cfg.Effector, o.effector)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	k.executor = executor.New(k.chain, k.guard, k.sink, effector).WithLogger(o.logger)
	k.replay = replay.NewEngine(k.log, k.store, ev, policyHash).
		WithLogger(o.logger).
		WithTelemetry(k.telemetry)

	k.queue, err = reliability.NewBoundedQueue[reliability.Task](policy.Queue.Capacity, policy.Queue.DropPolicy)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	k.dispatcher, err = reliability.NewDispatcher("executions", k.queue, policy.Dispatcher.Concurrency, k.sink)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	k.dispatcher.WithLogger(o.logger).WithTelemetry(k.telemetry)

	k.logger.InfoContext(ctx, "kernel ready",
		"storage", cfg.StorageMode(),
		"store", cfg.StoreBackend,
		"audit", cfg.AuditBackend,
		"effector", effector.Kind(),
		"policy_version", policy.PolicyVersion,
		"policy_hash", policyHash,
	)
	return k, nil
}

// Version is reported to telemetry.
const Version = "0.1.0"

func (k *Kernel) openStorage(ctx context.Context, clock func() time.Time) error {
	cfg := k.cfg
	if cfg.NeedsDatabase() {
		db, dialect, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		k.db = db
		k.closers = append(k.closers, db.Close)

		if cfg.StoreBackend == "sql" {
			s := kv.NewSQLStore(db, dialect).WithClock(clock)
			if err := s.Init(ctx); err != nil {
				return fmt.Errorf("%w: init store: %w", ErrStorage, err)
			}
			k.store = s
		}
		if cfg.AuditBackend == "sql" {
			l := audit.NewSQLLog(db, dialect)
			if err := l.Init(ctx); err != nil {
				return fmt.Errorf("%w: init audit log: %w", ErrStorage, err)
			}
			k.log = l
		}
	}

	if k.store == nil {
		s := kv.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB).WithClock(clock)
		k.closers = append(k.closers, s.Close)
		if err := s.Ping(ctx); err != nil {
			return fmt.Errorf("%w: redis store: %w", ErrStorage, err)
		}
		k.store = s
	}
	if k.log == nil {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("%w: create data dir: %w", ErrStorage, err)
		}
		l, err := audit.OpenFileLog(cfg.AuditFilePath())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		k.closers = append(k.closers, l.Close)
		k.log = l
	}
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, kv.Dialect, error) {
	if cfg.StorageMode() == config.StoragePostgres {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("%w: open postgres: %w", ErrStorage, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("%w: ping postgres: %w", ErrStorage, err)
		}
		return db, kv.DialectPostgres, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, "", fmt.Errorf("%w: create data dir: %w", ErrStorage, err)
	}
	db, err := sql.Open("sqlite", cfg.SQLitePath())
	if err != nil {
		return nil, "", fmt.Errorf("%w: open sqlite: %w", ErrStorage, err)
	}
	// One connection serializes writers; sqlite would otherwise report busy.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("%w: open sqlite: %w", ErrStorage, err)
	}
	return db, kv.DialectSQLite, nil
}

func (k *Kernel) limiter(ctx context.Context, o options) (reliability.Limiter, error) {
	if o.limiter != nil {
		return o.limiter, nil
	}
	if k.cfg.RedisAddr != "" {
		r := reliability.NewRedisLimiter(k.cfg.RedisAddr, k.cfg.RedisPassword, k.cfg.RedisDB).WithClock(o.clock)
		k.closers = append(k.closers, r.Close)
		if err := r.Ping(ctx); err != nil {
			return nil, fmt.Errorf("%w: redis limiter: %w", ErrStorage, err)
		}
		return r, nil
	}
	// Without Redis the buckets live in the store so separate invocations
	// share them.
	return reliability.NewKVLimiter(k.store).WithClock(o.clock), nil
}

func selectEffector(kind string, supplied executor.Effector) (executor.Effector, error) {
	switch executor.Kind(kind) {
	case executor.KindReal:
		if supplied == nil {
			return nil, &contracts.ConfigurationError{Field: "EXOARMUR_EFFECTOR", Err: errors.New("real effector requested but none is registered")}
		}
		if supplied.Kind() != executor.KindReal {
			return nil, &contracts.ConfigurationError{Field: "EXOARMUR_EFFECTOR", Err: fmt.Errorf("registered effector is %s", supplied.Kind())}
		}
		return supplied, nil
	case executor.KindSimulated, "":
		return executor.NewSimulated(), nil
	default:
		return nil, &contracts.ConfigurationError{Field: "EXOARMUR_EFFECTOR", Err: fmt.Errorf("unknown effector %q", kind)}
	}
}

// Close releases storage and flushes telemetry.
func (k *Kernel) Close() error {
	var errs []error
	if k.ownsTel && k.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, k.telemetry.Shutdown(ctx))
		cancel()
	}
	for i := len(k.closers) - 1; i >= 0; i-- {
		errs = append(errs, k.closers[i]())
	}
	k.closers = nil
	return errors.Join(errs...)
}

// Policy returns the effective policy.
func (k *Kernel) Policy() *config.Policy { return k.policy }

// PolicyHash returns the hash recorded with every decision.
func (k *Kernel) PolicyHash() string { return k.policyHash }

// AuditLog returns the audit trail.
func (k *Kernel) AuditLog() audit.Reader { return k.log }

// Effector returns the effector executions run through.
func (k *Kernel) Effector() executor.Effector { return k.executor.Effector() }
