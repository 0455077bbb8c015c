package governance

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/invoke"
	"github.com/jio-gl/multiguard/pkg/notify"
	"github.com/jio-gl/multiguard/pkg/policy"
	"github.com/jio-gl/multiguard/pkg/store"
)

// Admission decides whether a proposal may be created. A rejection should
// wrap contracts.ErrPolicyDenied.
type Admission interface {
	Admit(ctx context.Context, in policy.Input) error
}

// Tracker instruments one operation; the returned func receives its outcome.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger overrides the default component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSelf sets the engine's own address; Transactions may not target it.
func WithSelf(self contracts.Address) Option {
	return func(e *Engine) { e.self = self }
}

// WithInvoker sets the collaborator that performs Transaction calls.
// Without one, no target is executable.
func WithInvoker(inv invoke.Invoker) Option {
	return func(e *Engine) { e.invoker = inv }
}

// WithNotifier sets where committed events are published.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithAdmission sets the create-time admission policy.
func WithAdmission(a Admission) Option {
	return func(e *Engine) { e.admission = a }
}

// WithTracker instruments every public operation.
func WithTracker(t Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithRepository sets the durable store. Defaults to an in-memory repository.
func WithRepository(r store.Repository) Option {
	return func(e *Engine) { e.repo = r }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}
