// Package activities hosts the Temporal activity implementations behind the
// generation workflow: plan decomposition, agent dispatch, validation,
// moderation, result caching, capsule assembly, ledger accounting and
// progress events. Activities are the non-deterministic edge of the system;
// everything here may read live configuration, call collaborator services
// and touch storage. The workflow side stays pure and replays cleanly.
package activities

import (
	"net/http"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/budget"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/cache"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/config"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/interceptors"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/memory"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/policy"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/results"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/sandbox"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/streaming"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

// Deps carries the shared clients activities need. Nil fields degrade the
// matching concern instead of failing construction: a nil DB skips
// persistence, a nil Streams skips event publication, a nil Cache answers
// every lookup with a miss.
type Deps struct {
	Logger  *zap.Logger
	DB      *db.Client
	Ledger  *budget.Ledger
	Policy  policy.Engine
	Streams *streaming.Manager
	Cache   *cache.Cache
	Results *results.Store
	Memory  *memory.Client
	Sandbox sandbox.Executor

	// Platform returns the current configuration snapshot. Activities read
	// it per call so file edits apply without a worker restart.
	Platform func() *config.PlatformConfig
}

// Activities is registered once on the worker. Method names match the
// activity name constants in internal/constants.
type Activities struct {
	deps Deps

	agentHTTP *circuitbreaker.HTTPWrapper
	meshHTTP  *circuitbreaker.HTTPWrapper
	hapHTTP   *circuitbreaker.HTTPWrapper
}

// NewActivities wires the activity set. Collaborator HTTP clients carry no
// static timeout; each call bounds itself with a context deadline from the
// live configuration.
func NewActivities(deps Deps) *Activities {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sandbox == nil {
		deps.Sandbox = sandbox.NoopExecutor{}
	}
	newClient := func() *http.Client {
		return &http.Client{Transport: interceptors.NewWorkflowHTTPRoundTripper(nil)}
	}
	return &Activities{
		deps:      deps,
		agentHTTP: circuitbreaker.NewHTTPWrapper(newClient(), "agent-factory", "orchestrator", deps.Logger),
		meshHTTP:  circuitbreaker.NewHTTPWrapper(newClient(), "validation-mesh", "orchestrator", deps.Logger),
		hapHTTP:   circuitbreaker.NewHTTPWrapper(newClient(), "hap-checker", "orchestrator", deps.Logger),
	}
}

// cfg returns the live platform snapshot, falling back to defaults when no
// provider is wired.
func (a *Activities) cfg() *config.PlatformConfig {
	if a.deps.Platform != nil {
		if c := a.deps.Platform(); c != nil {
			return c
		}
	}
	return config.DefaultPlatformConfig()
}

// appError maps a typed failure onto a temporal ApplicationError whose Type
// carries the stable error kind, so workflows and retry policies can match
// on it. Kinds that cannot succeed on retry are marked non-retryable; the
// rest defer to the caller's retry policy.
func appError(err error) error {
	if err == nil {
		return nil
	}
	te := taskgraph.AsTyped(err)
	var details []interface{}
	if len(te.Details) > 0 {
		details = append(details, te.Details)
	}
	switch te.Kind {
	case taskgraph.ErrPolicyBlocked, taskgraph.ErrInvalidInput, taskgraph.ErrQuotaExceeded,
		taskgraph.ErrDecomposition, taskgraph.ErrPathCollision, taskgraph.ErrCancelled:
		return temporal.NewNonRetryableApplicationError(te.Message, string(te.Kind), err, details...)
	}
	return temporal.NewApplicationError(te.Message, string(te.Kind), details...)
}
