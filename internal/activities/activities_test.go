package activities

import (
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/cache"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/config"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/constants"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/results"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

// newFixture builds an Activities instance for one test. Collaborator URLs
// start empty so a test that forgets to wire its httptest server fails fast,
// and every test gets fresh circuit breakers.
func newFixture(t *testing.T, mutate func(*Deps, *config.PlatformConfig)) *Activities {
	t.Helper()
	cfg := config.DefaultPlatformConfig()
	cfg.Collaborators = config.CollaboratorsConfig{}
	deps := Deps{
		Logger:   zaptest.NewLogger(t),
		Platform: func() *config.PlatformConfig { return cfg },
	}
	if mutate != nil {
		mutate(&deps, cfg)
	}
	return NewActivities(deps)
}

// newRedisBacked spins up miniredis with a cache and result store over it.
func newRedisBacked(t *testing.T) (*cache.Cache, *results.Store, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	rw := circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t))
	return cache.New(rw, zaptest.NewLogger(t)), results.NewStore(rw, zaptest.NewLogger(t)), s
}

// newMockDB wraps a sqlmock connection in a db client with live queue
// workers, for activities that persist through the write queue.
func newMockDB(t *testing.T) (*db.Client, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	client := db.NewClientWithDB(raw, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = client.Close() })
	return client, mock
}

// execActivity runs one activity method under the SDK test environment so
// heartbeats and the activity logger work, and decodes the result into out.
func execActivity(t *testing.T, a *Activities, fn interface{}, input, out interface{}) error {
	t.Helper()
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(a)
	val, err := env.ExecuteActivity(fn, input)
	if err != nil {
		return err
	}
	if out != nil {
		require.NoError(t, val.Get(out))
	}
	return nil
}

func assertErrKind(t *testing.T, err error, kind taskgraph.ErrorKind) {
	t.Helper()
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, string(kind), appErr.Type())
}

func TestRegisterAllActivities(t *testing.T) {
	a := newFixture(t, nil)
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	// Panics if any exported method is not a valid activity signature.
	env.RegisterActivity(a)
}

func TestActivityNameConstantsMatchMethods(t *testing.T) {
	typ := reflect.TypeOf(&Activities{})
	for _, name := range []string{
		constants.DecomposeTasksActivity,
		constants.EvolvePromptsActivity,
		constants.ExecuteTaskActivity,
		constants.ValidateOutputsActivity,
		constants.ModerateContentActivity,
		constants.RecordModerationHitActivity,
		constants.LookupCachedResultActivity,
		constants.StoreCachedResultActivity,
		constants.AcquireComputeLeaseActivity,
		constants.ReleaseComputeLeaseActivity,
		constants.RehydrateCachedResultActivity,
		constants.AssembleCapsuleActivity,
		constants.CheckQuotaActivity,
		constants.FinalizeLedgerActivity,
		constants.EvaluateAdmissionActivity,
		constants.UpsertRunRecordActivity,
		constants.PublishProgressActivity,
		constants.LookupPlanHintsActivity,
		constants.RecordPlanMemoryActivity,
	} {
		_, ok := typ.MethodByName(name)
		assert.True(t, ok, "no activity method %q", name)
	}
}

func TestAppErrorRetryability(t *testing.T) {
	cases := []struct {
		kind         taskgraph.ErrorKind
		nonRetryable bool
	}{
		{taskgraph.ErrPolicyBlocked, true},
		{taskgraph.ErrInvalidInput, true},
		{taskgraph.ErrQuotaExceeded, true},
		{taskgraph.ErrDecomposition, true},
		{taskgraph.ErrPathCollision, true},
		{taskgraph.ErrCancelled, true},
		{taskgraph.ErrTransientNetwork, false},
		{taskgraph.ErrRateLimited, false},
		{taskgraph.ErrCapsulePersist, false},
		{taskgraph.ErrInternal, false},
	}
	for _, tc := range cases {
		err := appError(taskgraph.NewTypedError(tc.kind, "boom", map[string]interface{}{"k": "v"}))
		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr, string(tc.kind))
		assert.Equal(t, string(tc.kind), appErr.Type())
		assert.Equal(t, tc.nonRetryable, appErr.NonRetryable(), string(tc.kind))
	}
}

func TestAppErrorNil(t *testing.T) {
	assert.NoError(t, appError(nil))
}

func TestAppErrorUntypedDefaultsToInternal(t *testing.T) {
	err := appError(assert.AnError)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, string(taskgraph.ErrInternal), appErr.Type())
	assert.False(t, appErr.NonRetryable())
}
