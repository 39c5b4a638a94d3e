package activities

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/config"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/results"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

func agentFixture(t *testing.T, handler http.HandlerFunc) (*Activities, *results.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	_, store, _ := newRedisBacked(t)
	a := newFixture(t, func(deps *Deps, cfg *config.PlatformConfig) {
		deps.Results = store
		cfg.Collaborators.AgentFactory.BaseURL = srv.URL
	})
	return a, store
}

func sampleExecuteInput() ExecuteTaskInput {
	return ExecuteTaskInput{
		WorkflowID: "qlp-gen-7",
		TenantID:   "acme",
		Task: taskgraph.Task{
			ID:     "impl",
			Kind:   taskgraph.KindImplement,
			Title:  "Implement API",
			Prompt: "Write the handlers",
		},
		Tier:        taskgraph.TierT1,
		Mode:        models.ModeComplete,
		Constraints: models.Constraints{Language: "python"},
	}
}

func TestExecuteTask(t *testing.T) {
	var gotReq executeRequest
	a, store := agentFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/execute", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "completed",
			"files": []map[string]string{
				{"path": "src/app.py", "content": "print('x')\n"},
				{"path": "README.md", "content": base64.StdEncoding.EncodeToString([]byte("# api\n")), "encoding": "base64"},
			},
			"summary":    "wrote two files",
			"tokens_in":  "900",
			"tokens_out": 350,
			"model":      "gpt-4o",
			"provider":   "openai",
		})
	})

	var res taskgraph.TaskResult
	require.NoError(t, execActivity(t, a, a.ExecuteTask, sampleExecuteInput(), &res))

	assert.Equal(t, "impl", gotReq.TaskID)
	assert.Equal(t, "T1", gotReq.Tier)
	assert.Equal(t, "deepseek-chat", gotReq.Model, "tier config model forwarded")
	assert.Contains(t, gotReq.Prompt, "Write the handlers")
	assert.Contains(t, gotReq.Prompt, "language=python")

	assert.Equal(t, taskgraph.StatusSucceeded, res.Status)
	assert.Equal(t, 1, res.Attempt)
	require.Len(t, res.Files, 2)
	assert.Equal(t, "README.md", res.Files[0].Path, "refs sorted by path")
	assert.Equal(t, "src/app.py", res.Files[1].Path)
	assert.NotEmpty(t, res.OutputsDigest)
	assert.Equal(t, "wrote two files", res.Summary)

	assert.Equal(t, taskgraph.TierT1, res.Metadata.TierUsed)
	assert.Equal(t, "gpt-4o", res.Metadata.Model)
	assert.Equal(t, "openai", res.Metadata.Provider)
	assert.Equal(t, 900, res.Metadata.TokensIn)
	assert.Equal(t, 350, res.Metadata.TokensOut)
	assert.Greater(t, res.Metadata.CostUSD, 0.0)

	stored, err := store.Get(context.Background(), "qlp-gen-7", "impl")
	require.NoError(t, err)
	assert.Equal(t, []byte("# api\n"), stored["README.md"], "base64 content decoded before storage")
	assert.Equal(t, []byte("print('x')\n"), stored["src/app.py"])
}

func TestExecuteTaskAgentReportedFailure(t *testing.T) {
	a, _ := agentFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "failed",
			"error":  map[string]string{"kind": "rate_limited", "message": "provider 429"},
		})
	})
	err := execActivity(t, a, a.ExecuteTask, sampleExecuteInput(), nil)
	assertErrKind(t, err, taskgraph.ErrRateLimited)
}

func TestExecuteTaskUnknownErrorKind(t *testing.T) {
	a, _ := agentFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"kind": "weird_new_kind", "message": "boom"},
		})
	})
	err := execActivity(t, a, a.ExecuteTask, sampleExecuteInput(), nil)
	assertErrKind(t, err, taskgraph.ErrInternal)
}

func TestExecuteTaskEmptyPrompt(t *testing.T) {
	a := newFixture(t, nil)
	input := sampleExecuteInput()
	input.Task.Prompt = "  "
	err := execActivity(t, a, a.ExecuteTask, input, nil)
	assertErrKind(t, err, taskgraph.ErrInvalidInput)
}

func TestExecuteTaskUnsafePath(t *testing.T) {
	a, _ := agentFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "completed",
			"files":  []map[string]string{{"path": "../../etc/passwd", "content": "x"}},
		})
	})
	err := execActivity(t, a, a.ExecuteTask, sampleExecuteInput(), nil)
	assertErrKind(t, err, taskgraph.ErrInternal)
}

func TestExecuteTaskNothingReturned(t *testing.T) {
	a, _ := agentFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "completed"})
	})
	err := execActivity(t, a, a.ExecuteTask, sampleExecuteInput(), nil)
	assertErrKind(t, err, taskgraph.ErrInternal)
}

func TestExecuteTaskSummaryOnly(t *testing.T) {
	a, _ := agentFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "completed",
			"summary": "reviewed the design, no changes needed",
		})
	})
	var res taskgraph.TaskResult
	require.NoError(t, execActivity(t, a, a.ExecuteTask, sampleExecuteInput(), &res))
	assert.Equal(t, taskgraph.StatusSucceeded, res.Status)
	assert.Empty(t, res.Files)
	assert.Equal(t, taskgraph.OutputsDigest(nil), res.OutputsDigest)
}

func TestBuildPrompt(t *testing.T) {
	input := ExecuteTaskInput{
		Task: taskgraph.Task{Prompt: "  Do the thing  "},
		Constraints: models.Constraints{
			Language:  "go",
			Framework: "gin",
		},
		Dependencies: []DependencySummary{
			{TaskID: "b", Title: "Second", Summary: "made helpers", Files: []string{"lib/h.go"}},
			{TaskID: "a", Summary: "designed schema"},
		},
		Feedback: []string{"fix the failing null check"},
	}

	p := buildPrompt(input)
	assert.Contains(t, p, "Do the thing")
	assert.Contains(t, p, "- framework=gin")
	assert.Contains(t, p, "- language=go")
	assert.Contains(t, p, "Completed dependencies:")
	assert.Less(t, strings.Index(p, "- a:"), strings.Index(p, "- b ("), "dependencies ordered by id")
	assert.Contains(t, p, "files: lib/h.go")
	assert.Contains(t, p, "Address this validation feedback:")
	assert.Contains(t, p, "fix the failing null check")
}

func TestSanitizeRelPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"src/app.py", "src/app.py", true},
		{"./src/app.py", "src/app.py", true},
		{"a/../b.txt", "b.txt", true},
		{"dir\\file.cs", "dir/file.cs", true},
		{"", "", false},
		{"/etc/passwd", "", false},
		{"..", "", false},
		{"../x", "", false},
		{"a/../../x", "", false},
		{".", "", false},
	}
	for _, tc := range cases {
		got, ok := sanitizeRelPath(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.in)
		}
	}
}

func TestDecodeFilesRejectsBadBase64(t *testing.T) {
	_, _, err := decodeFiles([]executeFile{
		{Path: "a.bin", Content: "!!!not base64!!!", Encoding: "base64"},
	})
	require.Error(t, err)
	assert.Equal(t, taskgraph.ErrInternal, taskgraph.KindOf(err))
}
