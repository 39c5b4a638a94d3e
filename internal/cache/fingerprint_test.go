package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

func TestFingerprintNormalizationEquivalence(t *testing.T) {
	base := Fingerprint(taskgraph.KindImplement, "Build a REST API", taskgraph.TierT2, "d1", models.Constraints{})

	equivalent := []string{
		"build a rest api",
		"Build   a\tREST   API",
		"// scaffolding note\nBuild a REST API",
		"# generated\nBuild a REST API\n-- trailing note",
		"/* header\n   comment */\nBuild a REST API",
		"\n\nBuild a REST API\n",
	}
	for _, prompt := range equivalent {
		got := Fingerprint(taskgraph.KindImplement, prompt, taskgraph.TierT2, "d1", models.Constraints{})
		assert.Equal(t, base, got, "prompt %q should share the fingerprint", prompt)
	}

	different := []struct {
		name string
		fp   string
	}{
		{"prompt", Fingerprint(taskgraph.KindImplement, "Build a GraphQL API", taskgraph.TierT2, "d1", models.Constraints{})},
		{"kind", Fingerprint(taskgraph.KindTest, "Build a REST API", taskgraph.TierT2, "d1", models.Constraints{})},
		{"tier", Fingerprint(taskgraph.KindImplement, "Build a REST API", taskgraph.TierT3, "d1", models.Constraints{})},
		{"inputs", Fingerprint(taskgraph.KindImplement, "Build a REST API", taskgraph.TierT2, "d2", models.Constraints{})},
		{"constraints", Fingerprint(taskgraph.KindImplement, "Build a REST API", taskgraph.TierT2, "d1", models.Constraints{Language: "go"})},
	}
	for _, d := range different {
		assert.NotEqual(t, base, d.fp, "changing %s must change the fingerprint", d.name)
	}
}

func TestFingerprintConstraintOrderInsensitive(t *testing.T) {
	a := models.Constraints{Language: "python", Framework: "fastapi", Extra: map[string]string{"orm": "sqlalchemy", "db": "postgres"}}
	b := models.Constraints{Language: "python", Framework: "fastapi", Extra: map[string]string{"db": "postgres", "orm": "sqlalchemy"}}
	assert.Equal(t,
		Fingerprint(taskgraph.KindImplement, "p", taskgraph.TierT2, "d", a),
		Fingerprint(taskgraph.KindImplement, "p", taskgraph.TierT2, "d", b))
}

func TestNormalizePrompt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase collapse", "  Hello   WORLD  ", "hello world"},
		{"line comments dropped", "# a\n// b\n-- c\ncode here", "code here"},
		{"block comment single line", "/* note */\nkeep", "keep"},
		{"block comment multi line", "/* one\ntwo\nthree */\nkeep", "keep"},
		{"code after block end kept", "/* note */ keep this", "keep this"},
		{"inline trailing comment kept", "x = 1 // set x", "x = 1 // set x"},
		{"empty", "", ""},
		{"only comments", "// a\n# b", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePrompt(tt.in))
		})
	}
}

func TestStorable(t *testing.T) {
	ok := &taskgraph.TaskResult{Status: taskgraph.StatusSucceeded}
	assert.True(t, Storable(&taskgraph.Task{ID: "t1"}, ok))
	assert.True(t, Storable(&taskgraph.Task{ID: "t1", Temperature: 0.7}, ok))

	assert.False(t, Storable(nil, ok))
	assert.False(t, Storable(&taskgraph.Task{ID: "t1"}, nil))
	assert.False(t, Storable(&taskgraph.Task{ID: "t1"}, &taskgraph.TaskResult{Status: taskgraph.StatusFailedPermanent}))
	assert.False(t, Storable(&taskgraph.Task{ID: "t1"}, &taskgraph.TaskResult{Status: taskgraph.StatusSkippedCached}))
	assert.False(t, Storable(&taskgraph.Task{ID: "t1", Temperature: 0.9}, ok))
	assert.False(t, Storable(&taskgraph.Task{ID: "t1", Nondeterministic: true}, ok))
}
