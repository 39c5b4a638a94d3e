// Package taskgraph represents a decomposed generation request as a DAG of
// coding tasks and provides the shared task/result vocabulary used by the
// scheduler, the dispatcher, and the capsule assembler.
package taskgraph

// Kind classifies a task within the decomposition.
type Kind string

const (
	KindDesign    Kind = "design"
	KindImplement Kind = "implement"
	KindTest      Kind = "test"
	KindDoc       Kind = "doc"
	KindIntegrate Kind = "integrate"
	KindReview    Kind = "review"
)

var kindRanks = map[Kind]int{
	KindDesign:    0,
	KindImplement: 1,
	KindTest:      2,
	KindDoc:       3,
	KindIntegrate: 4,
	KindReview:    5,
}

// Rank returns the ordering position of the kind for scheduling tie-breaks.
// Unknown kinds sort after all known ones.
func (k Kind) Rank() int {
	if r, ok := kindRanks[k]; ok {
		return r
	}
	return len(kindRanks)
}

// Valid reports whether k is one of the known task kinds.
func (k Kind) Valid() bool {
	_, ok := kindRanks[k]
	return ok
}

// Tier is a cost/quality class mapped to a model class by the agent executor.
type Tier string

const (
	TierT0 Tier = "T0"
	TierT1 Tier = "T1"
	TierT2 Tier = "T2"
	TierT3 Tier = "T3"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierT0, TierT1, TierT2, TierT3:
		return true
	}
	return false
}

// Task is a node in the decomposition DAG. Tasks are created during
// decomposition and are immutable afterwards, except that Prompt may be
// replaced once by prompt evolution before scheduling starts.
type Task struct {
	ID             string   `json:"id"`
	Kind           Kind     `json:"kind"`
	Title          string   `json:"title,omitempty"`
	Prompt         string   `json:"prompt"`
	TierHint       Tier     `json:"tier_hint,omitempty"`
	Priority       int      `json:"priority"`
	DependsOn      []string `json:"depends_on,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`

	// Determinism controls for the result cache.
	Temperature      float64 `json:"temperature,omitempty"`
	Nondeterministic bool    `json:"nondeterministic,omitempty"`

	EstimatedTokens int `json:"estimated_tokens,omitempty"`
}

// Less orders tasks by (priority asc, kind rank, task id), the tie-break used
// for topologically equivalent tasks everywhere in the pipeline.
func Less(a, b Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if ar, br := a.Kind.Rank(), b.Kind.Rank(); ar != br {
		return ar < br
	}
	return a.ID < b.ID
}
