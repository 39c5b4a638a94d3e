// Package capsule assembles per-task file outputs into the final project
// capsule: one manifest plus a deterministic file tree with sanitized paths,
// detected languages and entry points.
package capsule

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

// FileFetcher loads the stored output bytes for one task, keyed by the path
// the task declared in its FileRefs.
type FileFetcher func(taskID string) (map[string][]byte, error)

// Input carries everything assembly needs. Results may be missing entries for
// tasks that never ran; those count as failed for the partial summary.
type Input struct {
	Request    models.ExecutionRequest
	Graph      *taskgraph.Graph
	Results    map[string]*taskgraph.TaskResult
	Validation models.ValidationSummary
	Cost       models.CostSummary
}

type fileEntry struct {
	content  []byte
	producer string
	layer    int
}

// Assemble merges task outputs in topological order. A later task overwriting
// an earlier task's path is an intentional refinement and wins; two tasks in
// the same layer writing one path have no defined order and fail the run with
// PATH_COLLISION.
func Assemble(in Input, fetch FileFetcher) (*models.CapsuleManifest, error) {
	if in.Graph == nil || len(in.Graph.Tasks) == 0 {
		return nil, taskgraph.NewTypedError(taskgraph.ErrInternal, "assembly requires a compiled task graph", nil)
	}

	files := make(map[string]fileEntry)
	for layerIdx, layer := range in.Graph.Layers() {
		for _, taskID := range layer {
			res := in.Results[taskID]
			if !res.Succeeded() || len(res.Files) == 0 {
				continue
			}
			outputs, err := fetch(taskID)
			if err != nil {
				return nil, taskgraph.NewTypedError(taskgraph.ErrCapsulePersist,
					"fetching task outputs failed", map[string]interface{}{
						"task_id": taskID, "cause": err.Error(),
					})
			}
			for _, ref := range res.Files {
				clean, err := SanitizePath(ref.Path)
				if err != nil {
					return nil, taskgraph.NewTypedError(taskgraph.ErrInvalidInput,
						"task produced an unsafe file path", map[string]interface{}{
							"task_id": taskID, "path": ref.Path, "cause": err.Error(),
						})
				}
				content, ok := outputs[ref.Path]
				if !ok {
					return nil, taskgraph.NewTypedError(taskgraph.ErrInternal,
						"task result references a file absent from the output store",
						map[string]interface{}{"task_id": taskID, "path": ref.Path})
				}
				if prev, dup := files[clean]; dup && prev.layer == layerIdx {
					return nil, taskgraph.NewTypedError(taskgraph.ErrPathCollision,
						"two parallel tasks produced the same path", map[string]interface{}{
							"path": clean, "producers": []string{prev.producer, taskID},
						})
				}
				files[clean] = fileEntry{content: content, producer: taskID, layer: layerIdx}
			}
		}
	}

	if len(files) == 0 {
		return nil, taskgraph.NewTypedError(taskgraph.ErrInternal, "no task produced any file", nil)
	}

	if !hasReadme(files) {
		files["README.md"] = fileEntry{
			content:  synthesizeReadme(in.Request, in.Graph, in.Results),
			producer: "assembler",
		}
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	manifest := &models.CapsuleManifest{
		CapsuleID:   uuid.New().String(),
		RequestID:   in.Request.RequestID,
		Files:       make([]models.CapsuleFile, 0, len(paths)),
		Languages:   detectLanguages(paths),
		EntryPoints: EntryPoints(paths),
		CostSummary: in.Cost,
		CreatedAt:   time.Now().UTC(),
	}
	for _, p := range paths {
		entry := files[p]
		manifest.Files = append(manifest.Files, models.CapsuleFile{
			Path:     p,
			SHA256:   taskgraph.FileDigest(entry.content),
			Size:     len(entry.content),
			Producer: entry.producer,
			Content:  entry.content,
		})
	}

	manifest.ValidationSummary = in.Validation
	manifest.ValidationSummary.FailedTasks = failedTasks(in.Graph, in.Results)
	manifest.ValidationSummary.Partial = len(manifest.ValidationSummary.FailedTasks) > 0
	return manifest, nil
}

func hasReadme(files map[string]fileEntry) bool {
	for p := range files {
		if strings.EqualFold(p, "README.md") {
			return true
		}
	}
	return false
}

func detectLanguages(paths []string) []string {
	set := make(map[string]struct{})
	for _, p := range paths {
		if lang := LanguageForPath(p); lang != "" {
			set[lang] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for lang := range set {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

func failedTasks(g *taskgraph.Graph, results map[string]*taskgraph.TaskResult) []string {
	var failed []string
	for i := range g.Tasks {
		id := g.Tasks[i].ID
		if !results[id].Succeeded() {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	return failed
}
