// Package cache implements the task fingerprint cache: deterministic task
// identity hashing, Redis-backed result entries with TTL classes, and
// single-flight leases so identical concurrent work runs once.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/util"
)

// Fingerprint computes the cache identity of a task: kind, tier, normalized
// prompt, dependency outputs digest and canonical constraint pairs. Prompts
// differing only in case, spacing or comments share a fingerprint.
func Fingerprint(kind taskgraph.Kind, prompt string, tier taskgraph.Tier, inputsDigest string, constraints models.Constraints) string {
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteByte('|')
	b.WriteString(string(tier))
	b.WriteByte('|')
	b.WriteString(NormalizePrompt(prompt))
	b.WriteByte('|')
	b.WriteString(inputsDigest)
	for _, pair := range constraints.CanonicalPairs() {
		b.WriteByte('|')
		b.WriteString(pair)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// CombineDigests folds ordered dependency output digests into the single
// inputs digest fed to Fingerprint. A lone digest passes through unchanged
// so single-dependency chains stay recognizable in logs.
func CombineDigests(digests []string) string {
	switch len(digests) {
	case 0:
		return ""
	case 1:
		return digests[0]
	}
	sum := sha256.Sum256([]byte(strings.Join(digests, "|")))
	return hex.EncodeToString(sum[:])
}

// NormalizePrompt lowercases, collapses whitespace and drops comment-only
// lines (//, #, -- and /* */ blocks). Inline trailing comments are kept;
// stripping them would require language-aware parsing.
func NormalizePrompt(prompt string) string {
	var parts []string
	inBlock := false
	for _, line := range strings.Split(prompt, "\n") {
		t := strings.TrimSpace(line)
		if inBlock {
			end := strings.Index(t, "*/")
			if end < 0 {
				continue
			}
			inBlock = false
			t = strings.TrimSpace(t[end+2:])
		}
		if t == "" {
			continue
		}
		if strings.HasPrefix(t, "//") || strings.HasPrefix(t, "#") || strings.HasPrefix(t, "--") {
			continue
		}
		if strings.HasPrefix(t, "/*") {
			end := strings.Index(t[2:], "*/")
			if end < 0 {
				inBlock = true
				continue
			}
			t = strings.TrimSpace(t[2+end+2:])
			if t == "" {
				continue
			}
		}
		parts = append(parts, t)
	}
	return util.CollapseWhitespace(strings.Join(parts, " "))
}
