package taskgraph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// FileDigest returns the hex sha256 of file content.
func FileDigest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// OutputsDigest folds a result's file set into a single digest. Files
// are ordered by path so the digest is independent of production order.
func OutputsDigest(files []FileRef) string {
	sorted := make([]FileRef, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, f := range sorted {
		fmt.Fprintf(h, "%s\x00%s\x00%d\n", f.Path, f.SHA256, f.Size)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// InputsDigest folds the outputs digests of a task's dependencies into the
// single upstream-identity component of its cache fingerprint. Digests are
// sorted so sibling completion order cannot change the result. No
// dependencies digest to the empty string.
func InputsDigest(depDigests []string) string {
	if len(depDigests) == 0 {
		return ""
	}
	deps := make([]string, len(depDigests))
	copy(deps, depDigests)
	sort.Strings(deps)

	sum := sha256.Sum256([]byte(strings.Join(deps, ",")))
	return hex.EncodeToString(sum[:])
}
