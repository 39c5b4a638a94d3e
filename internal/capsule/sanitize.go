package capsule

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Reserved device names on Windows filesystems. A capsule is extracted on
// the user's machine, so these are rejected regardless of worker platform.
var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

// SanitizePath normalizes a produced file path and rejects anything that
// could escape or damage the extraction directory: parent traversal,
// absolute paths, drive letters, null bytes, reserved device names.
func SanitizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute path %q", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return "", fmt.Errorf("drive-letter path %q", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("path %q resolves to nothing", p)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the capsule root", p)
	}
	for _, seg := range strings.Split(cleaned, "/") {
		base := seg
		if i := strings.IndexByte(seg, '.'); i > 0 {
			base = seg[:i]
		}
		if _, reserved := reservedNames[strings.ToLower(base)]; reserved {
			return "", fmt.Errorf("path segment %q is a reserved device name", seg)
		}
	}
	return cleaned, nil
}

// languageByExt maps source-file extensions to language names for the
// manifest's languages set. Markup and data formats are deliberately absent.
var languageByExt = map[string]string{
	".py":    "python",
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".rb":    "ruby",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
}

// LanguageForPath returns the language for a file path, or "" for non-source
// files.
func LanguageForPath(p string) string {
	return languageByExt[strings.ToLower(path.Ext(p))]
}

// entryBaseRank orders entry-point conventions: main beats app beats index.
var entryBaseRank = map[string]int{"main": 0, "app": 1, "index": 2}

// EntryPoints derives the deterministic entry-point list: for each detected
// language, the best file whose base name matches a convention, ordered by
// (convention rank, path); output sorted by language then path.
func EntryPoints(paths []string) []string {
	type candidate struct {
		rank int
		path string
	}
	best := make(map[string]candidate)
	for _, p := range paths {
		lang := LanguageForPath(p)
		if lang == "" {
			continue
		}
		base := strings.TrimSuffix(path.Base(p), path.Ext(p))
		rank, ok := entryBaseRank[strings.ToLower(base)]
		if !ok {
			continue
		}
		cur, exists := best[lang]
		if !exists || rank < cur.rank || (rank == cur.rank && p < cur.path) {
			best[lang] = candidate{rank: rank, path: p}
		}
	}
	langs := make([]string, 0, len(best))
	for lang := range best {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	out := make([]string, 0, len(langs))
	for _, lang := range langs {
		out = append(out, best[lang].path)
	}
	return out
}
