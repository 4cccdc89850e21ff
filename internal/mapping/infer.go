package mapping

import (
	"errors"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/j2pr/internal/config"
)

// ErrAmbiguous is returned when inference cannot pick a single repository
// with enough confidence.
var ErrAmbiguous = errors.New("repo inference ambiguous")

var tokenPattern = regexp.MustCompile(`[a-z][a-z0-9_-]{2,}`)

// stopwords that appear in almost every ticket and carry no repo signal
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "should": true, "when": true, "from": true, "are": true,
	"not": true, "has": true, "have": true, "will": true, "can": true,
	"add": true, "fix": true, "update": true, "remove": true, "change": true,
	"new": true, "use": true, "user": true, "error": true, "issue": true,
}

// KeywordInferrer scores each candidate repository by how many ticket
// keywords appear in its file paths. A repository wins only when its score
// clears min_score and beats the runner-up.
type KeywordInferrer struct {
	cfg config.RepoInferenceConfig
}

// NewKeywordInferrer builds the inference fallback from its config section
func NewKeywordInferrer(cfg config.RepoInferenceConfig) *KeywordInferrer {
	return &KeywordInferrer{cfg: cfg}
}

// Infer implements Inferrer
func (ki *KeywordInferrer) Infer(fields Fields, rootDir string, allowlist []string) (string, error) {
	tokens := ki.ticketTokens(fields)
	if len(tokens) == 0 {
		return "", ErrAmbiguous
	}

	deadline := time.Now().Add(time.Duration(ki.cfg.MaxSeconds) * time.Second)
	totalFiles := 0

	type scored struct {
		repo  string
		score float64
	}
	var results []scored
	for _, repo := range allowlist {
		score := ki.scoreRepo(filepath.Join(rootDir, repo), tokens, deadline, &totalFiles)
		results = append(results, scored{repo, score})
		if totalFiles >= ki.cfg.MaxTotalFiles || time.Now().After(deadline) {
			break
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) == 0 || results[0].score < ki.cfg.MinScore {
		return "", ErrAmbiguous
	}
	if len(results) > 1 && results[1].score == results[0].score {
		return "", ErrAmbiguous
	}
	return results[0].repo, nil
}

// ticketTokens extracts distinctive keywords from summary, description,
// labels and components.
func (ki *KeywordInferrer) ticketTokens(fields Fields) []string {
	var parts []string
	for _, name := range []string{"summary", "description"} {
		parts = append(parts, StringValue(fields[name]))
	}
	for _, name := range []string{"labels", "components"} {
		if list, ok := fields[name].([]any); ok {
			for _, item := range list {
				parts = append(parts, StringValue(item))
			}
		}
	}

	seen := map[string]bool{}
	var tokens []string
	for _, match := range tokenPattern.FindAllString(strings.ToLower(strings.Join(parts, " ")), -1) {
		if stopwords[match] || seen[match] {
			continue
		}
		seen[match] = true
		tokens = append(tokens, match)
		if len(tokens) >= ki.cfg.MaxTokens {
			break
		}
	}
	return tokens
}

func (ki *KeywordInferrer) scoreRepo(repoPath string, tokens []string, deadline time.Time, totalFiles *int) float64 {
	ignoreDirs := map[string]bool{}
	for _, d := range ki.cfg.IgnoreDirs {
		ignoreDirs[d] = true
	}
	ignoreExts := map[string]bool{}
	for _, e := range ki.cfg.IgnoreExts {
		ignoreExts[strings.ToLower(e)] = true
	}

	score := 0.0
	filesSeen := 0
	filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if filesSeen >= ki.cfg.MaxFilesPerRepo || *totalFiles >= ki.cfg.MaxTotalFiles {
			return filepath.SkipAll
		}
		if time.Now().After(deadline) {
			return filepath.SkipAll
		}
		if ignoreExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > int64(ki.cfg.MaxBytesPerFile) {
			return nil
		}
		filesSeen++
		*totalFiles++

		rel, err := filepath.Rel(repoPath, path)
		if err != nil {
			return nil
		}
		lower := strings.ToLower(rel)
		for _, token := range tokens {
			if strings.Contains(lower, token) {
				score++
			}
		}
		return nil
	})
	return score
}
