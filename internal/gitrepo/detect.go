package gitrepo

import (
	"os"
	"path/filepath"
)

// DetectTestCommand inspects a repository's build files and returns the
// conventional test command, or "" when nothing recognisable is found.
//
// Detection order, first match wins:
//  1. package.json        -> npm test
//  2. build.gradle[.kts]  -> ./gradlew test
//  3. pom.xml             -> mvn test
//  4. go.mod              -> go test ./...
//  5. Cargo.toml          -> cargo test
//  6. pyproject.toml      -> pytest
func DetectTestCommand(repoPath string) string {
	checks := []struct {
		file    string
		command string
	}{
		{"package.json", "npm test"},
		{"build.gradle", "./gradlew test"},
		{"build.gradle.kts", "./gradlew test"},
		{"pom.xml", "mvn test"},
		{"go.mod", "go test ./..."},
		{"Cargo.toml", "cargo test"},
		{"pyproject.toml", "pytest"},
	}
	for _, c := range checks {
		if _, err := os.Stat(filepath.Join(repoPath, c.file)); err == nil {
			return c.command
		}
	}
	return ""
}
