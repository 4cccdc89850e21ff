// Package config loads the j2pr configuration: YAML file with ${ENV}
// interpolation, overridden by J2PR_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvConfigPath names the environment variable that overrides the config
// file location.
const EnvConfigPath = "J2PR_CONFIG"

var envPattern = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// JiraConfig connects the ticket source
type JiraConfig struct {
	BaseURL      string   `koanf:"base_url"`
	Email        string   `koanf:"email"`
	APIToken     string   `koanf:"api_token"`
	APIVersion   int      `koanf:"api_version"`
	JQL          string   `koanf:"jql"`
	Fields       []string `koanf:"fields"`
	CommentOnPR  bool     `koanf:"comment_on_pr"`
	LabelRunning string   `koanf:"label_running"`
	LabelDone    string   `koanf:"label_done"`
	LabelFailed  string   `koanf:"label_failed"`
}

// GitHubConfig controls PR creation
type GitHubConfig struct {
	Owner             string   `koanf:"owner"`
	DefaultBaseBranch string   `koanf:"default_base_branch"`
	UseGHCLI          bool     `koanf:"use_gh_cli"`
	DraftPR           bool     `koanf:"draft_pr"`
	Token             string   `koanf:"token"`
	Reviewers         []string `koanf:"reviewers"`
	Labels            []string `koanf:"labels"`
}

// RepoInferenceConfig tunes the optional keyword-scoring fallback used
// when no mapping rule names a repository.
type RepoInferenceConfig struct {
	Enabled         bool     `koanf:"enabled"`
	MinScore        float64  `koanf:"min_score"`
	MaxRepos        int      `koanf:"max_repos"`
	MaxFilesPerRepo int      `koanf:"max_files_per_repo"`
	MaxTotalFiles   int      `koanf:"max_total_files"`
	MaxBytesPerFile int      `koanf:"max_bytes_per_file"`
	MaxTokens       int      `koanf:"max_tokens"`
	MaxSeconds      int      `koanf:"max_seconds"`
	IgnoreDirs      []string `koanf:"ignore_dirs"`
	IgnoreExts      []string `koanf:"ignore_extensions"`
}

// WorkspaceConfig describes where repositories live and how tickets map
// onto them.
type WorkspaceConfig struct {
	RootDir        string              `koanf:"root_dir"`
	RepoAllowlist  []string            `koanf:"repo_allowlist"`
	RepoMapping    map[string]string   `koanf:"repo_mapping"`
	SingleRepoOnly bool                `koanf:"single_repo_only"`
	RepoInference  RepoInferenceConfig `koanf:"repo_inference"`
	DBPath         string              `koanf:"db_path"`
	ArtifactsDir   string              `koanf:"artifacts_dir"`
}

// GuardrailsConfig bounds what an agent-produced change may touch
type GuardrailsConfig struct {
	DenyGlobs            []string `koanf:"deny_globs"`
	CommandDenylist      []string `koanf:"command_denylist"`
	MaxFilesChanged      int      `koanf:"max_files_changed"`
	MaxDiffLines         int      `koanf:"max_diff_lines"`
	RequireCleanWorktree bool     `koanf:"require_clean_worktree"`
	RequireTests         bool     `koanf:"require_tests"`
	TestCommand          string   `koanf:"test_command"`
	FormatCommand        string   `koanf:"format_command"`
	MaxFixAttempts       int      `koanf:"max_fix_attempts"`
}

// AgentConfig describes the coding agent binary
type AgentConfig struct {
	Command            string `koanf:"command"`
	Model              string `koanf:"model"`
	TimeoutMinutes     int    `koanf:"timeout_minutes"`
	PromptTemplatePath string `koanf:"prompt_template_path"`
}

// Timeout returns the agent deadline as a duration
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

// SessionCaptureConfig controls the forensic event stream
type SessionCaptureConfig struct {
	Enabled        bool     `koanf:"enabled"`
	OutputDir      string   `koanf:"output_dir"`
	IncludeConfig  bool     `koanf:"include_config"`
	IncludeEnv     bool     `koanf:"include_env"`
	RetentionDays  int      `koanf:"retention_days"`
	RedactPatterns []string `koanf:"redact_patterns"`
}

// NotificationsConfig routes run outcomes to humans
type NotificationsConfig struct {
	SlackWebhookURL string `koanf:"slack_webhook_url"`
	Desktop         bool   `koanf:"desktop"`
}

// ScheduleConfig drives the daemon mode
type ScheduleConfig struct {
	Enabled bool   `koanf:"enabled"`
	Cron    string `koanf:"cron"`
}

// LogConfig tunes structured logging
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Config is the full application configuration
type Config struct {
	Jira           JiraConfig           `koanf:"jira"`
	GitHub         GitHubConfig         `koanf:"github"`
	Workspace      WorkspaceConfig      `koanf:"workspace"`
	Guardrails     GuardrailsConfig     `koanf:"guardrails"`
	Agent          AgentConfig          `koanf:"agent"`
	SessionCapture SessionCaptureConfig `koanf:"session_capture"`
	Notifications  NotificationsConfig  `koanf:"notifications"`
	Schedule       ScheduleConfig       `koanf:"schedule"`
	Log            LogConfig            `koanf:"log"`
}

// DefaultPath returns ~/.j2pr/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".j2pr", "config.yaml"), nil
}

// ResolvePath picks the config file location: explicit flag, then the
// J2PR_CONFIG environment variable, then the default path.
func ResolvePath(flagPath string) (string, error) {
	if flagPath != "" {
		return expandHome(flagPath)
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return expandHome(p)
	}
	return DefaultPath()
}

// Load reads the config file, interpolates ${ENV} references, applies
// J2PR_* environment overrides, fills defaults and validates.
//
// Environment overrides map J2PR_<SECTION>_<FIELD> onto section.field:
//
//	J2PR_JIRA_API_TOKEN -> jira.api_token
//	J2PR_GITHUB_TOKEN   -> github.token
//	J2PR_AGENT_TIMEOUT_MINUTES -> agent.timeout_minutes
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(interpolateEnv(content)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := k.Load(env.Provider("J2PR_", ".", func(s string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(s, "J2PR_"))
		parts := strings.SplitN(trimmed, "_", 2)
		if len(parts) == 1 {
			return trimmed
		}
		section := parts[0]
		// session_capture is the one two-word section
		if section == "session" && strings.HasPrefix(parts[1], "capture_") {
			return "session_capture." + strings.TrimPrefix(parts[1], "capture_")
		}
		return section + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// interpolateEnv replaces ${VAR} references with environment values.
// Unset variables become empty strings so validation catches them as
// missing rather than leaving the literal in place.
func interpolateEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Jira.APIVersion == 0 {
		cfg.Jira.APIVersion = 3
	}
	if len(cfg.Jira.Fields) == 0 {
		cfg.Jira.Fields = []string{"summary", "description", "labels", "components", "issuetype", "priority"}
	}
	if cfg.Workspace.DBPath == "" {
		cfg.Workspace.DBPath = "~/.j2pr/j2pr.db"
	}
	if cfg.Workspace.ArtifactsDir == "" {
		cfg.Workspace.ArtifactsDir = "~/.j2pr/artifacts"
	}
	if cfg.Workspace.RepoInference.MinScore == 0 {
		cfg.Workspace.RepoInference.MinScore = 3.0
	}
	if cfg.Workspace.RepoInference.MaxFilesPerRepo == 0 {
		cfg.Workspace.RepoInference.MaxFilesPerRepo = 400
	}
	if cfg.Workspace.RepoInference.MaxTotalFiles == 0 {
		cfg.Workspace.RepoInference.MaxTotalFiles = 8000
	}
	if cfg.Workspace.RepoInference.MaxBytesPerFile == 0 {
		cfg.Workspace.RepoInference.MaxBytesPerFile = 200_000
	}
	if cfg.Workspace.RepoInference.MaxTokens == 0 {
		cfg.Workspace.RepoInference.MaxTokens = 80
	}
	if cfg.Workspace.RepoInference.MaxSeconds == 0 {
		cfg.Workspace.RepoInference.MaxSeconds = 60
	}
	if len(cfg.Workspace.RepoInference.IgnoreDirs) == 0 {
		cfg.Workspace.RepoInference.IgnoreDirs = []string{
			".git", ".venv", "venv", "node_modules", "dist", "build",
			".tox", ".mypy_cache", ".pytest_cache",
		}
	}
	if cfg.Guardrails.MaxFilesChanged == 0 {
		cfg.Guardrails.MaxFilesChanged = 40
	}
	if cfg.Guardrails.MaxDiffLines == 0 {
		cfg.Guardrails.MaxDiffLines = 2000
	}
	if cfg.Guardrails.TestCommand == "" {
		cfg.Guardrails.TestCommand = "auto"
	}
	if cfg.Guardrails.MaxFixAttempts == 0 {
		cfg.Guardrails.MaxFixAttempts = 1
	}
	if cfg.Agent.TimeoutMinutes == 0 {
		cfg.Agent.TimeoutMinutes = 45
	}
	if cfg.SessionCapture.OutputDir == "" {
		cfg.SessionCapture.OutputDir = "~/.j2pr/sessions"
	}
	if len(cfg.SessionCapture.RedactPatterns) == 0 {
		cfg.SessionCapture.RedactPatterns = []string{"token", "password", "secret", "api_key"}
	}
	if cfg.Schedule.Cron == "" {
		cfg.Schedule.Cron = "*/15 * * * *"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Validate reports every problem at once so a broken config is fixed in
// one round trip.
func (c *Config) Validate() error {
	var problems []string

	if c.Jira.BaseURL == "" {
		problems = append(problems, "jira.base_url is required")
	} else if u, err := url.Parse(c.Jira.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("jira.base_url %q is not a valid URL", c.Jira.BaseURL))
	}
	if c.Jira.Email == "" {
		problems = append(problems, "jira.email is required")
	}
	if c.Jira.APIToken == "" {
		problems = append(problems, "jira.api_token is required (check ${ENV} references resolve)")
	}
	if c.Jira.JQL == "" {
		problems = append(problems, "jira.jql is required")
	}
	if c.GitHub.Owner == "" {
		problems = append(problems, "github.owner is required")
	}
	if !c.GitHub.UseGHCLI && c.GitHub.Token == "" {
		problems = append(problems, "github.token is required when use_gh_cli is false")
	}
	if c.Workspace.RootDir == "" {
		problems = append(problems, "workspace.root_dir is required")
	}
	if len(c.Workspace.RepoAllowlist) == 0 {
		problems = append(problems, "workspace.repo_allowlist must name at least one repository")
	}
	allowed := make(map[string]bool, len(c.Workspace.RepoAllowlist))
	for _, repo := range c.Workspace.RepoAllowlist {
		allowed[repo] = true
	}
	for rule, repo := range c.Workspace.RepoMapping {
		// Rules come as field:value, field=value or a bare field name.
		field := rule
		if i := strings.IndexAny(rule, ":="); i >= 0 {
			field = rule[:i]
		}
		if strings.TrimSpace(field) == "" {
			problems = append(problems, fmt.Sprintf("workspace.repo_mapping rule %q has no field name", rule))
		}
		if !allowed[repo] {
			problems = append(problems, fmt.Sprintf("workspace.repo_mapping rule %q targets %q which is not in repo_allowlist", rule, repo))
		}
	}
	if c.Agent.Command == "" {
		problems = append(problems, "agent.command is required")
	}
	if c.Guardrails.MaxFixAttempts < 0 {
		problems = append(problems, "guardrails.max_fix_attempts must not be negative")
	}
	if c.Schedule.Enabled && c.Schedule.Cron == "" {
		problems = append(problems, "schedule.cron is required when schedule.enabled is true")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Secrets returns the credential values that must never reach logs or
// session artifacts.
func (c *Config) Secrets() []string {
	return []string{c.Jira.APIToken, c.GitHub.Token, c.Notifications.SlackWebhookURL}
}

// ExpandedDBPath resolves ~ in the database path
func (c *Config) ExpandedDBPath() (string, error) { return expandHome(c.Workspace.DBPath) }

// ExpandedArtifactsDir resolves ~ in the artifacts directory
func (c *Config) ExpandedArtifactsDir() (string, error) {
	return expandHome(c.Workspace.ArtifactsDir)
}

// ExpandedSessionDir resolves ~ in the session capture directory
func (c *Config) ExpandedSessionDir() (string, error) {
	return expandHome(c.SessionCapture.OutputDir)
}

// ExpandedRootDir resolves ~ in the workspace root
func (c *Config) ExpandedRootDir() (string, error) { return expandHome(c.Workspace.RootDir) }

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
