package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
)

// ErrConfigInvalid marks a settings document that violates the schema
// invariants. Consumers keep their last valid snapshot when they see it.
var ErrConfigInvalid = errors.New("settings invalid")

var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)

// RepoConfig is one monitored repository entry in the settings document.
type RepoConfig struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Owner returns the owner half of "owner/repo".
func (r RepoConfig) Owner() string {
	owner, _, _ := strings.Cut(r.Name, "/")
	return owner
}

// Repo returns the repository half of "owner/repo".
func (r RepoConfig) Repo() string {
	_, repo, _ := strings.Cut(r.Name, "/")
	return repo
}

// settingsDocument is the raw JSON shape of the settings file.
// ai_primary_tag is the deprecated scalar predecessor of
// primary_processing_labels; it is read, never written.
type settingsDocument struct {
	ReposToMonitor []RepoConfig `json:"repos_to_monitor"`
	Settings       struct {
		WorkerConcurrency   int      `json:"worker_concurrency"`
		GithubUserWhitelist []string `json:"github_user_whitelist"`
	} `json:"settings"`
	PRLabel                 string   `json:"pr_label"`
	PrimaryProcessingLabels []string `json:"primary_processing_labels"`
	AIPrimaryTag            string   `json:"ai_primary_tag"`
	FollowupKeywords        []string `json:"followup_keywords"`
}

// Snapshot is one validated, immutable view of the settings. Consumers
// hold the pointer they were given; the loader swaps in fresh snapshots
// atomically.
type Snapshot struct {
	Repos             []RepoConfig
	WorkerConcurrency int
	UserWhitelist     []string
	PrimaryLabels     []string
	PRLabel           string
	FollowupKeywords  []string
	ProcessingSuffix  string
	DoneSuffix        string
	LoadedAt          time.Time
}

// EnabledRepos returns only the entries with enabled=true.
func (s *Snapshot) EnabledRepos() []RepoConfig {
	var out []RepoConfig
	for _, r := range s.Repos {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// ProcessingLabel derives "<L>-processing" for a primary label.
func (s *Snapshot) ProcessingLabel(primary string) string {
	return primary + s.ProcessingSuffix
}

// DoneLabel derives "<L>-done" for a primary label.
func (s *Snapshot) DoneLabel(primary string) string {
	return primary + s.DoneSuffix
}

// FailedClaudeLabel derives the label applied when the agent itself fails.
func (s *Snapshot) FailedClaudeLabel(primary string) string {
	return primary + "-failed-claude"
}

// FailedPostProcessingLabel derives the label applied when PR validation
// exhausts its retry budget.
func (s *Snapshot) FailedPostProcessingLabel(primary string) string {
	return primary + "-failed-post-processing"
}

// IsWhitelisted reports whether a GitHub login may trigger follow-ups.
// An empty whitelist admits everyone.
func (s *Snapshot) IsWhitelisted(login string) bool {
	if len(s.UserWhitelist) == 0 {
		return true
	}
	for _, u := range s.UserWhitelist {
		if strings.EqualFold(u, login) {
			return true
		}
	}
	return false
}

// Loader reads the settings document, applies environment fallbacks,
// validates, and maintains the current snapshot.
type Loader struct {
	cfg     *Config
	log     *logger.Logger
	current atomic.Pointer[Snapshot]
}

// NewLoader creates a settings loader bound to the process config.
func NewLoader(cfg *Config, log *logger.Logger) *Loader {
	return &Loader{cfg: cfg, log: log}
}

// LoadAll reads and validates the settings document, swaps the current
// snapshot on success, and returns it. A missing file is not an error:
// every field falls back to the process environment.
func (l *Loader) LoadAll() (*Snapshot, error) {
	doc, err := l.readDocument()
	if err != nil {
		return nil, err
	}

	snap, err := l.resolve(doc)
	if err != nil {
		return nil, err
	}

	l.current.Store(snap)
	return snap, nil
}

// Current returns the last valid snapshot, or nil before the first
// successful LoadAll.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// Watch refreshes the snapshot every refresh interval until ctx is
// cancelled. Invalid reloads are logged and the previous snapshot stays
// current.
func (l *Loader) Watch(ctx context.Context) {
	interval := l.cfg.Settings.RefreshInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.LoadAll(); err != nil {
				l.log.Warn("settings refresh failed, keeping last valid snapshot",
					zap.Error(err))
			}
		}
	}
}

func (l *Loader) readDocument() (*settingsDocument, error) {
	path := l.cfg.Settings.FilePath
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.log.Debug("settings file absent, using environment fallbacks",
				zap.String("path", path))
			return &settingsDocument{}, nil
		}
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var doc settingsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
	}
	return &doc, nil
}

// resolve merges the document with environment fallbacks and validates
// the result.
func (l *Loader) resolve(doc *settingsDocument) (*Snapshot, error) {
	snap := &Snapshot{
		Repos:            doc.ReposToMonitor,
		PRLabel:          doc.PRLabel,
		PrimaryLabels:    doc.PrimaryProcessingLabels,
		FollowupKeywords: doc.FollowupKeywords,
		UserWhitelist:    doc.Settings.GithubUserWhitelist,
		ProcessingSuffix: l.cfg.Settings.ProcessingSuffix,
		DoneSuffix:       l.cfg.Settings.DoneSuffix,
		LoadedAt:         time.Now(),
	}

	// Deprecated scalar: promoted to a singleton list when the list is absent.
	if len(snap.PrimaryLabels) == 0 && doc.AIPrimaryTag != "" {
		snap.PrimaryLabels = []string{doc.AIPrimaryTag}
	}

	// Environment fallbacks for missing fields.
	if len(snap.PrimaryLabels) == 0 {
		snap.PrimaryLabels = l.cfg.Settings.PrimaryLabels
	}
	if snap.PRLabel == "" {
		snap.PRLabel = l.cfg.Settings.PRLabel
	}
	if len(snap.FollowupKeywords) == 0 {
		snap.FollowupKeywords = l.cfg.Settings.FollowupKeywords
	}
	if len(snap.UserWhitelist) == 0 {
		snap.UserWhitelist = l.cfg.Settings.UserWhitelist
	}
	snap.WorkerConcurrency = doc.Settings.WorkerConcurrency
	if snap.WorkerConcurrency == 0 {
		snap.WorkerConcurrency = l.cfg.Settings.WorkerConcurrency
	}

	var errs []string
	if len(snap.PrimaryLabels) == 0 {
		errs = append(errs, "primary_processing_labels must have at least one entry")
	}
	if snap.WorkerConcurrency < 1 {
		errs = append(errs, "worker_concurrency must be at least 1")
	}
	if snap.PRLabel == "" {
		errs = append(errs, "pr_label must not be empty")
	}
	for _, r := range snap.Repos {
		if !repoNamePattern.MatchString(r.Name) {
			errs = append(errs, fmt.Sprintf("repo name %q must match owner/repo", r.Name))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}

	return snap, nil
}
