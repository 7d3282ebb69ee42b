// Package github implements the tracker contract over the GitHub Issues
// REST API. Selection reads from a durable cache refreshed on TTL expiry
// with stale fallback, every network call is rate-limit aware, and the
// mark-done path applies its sub-steps in a fixed order with rollback on
// failure so a task is never left half-updated.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/taskloop/internal/cache"
	ierr "github.com/mark3labs/taskloop/internal/errors"
	"github.com/mark3labs/taskloop/internal/logger"
	"github.com/mark3labs/taskloop/internal/ratelimit"
	"github.com/mark3labs/taskloop/internal/retry"
	"github.com/mark3labs/taskloop/internal/tracker"
)

const (
	issuesPerPage = 100
	// defaultPatience bounds how long a selection is willing to wait out
	// a rate-limit delay before falling back to cache.
	defaultPatience = 30 * time.Second
)

// Config parameterizes the GitHub Issues tracker.
type Config struct {
	Repo        string // owner/name
	Auth        AuthConfig
	APIEndpoint string
	HTTPClient  HTTPClient // nil means a default client

	Filter        tracker.Filter
	DoneLabels    []string // Added by MarkTaskDone, stripped by ForceTaskOpen
	StartLabels   []string // Stripped by MarkTaskDone
	CloseOnDone   bool
	CommentOnDone bool

	CacheDir        string
	CacheTTLSeconds int

	Retry     retry.Budget
	RateLimit ratelimit.Config
	Patience  time.Duration // Max rate-limit wait before cache fallback
}

// Backend is the GitHub Issues tracker backend.
type Backend struct {
	owner string
	repo  string
	api   *apiClient
	cache *cache.Store
	key   string
	cfg   Config
	now   func() time.Time
}

// New resolves credentials, validates repository access with a probe
// request, and returns a ready backend. Auth failure is an AuthError;
// an unreachable or mismatched repository fails construction.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, ierr.NewConfigError("tracker.github.repo", "repository must be owner/name, got %q", cfg.Repo)
	}

	token, err := ResolveToken(ctx, cfg.Auth)
	if err != nil {
		return nil, err
	}

	store, err := cache.NewStore(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Patience <= 0 {
		cfg.Patience = defaultPatience
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultBudget
	}

	b := &Backend{
		owner: owner,
		repo:  repo,
		api: &apiClient{
			endpoint: endpointOrDefault(cfg.APIEndpoint),
			token:    token,
			http:     httpClient,
			limiter:  ratelimit.New(cfg.RateLimit),
			budget:   cfg.Retry,
			patience: cfg.Patience,
			now:      time.Now,
		},
		cache: store,
		key:   cache.Key(cfg.Repo, cfg.Filter),
		cfg:   cfg,
		now:   time.Now,
	}

	if err := b.probe(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func endpointOrDefault(endpoint string) string {
	if strings.TrimSpace(endpoint) == "" {
		return defaultAPIEndpoint
	}
	return endpoint
}

// probe validates repository access and credentials with one request
// before any iteration runs.
func (b *Backend) probe(ctx context.Context) error {
	resp, err := b.api.doRetry(ctx, http.MethodGet, b.repoPath(), nil, maxProbeResponseSize, nil)
	if err != nil {
		return fmt.Errorf("github repository probe: %w", err)
	}

	switch {
	case resp.status == http.StatusUnauthorized, resp.status == http.StatusForbidden:
		return &ierr.AuthError{
			Source:      "github token",
			Remediation: "the token was rejected; run `gh auth login` or refresh " + envOrDefault(b.cfg.Auth.TokenEnv),
			Err:         fmt.Errorf("probe failed with status %d: %s", resp.status, firstAPIError(resp.body)),
		}
	case resp.status == http.StatusNotFound:
		return ierr.NewConfigError("tracker.github.repo", "repository %s/%s not found or not accessible", b.owner, b.repo)
	case resp.status >= http.StatusBadRequest:
		return &ierr.NetworkError{Op: "probe repository", StatusCode: resp.status,
			Err: fmt.Errorf("%s", firstAPIError(resp.body))}
	}

	var probe struct {
		FullName string `json:"full_name"`
	}
	if err := json.Unmarshal(resp.body, &probe); err != nil {
		return fmt.Errorf("parsing probe response: %w", err)
	}
	expected := strings.ToLower(b.owner + "/" + b.repo)
	if strings.ToLower(strings.TrimSpace(probe.FullName)) != expected {
		return ierr.NewConfigError("tracker.github.repo",
			"expected repository %q, got %q", expected, probe.FullName)
	}
	return nil
}

// ClaimNextTask selects from the freshest cache entry, refreshing over
// the network when the TTL has expired. A failed refresh falls back to
// the stale entry with a recorded warning; with no cache at all the
// network error surfaces.
func (b *Backend) ClaimNextTask(ctx context.Context) (*tracker.SelectedTask, tracker.ClaimStatus, error) {
	now := b.now()

	entry, err := b.cache.Get(b.key)
	if err != nil {
		return nil, tracker.ClaimBlocked, err
	}

	if entry == nil || !entry.Fresh(now) {
		refreshed, refreshErr := b.refresh(ctx, entry)
		if refreshErr != nil {
			if entry == nil {
				return nil, tracker.ClaimBlocked, refreshErr
			}
			logger.Warn("Task refresh failed, selecting from stale cache (%s old): %v", entry.Age(now).Round(time.Second), refreshErr)
		} else {
			entry = refreshed
		}
	}

	selected, status := tracker.SelectNext(entry.Tasks, b.cfg.Filter, now)
	return selected, status, nil
}

// ListTasks returns the tasks from the freshest cache entry, refreshing
// when stale. Same fallback behavior as ClaimNextTask.
func (b *Backend) ListTasks(ctx context.Context) ([]tracker.Task, error) {
	now := b.now()

	entry, err := b.cache.Get(b.key)
	if err != nil {
		return nil, err
	}

	if entry == nil || !entry.Fresh(now) {
		refreshed, refreshErr := b.refresh(ctx, entry)
		if refreshErr != nil {
			if entry == nil {
				return nil, refreshErr
			}
			logger.Warn("Task refresh failed, listing from stale cache (%s old): %v", entry.Age(now).Round(time.Second), refreshErr)
		} else {
			entry = refreshed
		}
	}

	return append([]tracker.Task(nil), entry.Tasks...), nil
}

// IsTaskDone reports the issue's closed state.
func (b *Backend) IsTaskDone(ctx context.Context, taskID string) (bool, error) {
	issue, err := b.getIssue(ctx, taskID)
	if err != nil {
		return false, err
	}
	return issue.closed(), nil
}

// ForceTaskOpen reopens a closed issue and strips the configured done
// labels. It removes only labels this backend adds; anything else on the
// issue stays. No-op on an already-open issue without done labels.
func (b *Backend) ForceTaskOpen(ctx context.Context, taskID string) error {
	issue, err := b.getIssue(ctx, taskID)
	if err != nil {
		return err
	}

	changed := false
	if issue.closed() {
		if err := b.setState(ctx, issue.Number, "open"); err != nil {
			return err
		}
		changed = true
	}
	for _, label := range b.cfg.DoneLabels {
		if !hasLabel(issue, label) {
			continue
		}
		if err := b.removeLabel(ctx, issue.Number, label); err != nil {
			return err
		}
		changed = true
	}

	if changed {
		logger.Info("github: reopened issue #%d", issue.Number)
		if err := b.cache.Invalidate(b.key); err != nil {
			logger.Warn("Cache invalidation failed: %v", err)
		}
	}
	return nil
}

// MarkTaskDone applies the commit as one logical unit, in fixed order:
// comment, add done labels, close, remove start labels. When a sub-step
// fails, the already-applied steps are rolled back so the issue returns
// to its prior observable state, and a PartialUpdateError surfaces.
func (b *Backend) MarkTaskDone(ctx context.Context, taskID string, comment string) error {
	issue, err := b.getIssue(ctx, taskID)
	if err != nil {
		return err
	}
	n := issue.Number

	var undo []func(context.Context) error
	fail := func(step string, stepErr error) error {
		var rb ierr.MultiError
		for i := len(undo) - 1; i >= 0; i-- {
			rb.Append(undo[i](ctx))
		}
		rollbackErr := rb.ErrorOrNil()
		if rollbackErr != nil {
			logger.Error("Rollback after failed %s step left issue #%d inconsistent: %v", step, n, rollbackErr)
		}
		return &ierr.PartialUpdateError{
			TaskID:      taskID,
			FailedStep:  step,
			RolledBack:  rollbackErr == nil,
			RollbackErr: rollbackErr,
			Err:         stepErr,
		}
	}

	if b.cfg.CommentOnDone && comment != "" {
		commentID, err := b.addComment(ctx, n, comment)
		if err != nil {
			return fail("comment", err)
		}
		undo = append(undo, func(ctx context.Context) error {
			return b.deleteComment(ctx, commentID)
		})
	}

	toAdd := missingLabels(issue, b.cfg.DoneLabels)
	if len(toAdd) > 0 {
		if err := b.addLabels(ctx, n, toAdd); err != nil {
			return fail("labels", err)
		}
		undo = append(undo, func(ctx context.Context) error {
			var rb ierr.MultiError
			for _, label := range toAdd {
				rb.Append(b.removeLabel(ctx, n, label))
			}
			return rb.ErrorOrNil()
		})
	}

	if b.cfg.CloseOnDone && !issue.closed() {
		if err := b.setState(ctx, n, "closed"); err != nil {
			return fail("close", err)
		}
		undo = append(undo, func(ctx context.Context) error {
			return b.setState(ctx, n, "open")
		})
	}

	for _, label := range b.cfg.StartLabels {
		if !hasLabel(issue, label) {
			continue
		}
		if err := b.removeLabel(ctx, n, label); err != nil {
			return fail("strip", err)
		}
		removed := label
		undo = append(undo, func(ctx context.Context) error {
			return b.addLabels(ctx, n, []string{removed})
		})
	}

	logger.Info("github: marked issue #%d done", n)
	if err := b.cache.Invalidate(b.key); err != nil {
		logger.Warn("Cache invalidation failed: %v", err)
	}
	return nil
}

// RateState exposes the limiter's current view for status reporting.
func (b *Backend) RateState() ratelimit.State {
	return b.api.limiter.Snapshot()
}

// refresh fetches all issue pages and writes a new cache entry. The
// prior entry's ETag rides along so an unchanged list costs no quota.
func (b *Backend) refresh(ctx context.Context, prior *cache.Entry) (*cache.Entry, error) {
	var etag string
	if prior != nil {
		etag = prior.ETag
	}

	tasks, newETag, notModified, err := b.fetchAllIssues(ctx, etag)
	if err != nil {
		return nil, err
	}

	entry := &cache.Entry{
		Key:        b.key,
		FetchedAt:  b.now(),
		TTLSeconds: b.cfg.CacheTTLSeconds,
		ETag:       newETag,
	}
	if notModified {
		entry.Tasks = prior.Tasks
		entry.ETag = prior.ETag
	} else {
		entry.Tasks = tasks
	}

	state := b.api.limiter.Snapshot()
	entry.RateRemaining = state.Remaining
	entry.RateResetAt = state.ResetAt

	if err := b.cache.Put(entry); err != nil {
		return nil, err
	}
	logger.Debug("Refreshed task cache: %d tasks", len(entry.Tasks))
	return entry, nil
}

// fetchAllIssues pages through the repository's issues, skipping pull
// requests. The ETag applies to the first page only; a 304 means the
// whole cached snapshot is still valid.
func (b *Backend) fetchAllIssues(ctx context.Context, etag string) ([]tracker.Task, string, bool, error) {
	var tasks []tracker.Task
	var newETag string

	for page := 1; ; page++ {
		path := b.repoPath() + "/issues?state=all&per_page=" + strconv.Itoa(issuesPerPage) + "&page=" + strconv.Itoa(page)

		var header http.Header
		if page == 1 && etag != "" {
			header = http.Header{"If-None-Match": []string{etag}}
		}

		resp, err := b.api.doRetry(ctx, http.MethodGet, path, nil, maxReadResponseSize, header)
		if err != nil {
			return nil, "", false, fmt.Errorf("fetching issues page %d: %w", page, err)
		}
		if page == 1 && resp.status == http.StatusNotModified {
			return nil, "", true, nil
		}
		if resp.status >= http.StatusBadRequest {
			return nil, "", false, &ierr.NetworkError{Op: "fetch issues", StatusCode: resp.status,
				Err: fmt.Errorf("page %d: %s", page, firstAPIError(resp.body))}
		}
		if page == 1 {
			newETag = resp.header.Get("ETag")
		}

		var pageIssues []issuePayload
		if strings.TrimSpace(string(resp.body)) != "" {
			if err := json.Unmarshal(resp.body, &pageIssues); err != nil {
				return nil, "", false, fmt.Errorf("parsing issues page %d: %w", page, err)
			}
		}

		for _, issue := range pageIssues {
			if issue.PullRequest != nil {
				continue
			}
			tasks = append(tasks, taskFromIssue(issue))
		}

		if len(pageIssues) < issuesPerPage {
			break
		}
	}
	return tasks, newETag, false, nil
}

// getIssue fetches a single issue, mapping 404 to NotFoundError.
func (b *Backend) getIssue(ctx context.Context, taskID string) (*issuePayload, error) {
	n, err := parseIssueNumber(taskID)
	if err != nil {
		return nil, err
	}

	resp, err := b.api.doRetry(ctx, http.MethodGet, b.issuePath(n), nil, maxReadResponseSize, nil)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotFound {
		return nil, &ierr.NotFoundError{TaskID: taskID}
	}
	if resp.status >= http.StatusBadRequest {
		return nil, &ierr.NetworkError{Op: "fetch issue", StatusCode: resp.status,
			Err: fmt.Errorf("%s", firstAPIError(resp.body))}
	}

	var issue issuePayload
	if err := json.Unmarshal(resp.body, &issue); err != nil {
		return nil, fmt.Errorf("parsing issue %s: %w", taskID, err)
	}
	if issue.PullRequest != nil {
		return nil, &ierr.NotFoundError{TaskID: taskID}
	}
	if issue.Number <= 0 {
		issue.Number = n
	}
	return &issue, nil
}

func (b *Backend) addComment(ctx context.Context, n int, body string) (int64, error) {
	resp, err := b.api.do(ctx, http.MethodPost, b.issuePath(n)+"/comments", map[string]string{"body": body}, maxReadResponseSize, nil)
	if err != nil {
		return 0, err
	}
	if resp.status != http.StatusCreated {
		return 0, &ierr.NetworkError{Op: "create comment", StatusCode: resp.status,
			Err: fmt.Errorf("%s", firstAPIError(resp.body))}
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(resp.body, &created); err != nil {
		return 0, fmt.Errorf("parsing comment response: %w", err)
	}
	return created.ID, nil
}

func (b *Backend) deleteComment(ctx context.Context, commentID int64) error {
	path := b.repoPath() + "/issues/comments/" + strconv.FormatInt(commentID, 10)
	resp, err := b.api.do(ctx, http.MethodDelete, path, nil, maxProbeResponseSize, nil)
	if err != nil {
		return err
	}
	if resp.status >= http.StatusBadRequest && resp.status != http.StatusNotFound {
		return &ierr.NetworkError{Op: "delete comment", StatusCode: resp.status,
			Err: fmt.Errorf("%s", firstAPIError(resp.body))}
	}
	return nil
}

func (b *Backend) addLabels(ctx context.Context, n int, labels []string) error {
	resp, err := b.api.do(ctx, http.MethodPost, b.issuePath(n)+"/labels", map[string][]string{"labels": labels}, maxReadResponseSize, nil)
	if err != nil {
		return err
	}
	if resp.status >= http.StatusBadRequest {
		return &ierr.NetworkError{Op: "add labels", StatusCode: resp.status,
			Err: fmt.Errorf("%s", firstAPIError(resp.body))}
	}
	return nil
}

// removeLabel strips one label. A 404 means the label is already gone,
// which is fine.
func (b *Backend) removeLabel(ctx context.Context, n int, label string) error {
	path := b.issuePath(n) + "/labels/" + url.PathEscape(label)
	resp, err := b.api.do(ctx, http.MethodDelete, path, nil, maxProbeResponseSize, nil)
	if err != nil {
		return err
	}
	if resp.status >= http.StatusBadRequest && resp.status != http.StatusNotFound {
		return &ierr.NetworkError{Op: "remove label", StatusCode: resp.status,
			Err: fmt.Errorf("%s", firstAPIError(resp.body))}
	}
	return nil
}

func (b *Backend) setState(ctx context.Context, n int, state string) error {
	resp, err := b.api.do(ctx, http.MethodPatch, b.issuePath(n), map[string]string{"state": state}, maxReadResponseSize, nil)
	if err != nil {
		return err
	}
	if resp.status >= http.StatusBadRequest {
		return &ierr.NetworkError{Op: "set issue state", StatusCode: resp.status,
			Err: fmt.Errorf("%s", firstAPIError(resp.body))}
	}
	return nil
}

func (b *Backend) repoPath() string {
	return "/repos/" + url.PathEscape(b.owner) + "/" + url.PathEscape(b.repo)
}

func (b *Backend) issuePath(n int) string {
	return b.repoPath() + "/issues/" + strconv.Itoa(n)
}

// issuePayload is the wire shape of a GitHub issue, trimmed to the
// fields the tracker maps.
type issuePayload struct {
	Number    int            `json:"number"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	State     string         `json:"state"`
	Draft     bool           `json:"draft"`
	Labels    []labelPayload `json:"labels"`
	Milestone *struct {
		Number int `json:"number"`
	} `json:"milestone"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
}

type labelPayload struct {
	Name string `json:"name"`
}

func (p *issuePayload) closed() bool {
	return strings.EqualFold(strings.TrimSpace(p.State), "closed")
}

// taskFromIssue maps an issue to a Task, splitting the body into its
// description, acceptance, and notes zones.
func taskFromIssue(issue issuePayload) tracker.Task {
	parsed := tracker.ParseBody(issue.Body)

	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		if name := strings.TrimSpace(label.Name); name != "" {
			labels = append(labels, name)
		}
	}

	milestone := 0
	if issue.Milestone != nil {
		milestone = issue.Milestone.Number
	}

	return tracker.Task{
		ID:          strconv.Itoa(issue.Number),
		Title:       issue.Title,
		Description: parsed.Description,
		Acceptance:  parsed.Acceptance,
		Notes:       parsed.Notes,
		Labels:      labels,
		Milestone:   milestone,
		Closed:      issue.closed(),
		Draft:       issue.Draft,
	}
}

func hasLabel(issue *issuePayload, name string) bool {
	for _, label := range issue.Labels {
		if strings.TrimSpace(label.Name) == name {
			return true
		}
	}
	return false
}

func missingLabels(issue *issuePayload, labels []string) []string {
	var missing []string
	for _, label := range labels {
		if !hasLabel(issue, label) {
			missing = append(missing, label)
		}
	}
	return missing
}

func parseIssueNumber(raw string) (int, error) {
	value := strings.TrimSpace(raw)
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, &ierr.NotFoundError{TaskID: raw}
	}
	return n, nil
}
