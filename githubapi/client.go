package githubapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bemcculley/auto-merge/observability"
)

const defaultAPIBase = "https://api.github.com"

// Client is the concrete API Facade: its exported methods implement the
// six operations it names (get_pr, get_combined_status, get_check_suites,
// load_policy, update_branch, merge_pr), with GetFileContents as the
// fetch behind load_policy. Nothing outside this package
// ever touches net/http directly.
type Client struct {
	http   *http.Client
	auth   *AppAuthenticator
	base   string
	onRate func(installationID int64, snap RateLimitSnapshot)
}

// NewClient wires an HTTP transport with a fixed timeout (the facade is
// the retry boundary, not net/http's own deadline machinery) to an
// AppAuthenticator. onRate, if non-nil, is called for every response a
// facade method handles, whether or not it carried rate-limit headers,
// so the caller can feed observability gauges and backpressure decisions.
func NewClient(auth *AppAuthenticator, base string, onRate func(int64, RateLimitSnapshot)) *Client {
	if base == "" {
		base = defaultAPIBase
	}
	return &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		auth:   auth,
		base:   base,
		onRate: onRate,
	}
}

// retryableOps get up to 4 attempts with capped exponential backoff.
// merge_pr is deliberately excluded by the caller never invoking this
// helper for it — a retried merge could double-merge on a network
// timeout where the first attempt actually succeeded server-side.
func (c *Client) doRetryable(ctx context.Context, op string, do func() (*http.Response, error)) (*http.Response, error) {
	const maxAttempts = 4
	backoff := 250 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 8*time.Second {
				backoff = 8 * time.Second
			}
		}

		resp, err := do()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = &TransportError{Operation: op, StatusCode: resp.StatusCode}
			continue
		}
		return resp, nil
	}
	observability.GithubAPIRequestsTotal.WithLabelValues(op, "transport_error").Inc()
	return nil, &TransportError{Operation: op, Err: lastErr}
}

func (c *Client) authedRequest(ctx context.Context, installationID int64, method, path string, body io.Reader) (*http.Request, error) {
	token, err := c.auth.InstallationToken(c, installationID)
	if err != nil {
		return nil, &AuthError{Operation: path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	return req, nil
}

// fetchInstallationToken implements the tokenFetcher interface
// AppAuthenticator uses to mint a fresh per-installation token.
func (c *Client) fetchInstallationToken(base, jwt string, installationID int64) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", base, installationID)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", time.Time{}, &TransportError{Operation: "mint_installation_token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, &AuthError{Operation: "mint_installation_token", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("githubapi: decoding installation token: %w", err)
	}
	return payload.Token, payload.ExpiresAt, nil
}

func (c *Client) recordRateLimit(installationID int64, resp *http.Response) {
	snap := RateLimitSnapshot{}
	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			snap.Remaining = n
			snap.HasRemaining = true
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			snap.ResetAt = time.Unix(n, 0)
		}
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			snap.RetryAfter = time.Duration(n) * time.Second
		}
	}

	if c.onRate != nil {
		c.onRate(installationID, snap)
	}

	if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode == http.StatusForbidden && snap.RetryAfter > 0) {
		observability.ThrottlesTotal.WithLabelValues(strconv.FormatInt(installationID, 10)).Inc()
	}
}

// GetPullRequest fetches the current snapshot of a PR. Idempotent,
// retried on transport failure.
func (c *Client) GetPullRequest(ctx context.Context, installationID int64, owner, repo string, number int) (*PullRequest, error) {
	const op = "get_pr"
	start := time.Now()
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)

	resp, err := c.doRetryable(ctx, op, func() (*http.Response, error) {
		req, err := c.authedRequest(ctx, installationID, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
	observability.GithubAPILatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	c.recordRateLimit(installationID, resp)

	if resp.StatusCode != http.StatusOK {
		observability.GithubAPIRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, &TransportError{Operation: op, StatusCode: resp.StatusCode}
	}
	observability.GithubAPIRequestsTotal.WithLabelValues(op, "ok").Inc()

	var raw struct {
		Number int    `json:"number"`
		State  string `json:"state"`
		Draft  bool   `json:"draft"`
		Locked bool   `json:"locked"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		Head struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Mergeable      *bool  `json:"mergeable"`
		MergeableState string `json:"mergeable_state"`
		User           struct {
			Login string `json:"login"`
		} `json:"user"`
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("githubapi: decoding pr: %w", err)
	}

	labels := make([]string, 0, len(raw.Labels))
	for _, l := range raw.Labels {
		labels = append(labels, l.Name)
	}

	return &PullRequest{
		Number:         raw.Number,
		State:          raw.State,
		Draft:          raw.Draft,
		Locked:         raw.Locked,
		Labels:         labels,
		HeadSHA:        raw.Head.SHA,
		HeadRef:        raw.Head.Ref,
		BaseRef:        raw.Base.Ref,
		Mergeable:      raw.Mergeable,
		MergeableState: MergeableState(raw.MergeableState),
		User:           raw.User.Login,
		Title:          raw.Title,
		Body:           raw.Body,
	}, nil
}

// GetCombinedStatus fetches the combined commit status for a ref.
func (c *Client) GetCombinedStatus(ctx context.Context, installationID int64, owner, repo, ref string) (*CombinedStatus, error) {
	const op = "get_combined_status"
	start := time.Now()
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", owner, repo, ref)

	resp, err := c.doRetryable(ctx, op, func() (*http.Response, error) {
		req, err := c.authedRequest(ctx, installationID, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
	observability.GithubAPILatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	c.recordRateLimit(installationID, resp)

	if resp.StatusCode != http.StatusOK {
		observability.GithubAPIRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, &TransportError{Operation: op, StatusCode: resp.StatusCode}
	}
	observability.GithubAPIRequestsTotal.WithLabelValues(op, "ok").Inc()

	var raw struct {
		State    string `json:"state"`
		Statuses []struct {
			Context string `json:"context"`
		} `json:"statuses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("githubapi: decoding combined status: %w", err)
	}

	contexts := make([]string, 0, len(raw.Statuses))
	for _, s := range raw.Statuses {
		contexts = append(contexts, s.Context)
	}

	state := CombinedState(raw.State)
	if state == "" {
		state = StatusNone
	}
	return &CombinedStatus{State: state, Contexts: contexts}, nil
}

// GetCheckSuites fetches the check suites for a ref.
func (c *Client) GetCheckSuites(ctx context.Context, installationID int64, owner, repo, ref string) ([]CheckSuite, error) {
	const op = "get_check_suites"
	start := time.Now()
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-suites", owner, repo, ref)

	resp, err := c.doRetryable(ctx, op, func() (*http.Response, error) {
		req, err := c.authedRequest(ctx, installationID, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
	observability.GithubAPILatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	c.recordRateLimit(installationID, resp)

	if resp.StatusCode != http.StatusOK {
		observability.GithubAPIRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, &TransportError{Operation: op, StatusCode: resp.StatusCode}
	}
	observability.GithubAPIRequestsTotal.WithLabelValues(op, "ok").Inc()

	var raw struct {
		CheckSuites []struct {
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"check_suites"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("githubapi: decoding check suites: %w", err)
	}

	suites := make([]CheckSuite, 0, len(raw.CheckSuites))
	for _, s := range raw.CheckSuites {
		suites = append(suites, CheckSuite{Status: s.Status, Conclusion: s.Conclusion})
	}
	return suites, nil
}

// GetFileContents fetches a raw file's decoded bytes at ref, used by
// LoadPolicy. Returns (nil, nil) on a 404 — a missing policy file means
// "use defaults", not an error.
func (c *Client) GetFileContents(ctx context.Context, installationID int64, owner, repo, path, ref string) ([]byte, error) {
	const op = "load_policy"
	start := time.Now()
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, path, ref)

	resp, err := c.doRetryable(ctx, op, func() (*http.Response, error) {
		req, err := c.authedRequest(ctx, installationID, http.MethodGet, apiPath, nil)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
	observability.GithubAPILatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	c.recordRateLimit(installationID, resp)

	if resp.StatusCode == http.StatusNotFound {
		observability.GithubAPIRequestsTotal.WithLabelValues(op, "not_found").Inc()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		observability.GithubAPIRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, &TransportError{Operation: op, StatusCode: resp.StatusCode}
	}
	observability.GithubAPIRequestsTotal.WithLabelValues(op, "ok").Inc()

	var raw struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("githubapi: decoding file contents: %w", err)
	}
	if raw.Encoding != "base64" {
		return nil, fmt.Errorf("githubapi: unsupported content encoding %q", raw.Encoding)
	}
	return base64.StdEncoding.DecodeString(stripNewlines(raw.Content))
}

func stripNewlines(s string) string {
	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\n' {
			buf = append(buf, s[i])
		}
	}
	return string(buf)
}

// UpdateBranch brings the PR's head up to date with its base. Idempotent
// — retried on transport failure.
func (c *Client) UpdateBranch(ctx context.Context, installationID int64, owner, repo string, number int, expectedHeadSHA string) (UpdateBranchResult, error) {
	const op = "update_branch"
	start := time.Now()
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/update-branch", owner, repo, number)

	body, _ := json.Marshal(map[string]string{"expected_head_sha": expectedHeadSHA})

	resp, err := c.doRetryable(ctx, op, func() (*http.Response, error) {
		req, err := c.authedRequest(ctx, installationID, http.MethodPut, path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.http.Do(req)
	})
	observability.GithubAPILatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return UpdateConflict, err
	}
	defer resp.Body.Close()
	c.recordRateLimit(installationID, resp)

	switch resp.StatusCode {
	case http.StatusAccepted:
		observability.BranchUpdatesTotal.WithLabelValues("ok").Inc()
		return UpdateOK, nil
	case http.StatusUnprocessableEntity:
		observability.BranchUpdatesTotal.WithLabelValues("not_behind").Inc()
		return UpdateNotBehind, nil
	case http.StatusConflict:
		observability.BranchUpdatesTotal.WithLabelValues("conflict").Inc()
		return UpdateConflict, nil
	default:
		observability.BranchUpdatesTotal.WithLabelValues("error").Inc()
		return UpdateConflict, &TransportError{Operation: op, StatusCode: resp.StatusCode}
	}
}

// MergePullRequest issues the merge. Never retried internally by this
// client: a timed-out merge may have succeeded server-side. A failed call
// is returned to the pipeline as an error, which the pipeline turns into a
// retry outcome: the item is requeued and goes to the DLQ once the
// scheduler's retry budget is spent.
func (c *Client) MergePullRequest(ctx context.Context, installationID int64, owner, repo string, number int, expectedHeadSHA, title, message string, method MergeMethod) (MergeResult, error) {
	const op = "merge_pr"
	start := time.Now()
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)

	payload := map[string]string{
		"sha":            expectedHeadSHA,
		"commit_title":   title,
		"commit_message": message,
		"merge_method":   string(method),
	}
	body, _ := json.Marshal(payload)

	observability.MergeAttemptsTotal.Inc()

	req, err := c.authedRequest(ctx, installationID, http.MethodPut, path, bytes.NewReader(body))
	if err != nil {
		return MergeNotMergeable, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	observability.GithubAPILatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.MergesFailedTotal.WithLabelValues("transport").Inc()
		return MergeNotMergeable, &TransportError{Operation: op, Err: err}
	}
	defer resp.Body.Close()
	c.recordRateLimit(installationID, resp)

	switch resp.StatusCode {
	case http.StatusOK:
		observability.MergesSuccessTotal.WithLabelValues(string(method)).Inc()
		return MergeMerged, nil
	case http.StatusMethodNotAllowed:
		observability.MergesFailedTotal.WithLabelValues("not_mergeable").Inc()
		return MergeNotMergeable, nil
	case http.StatusConflict:
		observability.MergesFailedTotal.WithLabelValues("sha_mismatch").Inc()
		return MergeMismatchedSHA, nil
	case http.StatusForbidden:
		observability.MergesFailedTotal.WithLabelValues("forbidden").Inc()
		return MergeForbidden, nil
	default:
		observability.MergesFailedTotal.WithLabelValues("error").Inc()
		return MergeNotMergeable, &TransportError{Operation: op, StatusCode: resp.StatusCode}
	}
}
