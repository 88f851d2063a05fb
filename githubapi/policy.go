package githubapi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// PolicyPath is the well-known location of a repo's policy file on its
// base ref.
const PolicyPath = ".github/automerge.yml"

const (
	defaultTitleTemplate = "{title} (#{number})"
	defaultBodyTemplate  = "{body}"
)

// RepoPolicy is the per-repo configuration loaded fresh on every pipeline
// run. Zero value is never used directly — DefaultRepoPolicy seeds every
// field before the file's keys are applied over it.
type RepoPolicy struct {
	Label                  string
	MergeMethod            MergeMethod
	RequireUpToDate        bool
	UpdateBranch           bool
	AllowMergeWhenNoChecks bool
	MaxWaitMinutes         int
	PollIntervalSeconds    int
	TitleTemplate          string
	BodyTemplate           string
}

// DefaultRepoPolicy returns the built-in defaults applied before a repo's
// policy file is parsed over them.
func DefaultRepoPolicy() RepoPolicy {
	return RepoPolicy{
		Label:                  "automerge",
		MergeMethod:            MergeSquash,
		RequireUpToDate:        true,
		UpdateBranch:           true,
		AllowMergeWhenNoChecks: false,
		MaxWaitMinutes:         60,
		PollIntervalSeconds:    10,
		TitleTemplate:          defaultTitleTemplate,
		BodyTemplate:           defaultBodyTemplate,
	}
}

// PolicyParseError means the file exists but could not be parsed into a
// valid policy. Terminal — routes the item to the dead-letter queue
// rather than retrying.
type PolicyParseError struct {
	Line   int
	Reason string
}

func (e *PolicyParseError) Error() string {
	return fmt.Sprintf("githubapi: policy file line %d: %s", e.Line, e.Reason)
}

// LoadPolicy fetches and parses a repo's policy file. A missing file (nil,
// nil from GetFileContents) yields the defaults, never an error.
func (c *Client) LoadPolicy(ctx context.Context, installationID int64, owner, repo, ref string) (RepoPolicy, error) {
	raw, err := c.GetFileContents(ctx, installationID, owner, repo, PolicyPath, ref)
	if err != nil {
		return RepoPolicy{}, err
	}
	if raw == nil {
		return DefaultRepoPolicy(), nil
	}
	return ParsePolicy(raw)
}

// ParsePolicy reads a flat `key: value` document format. Unknown keys
// are ignored; blank lines and lines starting with '#' are comments.
func ParsePolicy(raw []byte) (RepoPolicy, error) {
	policy := DefaultRepoPolicy()

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return RepoPolicy{}, &PolicyParseError{Line: lineNo, Reason: "expected \"key: value\""}
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if err := applyPolicyKey(&policy, key, value); err != nil {
			return RepoPolicy{}, &PolicyParseError{Line: lineNo, Reason: err.Error()}
		}
	}
	if err := scanner.Err(); err != nil {
		return RepoPolicy{}, &PolicyParseError{Line: lineNo, Reason: err.Error()}
	}

	return policy, nil
}

func applyPolicyKey(policy *RepoPolicy, key, value string) error {
	switch key {
	case "label":
		policy.Label = value
	case "merge_method":
		switch MergeMethod(value) {
		case MergeSquash, MergeRebase, MergeMerge:
			policy.MergeMethod = MergeMethod(value)
		default:
			return fmt.Errorf("merge_method must be one of squash, rebase, merge (got %q)", value)
		}
	case "require_up_to_date":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("require_up_to_date must be a bool: %w", err)
		}
		policy.RequireUpToDate = b
	case "update_branch":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("update_branch must be a bool: %w", err)
		}
		policy.UpdateBranch = b
	case "allow_merge_when_no_checks":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("allow_merge_when_no_checks must be a bool: %w", err)
		}
		policy.AllowMergeWhenNoChecks = b
	case "max_wait_minutes":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("max_wait_minutes must be a positive integer")
		}
		policy.MaxWaitMinutes = n
	case "poll_interval_seconds":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("poll_interval_seconds must be a positive integer")
		}
		policy.PollIntervalSeconds = n
	case "title_template":
		policy.TitleTemplate = value
	case "body_template":
		policy.BodyTemplate = value
	default:
		// unknown keys ignored
	}
	return nil
}
