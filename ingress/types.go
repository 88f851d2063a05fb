// Package ingress is the Ingress Normalizer: it maps a validated webhook
// event into zero or more canonical WorkItems. It never sees raw HTTP —
// that boundary (signature verification, delivery-ID idempotency) lives
// in the webhook package — and it never touches the DQS directly;
// callers enqueue whatever Normalize returns.
package ingress

import "encoding/json"

// Event is a validated webhook delivery: the type header plus the raw
// JSON body. The payload is intentionally untyped here — Normalize
// decodes only the fields each event type actually needs.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// pullRequestPayload is the subset of a pull_request event this service
// cares about.
type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Draft  bool `json:"draft"`
		State  string `json:"state"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"pull_request"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// openPR identifies an open PR the platform associates with a commit, as
// reported on check_suite and status events.
type openPR struct {
	Number int `json:"number"`
}

type checkSuitePayload struct {
	Action     string `json:"action"`
	CheckSuite struct {
		HeadSHA      string   `json:"head_sha"`
		PullRequests []openPR `json:"pull_requests"`
	} `json:"check_suite"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

type statusPayload struct {
	SHA          string   `json:"sha"`
	PullRequests []openPR `json:"pull_requests"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

var pullRequestActions = map[string]bool{
	"opened":            true,
	"reopened":          true,
	"synchronize":       true,
	"labeled":           true,
	"unlabeled":         true,
	"ready_for_review":  true,
}
