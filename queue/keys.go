package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// Redis key layout:
//   <ns>:q:<inst>/<owner>/<repo>        list
//   <ns>:d:<inst>/<owner>/<repo>        set
//   <ns>:lock:<inst>/<owner>/<repo>     lease key
//   <ns>:throttle:<inst>                throttle key
//   <ns>:dlq:<inst>/<owner>/<repo>      list

func listKey(ns string, repo RepoKey) string {
	return fmt.Sprintf("%s:q:%s", ns, repo.String())
}

func dedupKey(ns string, repo RepoKey) string {
	return fmt.Sprintf("%s:d:%s", ns, repo.String())
}

func leaseKey(ns string, repo RepoKey) string {
	return fmt.Sprintf("%s:lock:%s", ns, repo.String())
}

func throttleKey(ns string, installationID int64) string {
	return fmt.Sprintf("%s:throttle:%d", ns, installationID)
}

func dlqKey(ns string, repo RepoKey) string {
	return fmt.Sprintf("%s:dlq:%s", ns, repo.String())
}

// inflightKey holds the single item a repo's current lease holder popped
// but hasn't yet resolved (completed, requeued, or dead-lettered). A
// crashed worker leaves this key behind; the next successful AcquireLease
// for the repo restores it to the list head.
func inflightKey(ns string, repo RepoKey) string {
	return fmt.Sprintf("%s:inflight:%s", ns, repo.String())
}

// reposKey is a server-side set of every repo that has had an item
// enqueued, requeued, or dead-lettered, maintained alongside the
// primitives above so ListReposWithWork doesn't require a full keyspace
// SCAN in production. Members are never removed; ListReposWithWork skips
// those with no queued, in-flight, or dead-lettered item.
func reposKey(ns string) string {
	return fmt.Sprintf("%s:active-repos", ns)
}

// parseRepoKey reverses RepoKey.String() ("<inst>/<owner>/<repo>"). Owner
// and repo names cannot themselves contain "/", which GitHub already
// guarantees.
func parseRepoKey(s string) (RepoKey, bool) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return RepoKey{}, false
	}
	installationID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return RepoKey{}, false
	}
	return RepoKey{InstallationID: installationID, Owner: parts[1], Repo: parts[2]}, true
}
