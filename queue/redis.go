package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bemcculley/auto-merge/observability"
)

// RedisStore implements Store against Redis, so the lease (TTL-bounded,
// token-gated) is visible across every worker process, not just the one
// holding it in memory.
type RedisStore struct {
	client *redis.Client
	ns     string

	renewShaSHA   string
	releaseShaSHA string
	popHeadShaSHA string
	acquireShaSHA string
}

// NewRedisStore connects to addr and preloads the Lua scripts used for
// token-gated lease renew/release, so normal-path calls don't ship script
// text over the wire on every invocation.
func NewRedisStore(ctx context.Context, addr, password string, db int, namespace string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("queue: connecting to redis: %w", err)
	}

	renewSHA, err := client.ScriptLoad(ctx, renewLeaseScript).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: preloading renew-lease script: %w", err)
	}
	releaseSHA, err := client.ScriptLoad(ctx, releaseLeaseScript).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: preloading release-lease script: %w", err)
	}
	popHeadSHA, err := client.ScriptLoad(ctx, popHeadScript).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: preloading pop-head script: %w", err)
	}
	acquireSHA, err := client.ScriptLoad(ctx, acquireLeaseScript).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: preloading acquire-lease script: %w", err)
	}

	return &RedisStore{
		client:        client,
		ns:            namespace,
		renewShaSHA:   renewSHA,
		releaseShaSHA: releaseSHA,
		popHeadShaSHA: popHeadSHA,
		acquireShaSHA: acquireSHA,
	}, nil
}

func (s *RedisStore) observe(start time.Time) {
	observability.RedisLatencySeconds.Observe(time.Since(start).Seconds())
}

// enqueueScript: SISMEMBER the dedup set; if present, no-op (deduped).
// Otherwise SADD the dedup entry, RPUSH the item, and SADD the repo into
// the active-repos set so ListReposWithWork doesn't need a keyspace scan.
const enqueueScript = `
local dedupKey = KEYS[1]
local listKey = KEYS[2]
local reposKey = KEYS[3]
local dedupMember = ARGV[1]
local itemJSON = ARGV[2]
local repoMember = ARGV[3]

if redis.call("SISMEMBER", dedupKey, dedupMember) == 1 then
	return 0
end
redis.call("SADD", dedupKey, dedupMember)
redis.call("RPUSH", listKey, itemJSON)
redis.call("SADD", reposKey, repoMember)
return 1
`

func (s *RedisStore) Enqueue(ctx context.Context, item WorkItem) (EnqueueResult, error) {
	start := time.Now()
	defer s.observe(start)

	repo := item.Repo_()
	payload, err := json.Marshal(item)
	if err != nil {
		return Deduped, fmt.Errorf("queue: marshaling work item: %w", err)
	}

	res, err := s.client.Eval(ctx, enqueueScript,
		[]string{dedupKey(s.ns, repo), listKey(s.ns, repo), reposKey(s.ns)},
		item.DedupKey(), string(payload), repo.String(),
	).Result()
	if err != nil {
		return Deduped, fmt.Errorf("queue: enqueue: %w", err)
	}

	if n, ok := res.(int64); ok && n == 1 {
		return Enqueued, nil
	}
	return Deduped, nil
}

// popHeadScript atomically pops the head of the list and records it,
// tagged with the popping lease's token, as the repo's in-flight item.
// AcquireLease restores this record to the list head if its lease expires
// before Complete/RequeueTail/PushDLQ clears it.
const popHeadScript = `
local raw = redis.call("LPOP", KEYS[1])
if not raw then
	return false
end
local payload = cjson.encode({token = ARGV[1], item = cjson.decode(raw)})
redis.call("SET", KEYS[2], payload)
return raw
`

func (s *RedisStore) PopHead(ctx context.Context, repo RepoKey, leaseToken string) (*WorkItem, error) {
	start := time.Now()
	defer s.observe(start)

	res, err := s.client.EvalSha(ctx, s.popHeadShaSHA,
		[]string{listKey(s.ns, repo), inflightKey(s.ns, repo)},
		leaseToken,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: pop_head: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}

	var item WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("queue: decoding popped item: %w", err)
	}
	return &item, nil
}

func (s *RedisStore) Complete(ctx context.Context, item WorkItem) error {
	start := time.Now()
	defer s.observe(start)

	repo := item.Repo_()
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, dedupKey(s.ns, repo), item.DedupKey())
	pipe.Del(ctx, inflightKey(s.ns, repo))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RequeueTail(ctx context.Context, item WorkItem) error {
	start := time.Now()
	defer s.observe(start)

	repo := item.Repo_()
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: marshaling work item: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, listKey(s.ns, repo), string(payload))
	pipe.SAdd(ctx, reposKey(s.ns), repo.String())
	pipe.Del(ctx, inflightKey(s.ns, repo))
	_, err = pipe.Exec(ctx)
	return err
}

// acquireLeaseScript claims the lease only if unheld, then restores any
// abandoned in-flight item left behind by a holder that crashed before
// resolving it, so no popped item is ever lost to a crash.
const acquireLeaseScript = `
local leaseKey = KEYS[1]
local inflightKey = KEYS[2]
local listKey = KEYS[3]
local token = ARGV[1]
local ttlMs = ARGV[2]

local ok = redis.call("SET", leaseKey, token, "NX", "PX", ttlMs)
if not ok then
	return 0
end

local inflight = redis.call("GET", inflightKey)
if inflight then
	redis.call("DEL", inflightKey)
	local decoded = cjson.decode(inflight)
	redis.call("LPUSH", listKey, cjson.encode(decoded["item"]))
end

return 1
`

func (s *RedisStore) AcquireLease(ctx context.Context, repo RepoKey, ttl time.Duration) (string, error) {
	start := time.Now()
	defer s.observe(start)

	token := newToken()
	res, err := s.client.EvalSha(ctx, s.acquireShaSHA,
		[]string{leaseKey(s.ns, repo), inflightKey(s.ns, repo), listKey(s.ns, repo)},
		token, int64(ttl/time.Millisecond),
	).Result()
	if err != nil {
		return "", fmt.Errorf("queue: acquire_lease: %w", err)
	}
	if n, ok := res.(int64); !ok || n != 1 {
		return "", ErrBusy
	}
	return token, nil
}

// renewLeaseScript returns 1 if the owner matched and the TTL was
// extended, 0 otherwise (expired, missing, or owned by someone else).
const renewLeaseScript = `
local val = redis.call("GET", KEYS[1])
if not val or val ~= ARGV[1] then
	return 0
end
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[2]))
return 1
`

func (s *RedisStore) RefreshLease(ctx context.Context, repo RepoKey, token string, ttl time.Duration) error {
	start := time.Now()
	defer s.observe(start)

	res, err := s.client.EvalSha(ctx, s.renewShaSHA, []string{leaseKey(s.ns, repo)},
		token, int64(ttl/time.Millisecond),
	).Result()
	if err != nil {
		return fmt.Errorf("queue: refresh_lease: %w", err)
	}
	if n, ok := res.(int64); !ok || n != 1 {
		return ErrLeaseLost
	}
	return nil
}

const releaseLeaseScript = `
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

func (s *RedisStore) ReleaseLease(ctx context.Context, repo RepoKey, token string) error {
	start := time.Now()
	defer s.observe(start)

	_, err := s.client.EvalSha(ctx, s.releaseShaSHA, []string{leaseKey(s.ns, repo)}, token).Result()
	if err != nil {
		return fmt.Errorf("queue: release_lease: %w", err)
	}
	return nil
}

func (s *RedisStore) SetThrottle(ctx context.Context, installationID int64, until time.Time) error {
	start := time.Now()
	defer s.observe(start)

	ttl := time.Until(until)
	if ttl <= 0 {
		return s.client.Del(ctx, throttleKey(s.ns, installationID)).Err()
	}
	return s.client.Set(ctx, throttleKey(s.ns, installationID), until.Format(time.RFC3339Nano), ttl).Err()
}

func (s *RedisStore) GetThrottle(ctx context.Context, installationID int64) (time.Time, error) {
	start := time.Now()
	defer s.observe(start)

	raw, err := s.client.Get(ctx, throttleKey(s.ns, installationID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: get_throttle: %w", err)
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (s *RedisStore) PushDLQ(ctx context.Context, item WorkItem, reason string) error {
	start := time.Now()
	defer s.observe(start)

	repo := item.Repo_()
	entry := DLQEntry{Item: item, Reason: reason, PushedAt: time.Now()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshaling dlq entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, dedupKey(s.ns, repo), item.DedupKey())
	pipe.RPush(ctx, dlqKey(s.ns, repo), string(payload))
	pipe.SAdd(ctx, reposKey(s.ns), repo.String())
	pipe.Del(ctx, inflightKey(s.ns, repo))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListDLQ(ctx context.Context, repo RepoKey) ([]DLQEntry, error) {
	start := time.Now()
	defer s.observe(start)

	raws, err := s.client.LRange(ctx, dlqKey(s.ns, repo), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list_dlq: %w", err)
	}

	entries := make([]DLQEntry, 0, len(raws))
	for _, raw := range raws {
		var entry DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("queue: decoding dlq entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) ListReposWithWork(ctx context.Context) ([]RepoKey, error) {
	start := time.Now()
	defer s.observe(start)

	members, err := s.client.SMembers(ctx, reposKey(s.ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list_repos_with_work: %w", err)
	}

	out := make([]RepoKey, 0, len(members))
	for _, m := range members {
		repo, ok := parseRepoKey(m)
		if !ok {
			continue
		}
		pipe := s.client.Pipeline()
		listLen := pipe.LLen(ctx, listKey(s.ns, repo))
		dlqLen := pipe.LLen(ctx, dlqKey(s.ns, repo))
		inflight := pipe.Exists(ctx, inflightKey(s.ns, repo))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("queue: list_repos_with_work: %w", err)
		}
		if listLen.Val() == 0 && dlqLen.Val() == 0 && inflight.Val() == 0 {
			continue
		}
		out = append(out, repo)
	}
	return out, nil
}

func (s *RedisStore) QueueDepth(ctx context.Context, repo RepoKey) (int, error) {
	start := time.Now()
	defer s.observe(start)

	n, err := s.client.LLen(ctx, listKey(s.ns, repo)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: queue_depth: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) OldestEnqueuedAt(ctx context.Context, repo RepoKey) (time.Time, error) {
	start := time.Now()
	defer s.observe(start)

	raw, err := s.client.LIndex(ctx, listKey(s.ns, repo), 0).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: oldest_enqueued_at: %w", err)
	}

	var item WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return time.Time{}, fmt.Errorf("queue: decoding head item: %w", err)
	}
	return item.EnqueuedAt, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
