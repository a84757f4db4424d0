package keystate

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stranmor/keyrelay/internal/logging"
)

// RedisStore is the distributed Key State Store backend: a HSET per key for
// KeyState fields, an INCR counter per group for the rotation cursor, and a
// SETEX string per temporarily-blocked key so expiry is store-side rather
// than computed client-side.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    logging.Logger
	ctx       context.Context
}

// NewRedisStore connects to redisURL and namespaces every key under prefix.
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	return &RedisStore{
		client:    client,
		namespace: prefix,
		logger:    logging.NoOpLogger{},
		ctx:       context.Background(),
	}, nil
}

func (r *RedisStore) SetLogger(logger logging.Logger) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	r.logger = logger
}

func (r *RedisStore) stateKey(key string) string   { return r.namespace + ":state:" + key }
func (r *RedisStore) rotKey(group string) string    { return r.namespace + ":rot:" + group }
func (r *RedisStore) tempBlockKey(key string) string { return r.namespace + ":tempblock:" + key }
func (r *RedisStore) groupIndexKey(group string) string {
	return r.namespace + ":keys:" + group
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Seed(groupName string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.SAdd(r.ctx, r.groupIndexKey(groupName), toInterfaceSlice(keys)...).Err()
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (r *RedisStore) GetCandidateKeys(groupName string) ([]string, error) {
	return r.client.SMembers(r.ctx, r.groupIndexKey(groupName)).Result()
}

func (r *RedisStore) NextRotationIndex(groupName string) (uint64, error) {
	n, err := r.client.Incr(r.ctx, r.rotKey(groupName)).Result()
	if err != nil {
		return 0, err
	}
	return uint64(n - 1), nil
}

func (r *RedisStore) GetKeyState(key string) (KeyState, error) {
	states, err := r.MGetStates([]string{key})
	if err != nil {
		return KeyState{}, err
	}
	return states[key], nil
}

// MGetStates reads every key's hash via a pipeline, then checks the
// temp-block TTL key to resolve whether a non-terminal block has expired
// store-side.
func (r *RedisStore) MGetStates(keys []string) (map[string]KeyState, error) {
	out := make(map[string]KeyState, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	pipe := r.client.Pipeline()
	hcmds := make(map[string]*redis.StringStringMapCmd, len(keys))
	existsCmds := make(map[string]*redis.IntCmd, len(keys))
	for _, k := range keys {
		hcmds[k] = pipe.HGetAll(r.ctx, r.stateKey(k))
		existsCmds[k] = pipe.Exists(r.ctx, r.tempBlockKey(k))
	}
	if _, err := pipe.Exec(r.ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for _, k := range keys {
		fields, _ := hcmds[k].Result()
		stillBlocked, _ := existsCmds[k].Result()

		st := KeyState{Key: k}
		if len(fields) > 0 {
			st.GroupName = fields["group_name"]
			st.IsBlocked = fields["is_blocked"] == "true"
			if n, err := strconv.ParseUint(fields["consecutive_failures"], 10, 32); err == nil {
				st.ConsecutiveFailures = uint32(n)
			}
			if ts, err := time.Parse(time.RFC3339, fields["last_failure"]); err == nil {
				st.LastFailure = ts
			}
			if fields["permanent"] != "true" && stillBlocked == 0 && st.IsBlocked {
				// Temporary block deadline passed store-side; surface as
				// available without waiting for an explicit Unblock.
				st.IsBlocked = false
			}
		}
		out[k] = st
	}
	return out, nil
}

func (r *RedisStore) RecordSuccess(key, groupName string) error {
	return r.client.HSet(r.ctx, r.stateKey(key),
		"group_name", groupName,
		"consecutive_failures", "0",
	).Err()
}

func (r *RedisStore) RecordFailure(key, groupName string, terminal bool, maxFailures uint32, blockFor time.Duration) error {
	pipe := r.client.Pipeline()
	incr := pipe.HIncrBy(r.ctx, r.stateKey(key), "consecutive_failures", 1)
	pipe.HSet(r.ctx, r.stateKey(key), "group_name", groupName, "last_failure", time.Now().Format(time.RFC3339))
	if _, err := pipe.Exec(r.ctx); err != nil {
		return err
	}

	failures := uint32(incr.Val())
	blocked := terminal || failures >= maxFailures
	if !blocked {
		return nil
	}

	fields := map[string]interface{}{"is_blocked": "true"}
	if terminal {
		fields["permanent"] = "true"
	} else {
		fields["permanent"] = "false"
		if err := r.client.SetEX(r.ctx, r.tempBlockKey(key), "1", blockFor).Err(); err != nil {
			return err
		}
	}
	return r.client.HSet(r.ctx, r.stateKey(key), fields).Err()
}

func (r *RedisStore) Unblock(key string) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, r.stateKey(key), "is_blocked", "false", "consecutive_failures", "0", "permanent", "false")
	pipe.Del(r.ctx, r.tempBlockKey(key))
	_, err := pipe.Exec(r.ctx)
	return err
}
