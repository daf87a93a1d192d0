package kv

import (
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"
	"golang.org/x/xerrors"
)

// Store wraps a redis connection pool with the small command surface this
// core relies on: plain keys with TTLs, hashes and lists. Values are opaque
// blobs (the callers marshal JSON).
type Store struct {
	pool *redis.Pool
}

func New(addr string, db int) *Store {
	return &Store{
		pool: &redis.Pool{
			MaxIdle:     8,
			IdleTimeout: 4 * time.Minute,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr, redis.DialDatabase(db))
			},
		},
	}
}

// NewFromPool is used by tests that dial a miniredis instance.
func NewFromPool(pool *redis.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error { return s.pool.Close() }

// Get returns nil with no error when the key is absent.
func (s *Store) Get(key string) ([]byte, error) {
	conn := s.pool.Get()
	defer conn.Close()

	b, err := redis.Bytes(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("kv get %s: %w", key, err)
	}
	return b, nil
}

// Set stores the value; ttl<=0 means no expiration.
func (s *Store) Set(key string, val []byte, ttl time.Duration) error {
	conn := s.pool.Get()
	defer conn.Close()

	var err error
	if ttl > 0 {
		_, err = conn.Do("SET", key, val, "PX", ttl.Milliseconds())
	} else {
		_, err = conn.Do("SET", key, val)
	}
	if err != nil {
		return xerrors.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetNX writes the key only when absent, reporting whether it won.
func (s *Store) SetNX(key string, val []byte, ttl time.Duration) (bool, error) {
	conn := s.pool.Get()
	defer conn.Close()

	args := redis.Args{}.Add(key, val)
	if ttl > 0 {
		args = args.Add("PX", ttl.Milliseconds())
	}
	args = args.Add("NX")

	reply, err := conn.Do("SET", args...)
	if err != nil {
		return false, xerrors.Errorf("kv setnx %s: %w", key, err)
	}
	return reply != nil, nil
}

var delIfEqualsScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// DelIfEquals removes the key only while it still holds the expected value
// (single Lua script, so no other writer can slip in between the compare
// and the delete). Reports whether the key was removed.
func (s *Store) DelIfEquals(key string, expected []byte) (bool, error) {
	conn := s.pool.Get()
	defer conn.Close()

	n, err := redis.Int(delIfEqualsScript.Do(conn, key, expected))
	if err != nil {
		return false, xerrors.Errorf("kv del-if-equals %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) Del(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("DEL", redis.Args{}.AddFlat(keys)...)
	if err != nil {
		return xerrors.Errorf("kv del: %w", err)
	}
	return nil
}

func (s *Store) Expire(key string, ttl time.Duration) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("PEXPIRE", key, ttl.Milliseconds())
	if err != nil {
		return xerrors.Errorf("kv expire %s: %w", key, err)
	}
	return nil
}

func (s *Store) Exists(key string) (bool, error) {
	conn := s.pool.Get()
	defer conn.Close()

	n, err := redis.Int(conn.Do("EXISTS", key))
	if err != nil {
		return false, xerrors.Errorf("kv exists %s: %w", key, err)
	}
	return n > 0, nil
}

// HGet returns nil with no error when the field is absent.
func (s *Store) HGet(key, field string) ([]byte, error) {
	conn := s.pool.Get()
	defer conn.Close()

	b, err := redis.Bytes(conn.Do("HGET", key, field))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("kv hget %s %s: %w", key, field, err)
	}
	return b, nil
}

func (s *Store) HSet(key, field string, val []byte) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("HSET", key, field, val)
	if err != nil {
		return xerrors.Errorf("kv hset %s %s: %w", key, field, err)
	}
	return nil
}

// HDel removes all given fields in a single command (all or nothing).
func (s *Store) HDel(key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("HDEL", redis.Args{}.Add(key).AddFlat(fields)...)
	if err != nil {
		return xerrors.Errorf("kv hdel %s: %w", key, err)
	}
	return nil
}

func (s *Store) HGetAll(key string) (map[string][]byte, error) {
	conn := s.pool.Get()
	defer conn.Close()

	values, err := redis.Values(conn.Do("HGETALL", key))
	if err != nil {
		return nil, xerrors.Errorf("kv hgetall %s: %w", key, err)
	}

	ret := make(map[string][]byte, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		f, _ := redis.Bytes(values[i], nil)
		v, _ := redis.Bytes(values[i+1], nil)
		ret[string(f)] = v
	}
	return ret, nil
}

func (s *Store) RPush(key string, vals ...[]byte) error {
	if len(vals) == 0 {
		return nil
	}
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("RPUSH", redis.Args{}.Add(key).AddFlat(vals)...)
	if err != nil {
		return xerrors.Errorf("kv rpush %s: %w", key, err)
	}
	return nil
}

// LPushAll prepends the values so that vals[0] ends up at the head of the
// list. Used to return popped queue items in their original order.
func (s *Store) LPushAll(key string, vals ...[]byte) error {
	conn := s.pool.Get()
	defer conn.Close()

	for i := len(vals) - 1; i >= 0; i-- {
		_, err := conn.Do("LPUSH", key, vals[i])
		if err != nil {
			return xerrors.Errorf("kv lpush %s: %w", key, err)
		}
	}
	return nil
}

// LPop returns nil with no error when the list is empty.
func (s *Store) LPop(key string) ([]byte, error) {
	conn := s.pool.Get()
	defer conn.Close()

	b, err := redis.Bytes(conn.Do("LPOP", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("kv lpop %s: %w", key, err)
	}
	return b, nil
}

func (s *Store) LRange(key string, from, to int) ([][]byte, error) {
	conn := s.pool.Get()
	defer conn.Close()

	values, err := redis.ByteSlices(conn.Do("LRANGE", key, from, to))
	if err != nil {
		return nil, xerrors.Errorf("kv lrange %s: %w", key, err)
	}
	return values, nil
}

func (s *Store) LLen(key string) (int, error) {
	conn := s.pool.Get()
	defer conn.Close()

	n, err := redis.Int(conn.Do("LLEN", key))
	if err != nil {
		return 0, xerrors.Errorf("kv llen %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) LTrim(key string, from, to int) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("LTRIM", key, from, to)
	if err != nil {
		return xerrors.Errorf("kv ltrim %s: %w", key, err)
	}
	return nil
}
