// Package redistest provides an in-memory stand-in for the Redis commands
// used by the governance stores, for unit tests that need stateful Redis
// behavior without a server.
package redistest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/redis"
)

// Fake implements [redis.Cmdable] over maps. Keys set with an expiration
// expire according to Now. It is safe for concurrent use.
type Fake struct {
	// Now is the clock used for expirations. It defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	strings map[string]string
	expiry  map[string]time.Time
	hashes  map[string]map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	fail    map[string]error
	calls   map[string]int
}

var _ redis.Cmdable = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Now:     time.Now,
		strings: make(map[string]string),
		expiry:  make(map[string]time.Time),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		fail:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// FailOn makes every later call to command (for example "HSet") return
// err. A nil err clears the failure.
func (f *Fake) FailOn(command string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, command)
		return
	}
	f.fail[command] = err
}

// Calls returns how many times command was invoked.
func (f *Fake) Calls(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[command]
}

// Keys returns every live string, hash, list, and set key, sorted.
func (f *Fake) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.strings {
		if f.liveLocked(k) {
			keys = append(keys, k)
		}
	}
	for k := range f.hashes {
		keys = append(keys, k)
	}
	for k := range f.lists {
		keys = append(keys, k)
	}
	for k := range f.sets {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// enter records a call and returns the injected failure, if any. The
// caller must hold f.mu.
func (f *Fake) enter(command string) error {
	f.calls[command]++
	return f.fail[command]
}

func (f *Fake) liveLocked(key string) bool {
	if _, ok := f.strings[key]; !ok {
		return false
	}
	if exp, ok := f.expiry[key]; ok && !f.Now().Before(exp) {
		delete(f.strings, key)
		delete(f.expiry, key)
		return false
	}
	return true
}

func (f *Fake) setLocked(key string, value any, expiration time.Duration) {
	f.strings[key] = fmt.Sprint(value)
	if expiration > 0 {
		f.expiry[key] = f.Now().Add(expiration)
	} else {
		delete(f.expiry, key)
	}
}

func (f *Fake) Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewStatusCmd(ctx, "set", key, value)
	if err := f.enter("Set"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	f.setLocked(key, value, expiration)
	cmd.SetVal("OK")
	return cmd
}

func (f *Fake) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewBoolCmd(ctx, "set", key, value, "nx")
	if err := f.enter("SetNX"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	if f.liveLocked(key) {
		cmd.SetVal(false)
		return cmd
	}
	f.setLocked(key, value, expiration)
	cmd.SetVal(true)
	return cmd
}

func (f *Fake) Get(ctx context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewStringCmd(ctx, "get", key)
	if err := f.enter("Get"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	if !f.liveLocked(key) {
		cmd.SetErr(goredis.Nil)
		return cmd
	}
	cmd.SetVal(f.strings[key])
	return cmd
}

func (f *Fake) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewIntCmd(ctx, "del")
	if err := f.enter("Del"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	var n int64
	for _, k := range keys {
		if f.liveLocked(k) {
			delete(f.strings, k)
			delete(f.expiry, k)
			n++
		}
		if _, ok := f.hashes[k]; ok {
			delete(f.hashes, k)
			n++
		}
		if _, ok := f.lists[k]; ok {
			delete(f.lists, k)
			n++
		}
		if _, ok := f.sets[k]; ok {
			delete(f.sets, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *Fake) Exists(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewIntCmd(ctx, "exists")
	if err := f.enter("Exists"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	var n int64
	for _, k := range keys {
		_, h := f.hashes[k]
		_, l := f.lists[k]
		_, s := f.sets[k]
		if f.liveLocked(k) || h || l || s {
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *Fake) HSet(ctx context.Context, key string, values ...any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewIntCmd(ctx, "hset", key)
	if err := f.enter("HSet"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	var added int64
	for i := 0; i+1 < len(values); i += 2 {
		field := fmt.Sprint(values[i])
		if _, exists := h[field]; !exists {
			added++
		}
		h[field] = fmt.Sprint(values[i+1])
	}
	cmd.SetVal(added)
	return cmd
}

func (f *Fake) HGet(ctx context.Context, key, field string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewStringCmd(ctx, "hget", key, field)
	if err := f.enter("HGet"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	v, ok := f.hashes[key][field]
	if !ok {
		cmd.SetErr(goredis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *Fake) HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewMapStringStringCmd(ctx, "hgetall", key)
	if err := f.enter("HGetAll"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	cmd.SetVal(out)
	return cmd
}

func (f *Fake) HDel(ctx context.Context, key string, fields ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewIntCmd(ctx, "hdel", key)
	if err := f.enter("HDel"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	var n int64
	for _, field := range fields {
		if _, ok := f.hashes[key][field]; ok {
			delete(f.hashes[key], field)
			n++
		}
	}
	if len(f.hashes[key]) == 0 {
		delete(f.hashes, key)
	}
	cmd.SetVal(n)
	return cmd
}

func (f *Fake) RPush(ctx context.Context, key string, values ...any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewIntCmd(ctx, "rpush", key)
	if err := f.enter("RPush"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	for _, v := range values {
		f.lists[key] = append(f.lists[key], fmt.Sprint(v))
	}
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *Fake) LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewStringSliceCmd(ctx, "lrange", key, start, stop)
	if err := f.enter("LRange"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	list := f.lists[key]
	n := int64(len(list))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	stop = min(stop, n-1)
	if start > stop {
		cmd.SetVal([]string{})
		return cmd
	}
	cmd.SetVal(slices.Clone(list[start : stop+1]))
	return cmd
}

func (f *Fake) LRem(ctx context.Context, key string, count int64, value any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewIntCmd(ctx, "lrem", key, count, value)
	if err := f.enter("LRem"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	target := fmt.Sprint(value)
	var removed int64
	kept := f.lists[key][:0]
	for _, v := range f.lists[key] {
		if v == target && (count == 0 || removed < count) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		delete(f.lists, key)
	} else {
		f.lists[key] = kept
	}
	cmd.SetVal(removed)
	return cmd
}

func (f *Fake) SAdd(ctx context.Context, key string, members ...any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewIntCmd(ctx, "sadd", key)
	if err := f.enter("SAdd"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	var added int64
	for _, m := range members {
		k := fmt.Sprint(m)
		if _, exists := s[k]; !exists {
			s[k] = struct{}{}
			added++
		}
	}
	cmd.SetVal(added)
	return cmd
}

func (f *Fake) SRem(ctx context.Context, key string, members ...any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewIntCmd(ctx, "srem", key)
	if err := f.enter("SRem"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	var n int64
	for _, m := range members {
		k := fmt.Sprint(m)
		if _, ok := f.sets[key][k]; ok {
			delete(f.sets[key], k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *Fake) SIsMember(ctx context.Context, key string, member any) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewBoolCmd(ctx, "sismember", key, member)
	if err := f.enter("SIsMember"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	_, ok := f.sets[key][fmt.Sprint(member)]
	cmd.SetVal(ok)
	return cmd
}

func (f *Fake) Ping(ctx context.Context) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewStatusCmd(ctx, "ping")
	if err := f.enter("Ping"); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	cmd.SetVal("PONG")
	return cmd
}

func (f *Fake) Close() error { return nil }

// NewClient returns a governance Redis client over a new Fake.
func NewClient() (*redis.Client, *Fake) {
	f := New()
	return redis.NewFromClient(f, &redis.Config{KeyPrefix: "test"}), f
}
