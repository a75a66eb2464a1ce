package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memoryItem struct {
	value    string
	expireAt time.Time
}

func (m *memoryItem) expired(now time.Time) bool {
	return !m.expireAt.IsZero() && now.After(m.expireAt)
}

type sortedSet struct {
	scores map[string]float64
	items  []Z // ordered by (score, member)
}

func zless(a, b Z) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Member < b.Member
}

func (z *sortedSet) remove(member string) bool {
	score, ok := z.scores[member]
	if !ok {
		return false
	}
	target := Z{Member: member, Score: score}
	i := sort.Search(len(z.items), func(i int) bool { return !zless(z.items[i], target) })
	if i < len(z.items) && z.items[i].Member == member {
		z.items = append(z.items[:i], z.items[i+1:]...)
	}
	delete(z.scores, member)
	return true
}

func (z *sortedSet) add(member string, score float64) {
	z.remove(member)
	item := Z{Member: member, Score: score}
	z.scores[member] = score

	n := len(z.items)
	if n == 0 || zless(z.items[n-1], item) {
		z.items = append(z.items, item)
		return
	}
	i := sort.Search(n, func(i int) bool { return zless(item, z.items[i]) })
	z.items = append(z.items, Z{})
	copy(z.items[i+1:], z.items[i:])
	z.items[i] = item
}

func (z *sortedSet) trim(maxSize int64) {
	excess := int64(len(z.items)) - maxSize
	if maxSize <= 0 || excess <= 0 {
		return
	}
	for _, item := range z.items[:excess] {
		delete(z.scores, item.Member)
	}
	z.items = z.items[excess:]
}

// MemoryStore implements Store in process memory with the same semantics as
// RedisStore. It backs tests and single-process dry runs.
type MemoryStore struct {
	mutex  sync.RWMutex
	values map[string]*memoryItem
	lists  map[string][]string
	zsets  map[string]*sortedSet
	cfg    *Config
	now    func() time.Time
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &MemoryStore{
		values: make(map[string]*memoryItem),
		lists:  make(map[string][]string),
		zsets:  make(map[string]*sortedSet),
		cfg:    cfg,
		now:    time.Now,
	}
}

func (m *MemoryStore) key(k string) string {
	return wrapKey(m.cfg.Prefix, k)
}

func (m *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	item := &memoryItem{value: value}
	if ttl > 0 {
		item.expireAt = m.now().Add(ttl)
	}
	m.values[m.key(key)] = item
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	k := m.key(key)
	item, ok := m.values[k]
	if !ok {
		return "", ErrNotFound
	}
	if item.expired(m.now()) {
		delete(m.values, k)
		return "", ErrNotFound
	}
	return item.value, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	k := m.key(key)
	item, ok := m.values[k]
	if !ok || item.expired(m.now()) {
		m.values[k] = &memoryItem{value: "1"}
		return 1, nil
	}
	n, err := strconv.ParseInt(item.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer", key)
	}
	n++
	item.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MemoryStore) Append(_ context.Context, key, value string, maxLen int64) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	k := m.key(key)
	list := append(m.lists[k], value)
	if maxLen > 0 && int64(len(list)) > maxLen {
		list = append([]string(nil), list[int64(len(list))-maxLen:]...)
	}
	m.lists[k] = list
	return int64(len(list)), nil
}

// normalizeRange maps redis-style inclusive indexes onto [lo, hi).
func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return 0, 0
	}
	return start, stop + 1
}

func (m *MemoryStore) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	list := m.lists[m.key(key)]
	lo, hi := normalizeRange(start, stop, int64(len(list)))
	return append([]string(nil), list[lo:hi]...), nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string, maxSize int64) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	k := m.key(key)
	set, ok := m.zsets[k]
	if !ok {
		set = &sortedSet{scores: make(map[string]float64)}
		m.zsets[k] = set
	}
	set.add(member, score)
	set.trim(maxSize)
	return int64(len(set.items)), nil
}

func (m *MemoryStore) ZRange(_ context.Context, key string, start, stop int64, withScores bool) ([]Z, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	set, ok := m.zsets[m.key(key)]
	if !ok {
		return []Z{}, nil
	}
	lo, hi := normalizeRange(start, stop, int64(len(set.items)))
	out := make([]Z, 0, hi-lo)
	for _, item := range set.items[lo:hi] {
		if !withScores {
			item.Score = 0
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *MemoryStore) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	set, ok := m.zsets[m.key(key)]
	if !ok {
		return 0, nil
	}
	var removed int64
	for _, member := range members {
		if set.remove(member) {
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if set, ok := m.zsets[m.key(key)]; ok {
		return int64(len(set.items)), nil
	}
	return 0, nil
}

func (m *MemoryStore) Watch(ctx context.Context, keys ...string) (<-chan Change, error) {
	return pollWatch(ctx, m.cfg.WatchInterval, keys, m.Get), nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
