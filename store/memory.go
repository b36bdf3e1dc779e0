package store

import (
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rushteam/reqrec/core"
)

type kind int

const (
	kindString kind = iota
	kindHash
	kindZSet
)

type entry struct {
	kind   kind
	value  []byte
	hash   map[string]string
	zset   map[string]float64
	expire time.Time // 零值表示不过期
}

// MemoryStore 是内存实现的 CacheStore，用于测试/开发/原型。
// 语义与 Redis 对齐：计数器以十进制字符串保存，key 过期后视为不存在。
// 进程重启后数据丢失。
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]*entry
	now   func() time.Time
	clean *time.Ticker
	done  chan struct{}

	noAtomicDecr bool
	unavailable  atomic.Bool
}

// MemoryOption 配置 MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock 注入时钟（测试 TTL 用）
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithoutAtomicDecr 模拟不支持原子递减的后端：DecrByPrune 返回 ErrStoreNotSupported
func WithoutAtomicDecr() MemoryOption {
	return func(m *MemoryStore) { m.noAtomicDecr = true }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	ms := &MemoryStore{
		data:  make(map[string]*entry),
		now:   time.Now,
		clean: time.NewTicker(10 * time.Second),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}
	go ms.cleanup()
	return ms
}

var _ core.CacheStore = (*MemoryStore)(nil)

var errMemoryDown = errors.New("memory store marked unavailable")

// SetUnavailable 切换不可用状态，之后所有操作返回 CACHE_UNAVAILABLE（故障演练/测试）
func (m *MemoryStore) SetUnavailable(down bool) {
	m.unavailable.Store(down)
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) check(op string) error {
	if m.unavailable.Load() {
		return core.CacheUnavailable(core.ModuleCache, errMemoryDown, "memory "+op)
	}
	return nil
}

// lookup 返回未过期的 entry，调用方需持有锁
func (m *MemoryStore) lookup(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expire.IsZero() && !m.now().Before(e.expire) {
		delete(m.data, key)
		return nil
	}
	return e
}

func wrongType(key string) error {
	return core.NewDomainError(core.ModuleStore, core.ErrorCodeInvalidInput, "store: wrong type for key "+key)
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.check("get"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return nil, core.ErrStoreNotFound
	}
	if e.kind != kindString {
		return nil, wrongType(key)
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.check("set"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{kind: kindString, value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expire = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := m.check("del"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.check("expire"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.lookup(key); e != nil {
		e.expire = m.now().Add(ttl)
	}
	return nil
}

// TTL 返回剩余过期时间，不存在或不过期返回 0（测试辅助）
func (m *MemoryStore) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.expire.IsZero() {
		return 0
	}
	return e.expire.Sub(m.now())
}

func (m *MemoryStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	if err := m.check("incrby"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addCounter(key, n)
}

func (m *MemoryStore) addCounter(key string, n int64) (int64, error) {
	e := m.lookup(key)
	if e == nil {
		e = &entry{kind: kindString, value: []byte("0")}
		m.data[key] = e
	}
	if e.kind != kindString {
		return 0, wrongType(key)
	}
	cur, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, core.MalformedInput(core.ModuleStore, "store: value is not an integer: "+key)
	}
	cur += n
	e.value = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

func (m *MemoryStore) DecrByPrune(ctx context.Context, key string, n int64) (int64, error) {
	if m.noAtomicDecr {
		return 0, core.ErrStoreNotSupported
	}
	if err := m.check("decrby"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	left, err := m.addCounter(key, -n)
	if err != nil {
		return 0, err
	}
	if left <= 0 {
		delete(m.data, key)
	}
	return left, nil
}

func (m *MemoryStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := m.check("scan"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.data {
		if m.lookup(k) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) hashEntry(key string, create bool) (*entry, error) {
	e := m.lookup(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		m.data[key] = e
	}
	if e.kind != kindHash {
		return nil, wrongType(key)
	}
	return e, nil
}

func (m *MemoryStore) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	if err := m.check("hincrbyfloat"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.hashEntry(key, true)
	if err != nil {
		return 0, err
	}
	var cur float64
	if raw, ok := e.hash[field]; ok {
		cur, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, core.MalformedInput(core.ModuleStore, "store: hash value is not a float: "+field)
		}
	}
	cur += delta
	e.hash[field] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (m *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := m.check("hset"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.hashEntry(key, true)
	if err != nil {
		return err
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	return nil
}

func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := m.check("hgetall"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.hashEntry(key, false)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	if e != nil {
		for f, v := range e.hash {
			result[f] = v
		}
	}
	return result, nil
}

func (m *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := m.check("hdel"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.hashEntry(key, false)
	if err != nil || e == nil {
		return err
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	if len(e.hash) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryStore) HDelIfBelow(ctx context.Context, key, field string, floor float64) (bool, error) {
	if err := m.check("hdelifbelow"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.hashEntry(key, false)
	if err != nil || e == nil {
		return false, err
	}
	raw, ok := e.hash[field]
	if !ok {
		return false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v >= floor {
		return false, nil
	}
	delete(e.hash, field)
	if len(e.hash) == 0 {
		delete(m.data, key)
	}
	return true, nil
}

func (m *MemoryStore) zsetEntry(key string, create bool) (*entry, error) {
	e := m.lookup(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{kind: kindZSet, zset: make(map[string]float64)}
		m.data[key] = e
	}
	if e.kind != kindZSet {
		return nil, wrongType(key)
	}
	return e, nil
}

func (m *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := m.check("zadd"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.zsetEntry(key, true)
	if err != nil {
		return err
	}
	e.zset[member] = score
	return nil
}

type zpair struct {
	member string
	score  float64
}

// sortedAsc 按 score 升序（同分按 member 字典序），与 Redis 一致
func sortedAsc(zset map[string]float64) []zpair {
	pairs := make([]zpair, 0, len(zset))
	for m, s := range zset {
		pairs = append(pairs, zpair{member: m, score: s})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score < pairs[j].score
		}
		return pairs[i].member < pairs[j].member
	})
	return pairs
}

// normalizeRange 把 Redis 风格的（可为负数）区间转换为 [start, stop]，空区间返回 ok=false
func normalizeRange(start, stop int64, n int) (int64, int64, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if size == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}

func (m *MemoryStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	if err := m.check("zremrangebyrank"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.zsetEntry(key, false)
	if err != nil || e == nil {
		return err
	}
	pairs := sortedAsc(e.zset)
	lo, hi, ok := normalizeRange(start, stop, len(pairs))
	if !ok {
		return nil
	}
	for i := lo; i <= hi; i++ {
		delete(e.zset, pairs[i].member)
	}
	if len(e.zset) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := m.check("zrevrange"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.zsetEntry(key, false)
	if err != nil || e == nil {
		return nil, err
	}
	asc := sortedAsc(e.zset)
	lo, hi, ok := normalizeRange(start, stop, len(asc))
	if !ok {
		return nil, nil
	}
	result := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		result = append(result, asc[len(asc)-1-int(i)].member)
	}
	return result, nil
}

func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	if err := m.check("zcard"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.zsetEntry(key, false)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.zset)), nil
}

func (m *MemoryStore) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
		m.clean.Stop()
	}
	return nil
}

func (m *MemoryStore) cleanup() {
	for {
		select {
		case <-m.done:
			return
		case <-m.clean.C:
			m.mu.Lock()
			for k := range m.data {
				m.lookup(k)
			}
			m.mu.Unlock()
		}
	}
}
