package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rushteam/reqrec/core"
)

// MemoryRepository 是内存实现的物品/用户仓储，用于测试/开发。
// 可以注入持久层冲突（ConflictNext）来演练计数刷写的重试与重新入队。
type MemoryRepository struct {
	mu       sync.RWMutex
	items    map[int64]*core.ItemInfo
	users    map[string]*userRecord
	eligible []core.ItemStatus
	conflict int
	failList error
}

type userRecord struct {
	profile   core.UserStaticProfile
	createdAt time.Time
	lastLogin time.Time
}

var (
	_ core.ItemRepository = (*MemoryRepository)(nil)
	_ core.UserRepository = (*MemoryRepository)(nil)
)

var errConflict = errors.New("concurrent update rejected")

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items:    make(map[int64]*core.ItemInfo),
		users:    make(map[string]*userRecord),
		eligible: core.DefaultEligibleStatuses,
	}
}

// PutItem 写入或覆盖物品
func (r *MemoryRepository) PutItem(info core.ItemInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := info
	r.items[info.ID] = &cp
}

// PutUser 写入用户静态画像及活跃时间
func (r *MemoryRepository) PutUser(p core.UserStaticProfile, createdAt, lastLogin time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[p.UserID] = &userRecord{profile: p, createdAt: createdAt, lastLogin: lastLogin}
}

// ConflictNext 让接下来 n 次 AddViewCount 返回 PERSISTENCE_CONFLICT
func (r *MemoryRepository) ConflictNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflict = n
}

// FailListing 让 ListEligible 返回指定错误（nil 取消）
func (r *MemoryRepository) FailListing(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failList = err
}

func (r *MemoryRepository) ListEligible(ctx context.Context) ([]*core.ItemInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.failList != nil {
		return nil, r.failList
	}
	out := make([]*core.ItemInfo, 0, len(r.items))
	for _, it := range r.items {
		if slices.Contains(r.eligible, it.Status) {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) GetItems(ctx context.Context, ids []int64) (map[int64]*core.ItemInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int64]*core.ItemInfo, len(ids))
	for _, id := range ids {
		if it, ok := r.items[id]; ok {
			cp := *it
			out[id] = &cp
		}
	}
	return out, nil
}

func (r *MemoryRepository) AddViewCount(ctx context.Context, itemID int64, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conflict > 0 {
		r.conflict--
		return core.PersistenceConflict(core.ModuleStore, errConflict, "add view count")
	}
	it, ok := r.items[itemID]
	if !ok {
		return core.PersistenceConflict(core.ModuleStore, core.ErrStoreNotFound, "add view count: item missing")
	}
	it.ViewCount += delta
	return nil
}

func (r *MemoryRepository) GetViewCount(ctx context.Context, itemID int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	it, ok := r.items[itemID]
	if !ok {
		return 0, core.ErrStoreNotFound
	}
	return it.ViewCount, nil
}

func (r *MemoryRepository) GetStaticProfile(ctx context.Context, userID string) (*core.UserStaticProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return &core.UserStaticProfile{UserID: userID}, nil
	}
	p := u.profile
	p.SkillTagIDs = slices.Clone(p.SkillTagIDs)
	p.InterestTagIDs = slices.Clone(p.InterestTagIDs)
	return &p, nil
}

func (r *MemoryRepository) ListActiveUsers(ctx context.Context, since time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, u := range r.users {
		if !u.lastLogin.Before(since) || !u.createdAt.Before(since) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
