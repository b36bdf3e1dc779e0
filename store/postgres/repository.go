package postgres

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/rushteam/reqrec/core"
)

// Repository 实现 core.ItemRepository 和 core.UserRepository。
//
// 依赖的表（由业务系统维护）：
//
//	requirement(id, title, body, interest_tag_ids bigint[], skill_tag_ids bigint[],
//	            created_at, view_count, status)
//	app_user(id, skill_tag_ids bigint[], interest_tag_ids bigint[], created_at, last_login_at)
//	tag(id, name)
type Repository struct {
	*DB
	eligible []string
}

// NewRepository 创建仓储，eligible 为可推荐状态集合（空则使用默认集合）
func NewRepository(db *DB, eligible []core.ItemStatus) *Repository {
	if len(eligible) == 0 {
		eligible = core.DefaultEligibleStatuses
	}
	statuses := make([]string, len(eligible))
	for i, s := range eligible {
		statuses[i] = string(s)
	}
	return &Repository{DB: db, eligible: statuses}
}

var (
	_ core.ItemRepository = (*Repository)(nil)
	_ core.UserRepository = (*Repository)(nil)
)

var itemColumns = []string{
	"id", "title", "body", "interest_tag_ids", "skill_tag_ids", "created_at", "view_count", "status",
}

func (r *Repository) queryItems(ctx context.Context, where sq.Sqlizer) ([]*core.ItemInfo, error) {
	query, args, err := r.sb.Select(itemColumns...).From("requirement").Where(where).OrderBy("id").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build item query")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query items")
	}
	defer rows.Close()

	list := []*core.ItemInfo{}
	for rows.Next() {
		var (
			info   core.ItemInfo
			status string
		)
		if err := rows.Scan(
			&info.ID,
			&info.Title,
			&info.Body,
			pq.Array(&info.InterestTags),
			pq.Array(&info.SkillTags),
			&info.CreatedAt,
			&info.ViewCount,
			&status,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan item")
		}
		info.Status = core.ItemStatus(status)
		list = append(list, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate items")
	}
	return list, nil
}

func (r *Repository) ListEligible(ctx context.Context) ([]*core.ItemInfo, error) {
	return r.queryItems(ctx, sq.Eq{"status": r.eligible})
}

func (r *Repository) GetItems(ctx context.Context, ids []int64) (map[int64]*core.ItemInfo, error) {
	out := make(map[int64]*core.ItemInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	list, err := r.queryItems(ctx, sq.Expr("id = ANY(?)", pq.Array(ids)))
	if err != nil {
		return nil, err
	}
	for _, info := range list {
		out[info.ID] = info
	}
	return out, nil
}

func (r *Repository) AddViewCount(ctx context.Context, itemID int64, delta int64) error {
	query, args, err := r.sb.Update("requirement").
		Set("view_count", sq.Expr("view_count + ?", delta)).
		Where(sq.Eq{"id": itemID}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build view count update")
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isConflict(err) {
			return core.PersistenceConflict(core.ModuleStore, err, "view count update")
		}
		return errors.Wrap(err, "failed to update view count")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return core.PersistenceConflict(core.ModuleStore, sql.ErrNoRows, "view count update: no row")
	}
	return nil
}

func (r *Repository) GetViewCount(ctx context.Context, itemID int64) (int64, error) {
	query, args, err := r.sb.Select("view_count").From("requirement").Where(sq.Eq{"id": itemID}).ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "failed to build view count query")
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, core.ErrStoreNotFound
		}
		return 0, errors.Wrap(err, "failed to get view count")
	}
	return n, nil
}

func (r *Repository) GetStaticProfile(ctx context.Context, userID string) (*core.UserStaticProfile, error) {
	query, args, err := r.sb.Select("skill_tag_ids", "interest_tag_ids").
		From("app_user").
		Where(sq.Eq{"id": userID}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build profile query")
	}
	p := &core.UserStaticProfile{UserID: userID}
	err = r.db.QueryRowContext(ctx, query, args...).Scan(pq.Array(&p.SkillTagIDs), pq.Array(&p.InterestTagIDs))
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get static profile")
	}

	names, err := r.tagNames(ctx, append(append([]int64{}, p.SkillTagIDs...), p.InterestTagIDs...))
	if err != nil {
		return nil, err
	}
	p.TagNames = names
	return p, nil
}

func (r *Repository) tagNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := r.sb.Select("id", "name").From("tag").Where(sq.Expr("id = ANY(?)", pq.Array(ids))).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build tag query")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query tags")
	}
	defer rows.Close()

	names := make(map[int64]string, len(ids))
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, errors.Wrap(err, "failed to scan tag")
		}
		names[id] = name
	}
	return names, rows.Err()
}

func (r *Repository) ListActiveUsers(ctx context.Context, since time.Time) ([]string, error) {
	query, args, err := r.sb.Select("id").
		From("app_user").
		Where(sq.Or{sq.GtOrEq{"last_login_at": since}, sq.GtOrEq{"created_at": since}}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build active user query")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active users")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan user id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
