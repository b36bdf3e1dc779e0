package postgres

import (
	"errors"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/core"
)

func TestIsConflict(t *testing.T) {
	assert.True(t, isConflict(&pq.Error{Code: "40001"}))
	assert.True(t, isConflict(&pq.Error{Code: "40P01"}))
	assert.False(t, isConflict(&pq.Error{Code: "23505"}))
	assert.False(t, isConflict(errors.New("boom")))
}

func TestEligibleQuery(t *testing.T) {
	r := NewRepository(New(nil, 8), []core.ItemStatus{core.ItemStatusPublished, core.ItemStatusRecruiting})
	query, args, err := r.sb.Select(itemColumns...).From("requirement").Where(sq.Eq{"status": r.eligible}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, "status IN ($1,$2)")
	assert.Equal(t, []any{"published", "recruiting"}, args)
}

func TestViewCountUpdateQuery(t *testing.T) {
	r := NewRepository(New(nil, 8), nil)
	query, args, err := r.sb.Update("requirement").
		Set("view_count", sq.Expr("view_count + ?", int64(3))).
		Where(sq.Eq{"id": int64(9)}).
		ToSql()
	require.NoError(t, err)
	assert.Equal(t, "UPDATE requirement SET view_count = view_count + $1 WHERE id = $2", query)
	assert.Equal(t, []any{int64(3), int64(9)}, args)
	assert.Len(t, r.eligible, len(core.DefaultEligibleStatuses))
}
