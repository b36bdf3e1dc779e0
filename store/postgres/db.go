// Package postgres 实现基于 PostgreSQL 的物品/用户仓储和 pgvector 向量索引。
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
)

// Config 是数据库连接参数
type Config struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	// Dimensions 向量维度，建表时使用
	Dimensions int `koanf:"dimensions"`
}

// DB 封装 *sql.DB 和 SQL 构造器
type DB struct {
	db  *sql.DB
	sb  sq.StatementBuilderType
	dim int
}

// Open 打开连接并校验可用性
func Open(ctx context.Context, cfg Config) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open postgres")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "failed to ping postgres")
	}
	return New(db, cfg.Dimensions), nil
}

// New 包装已有连接
func New(db *sql.DB, dimensions int) *DB {
	return &DB{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		dim: dimensions,
	}
}

func (d *DB) Close() error { return d.db.Close() }

// Ping 用于健康检查
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Migrate 创建向量相关的表（物品/用户表由业务系统维护）
func (d *DB) Migrate(ctx context.Context) error {
	if d.dim <= 0 {
		return errors.New("postgres: vector dimensions not configured")
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS item_vector (
			item_id    BIGINT PRIMARY KEY,
			seq        BIGSERIAL,
			embedding  vector(%d) NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, d.dim),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS item_chunk (
			item_id   BIGINT NOT NULL REFERENCES item_vector(item_id) ON DELETE CASCADE,
			chunk_no  INT NOT NULL,
			embedding vector(%d) NOT NULL,
			content   TEXT NOT NULL,
			PRIMARY KEY (item_id, chunk_no)
		)`, d.dim),
		`CREATE INDEX IF NOT EXISTS item_vector_hnsw ON item_vector USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS item_chunk_hnsw ON item_chunk USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return pkgerrors.Wrap(err, "failed to migrate vector schema")
		}
	}
	return nil
}

// conflictCodes 是可重试的并发冲突错误码
var conflictCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func isConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return conflictCodes[pqErr.Code]
	}
	return false
}
