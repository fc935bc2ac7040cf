package sqlstore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Stores 区分结构化数据库（用户目录）与消息库（MySQL 或 TiDB）。
// 两者可以指向同一个实例。
type Stores struct {
	Primary *sql.DB
	Message *sql.DB
}

func (s *Stores) Close() {
	if s.Message != nil && s.Message != s.Primary {
		_ = s.Message.Close()
	}
	if s.Primary != nil {
		_ = s.Primary.Close()
	}
}

type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

var DefaultPool = PoolConfig{MaxOpen: 100, MaxIdle: 20, MaxLifetime: 30 * time.Minute}

func Open(dsn string) (*sql.DB, error) { return OpenWithPool(dsn, DefaultPool) }

func OpenWithPool(dsn string, p PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(p.MaxOpen)
	db.SetMaxIdleConns(p.MaxIdle)
	db.SetConnMaxLifetime(p.MaxLifetime)
	return db, nil
}

// OpenAndPing 打开连接池并在超时内确认可达。
func OpenAndPing(dsn string, timeout time.Duration) (*sql.DB, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
