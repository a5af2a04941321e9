// internal/pkg/database/mysql.go
package database

import (
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Config 数据库连接参数
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SlowThreshold   time.Duration `yaml:"slow_threshold"`
}

// Open 打开 MySQL 连接。时间统一按 UTC 解析，唯一键冲突翻译为 gorm.ErrDuplicatedKey。
func Open(cfg Config) (*gorm.DB, error) {
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	dsn.ParseTime = true
	dsn.Loc = time.UTC

	db, err := gorm.Open(gormmysql.New(gormmysql.Config{DSNConfig: dsn}), &gorm.Config{
		Logger:         NewGormLogger(cfg.SlowThreshold),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open mysql %s/%s", dsn.Addr, dsn.DBName)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}
