// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

const sqlitePrefix = "sqlite:"

// IsSQLiteDSN はDSNがSQLiteを指すかどうかを返す。
func IsSQLiteDSN(dsn string) bool {
	return strings.HasPrefix(dsn, sqlitePrefix)
}

// NewDB はgormによるデータベース接続を初期化する。
// DSNが "sqlite:" で始まる場合はSQLite、それ以外はMySQL（"mysql://" は省略可）として扱う。
// MySQLのDSNには parseTime=true を付けること。
func NewDB(dsn string, otelEnabled bool) (*gorm.DB, error) {
	isSQLite := IsSQLiteDSN(dsn)

	var dialector gorm.Dialector
	if isSQLite {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if otelEnabled {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("registering gorm tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	if isSQLite {
		// SQLiteは単一ライタ。インメモリDBは接続ごとに別DBになるため1本に固定する。
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}
