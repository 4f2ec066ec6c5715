package db

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zulandar/flowgate/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connection pool settings for server databases.
const (
	maxOpenConns    = 20
	maxIdleConns    = 10
	connMaxIdleTime = 30 * time.Second
)

// sqliteBusyTimeout is how long SQLite waits on a locked database, in ms.
const sqliteBusyTimeout = 5000

// pingLayout is the layout of the server time returned by Ping queries.
const pingLayout = "2006-01-02 15:04:05"

// DSN builds the driver DSN from the discrete database settings. An explicit
// DSN is returned unchanged.
func DSN(c config.DatabaseConfig) string {
	if c.DSN != "" {
		return c.DSN
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	switch c.Driver {
	case "mysql":
		port := c.Port
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.User, c.Password, host, port, c.Name)
	case "postgres":
		port := c.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.User, c.Password),
			Host:     fmt.Sprintf("%s:%d", host, port),
			Path:     "/" + c.Name,
			RawQuery: "sslmode=disable",
		}
		if c.Password == "" {
			u.User = url.User(c.User)
		}
		return u.String()
	}
	return config.DefaultSQLitePath
}

// Connect opens a GORM connection for the configured driver.
func Connect(c config.DatabaseConfig) (*gorm.DB, error) {
	dsn := DSN(c)

	var dialector gorm.Dialector
	switch c.Driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", c.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", c.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", c.Driver, err)
	}
	if c.Driver == "sqlite" || c.Driver == "" {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		if err := sqlitePragmas(db); err != nil {
			sqlDB.Close()
			return nil, err
		}
	} else {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxIdleConns)
		sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	}
	return db, nil
}

// sqlitePragmas enables WAL so readers don't block the writer, and a busy
// timeout for other processes holding the file. In-memory databases keep
// their own journal mode.
func sqlitePragmas(db *gorm.DB) error {
	var mode string
	if err := db.Raw("PRAGMA journal_mode = WAL").Scan(&mode).Error; err != nil {
		return fmt.Errorf("db: sqlite journal mode: %w", err)
	}
	if err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeout)).Error; err != nil {
		return fmt.Errorf("db: sqlite busy timeout: %w", err)
	}
	return nil
}

// Ping reports database liveness and returns the database server's current
// time in UTC, truncated to the second.
func Ping(ctx context.Context, db *gorm.DB) (time.Time, error) {
	var query string
	switch db.Dialector.Name() {
	case "postgres":
		query = "SELECT to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD HH24:MI:SS')"
	case "mysql":
		query = "SELECT DATE_FORMAT(UTC_TIMESTAMP(), '%Y-%m-%d %H:%i:%s')"
	default:
		query = "SELECT strftime('%Y-%m-%d %H:%M:%S', 'now')"
	}

	var raw string
	if err := db.WithContext(ctx).Raw(query).Scan(&raw).Error; err != nil {
		return time.Time{}, fmt.Errorf("db: ping: %w", err)
	}
	at, err := time.ParseInLocation(pingLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("db: ping: parse server time %q: %w", raw, err)
	}
	return at, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}

func ensureSQLiteDirectory(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("db: create sqlite dir: %w", err)
	}
	return nil
}
