package db

import (
	"fmt"
	"strings"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/zulandar/coupler/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN for the configured store. An empty database name
// yields a server-level DSN used for CREATE DATABASE.
func DSN(sc config.StoreConfig, password string) string {
	mc := mysqldrv.NewConfig()
	mc.User = sc.User
	mc.Passwd = password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", sc.Host, sc.Port)
	mc.DBName = sc.Database
	mc.ParseTime = true
	return mc.FormatDSN()
}

// SQLiteDSN returns the sqlite DSN for path, adding a busy timeout for
// file-backed databases.
func SQLiteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000"
}

// Open opens a GORM connection for the configured store driver.
func Open(sc config.StoreConfig, password string) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch sc.Driver {
	case "", "sqlite":
		db, err := gorm.Open(sqlite.Open(SQLiteDSN(sc.Path)), gcfg)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", sc.Path, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", sc.Path, err)
		}
		// Every connection to ":memory:" is a separate database, and sqlite
		// allows a single writer anyway.
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	case "mysql":
		db, err := gorm.Open(mysql.Open(DSN(sc, password)), gcfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", sc.Host, sc.Port, sc.Database, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", sc.Driver)
	}
}

// ConnectAdmin opens a GORM connection to the MySQL server without selecting
// a specific database, used for CREATE DATABASE operations.
func ConnectAdmin(sc config.StoreConfig, password string) (*gorm.DB, error) {
	admin := sc
	admin.Database = ""
	db, err := gorm.Open(mysql.Open(DSN(admin, password)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", sc.Host, sc.Port, err)
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}
