package historian

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS samples_raw (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		point VARCHAR(191) NOT NULL,
		ts BIGINT NOT NULL,
		value DOUBLE NOT NULL,
		quality INT NOT NULL DEFAULT 0,
		INDEX idx_samples_raw_point_ts (point, ts),
		INDEX idx_samples_raw_ts (ts)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS samples_30s (
		point VARCHAR(191) NOT NULL,
		ts BIGINT NOT NULL,
		avg DOUBLE NOT NULL,
		min DOUBLE NOT NULL,
		max DOUBLE NOT NULL,
		count BIGINT NOT NULL,
		PRIMARY KEY (point, ts),
		INDEX idx_samples_30s_ts (ts)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS samples_5m (
		point VARCHAR(191) NOT NULL,
		ts BIGINT NOT NULL,
		avg DOUBLE NOT NULL,
		min DOUBLE NOT NULL,
		max DOUBLE NOT NULL,
		count BIGINT NOT NULL,
		PRIMARY KEY (point, ts),
		INDEX idx_samples_5m_ts (ts)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// openMySQL creates the database if it is missing, then the tables.
func openMySQL(dsn string) (*sql.DB, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}

	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	log.Info("Ensured MySQL database %s exists", database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL ping failed: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	if err := execAll(db, mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize MySQL schema: %w", err)
	}

	log.Info("MySQL historian ready")
	return db, nil
}

// parseMySQLDSN splits user:pass@tcp(host)/db?params into the database name
// and a DSN for the server without it.
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("invalid DSN, cannot extract database name")
	}

	dbParts := strings.SplitN(parts[len(parts)-1], "?", 2)
	database = dbParts[0]
	if database == "" {
		return "", "", fmt.Errorf("invalid DSN, empty database name")
	}

	serverDSN = strings.Join(parts[:len(parts)-1], "/") + "/"
	if len(dbParts) > 1 {
		serverDSN += "?" + dbParts[1]
	}
	return database, serverDSN, nil
}
