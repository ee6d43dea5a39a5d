package historian

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// DatabaseType names a supported SQL backend.
type DatabaseType string

const (
	SQLite     DatabaseType = "sqlite"
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
)

// dialect carries the SQL differences between backends.
type dialect struct {
	typ DatabaseType
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	intDiv   string
	upsert   string
}

var dialects = map[DatabaseType]dialect{
	SQLite: {
		typ:    SQLite,
		intDiv: "/",
		upsert: "ON CONFLICT (point, ts) DO UPDATE SET avg = excluded.avg, min = excluded.min, max = excluded.max, count = excluded.count",
	},
	PostgreSQL: {
		typ:      PostgreSQL,
		numbered: true,
		intDiv:   "/",
		upsert:   "ON CONFLICT (point, ts) DO UPDATE SET avg = excluded.avg, min = excluded.min, max = excluded.max, count = excluded.count",
	},
	MySQL: {
		typ:    MySQL,
		intDiv: "DIV",
		upsert: "ON DUPLICATE KEY UPDATE avg = VALUES(avg), min = VALUES(min), max = VALUES(max), count = VALUES(count)",
	},
}

// rebind rewrites ? placeholders for backends that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// bucket is the SQL expression aligning ts down to a width-ms boundary.
func (d dialect) bucket(width int64) string {
	return fmt.Sprintf("(ts %s %d) * %d", d.intDiv, width, width)
}

// open connects to the backend and ensures the schema.
func open(typ DatabaseType, dsn string) (*sql.DB, dialect, error) {
	d, ok := dialects[typ]
	if !ok {
		return nil, dialect{}, fmt.Errorf("unsupported database type: %s", typ)
	}

	var (
		db  *sql.DB
		err error
	)
	switch typ {
	case SQLite:
		db, err = openSQLite(dsn)
	case MySQL:
		db, err = openMySQL(dsn)
	case PostgreSQL:
		db, err = openPostgreSQL(dsn)
	}
	if err != nil {
		return nil, dialect{}, err
	}
	return db, d, nil
}

func execAll(db *sql.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
