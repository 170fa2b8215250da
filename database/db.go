package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"

	"github.com/spartanone/spartan/config"
	redis_db "github.com/spartanone/spartan/internal/redis-db"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"

	migrationsTable = "spartan_migrations"
)

// Datasource is the SQL backed Store. Dialect selects the upsert syntax and
// placeholder style.
type Datasource struct {
	Conn    *sql.DB
	Dialect string
}

// NewDataSource opens the store configured in data_source. SQL stores are
// migrated with the given embedded migrations before they are returned.
func NewDataSource(cnf *config.Configuration, migrations embed.FS) (Store, error) {
	if cnf.DataSource.Driver == "redis" {
		client, err := redis_db.NewRedisClient(cnf.DataSource.Dns, cnf.Redis.SkipTLSVerify)
		if err != nil {
			return nil, errors.Wrap(err, "connecting to redis store")
		}
		return NewRedisStore(client.Client()), nil
	}

	con, err := ConnectDB(cnf.DataSource.Driver, cnf.DataSource.Dns)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(con, cnf.DataSource.Driver, migrations, migrate.Up); err != nil {
		_ = con.Close()
		return nil, err
	}
	return &Datasource{Conn: con, Dialect: cnf.DataSource.Driver}, nil
}

// ConnectDB opens and pings a database/sql connection for driver.
func ConnectDB(driver, dns string) (*sql.DB, error) {
	db, err := sql.Open(driver, dns)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", driver)
	}

	if driver == DialectSQLite {
		// sqlite allows a single writer at a time
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logrus.WithError(err).WithField("driver", driver).Error("database connection error")
		_ = db.Close()
		return nil, errors.Wrapf(err, "pinging %s database", driver)
	}
	return db, nil
}

// MigrationRoot is the directory of the embedded migrations for dialect.
// MySQL gets its own set since TEXT stops at 64 KiB there and inline
// attachments are larger.
func MigrationRoot(dialect string) string {
	if dialect == DialectMySQL {
		return "sql/mysql"
	}
	return "sql"
}

// Migrate applies (or rolls back) the sql/*.sql migrations and returns how
// many were executed.
func Migrate(db *sql.DB, dialect string, migrations embed.FS, dir migrate.MigrationDirection) (int, error) {
	source := migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrations,
		Root:       MigrationRoot(dialect),
	}
	set := migrate.MigrationSet{TableName: migrationsTable}
	n, err := set.Exec(db, dialect, source, dir)
	if err != nil {
		return n, errors.Wrap(err, "running migrations")
	}
	logrus.WithFields(logrus.Fields{"dialect": dialect, "applied": n}).Debug("migrations executed")
	return n, nil
}

// Close releases the underlying connection pool.
func (d *Datasource) Close() error {
	return d.Conn.Close()
}

func (d *Datasource) rebind(query string) string {
	if d.Dialect != DialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
