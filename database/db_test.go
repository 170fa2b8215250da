package database_test

import (
	"context"
	"encoding/json"
	"io/fs"
	"path"
	"testing"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartanone/spartan"
	"github.com/spartanone/spartan/config"
	"github.com/spartanone/spartan/database"
	"github.com/spartanone/spartan/model"
)

func TestConnectDB_UnknownDriver(t *testing.T) {
	_, err := database.ConnectDB("oracle", "whatever")
	assert.Error(t, err)
}

func TestNewDataSource_SQLite(t *testing.T) {
	ctx := context.Background()
	cnf := &config.Configuration{
		DataSource: config.DataSourceConfig{Driver: database.DialectSQLite, Dns: "file:" + t.TempDir() + "/spartan.db"},
	}

	store, err := database.NewDataSource(cnf, spartan.SQLFiles)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	doc := model.NewOfflineDocument("/sales-notes", "POST", map[string]interface{}{"customer": "Ana"},
		model.NewAttachment("a.txt", "text/plain", []byte("abc")))
	doc.Headers = map[string]string{"X-Tenant": "acme"}
	require.NoError(t, store.Put(ctx, doc))

	// second put takes the upsert path
	doc.Retries = 3
	doc.Touch(model.StatusFailed, doc.UpdatedAt+10)
	require.NoError(t, store.Put(ctx, doc))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Retries)
	assert.Equal(t, doc.CreatedAt, got.CreatedAt)
	assert.Equal(t, doc.UpdatedAt, got.UpdatedAt)
	assert.Equal(t, "acme", got.Headers["X-Tenant"])
	assert.Equal(t, doc.Attachments, got.Attachments)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, doc.ID))
	require.NoError(t, store.Delete(ctx, doc.ID))
	_, err = store.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, database.ErrDocumentNotFound)
}

func TestNewDataSource_SQLiteKeepsLargeIntegers(t *testing.T) {
	ctx := context.Background()
	cnf := &config.Configuration{
		DataSource: config.DataSourceConfig{Driver: database.DialectSQLite, Dns: "file:" + t.TempDir() + "/spartan.db"},
	}
	store, err := database.NewDataSource(cnf, spartan.SQLFiles)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	doc := model.NewOfflineDocument("/sales-notes", "POST", map[string]interface{}{"folio": int64(9007199254740993)})
	require.NoError(t, store.Put(ctx, doc))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), got.Payload["folio"])

	wire, err := json.Marshal(got.WireBody())
	require.NoError(t, err)
	assert.Contains(t, string(wire), `"folio":9007199254740993`)
}

func TestMigrate_UpAndDown(t *testing.T) {
	db, err := database.ConnectDB(database.DialectSQLite, "file:"+t.TempDir()+"/migrate.db")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	n, err := database.Migrate(db, database.DialectSQLite, spartan.SQLFiles, migrate.Up)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// already applied
	n, err = database.Migrate(db, database.DialectSQLite, spartan.SQLFiles, migrate.Up)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = database.Migrate(db, database.DialectSQLite, spartan.SQLFiles, migrate.Down)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMigrationRoot(t *testing.T) {
	assert.Equal(t, "sql", database.MigrationRoot(database.DialectSQLite))
	assert.Equal(t, "sql", database.MigrationRoot(database.DialectPostgres))
	assert.Equal(t, "sql/mysql", database.MigrationRoot(database.DialectMySQL))
}

func TestMigrations_MySQLUsesLongText(t *testing.T) {
	names := func(root string) []string {
		entries, err := fs.ReadDir(spartan.SQLFiles, root)
		require.NoError(t, err)
		var out []string
		for _, e := range entries {
			if !e.IsDir() {
				out = append(out, e.Name())
			}
		}
		return out
	}
	// both sets must share migration ids
	require.Equal(t, names("sql"), names("sql/mysql"))

	for _, name := range names("sql/mysql") {
		data, err := fs.ReadFile(spartan.SQLFiles, path.Join("sql/mysql", name))
		require.NoError(t, err)
		assert.Contains(t, string(data), "payload LONGTEXT NOT NULL")
		assert.Contains(t, string(data), "attachments LONGTEXT NOT NULL")
	}
}
