package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	iap "github.com/goliatone/go-iap"
	_ "github.com/mattn/go-sqlite3"
)

func TestLoad_EmbeddedTreeMatchesAcrossDialects(t *testing.T) {
	dialects, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(dialects) != 2 || dialects[0].Name != DialectPostgres || dialects[1].Name != DialectSQLite {
		t.Fatalf("expected postgres and sqlite dialects, got %#v", dialects)
	}
	for _, dialect := range dialects {
		if len(dialect.Migrations) != 2 {
			t.Fatalf("expected 2 %s migrations, got %#v", dialect.Name, dialect.Migrations)
		}
		if dialect.Migrations[0].Name != "iap_ledger" || dialect.Migrations[1].Name != "iap_runtime_webhooks" {
			t.Fatalf("unexpected %s migration order %#v", dialect.Name, dialect.Migrations)
		}
		if len(dialect.Tables) != len(RequiredTables) {
			t.Fatalf("expected %s to create %v, got %v", dialect.Name, RequiredTables, dialect.Tables)
		}
	}
}

func TestLoad_RejectsInvalidTrees(t *testing.T) {
	ledger := "CREATE TABLE IF NOT EXISTS iap_ledger_entries (id TEXT);\n" +
		"CREATE TABLE iap_coin_balances (id TEXT);\n" +
		"CREATE TABLE iap_subscriptions (id TEXT);"
	runtime := "CREATE TABLE iap_runtime_configs (id TEXT);\n" +
		"CREATE TABLE iap_webhook_deliveries (id TEXT);"
	valid := map[string]string{
		"00001_iap_ledger.up.sql":             ledger,
		"00001_iap_ledger.down.sql":           "DROP TABLE iap_ledger_entries;",
		"00002_iap_runtime_webhooks.up.sql":   runtime,
		"00002_iap_runtime_webhooks.down.sql": "DROP TABLE iap_webhook_deliveries;",
	}
	without := func(name string) map[string]string {
		out := map[string]string{}
		for key, value := range valid {
			if key != name {
				out[key] = value
			}
		}
		return out
	}
	with := func(name string, content string) map[string]string {
		out := without("")
		out[name] = content
		return out
	}

	gap := with("00004_iap_extra.up.sql", "SELECT 1;")
	gap["00004_iap_extra.down.sql"] = "SELECT 1;"

	if _, err := Load(migrationTree(valid, valid)); err != nil {
		t.Fatalf("expected valid tree to load, got %v", err)
	}

	tests := []struct {
		name     string
		postgres map[string]string
		sqlite   map[string]string
		want     string
	}{
		{
			name:     "missing down",
			postgres: without("00002_iap_runtime_webhooks.down.sql"),
			sqlite:   valid,
			want:     "needs both up and down",
		},
		{
			name:     "orphan down file",
			postgres: valid,
			sqlite:   with("00003_iap_extra.down.sql", "SELECT 1;"),
			want:     "needs both up and down",
		},
		{
			name:     "gap in versions",
			postgres: gap,
			sqlite:   gap,
			want:     "versions must run 1..n",
		},
		{
			name:     "unexpected file name",
			postgres: with("ledger.sql", "SELECT 1;"),
			sqlite:   valid,
			want:     "is not <version>_<name>",
		},
		{
			name:     "ledger table missing",
			postgres: valid,
			sqlite:   with("00001_iap_ledger.up.sql", "CREATE TABLE iap_subscriptions (id TEXT);"),
			want:     "never create iap_ledger_entries",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(migrationTree(tc.postgres, tc.sqlite))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_RejectsMismatchedDialectSets(t *testing.T) {
	tables := "CREATE TABLE iap_ledger_entries (id TEXT);\n" +
		"CREATE TABLE iap_coin_balances (id TEXT);\n" +
		"CREATE TABLE iap_subscriptions (id TEXT);\n" +
		"CREATE TABLE iap_runtime_configs (id TEXT);\n" +
		"CREATE TABLE iap_webhook_deliveries (id TEXT);"
	postgres := map[string]string{
		"00001_iap_schema.up.sql":   tables,
		"00001_iap_schema.down.sql": "SELECT 1;",
	}
	renamed := map[string]string{
		"00001_iap_tables.up.sql":   tables,
		"00001_iap_tables.down.sql": "SELECT 1;",
	}
	_, err := Load(migrationTree(postgres, renamed))
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("expected renamed sqlite migration to be rejected, got %v", err)
	}

	longer := map[string]string{
		"00001_iap_schema.up.sql":   tables,
		"00001_iap_schema.down.sql": "SELECT 1;",
		"00002_iap_more.up.sql":     "SELECT 1;",
		"00002_iap_more.down.sql":   "SELECT 1;",
	}
	_, err = Load(migrationTree(postgres, longer))
	if err == nil || !strings.Contains(err.Error(), "has 1 migrations") {
		t.Fatalf("expected extra sqlite migration to be rejected, got %v", err)
	}
}

func TestLoad_RejectsTreeWithoutMigrations(t *testing.T) {
	tree := fstest.MapFS{
		"data/sql/migrations/sqlite/00001_x.up.sql":   {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_x.down.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := Load(tree); err == nil {
		t.Fatalf("expected missing postgres migrations to fail")
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	var labels []string
	reg, err := Register(context.Background(), func(_ context.Context, dialect string, label string, _ fs.FS) error {
		calls = append(calls, dialect)
		labels = append(labels, label)
		return nil
	}, WithValidationTargets(DialectSQLite))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if len(calls) != 1 || calls[0] != DialectSQLite {
		t.Fatalf("expected a single sqlite registration, got %v", calls)
	}
	if labels[0] != DefaultSourceLabel || reg.SourceLabel != DefaultSourceLabel {
		t.Fatalf("expected default source label, got %q", labels[0])
	}
	if len(reg.Dialects) != 2 {
		t.Fatalf("expected both dialects to be validated, got %d", len(reg.Dialects))
	}
}

func TestRegister_RejectsUnknownTargetAndNilFunc(t *testing.T) {
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected nil register func to fail")
	}
	noop := func(context.Context, string, string, fs.FS) error { return nil }
	if _, err := Register(context.Background(), noop, WithValidationTargets("mysql")); err == nil {
		t.Fatalf("expected unknown dialect to fail")
	}
	reg, err := Register(context.Background(), noop, WithSourceLabel("host-app"))
	if err != nil || reg.SourceLabel != "host-app" {
		t.Fatalf("expected custom source label, got %q err=%v", reg.SourceLabel, err)
	}
}

func TestRegister_RefusesInvalidSource(t *testing.T) {
	calls := 0
	tree := migrationTree(map[string]string{"00001_x.up.sql": "SELECT 1;"}, map[string]string{"00001_x.up.sql": "SELECT 1;"})
	_, err := Register(context.Background(), func(context.Context, string, string, fs.FS) error {
		calls++
		return nil
	}, WithSource(tree))
	if err == nil {
		t.Fatalf("expected invalid source to fail")
	}
	if calls != 0 {
		t.Fatalf("expected nothing registered from an invalid source, got %d calls", calls)
	}
}

func TestMigrationPairs_ExistForBothDialects(t *testing.T) {
	root := iap.GetMigrationsFS()
	for _, name := range []string{"00001_iap_ledger", "00002_iap_runtime_webhooks"} {
		for _, dir := range []string{"data/sql/migrations", "data/sql/migrations/sqlite"} {
			for _, direction := range []string{"up", "down"} {
				migrationPath := dir + "/" + name + "." + direction + ".sql"
				content, err := fs.ReadFile(root, migrationPath)
				if err != nil {
					t.Fatalf("read migration %s: %v", migrationPath, err)
				}
				if strings.TrimSpace(string(content)) == "" {
					t.Fatalf("expected migration %s to have SQL content", migrationPath)
				}
			}
		}
	}
}

func TestSQLiteLedgerMigration_EnforcesConstraints(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", "file:migrations-iap-ledger?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqliteMigrations, err := fs.Sub(iap.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	for _, migration := range []string{"00001_iap_ledger.up.sql", "00002_iap_runtime_webhooks.up.sql"} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}

	insertEntry := `INSERT INTO iap_ledger_entries (id, provider, external_transaction_id, kind, profile_id) VALUES (?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insertEntry, "e1", "storea", "tx-1", "purchase", "p1"); err != nil {
		t.Fatalf("insert ledger entry: %v", err)
	}
	if _, err := db.ExecContext(ctx, insertEntry, "e2", "storea", "tx-1", "purchase", "p2"); err == nil {
		t.Fatalf("expected duplicate transaction to violate uniqueness")
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO iap_coin_balances (profile_id, game_id, balance) VALUES (?, ?, ?)`,
		"p1", "g", -1,
	); err == nil {
		t.Fatalf("expected negative balance to violate check constraint")
	}

	insertDelivery := `INSERT INTO iap_webhook_deliveries (id, provider, delivery_id, status) VALUES (?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insertDelivery, "d1", "storeB", "m-1", "processing"); err != nil {
		t.Fatalf("insert delivery: %v", err)
	}
	if _, err := db.ExecContext(ctx, insertDelivery, "d2", "storeB", "m-1", "processing"); err == nil {
		t.Fatalf("expected duplicate delivery to violate uniqueness")
	}

	for _, migration := range []string{"00002_iap_runtime_webhooks.down.sql", "00001_iap_ledger.down.sql"} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("rollback migration %s: %v", migration, err)
		}
	}
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'iap_%'`,
	).Scan(&count); err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to drop all iap tables, got %d", count)
	}
}

func migrationTree(postgres map[string]string, sqlite map[string]string) fstest.MapFS {
	tree := fstest.MapFS{}
	for name, content := range postgres {
		tree["data/sql/migrations/"+name] = &fstest.MapFile{Data: []byte(content)}
	}
	for name, content := range sqlite {
		tree["data/sql/migrations/sqlite/"+name] = &fstest.MapFile{Data: []byte(content)}
	}
	return tree
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	for _, statement := range strings.Split(string(content), "--bun:split") {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}
