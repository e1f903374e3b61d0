// Package migrations exposes the embedded ledger schema to go-persistence-bun.
// Both dialects must ship the same numbered up/down set and create every
// table the stores rely on; Register refuses a tree that does not.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	iap "github.com/goliatone/go-iap"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	DefaultSourceLabel = "go-iap"
)

// RequiredTables are created by the ledger, runtime config and webhook
// delivery migrations.
var RequiredTables = []string{
	"iap_ledger_entries",
	"iap_coin_balances",
	"iap_subscriptions",
	"iap_runtime_configs",
	"iap_webhook_deliveries",
}

var (
	fileNamePattern    = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
	createTablePattern = regexp.MustCompile(`(?i)create\s+table\s+(?:if\s+not\s+exists\s+)?([a-z0-9_]+)`)
)

// Migration is one numbered up/down pair.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

type Dialect struct {
	Name       string
	Path       string
	FS         fs.FS
	Migrations []Migration
	Tables     []string
}

type Registration struct {
	SourceLabel string
	Targets     []string
	Dialects    []Dialect
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*registerOptions)

type registerOptions struct {
	label   string
	targets []string
	source  fs.FS
}

func WithSourceLabel(label string) Option {
	return func(o *registerOptions) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			o.label = trimmed
		}
	}
}

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(o *registerOptions) {
		next := make([]string, 0, len(targets))
		for _, target := range targets {
			target = strings.ToLower(strings.TrimSpace(target))
			if target != "" && !slices.Contains(next, target) {
				next = append(next, target)
			}
		}
		if len(next) > 0 {
			o.targets = next
		}
	}
}

// WithSource replaces the embedded migration tree.
func WithSource(fsys fs.FS) Option {
	return func(o *registerOptions) {
		if fsys != nil {
			o.source = fsys
		}
	}
}

// Load reads and validates the migration tree. The tree is either rooted at
// data/sql/migrations or holds the Postgres files at its top level, with the
// SQLite set under sqlite/.
func Load(sources ...fs.FS) ([]Dialect, error) {
	root := iap.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}
	base, basePath, err := migrationsRoot(root)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}

	postgres, err := loadDialect(DialectPostgres, basePath, base)
	if err != nil {
		return nil, err
	}
	sqlite, err := loadDialect(DialectSQLite, pathJoin(basePath, "sqlite"), sqliteFS)
	if err != nil {
		return nil, err
	}
	if err := sameSet(postgres, sqlite); err != nil {
		return nil, err
	}
	return []Dialect{postgres, sqlite}, nil
}

func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	options := registerOptions{
		label:   DefaultSourceLabel,
		targets: []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	reg := Registration{SourceLabel: options.label, Targets: options.targets}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}

	var sources []fs.FS
	if options.source != nil {
		sources = append(sources, options.source)
	}
	dialects, err := Load(sources...)
	if err != nil {
		return reg, err
	}
	reg.Dialects = dialects

	for _, target := range reg.Targets {
		index := slices.IndexFunc(dialects, func(d Dialect) bool { return d.Name == target })
		if index < 0 {
			return reg, fmt.Errorf("migrations: unknown dialect %q", target)
		}
	}
	for _, dialect := range dialects {
		if !slices.Contains(reg.Targets, dialect.Name) {
			continue
		}
		if err := registerFn(ctx, dialect.Name, reg.SourceLabel, dialect.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", dialect.Name, dialect.Path, err)
		}
	}
	return reg, nil
}

func loadDialect(name string, path string, fsys fs.FS) (Dialect, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return Dialect{}, fmt.Errorf("migrations: read %s %q: %w", name, path, err)
	}
	byVersion := map[int]*Migration{}
	tables := map[string]struct{}{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			return Dialect{}, fmt.Errorf("migrations: %s file %q is not <version>_<name>.<up|down>.sql", name, entry.Name())
		}
		version, _ := strconv.Atoi(match[1])
		migration, ok := byVersion[version]
		if !ok {
			migration = &Migration{Version: version, Name: match[2]}
			byVersion[version] = migration
		} else if migration.Name != match[2] {
			return Dialect{}, fmt.Errorf("migrations: %s version %d is both %q and %q", name, version, migration.Name, match[2])
		}
		if match[3] == "down" {
			migration.Down = entry.Name()
			continue
		}
		migration.Up = entry.Name()
		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return Dialect{}, fmt.Errorf("migrations: read %s %q: %w", name, entry.Name(), err)
		}
		for _, created := range createTablePattern.FindAllStringSubmatch(string(content), -1) {
			tables[strings.ToLower(created[1])] = struct{}{}
		}
	}
	if len(byVersion) == 0 {
		return Dialect{}, fmt.Errorf("migrations: %s filesystem %q has no migrations", name, path)
	}

	dialect := Dialect{Name: name, Path: path, FS: fsys}
	for _, migration := range byVersion {
		if migration.Up == "" || migration.Down == "" {
			return Dialect{}, fmt.Errorf("migrations: %s version %d (%s) needs both up and down files", name, migration.Version, migration.Name)
		}
		dialect.Migrations = append(dialect.Migrations, *migration)
	}
	sort.Slice(dialect.Migrations, func(i, j int) bool {
		return dialect.Migrations[i].Version < dialect.Migrations[j].Version
	})
	for i, migration := range dialect.Migrations {
		if migration.Version != i+1 {
			return Dialect{}, fmt.Errorf("migrations: %s versions must run 1..n, found %d at position %d", name, migration.Version, i+1)
		}
	}
	for _, table := range RequiredTables {
		if _, ok := tables[table]; !ok {
			return Dialect{}, fmt.Errorf("migrations: %s migrations never create %s", name, table)
		}
		dialect.Tables = append(dialect.Tables, table)
	}
	return dialect, nil
}

func sameSet(left Dialect, right Dialect) error {
	if len(left.Migrations) != len(right.Migrations) {
		return fmt.Errorf("migrations: %s has %d migrations, %s has %d",
			left.Name, len(left.Migrations), right.Name, len(right.Migrations))
	}
	for i := range left.Migrations {
		l, r := left.Migrations[i], right.Migrations[i]
		if l.Version != r.Version || l.Name != r.Name {
			return fmt.Errorf("migrations: %s %05d_%s does not match %s %05d_%s",
				left.Name, l.Version, l.Name, right.Name, r.Version, r.Name)
		}
	}
	return nil
}

func migrationsRoot(root fs.FS) (fs.FS, string, error) {
	if info, err := fs.Stat(root, "data/sql/migrations"); err == nil && info.IsDir() {
		sub, err := fs.Sub(root, "data/sql/migrations")
		if err != nil {
			return nil, "", fmt.Errorf("migrations: resolve data/sql/migrations: %w", err)
		}
		return sub, "data/sql/migrations", nil
	}
	if matches, _ := fs.Glob(root, "*.sql"); len(matches) > 0 {
		return root, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: data/sql/migrations not found")
}

func pathJoin(base string, suffix string) string {
	if base == "." {
		return suffix
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(suffix, "/")
}
