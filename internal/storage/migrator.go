package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration is one embedded schema migration, named NNN_description.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies embedded schema migrations against ClickHouse, tracking
// applied versions in schema_migrations.
type Migrator struct {
	client *Client
}

func NewMigrator(client *Client) *Migrator {
	return &Migrator{client: client}
}

// Run applies every migration not yet recorded, in version order.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version
	`); err != nil {
		return WrapQueryError("Migrate", "schema_migrations", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		slog.Info("applying migration", "version", mig.Version, "name", mig.Name)

		for _, stmt := range splitSQL(mig.SQL) {
			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %03d_%s: %w", mig.Version, mig.Name, err)
			}
		}
		if err := m.client.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			uint32(mig.Version), mig.Name,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", mig.Version, err)
		}
	}
	return nil
}

// Applied returns the recorded migrations in version order.
func (m *Migrator) Applied(ctx context.Context) ([]Migration, error) {
	rows, err := m.client.Query(ctx, "SELECT version, name FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, WrapQueryError("Applied", "schema_migrations", err)
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var (
			version uint32
			name    string
		)
		if err := rows.Scan(&version, &name); err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: int(version), Name: name})
	}
	return out, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	applied := make(map[int]bool)
	recorded, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}
	for _, mig := range recorded {
		applied[mig.Version] = true
	}
	return applied, nil
}

func loadMigrations() ([]Migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		version, name, ok := parseMigrationName(entry.Name())
		if !ok {
			return nil, fmt.Errorf("malformed migration filename %q", entry.Name())
		}
		content, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// parseMigrationName splits "007_add_index.sql" into (7, "add_index").
func parseMigrationName(filename string) (int, string, bool) {
	if !strings.HasSuffix(filename, ".sql") {
		return 0, "", false
	}
	prefix, name, found := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !found || name == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, name, true
}

// splitSQL breaks a migration file into executable statements. Semicolons
// inside single-quoted literals do not terminate a statement; line comments
// and blank statements are dropped.
func splitSQL(sql string) []string {
	var (
		stmts    []string
		b        strings.Builder
		inQuote  bool
		prevTick bool
	)
	flush := func() {
		stmt := strings.TrimSpace(stripLineComments(b.String()))
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		b.Reset()
	}
	for _, r := range sql {
		switch {
		case r == '\'':
			// A doubled tick inside a literal is an escaped quote.
			if inQuote && prevTick {
				prevTick = false
			} else if inQuote {
				prevTick = true
			} else {
				inQuote = true
			}
			b.WriteRune(r)
			continue
		case inQuote && prevTick:
			inQuote = false
			prevTick = false
		}
		if r == ';' && !inQuote {
			flush()
			continue
		}
		b.WriteRune(r)
	}
	flush()
	return stmts
}

func stripLineComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
