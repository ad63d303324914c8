package storage

import (
	"strings"
	"testing"
)

func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		wantVersion int
		wantName    string
		wantOK      bool
	}{
		{name: "padded version", filename: "001_create_archived_events.sql", wantVersion: 1, wantName: "create_archived_events", wantOK: true},
		{name: "multi digit", filename: "012_add_index.sql", wantVersion: 12, wantName: "add_index", wantOK: true},
		{name: "not sql", filename: "001_create.txt"},
		{name: "no separator", filename: "001.sql"},
		{name: "no version", filename: "create_events.sql"},
		{name: "zero version", filename: "000_genesis.sql"},
		{name: "empty name", filename: "001_.sql"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, name, ok := parseMigrationName(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("parseMigrationName(%q) ok = %v, want %v", tt.filename, ok, tt.wantOK)
			}
			if !tt.wantOK {
				return
			}
			if version != tt.wantVersion || name != tt.wantName {
				t.Errorf("parseMigrationName(%q) = (%d, %q), want (%d, %q)",
					tt.filename, version, name, tt.wantVersion, tt.wantName)
			}
		})
	}
}

func TestSplitSQL(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "single statement",
			sql:  "CREATE TABLE a (id String)",
			want: []string{"CREATE TABLE a (id String)"},
		},
		{
			name: "two statements with trailing semicolon",
			sql:  "CREATE TABLE a (id String);\nCREATE TABLE b (id String);",
			want: []string{"CREATE TABLE a (id String)", "CREATE TABLE b (id String)"},
		},
		{
			name: "semicolon inside a literal",
			sql:  "INSERT INTO t VALUES ('a; b')",
			want: []string{"INSERT INTO t VALUES ('a; b')"},
		},
		{
			name: "escaped quote inside a literal",
			sql:  "INSERT INTO t VALUES ('it''s; fine'); SELECT 1",
			want: []string{"INSERT INTO t VALUES ('it''s; fine')", "SELECT 1"},
		},
		{
			name: "comment lines dropped",
			sql:  "-- cold storage table\nCREATE TABLE a (id String);\n-- done",
			want: []string{"CREATE TABLE a (id String)"},
		},
		{
			name: "blank input",
			sql:  "  \n\t ;; ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitSQL(tt.sql)
			if len(got) != len(tt.want) {
				t.Fatalf("splitSQL() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("statement[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("loadMigrations returned %d migrations, want at least the two base tables", len(migrations))
	}
	if migrations[0].Version != 1 {
		t.Errorf("first version = %d, want 1", migrations[0].Version)
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("versions out of order: %d after %d", migrations[i].Version, migrations[i-1].Version)
		}
	}
	if !strings.Contains(migrations[0].SQL, "archived_events") {
		t.Errorf("migration 1 does not create archived_events: %q", migrations[0].SQL)
	}
}
