package relica

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/coregx/topicbus"
)

// MigrationFiles contains the schema for every supported dialect under
// migrations/<dialect>/. Tables use the default "topicbus_" prefix; Migrate
// rewrites it when the broker is configured with another one.
//
// The files can also be applied with an external migration tool:
//
//	sub, _ := fs.Sub(relica.MigrationFiles, "migrations/postgres")
//	goose.SetBaseFS(sub)
//
//go:embed migrations
var MigrationFiles embed.FS

// dialectDir maps a database/sql driver name to its migrations directory.
func dialectDir(driverName string) (string, error) {
	switch driverName {
	case "mysql":
		return "mysql", nil
	case "postgres", "postgresql":
		return "postgres", nil
	case "sqlite3", "sqlite":
		return "sqlite", nil
	default:
		return "", topicbus.NewError(topicbus.ErrCodeConfiguration,
			fmt.Sprintf("unsupported driver: %s", driverName))
	}
}

// Migrate creates the broker tables if they do not exist. Statements are
// idempotent, so it is safe to call on every start.
func Migrate(ctx context.Context, db *sql.DB, driverName, prefix string) error {
	statements, err := migrationStatements(driverName, prefix)
	if err != nil {
		return err
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return topicbus.NewErrorWithCause(topicbus.ErrCodeDatabase, "failed to apply migration", err)
		}
	}
	return nil
}

// migrationStatements returns the ordered statements for a dialect with the
// table prefix applied.
func migrationStatements(driverName, prefix string) ([]string, error) {
	dir, err := dialectDir(driverName)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultTablePrefix
	}

	root := path.Join("migrations", dir)
	entries, err := fs.ReadDir(MigrationFiles, root)
	if err != nil {
		return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeConfiguration, "failed to read migrations", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var statements []string
	for _, name := range names {
		data, err := fs.ReadFile(MigrationFiles, path.Join(root, name))
		if err != nil {
			return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeConfiguration, "failed to read migration "+name, err)
		}
		script := strings.ReplaceAll(string(data), DefaultTablePrefix, prefix)
		statements = append(statements, splitStatements(script)...)
	}
	return statements, nil
}

// splitStatements splits a script on semicolons that end a line.
func splitStatements(script string) []string {
	var out []string
	var current strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
			out = append(out, stmt)
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}
