package migrator

import (
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	Statements    []string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigration parses the content of a single migration file.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upMarkerLine := -1
	noTransaction := false
	for i, line := range lines {
		if m := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			upMarkerLine = i
			noTransaction = strings.TrimSpace(m[1]) == "notransaction"
			break
		}
	}
	if upMarkerLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	// Directives and comments may follow the Up marker before the first statement.
	var dependencies []int
	body := make([]string, 0, len(lines))
	for _, raw := range lines[upMarkerLine+1:] {
		line := strings.TrimSpace(raw)

		if m := dependsRegex.FindStringSubmatch(line); m != nil {
			deps := strings.Fields(m[1])
			if len(deps) == 0 {
				return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
			}
			for _, d := range deps {
				dep, err := strconv.Atoi(d)
				if err != nil {
					return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", d, filename)
				}
				dependencies = append(dependencies, dep)
			}
			continue
		}

		if strings.HasPrefix(line, "--") {
			continue
		}
		body = append(body, raw)
	}

	statements := splitStatements(strings.Join(body, "\n"))
	if len(statements) == 0 {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version:       version,
		Name:          matches[2],
		Statements:    statements,
		NoTransaction: noTransaction,
		Dependencies:  dependencies,
	}, nil
}

// splitStatements splits on semicolons that end a line. Not every driver accepts
// several statements in one Exec (MySQL without multiStatements), so they run one by one.
func splitStatements(sql string) []string {
	var (
		statements []string
		current    strings.Builder
	)

	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasSuffix(trimmed, ";") {
			current.WriteString(strings.TrimSuffix(trimmed, ";"))
			flush()
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()

	return statements
}

// LoadMigrations loads all migrations from fsys, validates them, and returns them sorted by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}

		migration, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, *migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	// Detect circular dependencies using DFS (check this before other validations)
	if err := detectCycle(migrations); err != nil {
		return nil, err
	}

	versionSet := make(map[int]bool)
	for _, m := range migrations {
		versionSet[m.Version] = true
	}

	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versionSet[dep] {
				return nil, fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	// Validate sequence (no gaps, no duplicates)
	expectedVersion := 1
	seen := make(map[int]bool)
	for _, m := range migrations {
		if seen[m.Version] {
			return nil, fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		seen[m.Version] = true

		if m.Version != expectedVersion {
			return nil, fmt.Errorf("gap in migration versions: expected %d, found %d", expectedVersion, m.Version)
		}
		expectedVersion++
	}

	return migrations, nil
}

// detectCycle uses a three-color DFS algorithm to detect circular dependencies.
// White (0) = unvisited, Gray (1) = visiting, Black (2) = completed
func detectCycle(migrations []Migration) error {
	graph := make(map[int][]int)
	color := make(map[int]int)
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
		color[m.Version] = 0
	}

	var dfs func(int, []int) error
	dfs = func(node int, path []int) error {
		color[node] = 1
		path = append(path, node)

		for _, dep := range graph[node] {
			if color[dep] == 1 {
				return fmt.Errorf("circular dependency detected: %v", append(path, dep))
			}
			if color[dep] == 0 {
				if err := dfs(dep, path); err != nil {
					return err
				}
			}
		}

		color[node] = 2
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == 0 {
			if err := dfs(m.Version, []int{}); err != nil {
				return err
			}
		}
	}

	return nil
}
