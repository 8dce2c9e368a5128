// Package migrations holds the ordered chain of schema migrations applied to
// every tenant schema and the runner that applies them.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

//go:embed sql/*.up.sql
var embeddedFS embed.FS

// Migration is one step of the chain. Version numbers are strictly increasing.
type Migration struct {
	Version     int    `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`
	SQL         string `json:"-" yaml:"-"`
}

var fileNameRegex = regexp.MustCompile(`^(\d{4,})_([a-z0-9_]+)\.up\.sql$`)

// ParseFileName splits NNNN_description.up.sql into its version and description.
func ParseFileName(name string) (int, string, error) {
	m := fileNameRegex.FindStringSubmatch(name)
	if m == nil {
		return 0, "", fmt.Errorf("invalid migration file name: %s", name)
	}
	version, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", fmt.Errorf("invalid migration version in %s: %w", name, err)
	}
	if version <= 0 {
		return 0, "", fmt.Errorf("migration version must be positive: %s", name)
	}
	return version, strings.ReplaceAll(m[2], "_", " "), nil
}

// LoadChain reads every *.up.sql file of dir in fsys and returns them in
// version order. Duplicate versions and empty files are rejected.
func LoadChain(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[int]string)
	var chain []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		version, desc, err := ParseFileName(e.Name())
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()

		body, err := fs.ReadFile(fsys, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		if strings.TrimSpace(string(body)) == "" {
			return nil, fmt.Errorf("migration %s is empty", e.Name())
		}
		chain = append(chain, Migration{Version: version, Description: desc, SQL: string(body)})
	}

	sort.Slice(chain, func(i, j int) bool {
		return chain[i].Version < chain[j].Version
	})
	return chain, nil
}

var loadEmbedded = sync.OnceValues(func() ([]Migration, error) {
	return LoadChain(embeddedFS, "sql")
})

// Chain returns the migration chain compiled into the binary.
func Chain() []Migration {
	chain, err := loadEmbedded()
	if err != nil {
		panic(fmt.Sprintf("embedded migration chain is invalid: %v", err))
	}
	out := make([]Migration, len(chain))
	copy(out, chain)
	return out
}

// Versions returns the version numbers of chain in order.
func Versions(chain []Migration) []int {
	out := make([]int, len(chain))
	for i, m := range chain {
		out[i] = m.Version
	}
	return out
}
