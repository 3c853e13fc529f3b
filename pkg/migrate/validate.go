package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	upMarker   = "-- +goose Up"
	downMarker = "-- +goose Down"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_([a-z0-9_]+)\.sql$`)

// File is one parsed goose migration.
type File struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// schemaRequirement is a fragment the lifecycle store cannot run without.
type schemaRequirement struct {
	what     string
	fragment string
}

var lifecycleSchema = []schemaRequirement{
	{"users projection", "CREATE TABLE IF NOT EXISTS users"},
	{"plan catalog", "CREATE TABLE IF NOT EXISTS subscription_plans"},
	{"plan slug uniqueness", "UNIQUE (slug)"},
	{"subscriptions table", "CREATE TABLE IF NOT EXISTS subscriptions"},
	{"one subscription per professional", "UNIQUE (professional_id)"},
	{"optimistic version column", "version INTEGER NOT NULL"},
	{"single scheduled change", "CHECK (scheduled_cancellation_date IS NULL OR scheduled_plan_id IS NULL)"},
}

// ValidateDir checks filenames, version uniqueness and that every migration has a non-empty
// Up section and a Down section.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	_, err := load(os.DirFS(dir), ".")
	return err
}

// ValidateLifecycleSchema checks that the migration set, applied in order, defines every table
// and constraint the subscription store relies on.
func ValidateLifecycleSchema(dir string) error {
	files, err := loadSource(dir)
	if err != nil {
		return err
	}
	var up strings.Builder
	for _, f := range files {
		up.WriteString(f.Up)
		up.WriteByte('\n')
	}
	schema := up.String()
	var missing []string
	for _, req := range lifecycleSchema {
		if !strings.Contains(schema, req.fragment) {
			missing = append(missing, req.what)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("lifecycle schema incomplete: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// LatestVersion returns the highest migration version in dir, or in the embedded set when dir
// is empty. An empty set yields 0.
func LatestVersion(dir string) (int64, error) {
	files, err := loadSource(dir)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}
	return files[len(files)-1].Version, nil
}

func loadSource(dir string) ([]File, error) {
	if dir == "" {
		return load(embedded, embeddedDir)
	}
	return load(os.DirFS(dir), ".")
}

// load parses every .sql migration under dir, sorted by version.
func load(fsys fs.FS, dir string) ([]File, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	seen := map[int64]string{}
	var files []File
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", name, err)
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %d in %q and %q", version, prev, name)
		}
		seen[version] = name

		b, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read file %q: %w", name, err)
		}
		f, err := parse(version, m[2], string(b))
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", name, err)
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

func parse(version int64, name, txt string) (File, error) {
	upAt := strings.Index(txt, upMarker)
	if upAt < 0 {
		return File{}, fmt.Errorf("missing %q", upMarker)
	}
	downAt := strings.Index(txt, downMarker)
	if downAt < 0 {
		return File{}, fmt.Errorf("missing %q", downMarker)
	}
	if downAt < upAt {
		return File{}, fmt.Errorf("%q must precede %q", upMarker, downMarker)
	}
	f := File{
		Version: version,
		Name:    name,
		Up:      txt[upAt+len(upMarker) : downAt],
		Down:    txt[downAt+len(downMarker):],
	}
	if !hasStatement(f.Up) {
		return File{}, fmt.Errorf("empty Up section")
	}
	return f, nil
}

// hasStatement reports whether section holds anything besides goose annotations and comments.
func hasStatement(section string) bool {
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
