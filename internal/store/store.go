// Package store implements an optional SQLite debug export (gated
// behind the -sqlite flag), inverting the teacher's SqliteReader
// (readers.go: sql.Open("sqlite3", ...) plus the blank
// github.com/mattn/go-sqlite3 driver import) into a writer that dumps
// the dictionary, subnets, and graph to a single file for offline
// inspection.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/graph"
	"github.com/jefgrailet/sage/internal/subnet"
	"github.com/jefgrailet/sage/internal/voyager"
)

// Writer owns the sqlite connection for one debug-export run.
type Writer struct {
	db *sql.DB
}

// Open opens (creating it if absent) the sqlite file at path, drops the
// tables it writes if they exist and creates them afresh.
func Open(path string) (*Writer, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("[store.Open]: %w", err)
	}
	w := &Writer{db: db}
	if err := w.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) createSchema() error {
	stmts := []string{
		`DROP TABLE IF EXISTS ip_entries`,
		`CREATE TABLE ip_entries (
			ip TEXT PRIMARY KEY, ttl INTEGER, trail TEXT, type TEXT,
			flickering INTEGER, warping INTEGER, echoing INTEGER, blindspot INTEGER
		)`,
		`DROP TABLE IF EXISTS subnets`,
		`CREATE TABLE subnets (cidr TEXT, pivot_ip TEXT, stop_description TEXT)`,
		`DROP TABLE IF EXISTS vertices`,
		`CREATE TABLE vertices (id INTEGER PRIMARY KEY, kind TEXT, nb_subnets INTEGER, nb_aliases INTEGER)`,
		`DROP TABLE IF EXISTS edges`,
		`CREATE TABLE edges (tail_id INTEGER, head_id INTEGER, kind TEXT)`,
		`DROP TABLE IF EXISTS metrics`,
		`CREATE TABLE metrics (name TEXT PRIMARY KEY, value REAL)`,
	}
	for _, s := range stmts {
		if _, err := w.db.Exec(s); err != nil {
			return fmt.Errorf("[store.createSchema]: %w", err)
		}
	}
	return nil
}

// DumpDictionary inserts one row per IP entry.
func (w *Writer) DumpDictionary(dict *dictionary.Dictionary) error {
	stmt, err := w.db.Prepare(`INSERT INTO ip_entries(ip, ttl, trail, type, flickering, warping, echoing, blindspot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("[store.DumpDictionary]: %w", err)
	}
	defer stmt.Close()

	var firstErr error
	dict.All(func(e *dictionary.Entry) {
		if firstErr != nil {
			return
		}
		_, err := stmt.Exec(e.IP.String(), e.TTL, e.Trail.String(), e.Type.String(),
			boolToInt(e.Flickering), boolToInt(e.Warping), boolToInt(e.Echoing), boolToInt(e.Blindspot))
		if err != nil {
			firstErr = fmt.Errorf("[store.DumpDictionary]: %w", err)
		}
	})
	return firstErr
}

// DumpSubnets inserts one row per subnet.
func (w *Writer) DumpSubnets(subnets []*subnet.Subnet) error {
	stmt, err := w.db.Prepare(`INSERT INTO subnets(cidr, pivot_ip, stop_description) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("[store.DumpSubnets]: %w", err)
	}
	defer stmt.Close()

	for _, s := range subnets {
		if _, err := stmt.Exec(s.String(), s.PivotIP.String(), s.StopDescription); err != nil {
			return fmt.Errorf("[store.DumpSubnets]: %w", err)
		}
	}
	return nil
}

// DumpGraph inserts one row per vertex and edge, in Mariner's order.
func (w *Writer) DumpGraph(g *graph.Graph) error {
	vertexStmt, err := w.db.Prepare(`INSERT INTO vertices(id, kind, nb_subnets, nb_aliases) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("[store.DumpGraph]: %w", err)
	}
	defer vertexStmt.Close()

	edgeStmt, err := w.db.Prepare(`INSERT INTO edges(tail_id, head_id, kind) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("[store.DumpGraph]: %w", err)
	}
	defer edgeStmt.Close()

	for _, v := range voyager.Mariner(g) {
		kind := "node"
		if v.Kind == graph.Cluster {
			kind = "cluster"
		}
		nbAliases := 0
		if v.Aliases != nil {
			nbAliases = len(v.Aliases.Aliases)
		}
		if _, err := vertexStmt.Exec(v.ID, kind, len(v.Subnets), nbAliases); err != nil {
			return fmt.Errorf("[store.DumpGraph]: %w", err)
		}
		for _, e := range v.Edges {
			if _, err := edgeStmt.Exec(e.Tail.ID, e.Head.ID, edgeKindString(e.Kind)); err != nil {
				return fmt.Errorf("[store.DumpGraph]: %w", err)
			}
		}
	}
	return nil
}

// DumpMetrics inserts one row per scalar of Cassini's report.
func (w *Writer) DumpMetrics(m *voyager.Metrics) error {
	stmt, err := w.db.Prepare(`INSERT INTO metrics(name, value) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("[store.DumpMetrics]: %w", err)
	}
	defer stmt.Close()

	rows := []struct {
		name  string
		value float64
	}{
		{"in_degree_max", float64(m.InDegree.Max)},
		{"in_degree_avg", m.InDegree.Average},
		{"out_degree_max", float64(m.OutDegree.Max)},
		{"out_degree_avg", m.OutDegree.Average},
		{"total_degree_max", float64(m.TotalDegree.Max)},
		{"total_degree_avg", m.TotalDegree.Average},
		{"subnet_coverage", float64(m.SubnetCoverage)},
		{"aliased_vertices", float64(m.AliasedVertices)},
		{"total_aliases", float64(m.TotalAliases)},
		{"average_alias_size", m.AverageAliasSize},
		{"direct_edges", float64(m.DirectEdges)},
		{"indirect_edges", float64(m.IndirectEdges)},
		{"remote_edges", float64(m.RemoteEdges)},
		{"connected_components", float64(m.ConnectedComponents)},
		{"largest_component", float64(m.LargestComponent)},
		{"max_depth", float64(m.MaxDepth)},
	}
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.value); err != nil {
			return fmt.Errorf("[store.DumpMetrics]: %w", err)
		}
	}
	return nil
}

func edgeKindString(k graph.EdgeKind) string {
	switch k {
	case graph.Direct:
		return "direct"
	case graph.Indirect:
		return "indirect"
	default:
		return "remote"
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close releases the underlying sqlite connection.
func (w *Writer) Close() error {
	return w.db.Close()
}
