package manifest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

// sqliteIndexSchema mirrors the pack's per-sandbox state database
// conventions (WAL journal, busy timeout) applied to a queryable
// secondary index over manifests instead of command history.
const sqliteIndexSchema = `
CREATE TABLE IF NOT EXISTS manifests (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    parent_id TEXT,
    created_at TEXT NOT NULL,
    tags TEXT
);

CREATE INDEX IF NOT EXISTS idx_manifests_kind ON manifests(kind);
CREATE INDEX IF NOT EXISTS idx_manifests_created_at ON manifests(created_at);
`

// sqliteIndex is a queryable cache over the manifest registry's JSON
// source of truth: kind/tag filters, ordered by creation time, that would otherwise
// require scanning every manifest file.
type sqliteIndex struct {
	db *sql.DB
}

func openSQLiteIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("manifest: open sqlite index: %w", err)
	}
	if _, err := db.Exec(sqliteIndexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: apply sqlite schema: %w", err)
	}
	return &sqliteIndex{db: db}, nil
}

func (idx *sqliteIndex) has(id string) (bool, error) {
	var count int
	err := idx.db.QueryRow(`SELECT COUNT(1) FROM manifests WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (idx *sqliteIndex) put(m *types.Manifest) error {
	tagsJSON, _ := json.Marshal(m.Tags)
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO manifests (id, kind, parent_id, created_at, tags) VALUES (?, ?, ?, ?, ?)`,
		m.ID, string(m.Kind), m.ParentID, m.CreatedAt.Format("2006-01-02T15:04:05.000000000Z07:00"), string(tagsJSON),
	)
	return err
}

func (idx *sqliteIndex) delete(id string) error {
	_, err := idx.db.Exec(`DELETE FROM manifests WHERE id = ?`, id)
	return err
}

func (idx *sqliteIndex) query(filter ListFilter) ([]string, error) {
	var conds []string
	var args []interface{}

	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}

	q := `SELECT id, tags FROM manifests`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id, tagsJSON string
		if err := rows.Scan(&id, &tagsJSON); err != nil {
			return nil, err
		}
		if filter.Tag != "" {
			var tags map[string]string
			_ = json.Unmarshal([]byte(tagsJSON), &tags)
			if !tagMatches(tags, filter.Tag) {
				continue
			}
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func tagMatches(tags map[string]string, kv string) bool {
	for k, v := range tags {
		if k+"="+v == kv {
			return true
		}
	}
	return false
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
