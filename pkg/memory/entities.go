package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entity is a named thing the engine has learned about — a person, project,
// tool, or place — kept separate from the free-text memories table so it can
// be looked up by name rather than matched by keyword.
type Entity struct {
	ID        int64
	Name      string
	Kind      string
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Relation is a subject-predicate-object triple linking entities (or an
// entity to an arbitrary object string), the knowledge-graph counterpart to
// the entities table.
type Relation struct {
	ID        int64
	Subject   string
	Predicate string
	Object    string
	Source    string
	CreatedAt time.Time
}

// EntityStore is a small SQLite-backed knowledge-graph side store: entities
// and the relations between them, queryable by name or by case-insensitive
// substring search over name+notes. It is an optional enrichment — a nil *EntityStore
// disables search_entities/query_entity and the Context Builder's recall
// block simply omits the entity section.
type EntityStore struct {
	db *sql.DB
}

// NewEntityStore opens or creates the entities database at dbPath.
func NewEntityStore(dbPath string) (*EntityStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create entities directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open entities database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &EntityStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate entities schema: %w", err)
	}
	return s, nil
}

func (s *EntityStore) Close() error {
	return s.db.Close()
}

func (s *EntityStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL DEFAULT 'generic',
			notes TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS relations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'extractor',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);
		CREATE INDEX IF NOT EXISTS idx_relations_subject ON relations(subject);
		CREATE INDEX IF NOT EXISTS idx_relations_object ON relations(object);
	`)
	return err
}

// UpsertEntity creates or updates an entity by name. An existing entity's
// kind is only overwritten when the caller supplies a non-empty one; notes
// are appended (deduplicated) rather than replaced, so repeated mentions
// accumulate context instead of erasing it.
func (s *EntityStore) UpsertEntity(name, kind, notes string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("entity name is required")
	}
	if kind == "" {
		kind = "generic"
	}

	existing, err := s.QueryEntity(name)
	if err != nil {
		return 0, fmt.Errorf("lookup entity: %w", err)
	}

	if existing == nil {
		result, err := s.db.Exec(
			`INSERT INTO entities (name, kind, notes) VALUES (?, ?, ?)`,
			name, kind, notes,
		)
		if err != nil {
			return 0, fmt.Errorf("insert entity: %w", err)
		}
		return result.LastInsertId()
	}

	mergedNotes := existing.Notes
	if notes != "" && !strings.Contains(mergedNotes, notes) {
		if mergedNotes != "" {
			mergedNotes += "; "
		}
		mergedNotes += notes
	}
	mergedKind := existing.Kind
	if kind != "generic" {
		mergedKind = kind
	}

	_, err = s.db.Exec(
		`UPDATE entities SET kind = ?, notes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		mergedKind, mergedNotes, existing.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("update entity: %w", err)
	}
	return existing.ID, nil
}

// AddRelation records a subject-predicate-object triple. Subjects and
// objects are free text — they need not already exist as entities, matching
// the looser knowledge-graph-as-log approach the fact extractor feeds from.
func (s *EntityStore) AddRelation(subject, predicate, object, source string) (int64, error) {
	subject = strings.TrimSpace(subject)
	object = strings.TrimSpace(object)
	if subject == "" || object == "" {
		return 0, fmt.Errorf("subject and object are required")
	}
	if source == "" {
		source = "extractor"
	}

	result, err := s.db.Exec(
		`INSERT INTO relations (subject, predicate, object, source) VALUES (?, ?, ?, ?)`,
		subject, predicate, object, source,
	)
	if err != nil {
		return 0, fmt.Errorf("insert relation: %w", err)
	}
	return result.LastInsertId()
}

// SearchEntities finds entities whose name or notes contain query
// (case-insensitive substring match — the entities table is small enough
// that a LIKE scan doesn't need FTS5's BM25 ranking).
func (s *EntityStore) SearchEntities(query string, limit int) ([]Entity, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	like := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT id, name, kind, notes, created_at, updated_at
		FROM entities
		WHERE name LIKE ? COLLATE NOCASE OR notes LIKE ? COLLATE NOCASE
		ORDER BY updated_at DESC
		LIMIT ?
	`, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// FindMentioned returns every known entity whose name appears verbatim
// (case-insensitive) inside text — the inverse direction of SearchEntities,
// used by the Context Builder to spot entities named in the current turn
// rather than to answer an explicit search_entities query.
func (s *EntityStore) FindMentioned(text string, limit int) ([]Entity, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(`SELECT id, name, kind, notes, created_at, updated_at FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("find mentioned entities: %w", err)
	}
	defer rows.Close()

	all, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}

	lowerText := strings.ToLower(text)
	var out []Entity
	for _, e := range all {
		if strings.Contains(lowerText, strings.ToLower(e.Name)) {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// QueryEntity returns the entity exactly matching name (case-insensitive),
// or nil if none exists.
func (s *EntityStore) QueryEntity(name string) (*Entity, error) {
	row := s.db.QueryRow(`
		SELECT id, name, kind, notes, created_at, updated_at
		FROM entities WHERE name = ? COLLATE NOCASE
	`, strings.TrimSpace(name))

	var e Entity
	var createdAt, updatedAt string
	err := row.Scan(&e.ID, &e.Name, &e.Kind, &e.Notes, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entity: %w", err)
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

// RelationsFor returns every relation where name appears as subject or
// object, most recent first.
func (s *EntityStore) RelationsFor(name string, limit int) ([]Relation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, subject, predicate, object, source, created_at
		FROM relations
		WHERE subject = ? COLLATE NOCASE OR object = ? COLLATE NOCASE
		ORDER BY created_at DESC
		LIMIT ?
	`, name, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Subject, &r.Predicate, &r.Object, &r.Source, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, nil
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var out []Entity
	for rows.Next() {
		var e Entity
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.Name, &e.Kind, &e.Notes, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, e)
	}
	return out, nil
}

// FormatRelations renders relations as short "subject predicate object"
// lines suitable for embedding directly into a recall block.
func FormatRelations(relations []Relation) string {
	if len(relations) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, r := range relations {
		sb.WriteString(fmt.Sprintf("- %s %s %s\n", r.Subject, r.Predicate, r.Object))
	}
	return sb.String()
}
