package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Memory is a single keyword-searchable memory entry. Distinct from both
// ExtractedFact and the vector store's embedding entries: this is the
// exact/substring recall path behind the memory_search/memory_store tools,
// kept deliberately simple (FTS5 over SQLite) rather than semantic.
type Memory struct {
	ID        int64
	Namespace string
	Content   string
	Category  string
	Source    string
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MemoryStats holds aggregate counts for the memory store.
type MemoryStats struct {
	Total       int
	ByCategory  map[string]int
	ByNamespace map[string]int
}

// MemoryStore provides keyword-searchable memory storage backed by SQLite
// with FTS5, with markdown files under workspace/memory as the write-through
// source of truth.
type MemoryStore struct {
	db        *sql.DB
	workspace string
}

// globalNamespace is used when a caller doesn't scope a memory to a
// particular session (the default for tool-driven memory_store calls).
const globalNamespace = "global"

// schemaMigrations runs in order against a fresh or existing database;
// each entry must be safe to re-run (IF NOT EXISTS / idempotent DDL) so
// NewMemoryStore can simply replay the whole list every startup instead of
// tracking a per-step cursor.
var schemaMigrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		namespace TEXT NOT NULL DEFAULT 'global',
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'general',
		source TEXT NOT NULL DEFAULT 'manual',
		metadata TEXT,
		content_hash TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_content_hash ON memories(content_hash)`,
}

const currentSchemaVersion = 2

// NewMemoryStore opens or creates a SQLite memory database at dbPath.
// workspace is the agent's workspace root (parent of memory/).
func NewMemoryStore(dbPath string, workspace string) (*MemoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &MemoryStore{db: db, workspace: workspace}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *MemoryStore) Close() error {
	return s.db.Close()
}

func (s *MemoryStore) migrate() error {
	for _, stmt := range schemaMigrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("running migration %q: %w", firstLine(stmt), err)
		}
	}

	if err := s.ensureFTS(); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentSchemaVersion); err != nil {
			return err
		}
	} else {
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?", currentSchemaVersion); err != nil {
			return err
		}
	}

	return nil
}

// ensureFTS creates the memories_fts virtual table and its sync triggers on
// first run. FTS5 virtual tables don't support IF NOT EXISTS, hence the
// existence check.
func (s *MemoryStore) ensureFTS() error {
	var ftsExists int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='memories_fts'
	`).Scan(&ftsExists)
	if err != nil {
		return err
	}
	if ftsExists != 0 {
		return nil
	}

	_, err = s.db.Exec(`
		CREATE VIRTUAL TABLE memories_fts USING fts5(
			content,
			category,
			content='memories',
			content_rowid='id'
		);

		CREATE TRIGGER memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content, category)
			VALUES (new.id, new.content, new.category);
		END;

		CREATE TRIGGER memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content, category)
			VALUES ('delete', old.id, old.content, old.category);
		END;

		CREATE TRIGGER memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content, category)
			VALUES ('delete', old.id, old.content, old.category);
			INSERT INTO memories_fts(rowid, content, category)
			VALUES (new.id, new.content, new.category);
		END;
	`)
	return err
}

// SchemaVersion returns the current schema version.
func (s *MemoryStore) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	return version, err
}

// Store saves a new memory to the database and writes through to markdown.
// An empty namespace is stored as the global namespace. Category determines
// which markdown file is written:
//   - "preference", "note" → MEMORY.md
//   - "fact", "event" → today's daily log
func (s *MemoryStore) Store(content, category, source string, metadata map[string]string, namespace ...string) (int64, error) {
	ns := globalNamespace
	if len(namespace) > 0 && strings.TrimSpace(namespace[0]) != "" {
		ns = namespace[0]
	}

	var metaJSON *string
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		str := string(data)
		metaJSON = &str
	}

	hash := contentHash(ns, content)

	result, err := s.db.Exec(
		`INSERT INTO memories (namespace, content, category, source, metadata, content_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ns, content, category, source, metaJSON, hash,
	)
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	// Write-through to markdown is best-effort: the DB is the index, the
	// markdown tree is the human-readable source of truth.
	s.writeToMarkdown(content, category)

	return id, nil
}

// Search performs an FTS5 full-text search, ranked by BM25 relevance.
// If category is non-empty, results are filtered by category.
func (s *MemoryStore) Search(query string, limit int, category string) ([]Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	ftsQuery := buildFTSQuery(query)

	var rows *sql.Rows
	var err error
	if category != "" {
		rows, err = s.db.Query(memorySelectFTS+" AND m.category = ? ORDER BY bm25(memories_fts) LIMIT ?",
			ftsQuery, category, limit)
	} else {
		rows, err = s.db.Query(memorySelectFTS+" ORDER BY bm25(memories_fts) LIMIT ?", ftsQuery, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

const memorySelectFTS = `
	SELECT m.id, m.namespace, m.content, m.category, m.source, m.metadata, m.created_at, m.updated_at
	FROM memories_fts fts
	JOIN memories m ON m.id = fts.rowid
	WHERE memories_fts MATCH ?`

// Get retrieves a single memory by ID.
func (s *MemoryStore) Get(id int64) (*Memory, error) {
	row := s.db.QueryRow(`
		SELECT id, namespace, content, category, source, metadata, created_at, updated_at
		FROM memories WHERE id = ?
	`, id)

	mem, err := scanMemory(row)
	if err != nil {
		return nil, fmt.Errorf("memory not found: %w", err)
	}
	return mem, nil
}

// Delete removes a memory by ID.
func (s *MemoryStore) Delete(id int64) error {
	_, err := s.db.Exec("DELETE FROM memories WHERE id = ?", id)
	return err
}

// List returns memories, optionally filtered by category, newest first.
func (s *MemoryStore) List(category string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if category != "" {
		rows, err = s.db.Query(`
			SELECT id, namespace, content, category, source, metadata, created_at, updated_at
			FROM memories WHERE category = ?
			ORDER BY created_at DESC LIMIT ?
		`, category, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, namespace, content, category, source, metadata, created_at, updated_at
			FROM memories ORDER BY created_at DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemories(rows)
}

// Stats returns aggregate counts for the memory store, by category and by
// namespace.
func (s *MemoryStore) Stats() (*MemoryStats, error) {
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&total); err != nil {
		return nil, err
	}

	byCategory, err := s.countBy("category")
	if err != nil {
		return nil, err
	}
	byNamespace, err := s.countBy("namespace")
	if err != nil {
		return nil, err
	}

	return &MemoryStats{Total: total, ByCategory: byCategory, ByNamespace: byNamespace}, nil
}

func (s *MemoryStore) countBy(column string) (map[string]int, error) {
	rows, err := s.db.Query(fmt.Sprintf("SELECT %s, COUNT(*) FROM memories GROUP BY %s", column, column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, nil
}

// Reindex rebuilds the database from markdown files (MEMORY.md + daily
// logs) under the workspace. Entries already present (by content hash) are
// skipped, so Reindex is safe to call on every startup.
func (s *MemoryStore) Reindex() error {
	memoryDir := filepath.Join(s.workspace, "memory")

	if data, err := os.ReadFile(filepath.Join(memoryDir, "MEMORY.md")); err == nil {
		for _, line := range extractMemoryLines(string(data)) {
			s.storeIfNew(line, "note", "import")
		}
	}

	entries, err := os.ReadDir(memoryDir)
	if err != nil {
		return nil
	}

	for _, entry := range entries {
		if !entry.IsDir() || len(entry.Name()) != 6 {
			continue // only YYYYMM daily-log directories
		}

		monthDir := filepath.Join(memoryDir, entry.Name())
		files, err := os.ReadDir(monthDir)
		if err != nil {
			continue
		}

		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(monthDir, f.Name()))
			if err != nil {
				continue
			}
			for _, line := range extractMemoryLines(string(data)) {
				s.storeIfNew(line, "event", "import")
			}
		}
	}

	return nil
}

// storeIfNew stores a memory in the global namespace only if its content
// hash doesn't already exist there.
func (s *MemoryStore) storeIfNew(content, category, source string) {
	hash := contentHash(globalNamespace, content)
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memories WHERE content_hash = ?", hash).Scan(&exists); err != nil || exists > 0 {
		return
	}
	s.db.Exec(
		`INSERT INTO memories (namespace, content, category, source, content_hash) VALUES (?, ?, ?, ?, ?)`,
		globalNamespace, content, category, source, hash,
	)
}

// writeToMarkdown appends a memory to the appropriate markdown file.
func (s *MemoryStore) writeToMarkdown(content, category string) {
	memoryDir := filepath.Join(s.workspace, "memory")
	entry := fmt.Sprintf("- %s\n", content)

	switch category {
	case "preference", "note":
		s.appendToFile(filepath.Join(memoryDir, "MEMORY.md"), entry)
	default:
		today := time.Now().Format("20060102")
		dailyDir := filepath.Join(memoryDir, today[:6])
		os.MkdirAll(dailyDir, 0755)

		dailyFile := filepath.Join(dailyDir, today+".md")
		if _, err := os.Stat(dailyFile); os.IsNotExist(err) {
			header := fmt.Sprintf("# %s\n\n", time.Now().Format("2006-01-02"))
			os.WriteFile(dailyFile, []byte(header+entry), 0644)
		} else {
			s.appendToFile(dailyFile, entry)
		}
	}
}

func (s *MemoryStore) appendToFile(path, content string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(content)
}

// extractMemoryLines parses markdown content into individual memory
// entries: list items ("- ...") and other non-empty, non-header lines.
func extractMemoryLines(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || line == "---" {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// buildFTSQuery converts a natural language query into an FTS5 query,
// giving each word prefix-match semantics.
func buildFTSQuery(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return query
	}
	parts := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		parts = append(parts, `"`+w+`"*`)
	}
	return strings.Join(parts, " ")
}

// contentHash dedups by namespace+content so the same fact can live
// independently in two namespaces (e.g. imported once globally, once into a
// project namespace) without one insert silently shadowing the other.
func contentHash(namespace, content string) string {
	h := sha256.Sum256([]byte(namespace + "\x00" + content))
	return fmt.Sprintf("%x", h[:16])
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

// scanMemory reads a single memory from a *sql.Row.
func scanMemory(row *sql.Row) (*Memory, error) {
	var m Memory
	var metaJSON sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&m.ID, &m.Namespace, &m.Content, &m.Category, &m.Source, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	applyScannedMemory(&m, metaJSON, createdAt, updatedAt)
	return &m, nil
}

// scanMemories reads multiple memories from *sql.Rows.
func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var memories []Memory
	for rows.Next() {
		var m Memory
		var metaJSON sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(&m.ID, &m.Namespace, &m.Content, &m.Category, &m.Source, &metaJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		applyScannedMemory(&m, metaJSON, createdAt, updatedAt)
		memories = append(memories, m)
	}
	return memories, nil
}

func applyScannedMemory(m *Memory, metaJSON sql.NullString, createdAt, updatedAt string) {
	if metaJSON.Valid && metaJSON.String != "" {
		m.Metadata = make(map[string]string)
		json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
}
