package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/aurakai/oracledrive/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

// EncryptedStore implements domain.SandboxStore and domain.SettingsStore
// on a SQLCipher encrypted SQLite database.
type EncryptedStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewEncryptedStore opens (or creates) the encrypted database at dbPath.
// The key is passed to SQLCipher as a raw hex key.
func NewEncryptedStore(dbPath string, key []byte) (*EncryptedStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", domain.ErrStorage, err)
	}

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open encrypted database: %v", domain.ErrStorage, err)
	}

	// A wrong key surfaces here, not at Open.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect to encrypted database: %v", domain.ErrStorage, err)
	}

	s := &EncryptedStore{db: db, dbPath: dbPath, now: time.Now}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create tables: %v", domain.ErrStorage, err)
	}
	return s, nil
}

func (s *EncryptedStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sandboxes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS modifications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		sandbox_id TEXT NOT NULL REFERENCES sandboxes(id),
		description TEXT NOT NULL,
		target_file TEXT NOT NULL,
		original_exists INTEGER NOT NULL,
		original_mode INTEGER NOT NULL,
		original_content BLOB,
		modified_content BLOB,
		risk_level INTEGER NOT NULL,
		reversible INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_modifications_sandbox ON modifications(sandbox_id);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- domain.SandboxStore implementation ---

// Create inserts a new empty sandbox.
func (s *EncryptedStore) Create(ctx context.Context, name string, typ domain.SandboxType) (domain.SandboxEnvironment, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return domain.SandboxEnvironment{}, fmt.Errorf("%w: generate sandbox id: %v", domain.ErrStorage, err)
	}

	sb := domain.SandboxEnvironment{
		ID:            id.String(),
		Name:          name,
		Type:          typ,
		CreatedAt:     s.now().UTC(),
		Modifications: []domain.SystemModification{},
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (id, name, type, created_at) VALUES (?, ?, ?, ?)`,
		sb.ID, sb.Name, string(sb.Type), sb.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.SandboxEnvironment{}, fmt.Errorf("%w: insert sandbox: %v", domain.ErrStorage, err)
	}
	return sb, nil
}

// Find loads one sandbox with its modifications.
func (s *EncryptedStore) Find(ctx context.Context, id string) (domain.SandboxEnvironment, bool, error) {
	sb, err := findSandbox(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SandboxEnvironment{}, false, nil
	}
	if err != nil {
		return domain.SandboxEnvironment{}, false, fmt.Errorf("%w: find sandbox: %v", domain.ErrStorage, err)
	}
	return sb, true, nil
}

// Append inserts a modification inside a transaction that first checks the
// sandbox exists.
func (s *EncryptedStore) Append(ctx context.Context, sandboxID string, mod domain.SystemModification) (domain.SandboxEnvironment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SandboxEnvironment{}, fmt.Errorf("%w: begin: %v", domain.ErrStorage, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sandboxes WHERE id = ?`, sandboxID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SandboxEnvironment{}, fmt.Errorf("%w: %s", domain.ErrNotFound, sandboxID)
	}
	if err != nil {
		return domain.SandboxEnvironment{}, fmt.Errorf("%w: lookup sandbox: %v", domain.ErrStorage, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO modifications (id, sandbox_id, description, target_file,
			original_exists, original_mode, original_content, modified_content,
			risk_level, reversible)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mod.ID, sandboxID, mod.Description, mod.TargetFile,
		boolToInt(mod.Original.Exists), int64(mod.Original.Mode), mod.Original.Data, mod.ModifiedContent,
		int(mod.RiskLevel), boolToInt(mod.Reversible),
	)
	if err != nil {
		return domain.SandboxEnvironment{}, fmt.Errorf("%w: insert modification: %v", domain.ErrStorage, err)
	}

	sb, err := findSandbox(ctx, tx, sandboxID)
	if err != nil {
		return domain.SandboxEnvironment{}, fmt.Errorf("%w: reload sandbox: %v", domain.ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return domain.SandboxEnvironment{}, fmt.Errorf("%w: commit: %v", domain.ErrStorage, err)
	}
	return sb, nil
}

// List returns all sandboxes in insertion order.
func (s *EncryptedStore) List(ctx context.Context) ([]domain.SandboxEnvironment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, created_at FROM sandboxes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: list sandboxes: %v", domain.ErrStorage, err)
	}

	var out []domain.SandboxEnvironment
	index := make(map[string]int)
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan sandbox: %v", domain.ErrStorage, err)
		}
		index[sb.ID] = len(out)
		out = append(out, sb)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list sandboxes: %v", domain.ErrStorage, err)
	}

	mrows, err := s.db.QueryContext(ctx, modificationColumns+` ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: list modifications: %v", domain.ErrStorage, err)
	}
	defer mrows.Close()

	for mrows.Next() {
		sandboxID, mod, err := scanModification(mrows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan modification: %v", domain.ErrStorage, err)
		}
		if i, ok := index[sandboxID]; ok {
			out[i].Modifications = append(out[i].Modifications, mod)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list modifications: %v", domain.ErrStorage, err)
	}

	if out == nil {
		out = []domain.SandboxEnvironment{}
	}
	return out, nil
}

// --- domain.SettingsStore implementation ---

// GetInt returns the integer stored under key, 0 if unset.
func (s *EncryptedStore) GetInt(key string) (int, error) {
	v, err := s.GetInt64(key)
	return int(v), err
}

// PutInt stores an integer under key.
func (s *EncryptedStore) PutInt(key string, value int) error {
	return s.PutInt64(key, int64(value))
}

// GetInt64 returns the value stored under key, 0 if unset.
func (s *EncryptedStore) GetInt64(key string) (int64, error) {
	var value int64
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read setting %q: %v", domain.ErrStorage, key, err)
	}
	return value, nil
}

// PutInt64 stores value under key.
func (s *EncryptedStore) PutInt64(key string, value int64) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("%w: write setting %q: %v", domain.ErrStorage, key, err)
	}
	return nil
}

// Path returns the database file path.
func (s *EncryptedStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

const modificationColumns = `SELECT sandbox_id, id, description, target_file,
	original_exists, original_mode, original_content, modified_content,
	risk_level, reversible FROM modifications`

func findSandbox(ctx context.Context, q queryer, id string) (domain.SandboxEnvironment, error) {
	row := q.QueryRowContext(ctx, `SELECT id, name, type, created_at FROM sandboxes WHERE id = ?`, id)
	sb, err := scanSandbox(row)
	if err != nil {
		return domain.SandboxEnvironment{}, err
	}

	rows, err := q.QueryContext(ctx, modificationColumns+` WHERE sandbox_id = ? ORDER BY seq`, id)
	if err != nil {
		return domain.SandboxEnvironment{}, err
	}
	defer rows.Close()

	for rows.Next() {
		_, mod, err := scanModification(rows)
		if err != nil {
			return domain.SandboxEnvironment{}, err
		}
		sb.Modifications = append(sb.Modifications, mod)
	}
	return sb, rows.Err()
}

func scanSandbox(row scanner) (domain.SandboxEnvironment, error) {
	var (
		sb        domain.SandboxEnvironment
		typ       string
		createdAt int64
	)
	if err := row.Scan(&sb.ID, &sb.Name, &typ, &createdAt); err != nil {
		return domain.SandboxEnvironment{}, err
	}
	sb.Type = domain.SandboxType(typ)
	sb.CreatedAt = time.Unix(0, createdAt).UTC()
	sb.Modifications = []domain.SystemModification{}
	return sb, nil
}

func scanModification(row scanner) (string, domain.SystemModification, error) {
	var (
		sandboxID  string
		mod        domain.SystemModification
		exists     int
		mode       int64
		original   []byte
		modified   []byte
		risk       int
		reversible int
	)
	err := row.Scan(&sandboxID, &mod.ID, &mod.Description, &mod.TargetFile,
		&exists, &mode, &original, &modified, &risk, &reversible)
	if err != nil {
		return "", domain.SystemModification{}, err
	}

	if exists != 0 {
		if original == nil {
			original = []byte{}
		}
		mod.Original = domain.Present(original, os.FileMode(mode))
	} else {
		mod.Original = domain.Absent()
	}
	if modified == nil {
		modified = []byte{}
	}
	mod.ModifiedContent = modified
	mod.RiskLevel = domain.RiskLevel(risk)
	mod.Reversible = reversible != 0
	return sandboxID, mod, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure EncryptedStore implements both interfaces.
var _ domain.SandboxStore = (*EncryptedStore)(nil)
var _ domain.SettingsStore = (*EncryptedStore)(nil)
