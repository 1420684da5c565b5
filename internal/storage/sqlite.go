package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sentinel/internal/exchange"
	logx "sentinel/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err = s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	// Databases created before capability grants were persisted lack allow_caps.
	has, err := s.hasColumn(ctx, "plugins", "allow_caps")
	if err != nil || has {
		return err
	}
	_, err = s.db.ExecContext(ctx, `ALTER TABLE plugins ADD COLUMN allow_caps TEXT`)
	return err
}

func (s *sqliteStore) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutFinding(ctx context.Context, f exchange.Finding) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO findings(id, plugin_id, vuln_type, severity, severity_score, title, evidence, exchange_id, url, hook, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		f.ID, f.PluginID, f.VulnType, string(f.Severity), f.Severity.Score(), f.Title,
		nullStr(f.Evidence), f.ExchangeID, nullStr(f.URL), nullStr(f.Hook), f.CreatedAt.UnixNano(),
	)
	return err
}

const findingCols = `id, plugin_id, vuln_type, severity, title, evidence, exchange_id, url, hook, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFinding(r rowScanner) (exchange.Finding, error) {
	var (
		f                   exchange.Finding
		sev                 string
		evidence, url, hook sql.NullString
		created             int64
	)
	if err := r.Scan(&f.ID, &f.PluginID, &f.VulnType, &sev, &f.Title, &evidence, &f.ExchangeID, &url, &hook, &created); err != nil {
		return exchange.Finding{}, err
	}
	f.Severity = exchange.Severity(sev)
	f.Evidence, f.URL, f.Hook = evidence.String, url.String, hook.String
	f.CreatedAt = time.Unix(0, created)
	return f, nil
}

func (s *sqliteStore) GetFinding(ctx context.Context, id string) (exchange.Finding, bool, error) {
	if s == nil || s.db == nil {
		return exchange.Finding{}, false, ErrDisabled
	}
	f, err := scanFinding(s.db.QueryRowContext(ctx, `SELECT `+findingCols+` FROM findings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return exchange.Finding{}, false, nil
	}
	if err != nil {
		return exchange.Finding{}, false, err
	}
	return f, true, nil
}

// findingQuery mirrors exchange.Filter.Match in SQL.
func findingQuery(q exchange.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if q.PluginID != "" {
		where, args = append(where, "plugin_id = ?"), append(args, q.PluginID)
	}
	if q.ExchangeID != "" {
		where, args = append(where, "exchange_id = ?"), append(args, q.ExchangeID)
	}
	if q.VulnType != "" {
		where, args = append(where, "vuln_type = ? COLLATE NOCASE"), append(args, q.VulnType)
	}
	if q.MinSeverity != "" {
		where, args = append(where, "severity_score >= ?"), append(args, q.MinSeverity.Score())
	}
	if q.Host != "" {
		where, args = append(where, "instr(url, ?) > 0"), append(args, q.Host)
	}
	if !q.Since.IsZero() {
		where, args = append(where, "created_at >= ?"), append(args, q.Since.UnixNano())
	}
	query := `SELECT ` + findingCols + ` FROM findings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, listLimit(q.Limit))
	return query, args
}

func (s *sqliteStore) ListFindings(ctx context.Context, q exchange.Filter) ([]exchange.Finding, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	query, args := findingQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []exchange.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutPlugin(ctx context.Context, d PluginDescriptor) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	enabled := 0
	if d.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugins(id, name, category, code, enabled, quality_score, last_loaded_at, state, failure_reason, allow_caps)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, category=excluded.category, code=excluded.code, enabled=excluded.enabled,
		   quality_score=excluded.quality_score, last_loaded_at=excluded.last_loaded_at,
		   state=excluded.state, failure_reason=excluded.failure_reason, allow_caps=excluded.allow_caps`,
		d.ID, nullStr(d.Name), nullStr(d.Category), d.Code, enabled, d.QualityScore,
		d.LastLoadedAt.UnixNano(), nullStr(d.State), nullStr(d.FailureReason), nullStr(strings.Join(d.Allow, ",")),
	)
	return err
}

const pluginCols = `id, name, category, code, enabled, quality_score, last_loaded_at, state, failure_reason, allow_caps`

func scanPlugin(r rowScanner) (PluginDescriptor, error) {
	var (
		d                              PluginDescriptor
		name, category, state, failure sql.NullString
		allow                          sql.NullString
		enabled                        int
		loaded                         int64
	)
	if err := r.Scan(&d.ID, &name, &category, &d.Code, &enabled, &d.QualityScore, &loaded, &state, &failure, &allow); err != nil {
		return PluginDescriptor{}, err
	}
	d.Name, d.Category, d.State, d.FailureReason = name.String, category.String, state.String, failure.String
	if allow.String != "" {
		d.Allow = strings.Split(allow.String, ",")
	}
	d.Enabled = enabled != 0
	d.LastLoadedAt = time.Unix(0, loaded)
	return d, nil
}

func (s *sqliteStore) GetPlugin(ctx context.Context, id string) (PluginDescriptor, bool, error) {
	if s == nil || s.db == nil {
		return PluginDescriptor{}, false, ErrDisabled
	}
	d, err := scanPlugin(s.db.QueryRowContext(ctx, `SELECT `+pluginCols+` FROM plugins WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return PluginDescriptor{}, false, nil
	}
	if err != nil {
		return PluginDescriptor{}, false, err
	}
	return d, true, nil
}

func (s *sqliteStore) ListPlugins(ctx context.Context) ([]PluginDescriptor, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+pluginCols+` FROM plugins ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PluginDescriptor
	for rows.Next() {
		d, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeletePlugin(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
