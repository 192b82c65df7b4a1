package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowcore/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowcore.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.Contains(dbPath, ":") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

const runColumns = `id, flow_ref, status, result, error, created_at, started_at, finished_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowRef, string(run.Status), nullRaw(run.Result), nullRaw(run.Error),
		run.CreatedAt, nullTime(run.StartedAt), nullTime(run.FinishedAt), run.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.FlowRef != "" {
		where = append(where, "flow_ref = ?")
		args = append(args, filter.FlowRef)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Active {
		where = append(where, "status IN (?, ?)")
		args = append(args, string(schema.RunStatusQueued), string(schema.RunStatusRunning))
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		status                string
		resultJSON, errorJSON sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.FlowRef, &status, &resultJSON, &errorJSON,
		&run.CreatedAt, &startedAt, &finishedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.Result = rawOrNil(resultJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-run sequence
// and writes the assigned sequence and run ID back into event.
func (s *LibSQLStore) AppendEvent(ctx context.Context, runID string, event *schema.Event) error {
	result, err := event.MarshalResult()
	if err != nil {
		return fmt.Errorf("marshal event result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	ts := timeOrNow(event.TS)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, event_type, node_id, result, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, seq, event.Type, nullStr(event.NodeID), nullRaw(result), ts,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Seq = seq
	event.RunID = runID
	event.TS = ts
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, event_type, node_id, result, ts FROM run_events
		 WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		var (
			ev         schema.Event
			nodeID     sql.NullString
			resultJSON sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.Type, &nodeID, &resultJSON, &ev.TS); err != nil {
			return nil, err
		}
		ev.RunID = runID
		ev.NodeID = nodeID.String
		if raw := rawOrNil(resultJSON); raw != nil {
			if err := json.Unmarshal(raw, &ev.Result); err != nil {
				return nil, fmt.Errorf("unmarshal event %d result: %w", ev.Seq, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Flows ---

const flowColumns = `id, name, graph, enabled, disabled_reason, created_at, updated_at`

// SaveFlow inserts or replaces a flow graph.
func (s *LibSQLStore) SaveFlow(ctx context.Context, flow *Flow) error {
	if len(flow.Graph) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "flow %q has no graph", flow.ID)
	}
	flow.CreatedAt = timeOrNow(flow.CreatedAt)
	flow.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flows (`+flowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, graph=excluded.graph, enabled=excluded.enabled,
		 disabled_reason=excluded.disabled_reason, updated_at=excluded.updated_at`,
		flow.ID, nullStr(flow.Name), string(flow.Graph), flow.Enabled, nullStr(flow.DisabledReason),
		flow.CreatedAt, flow.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetFlow(ctx context.Context, id string) (*Flow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", id)
	}
	return flow, err
}

func (s *LibSQLStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error) {
	query := "SELECT " + flowColumns + " FROM flows"
	if filter.EnabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// SetFlowEnabled toggles a flow. The reason is kept only while the flow is disabled.
func (s *LibSQLStore) SetFlowEnabled(ctx context.Context, id string, enabled bool, reason string) error {
	if enabled {
		reason = ""
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE flows SET enabled = ?, disabled_reason = ?, updated_at = ? WHERE id = ?`,
		enabled, nullStr(reason), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

func scanFlow(row rowScanner) (*Flow, error) {
	flow := &Flow{}
	var (
		name, reason sql.NullString
		graphJSON    string
	)
	if err := row.Scan(&flow.ID, &name, &graphJSON, &flow.Enabled, &reason, &flow.CreatedAt, &flow.UpdatedAt); err != nil {
		return nil, err
	}
	flow.Name = name.String
	flow.DisabledReason = reason.String
	flow.Graph = json.RawMessage(graphJSON)
	return flow, nil
}

// --- Templates ---

// SaveTemplate inserts or replaces a node template. The key is normalized.
func (s *LibSQLStore) SaveTemplate(ctx context.Context, tpl *Template) error {
	key := schema.NormalizeKey(tpl.Key)
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "template key is required")
	}
	if len(tpl.ArgSchema) > 0 && !json.Valid(tpl.ArgSchema) {
		return schema.NewErrorf(schema.ErrCodeValidation, "template %q has an invalid argument schema", key)
	}
	tpl.Key = key
	tpl.CreatedAt = timeOrNow(tpl.CreatedAt)
	tpl.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (key, name, provider, arg_schema, allowed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET name=excluded.name, provider=excluded.provider,
		 arg_schema=excluded.arg_schema, allowed=excluded.allowed, updated_at=excluded.updated_at`,
		tpl.Key, nullStr(tpl.Name), nullStr(schema.NormalizeKey(tpl.Provider)), nullRaw(tpl.ArgSchema), tpl.Allowed,
		tpl.CreatedAt, tpl.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, key string) (*Template, error) {
	key = schema.NormalizeKey(key)
	row := s.db.QueryRowContext(ctx,
		`SELECT key, name, provider, arg_schema, allowed, created_at, updated_at FROM templates WHERE key = ?`, key)
	tpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", key)
	}
	return tpl, err
}

func (s *LibSQLStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, name, provider, arg_schema, allowed, created_at, updated_at FROM templates ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func scanTemplate(row rowScanner) (*Template, error) {
	tpl := &Template{}
	var name, provider, argSchema sql.NullString
	if err := row.Scan(&tpl.Key, &name, &provider, &argSchema, &tpl.Allowed, &tpl.CreatedAt, &tpl.UpdatedAt); err != nil {
		return nil, err
	}
	tpl.Name = name.String
	tpl.Provider = provider.String
	tpl.ArgSchema = rawOrNil(argSchema)
	return tpl, nil
}

// --- Providers ---

func (s *LibSQLStore) SaveProvider(ctx context.Context, p *Provider) error {
	key := schema.NormalizeKey(p.Key)
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider key is required")
	}
	p.Key = key
	p.CreatedAt = timeOrNow(p.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (key, name, credential_ref, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET name=excluded.name, credential_ref=excluded.credential_ref`,
		p.Key, nullStr(p.Name), nullStr(p.CredentialRef), p.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetProvider(ctx context.Context, key string) (*Provider, error) {
	key = schema.NormalizeKey(key)
	p := &Provider{}
	var name, credRef sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT key, name, credential_ref, created_at FROM providers WHERE key = ?`, key,
	).Scan(&p.Key, &name, &credRef, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("provider", key)
	}
	if err != nil {
		return nil, err
	}
	p.Name = name.String
	p.CredentialRef = credRef.String
	return p, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// IsNotFound reports whether err is a store NOT_FOUND error.
func IsNotFound(err error) bool {
	return schema.ErrorCode(err) == schema.ErrCodeNotFound
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
