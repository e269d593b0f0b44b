package worldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// WorldStore is the authority's backing store: auth providers, agent
// profiles, sessions, and per-sync-group roles, plus the generic query
// surface the peer query path runs against.
type WorldStore struct {
	db *sql.DB
}

// path may be ":memory:" for tests and single-node trials
func NewWorldStore(path string) (*WorldStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// sqlite allows one writer. A single pooled connection also keeps
	// ":memory:" databases from silently splitting per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	store := &WorldStore{
		db: db,
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

func (self *WorldStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS auth_providers (
		provider_name TEXT PRIMARY KEY,
		jwt_secret TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		default_can_read TEXT NOT NULL DEFAULT '[]',
		default_can_insert TEXT NOT NULL DEFAULT '[]',
		default_can_update TEXT NOT NULL DEFAULT '[]',
		default_can_delete TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS agent_profiles (
		agent_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		is_anon INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		session_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agent_profiles(agent_id),
		provider_name TEXT NOT NULL,
		jwt TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON agent_sessions(agent_id);

	CREATE TABLE IF NOT EXISTS agent_sync_group_roles (
		agent_id TEXT NOT NULL REFERENCES agent_profiles(agent_id),
		sync_group TEXT NOT NULL,
		can_read INTEGER NOT NULL DEFAULT 0,
		can_insert INTEGER NOT NULL DEFAULT 0,
		can_update INTEGER NOT NULL DEFAULT 0,
		can_delete INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (agent_id, sync_group)
	);
	`
	_, err := self.db.Exec(schema)
	return err
}

func (self *WorldStore) Close() error {
	return self.db.Close()
}

// ProviderStore

func (self *WorldStore) Provider(ctx context.Context, name string) (*ProviderConfig, error) {
	row := self.db.QueryRowContext(ctx, `
		SELECT provider_name, jwt_secret, enabled,
		       default_can_read, default_can_insert, default_can_update, default_can_delete
		FROM auth_providers
		WHERE provider_name = ?`,
		name,
	)

	var provider ProviderConfig
	var enabled int
	var readJson, insertJson, updateJson, deleteJson string
	err := row.Scan(
		&provider.Name,
		&provider.JwtSecret,
		&enabled,
		&readJson,
		&insertJson,
		&updateJson,
		&deleteJson,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	provider.Enabled = enabled != 0
	if err := decodeGroupList(readJson, &provider.DefaultCanRead); err != nil {
		return nil, err
	}
	if err := decodeGroupList(insertJson, &provider.DefaultCanInsert); err != nil {
		return nil, err
	}
	if err := decodeGroupList(updateJson, &provider.DefaultCanUpdate); err != nil {
		return nil, err
	}
	if err := decodeGroupList(deleteJson, &provider.DefaultCanDelete); err != nil {
		return nil, err
	}
	return &provider, nil
}

func (self *WorldStore) UpsertProvider(ctx context.Context, provider *ProviderConfig) error {
	readJson, err := encodeGroupList(provider.DefaultCanRead)
	if err != nil {
		return err
	}
	insertJson, err := encodeGroupList(provider.DefaultCanInsert)
	if err != nil {
		return err
	}
	updateJson, err := encodeGroupList(provider.DefaultCanUpdate)
	if err != nil {
		return err
	}
	deleteJson, err := encodeGroupList(provider.DefaultCanDelete)
	if err != nil {
		return err
	}

	enabled := 0
	if provider.Enabled {
		enabled = 1
	}
	_, err = self.db.ExecContext(ctx, `
		INSERT INTO auth_providers (
			provider_name, jwt_secret, enabled,
			default_can_read, default_can_insert, default_can_update, default_can_delete
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_name) DO UPDATE SET
			jwt_secret = excluded.jwt_secret,
			enabled = excluded.enabled,
			default_can_read = excluded.default_can_read,
			default_can_insert = excluded.default_can_insert,
			default_can_update = excluded.default_can_update,
			default_can_delete = excluded.default_can_delete`,
		provider.Name,
		provider.JwtSecret,
		enabled,
		readJson,
		insertJson,
		updateJson,
		deleteJson,
	)
	return err
}

// PermissionStore

func (self *WorldStore) ReadableGroups(ctx context.Context, agentId string) ([]string, error) {
	return self.groupsWithPermission(ctx, agentId, "can_read")
}

func (self *WorldStore) InsertableGroups(ctx context.Context, agentId string) ([]string, error) {
	return self.groupsWithPermission(ctx, agentId, "can_insert")
}

func (self *WorldStore) UpdatableGroups(ctx context.Context, agentId string) ([]string, error) {
	return self.groupsWithPermission(ctx, agentId, "can_update")
}

func (self *WorldStore) DeletableGroups(ctx context.Context, agentId string) ([]string, error) {
	return self.groupsWithPermission(ctx, agentId, "can_delete")
}

func (self *WorldStore) groupsWithPermission(ctx context.Context, agentId string, column string) ([]string, error) {
	// column is one of the four fixed role columns, never user input
	rows, err := self.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT sync_group FROM agent_sync_group_roles
		WHERE agent_id = ? AND %s = 1`, column),
		agentId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := []string{}
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (self *WorldStore) SetGroupRole(
	ctx context.Context,
	agentId string,
	syncGroup string,
	canRead bool,
	canInsert bool,
	canUpdate bool,
	canDelete bool,
) error {
	_, err := self.db.ExecContext(ctx, `
		INSERT INTO agent_sync_group_roles (
			agent_id, sync_group, can_read, can_insert, can_update, can_delete
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, sync_group) DO UPDATE SET
			can_read = excluded.can_read,
			can_insert = excluded.can_insert,
			can_update = excluded.can_update,
			can_delete = excluded.can_delete`,
		agentId, syncGroup, boolInt(canRead), boolInt(canInsert), boolInt(canUpdate), boolInt(canDelete),
	)
	return err
}

// sessions

type Session struct {
	SessionId    string
	AgentId      string
	ProviderName string
	Jwt          string
	ExpiresAt    time.Time
	IsActive     bool
}

func (self *WorldStore) Session(ctx context.Context, sessionId string) (*Session, error) {
	row := self.db.QueryRowContext(ctx, `
		SELECT session_id, agent_id, provider_name, jwt, expires_at, is_active
		FROM agent_sessions
		WHERE session_id = ?`,
		sessionId,
	)

	var session Session
	var expiresAt int64
	var isActive int
	err := row.Scan(
		&session.SessionId,
		&session.AgentId,
		&session.ProviderName,
		&session.Jwt,
		&expiresAt,
		&isActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.ExpiresAt = time.UnixMilli(expiresAt)
	session.IsActive = isActive != 0
	return &session, nil
}

func (self *WorldStore) AgentCount(ctx context.Context) (int, error) {
	var count int
	err := self.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_profiles`).Scan(&count)
	return count, err
}

// the generic query surface for QUERY_REQUEST. Results are rows encoded
// as a JSON array of column->value objects. Store rejections come back
// as an error for the caller to carry in `errorMessage`.
func (self *WorldStore) ExecQuery(ctx context.Context, query string, parameters []any) (json.RawMessage, error) {
	rows, err := self.db.QueryContext(ctx, query, parameters...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}
		result := make(map[string]any, len(columns))
		for i, column := range columns {
			value := values[i]
			// sqlite returns []byte for text in some paths
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			result[column] = value
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(results)
}

func decodeGroupList(encoded string, groups *[]string) error {
	if encoded == "" {
		return nil
	}
	return json.Unmarshal([]byte(encoded), groups)
}

func encodeGroupList(groups []string) (string, error) {
	if groups == nil {
		groups = []string{}
	}
	b, err := json.Marshal(groups)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
