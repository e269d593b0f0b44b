package worldsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

const AnonymousProviderName = "anon"

type SessionRegistrySettings struct {
	AnonymousSessionTtl time.Duration
}

func DefaultSessionRegistrySettings() *SessionRegistrySettings {
	return &SessionRegistrySettings{
		AnonymousSessionTtl: 1 * time.Hour,
	}
}

// issues and invalidates sessions against the backing store
type SessionRegistry struct {
	store    *WorldStore
	settings *SessionRegistrySettings
}

func NewSessionRegistryWithDefaults(store *WorldStore) *SessionRegistry {
	return NewSessionRegistry(store, DefaultSessionRegistrySettings())
}

func NewSessionRegistry(store *WorldStore, settings *SessionRegistrySettings) *SessionRegistry {
	return &SessionRegistry{
		store:    store,
		settings: settings,
	}
}

type AnonymousSession struct {
	AgentId   string
	SessionId string
	Token     string
	ExpiresAt time.Time
}

// one atomic transaction: provider config, agent profile, signed token,
// session row, and one permission row per sync group named in the
// provider's default arrays. Any step failing aborts the whole
// transaction; partial agent/session/permission state is never visible.
func (self *SessionRegistry) CreateAnonymousSession(ctx context.Context) (*AnonymousSession, error) {
	tx, err := self.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
		SELECT jwt_secret, default_can_read, default_can_insert, default_can_update, default_can_delete
		FROM auth_providers
		WHERE provider_name = ? AND enabled = 1`,
		AnonymousProviderName,
	)
	var jwtSecret string
	var readJson, insertJson, updateJson, deleteJson string
	if err := row.Scan(&jwtSecret, &readJson, &insertJson, &updateJson, &deleteJson); err != nil {
		return nil, fmt.Errorf("anonymous provider not configured or disabled")
	}

	var canRead, canInsert, canUpdate, canDelete []string
	if err := decodeGroupList(readJson, &canRead); err != nil {
		return nil, err
	}
	if err := decodeGroupList(insertJson, &canInsert); err != nil {
		return nil, err
	}
	if err := decodeGroupList(updateJson, &canUpdate); err != nil {
		return nil, err
	}
	if err := decodeGroupList(deleteJson, &canDelete); err != nil {
		return nil, err
	}

	now := time.Now()
	agentId := NewId().String()
	username := fmt.Sprintf("anonymous-%s", agentId[0:8])

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_profiles (agent_id, username, is_anon, created_at, last_seen_at)
		VALUES (?, ?, 1, ?, ?)`,
		agentId, username, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}

	sessionId := NewId().String()
	expiresAt := now.Add(self.settings.AnonymousSessionTtl)

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sessionId": sessionId,
		"agentId":   agentId,
		"provider":  AnonymousProviderName,
		"iat":       now.Unix(),
		"exp":       expiresAt.Unix(),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_sessions (
			session_id, agent_id, provider_name, jwt, expires_at, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		sessionId, agentId, AnonymousProviderName, token, expiresAt.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}

	// one row per sync group in the union of the four default arrays,
	// with each flag set by membership in the corresponding array
	for _, group := range unionGroups(canRead, canInsert, canUpdate, canDelete) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_sync_group_roles (
				agent_id, sync_group, can_read, can_insert, can_update, can_delete
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id, sync_group) DO UPDATE SET
				can_read = excluded.can_read,
				can_insert = excluded.can_insert,
				can_update = excluded.can_update,
				can_delete = excluded.can_delete`,
			agentId,
			group,
			boolInt(contains(canRead, group)),
			boolInt(contains(canInsert, group)),
			boolInt(contains(canUpdate, group)),
			boolInt(contains(canDelete, group)),
		)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	glog.V(1).Infof("[s]anonymous session %s agent %s\n", sessionId, agentId)

	return &AnonymousSession{
		AgentId:   agentId,
		SessionId: sessionId,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// soft invalidation. The row is kept for audit history
func (self *SessionRegistry) SignOut(ctx context.Context, sessionId string) error {
	_, err := self.store.db.ExecContext(ctx, `
		UPDATE agent_sessions
		SET is_active = 0, updated_at = ?
		WHERE session_id = ?`,
		time.Now().UnixMilli(), sessionId,
	)
	if err != nil {
		return err
	}
	glog.V(1).Infof("[s]signed out %s\n", sessionId)
	return nil
}

// the session row must exist, be active, and be unexpired. Expiry is
// passive: a timestamp comparison at validation time
func (self *SessionRegistry) ActiveSession(ctx context.Context, sessionId string) (*Session, error) {
	session, err := self.store.Session(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session not found")
	}
	if !session.IsActive {
		return nil, fmt.Errorf("session is not active")
	}
	if !session.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("session has expired")
	}
	return session, nil
}

func unionGroups(groupLists ...[]string) []string {
	set := map[string]bool{}
	for _, groups := range groupLists {
		for _, group := range groups {
			set[group] = true
		}
	}
	union := make([]string, 0, len(set))
	for group := range set {
		union = append(union, group)
	}
	sort.Strings(union)
	return union
}

func contains(groups []string, group string) bool {
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}
