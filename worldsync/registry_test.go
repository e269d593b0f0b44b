package worldsync

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testStore(t *testing.T) *WorldStore {
	store, err := NewWorldStore(":memory:")
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func seedAnonProvider(t *testing.T, store *WorldStore) {
	err := store.UpsertProvider(context.Background(), &ProviderConfig{
		Name:             AnonymousProviderName,
		JwtSecret:        testJwtSecret,
		Enabled:          true,
		DefaultCanRead:   []string{"public.NORMAL", "public.STATIC"},
		DefaultCanInsert: []string{"public.NORMAL"},
	})
	assert.Equal(t, err, nil)
}

func TestCreateAnonymousSession(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	seedAnonProvider(t, store)
	registry := NewSessionRegistryWithDefaults(store)

	session, err := registry.CreateAnonymousSession(ctx)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, session.AgentId, "")
	assert.NotEqual(t, session.SessionId, "")
	assert.NotEqual(t, session.Token, "")
	assert.Equal(t, session.ExpiresAt.After(time.Now()), true)

	count, err := store.AgentCount(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 1)

	// the issued token validates against the provider's secret
	validator := NewSessionValidator(store)
	claims := validator.Validate(ctx, AnonymousProviderName, session.Token)
	assert.Equal(t, claims.IsValid, true)
	assert.Equal(t, claims.AgentId, session.AgentId)
	assert.Equal(t, claims.SessionId, session.SessionId)

	// roles match membership in the provider's default arrays
	readable, err := store.ReadableGroups(ctx, session.AgentId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(readable), 2)
	insertable, err := store.InsertableGroups(ctx, session.AgentId)
	assert.Equal(t, err, nil)
	assert.Equal(t, insertable, []string{"public.NORMAL"})
	updatable, err := store.UpdatableGroups(ctx, session.AgentId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(updatable), 0)

	active, err := registry.ActiveSession(ctx, session.SessionId)
	assert.Equal(t, err, nil)
	assert.Equal(t, active.AgentId, session.AgentId)
	assert.Equal(t, active.IsActive, true)
}

func TestCreateAnonymousSessionNoProvider(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	registry := NewSessionRegistryWithDefaults(store)

	_, err := registry.CreateAnonymousSession(ctx)
	assert.NotEqual(t, err, nil)

	count, err := store.AgentCount(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 0)
}

func TestCreateAnonymousSessionDisabledProvider(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	err := store.UpsertProvider(ctx, &ProviderConfig{
		Name:      AnonymousProviderName,
		JwtSecret: testJwtSecret,
		Enabled:   false,
	})
	assert.Equal(t, err, nil)
	registry := NewSessionRegistryWithDefaults(store)

	_, err = registry.CreateAnonymousSession(ctx)
	assert.NotEqual(t, err, nil)
}

func TestCreateAnonymousSessionAtomic(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	seedAnonProvider(t, store)
	registry := NewSessionRegistryWithDefaults(store)

	// force the role insert step to fail mid-transaction
	_, err := store.db.Exec(`DROP TABLE agent_sync_group_roles`)
	assert.Equal(t, err, nil)

	_, err = registry.CreateAnonymousSession(ctx)
	assert.NotEqual(t, err, nil)

	// no partial agent or session rows survive the rollback
	count, err := store.AgentCount(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 0)
	var sessionCount int
	err = store.db.QueryRow(`SELECT COUNT(*) FROM agent_sessions`).Scan(&sessionCount)
	assert.Equal(t, err, nil)
	assert.Equal(t, sessionCount, 0)
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	seedAnonProvider(t, store)
	registry := NewSessionRegistryWithDefaults(store)

	session, err := registry.CreateAnonymousSession(ctx)
	assert.Equal(t, err, nil)

	err = registry.SignOut(ctx, session.SessionId)
	assert.Equal(t, err, nil)

	_, err = registry.ActiveSession(ctx, session.SessionId)
	assert.NotEqual(t, err, nil)

	// soft invalidation keeps the row
	stored, err := store.Session(ctx, session.SessionId)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, stored, nil)
	assert.Equal(t, stored.IsActive, false)

	// signing out an unknown session is a no-op, not an error
	err = registry.SignOut(ctx, NewId().String())
	assert.Equal(t, err, nil)
}

func TestActiveSessionExpired(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	seedAnonProvider(t, store)
	registry := NewSessionRegistry(store, &SessionRegistrySettings{
		AnonymousSessionTtl: -1 * time.Minute,
	})

	session, err := registry.CreateAnonymousSession(ctx)
	assert.Equal(t, err, nil)

	_, err = registry.ActiveSession(ctx, session.SessionId)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "session has expired")
}

func TestActiveSessionNotFound(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	registry := NewSessionRegistryWithDefaults(store)

	_, err := registry.ActiveSession(ctx, NewId().String())
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "session not found")
}
