package worldsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// backing lookups for the four permission dimensions. Each returns the
// sync groups the agent holds that permission on.
type PermissionStore interface {
	ReadableGroups(ctx context.Context, agentId string) ([]string, error)
	InsertableGroups(ctx context.Context, agentId string) ([]string, error)
	UpdatableGroups(ctx context.Context, agentId string) ([]string, error)
	DeletableGroups(ctx context.Context, agentId string) ([]string, error)
}

// immutable once installed. A warm builds a fresh set and swaps the
// agent's entry, so readers never observe a torn half-updated set.
type agentPermissions struct {
	read   map[string]bool
	insert map[string]bool
	update map[string]bool
	delete map[string]bool
}

func (self *agentPermissions) has(permission Permission, syncGroup string) bool {
	switch permission {
	case PermissionRead:
		return self.read[syncGroup]
	case PermissionInsert:
		return self.insert[syncGroup]
	case PermissionUpdate:
		return self.update[syncGroup]
	case PermissionDelete:
		return self.delete[syncGroup]
	}
	return false
}

// per-agent, per-sync-group permission cache warmed on demand from the
// backing store. An agent with no entry has no permissions (fail closed);
// use IsWarmed to tell a cold miss from an authoritative false.
type AclCache struct {
	store PermissionStore

	mutex  sync.RWMutex
	agents map[string]*agentPermissions
}

func NewAclCache(store PermissionStore) *AclCache {
	return &AclCache{
		store:  store,
		agents: map[string]*agentPermissions{},
	}
}

// issues the four dimension lookups and atomically replaces the agent's
// entry. Lookups run outside the lock, so a warm for one agent does not
// serialize with reads for unrelated agents.
func (self *AclCache) Warm(ctx context.Context, agentId string) error {
	read, err := self.store.ReadableGroups(ctx, agentId)
	if err != nil {
		return fmt.Errorf("warm %s read: %w", agentId, err)
	}
	insert, err := self.store.InsertableGroups(ctx, agentId)
	if err != nil {
		return fmt.Errorf("warm %s insert: %w", agentId, err)
	}
	update, err := self.store.UpdatableGroups(ctx, agentId)
	if err != nil {
		return fmt.Errorf("warm %s update: %w", agentId, err)
	}
	delete, err := self.store.DeletableGroups(ctx, agentId)
	if err != nil {
		return fmt.Errorf("warm %s delete: %w", agentId, err)
	}

	permissions := &agentPermissions{
		read:   toSet(read),
		insert: toSet(insert),
		update: toSet(update),
		delete: toSet(delete),
	}

	self.mutex.Lock()
	self.agents[agentId] = permissions
	self.mutex.Unlock()

	glog.V(1).Infof("[acl]warmed %s read=%d insert=%d update=%d delete=%d\n",
		agentId, len(read), len(insert), len(update), len(delete))
	return nil
}

func (self *AclCache) IsWarmed(agentId string) bool {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	_, ok := self.agents[agentId]
	return ok
}

func (self *AclCache) Can(agentId string, permission Permission, syncGroup string) bool {
	self.mutex.RLock()
	permissions := self.agents[agentId]
	self.mutex.RUnlock()
	if permissions == nil {
		// never warmed. fail closed
		return false
	}
	return permissions.has(permission, syncGroup)
}

func (self *AclCache) CanRead(agentId string, syncGroup string) bool {
	return self.Can(agentId, PermissionRead, syncGroup)
}

func (self *AclCache) CanInsert(agentId string, syncGroup string) bool {
	return self.Can(agentId, PermissionInsert, syncGroup)
}

func (self *AclCache) CanUpdate(agentId string, syncGroup string) bool {
	return self.Can(agentId, PermissionUpdate, syncGroup)
}

func (self *AclCache) CanDelete(agentId string, syncGroup string) bool {
	return self.Can(agentId, PermissionDelete, syncGroup)
}

func (self *AclCache) ReadableGroups(agentId string) []string {
	self.mutex.RLock()
	permissions := self.agents[agentId]
	self.mutex.RUnlock()
	if permissions == nil {
		return nil
	}
	groups := make([]string, 0, len(permissions.read))
	for group := range permissions.read {
		groups = append(groups, group)
	}
	return groups
}

// consumes role-change notifications and re-warms exactly the named
// agent. Agents the cache has never seen are ignored; they will be
// warmed on first use. Runs until the stream ends or ctx is done.
func (self *AclCache) ListenRoleChanges(ctx context.Context, stream RoleChangeStream) {
	for {
		change, err := stream.Next(ctx)
		if err != nil {
			glog.V(1).Infof("[acl]role change stream ended = %s\n", err)
			return
		}
		if change.AgentId == "" {
			continue
		}
		if !self.IsWarmed(change.AgentId) {
			continue
		}
		if err := self.Warm(ctx, change.AgentId); err != nil {
			glog.Infof("[acl]re-warm error %s = %s\n", change.AgentId, err)
		}
	}
}

func toSet(groups []string) map[string]bool {
	set := make(map[string]bool, len(groups))
	for _, group := range groups {
		set[group] = true
	}
	return set
}
