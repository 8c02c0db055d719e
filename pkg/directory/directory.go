package directory

// The agent directory is the proxy's routing table: agent id to location.
// It is built once at start-up from the configured registry and never
// mutated, so reads take no locks. Rebuilding requires a proxy restart.

import (
	"fmt"
	"sort"
)

/*
Entry describes one agent in the network. Host is empty for agents hosted
behind another proxy.
*/
type Entry struct {
	ID                string   `json:"id" mapstructure:"id"`
	Group             string   `json:"group" mapstructure:"group"`
	Host              string   `json:"host,omitempty" mapstructure:"host"`
	HostingProxyID    string   `json:"proxyId" mapstructure:"proxyId"`
	Capabilities      []string `json:"capabilities,omitempty" mapstructure:"capabilities"`
	AgentCardEndpoint string   `json:"agentCardEndpoint,omitempty" mapstructure:"agentCardEndpoint"`
}

// CardEndpoint returns the agent's card path, defaulting to the well-known
// location.
func (e Entry) CardEndpoint() string {
	if e.AgentCardEndpoint == "" {
		return "/.well-known/agent.json"
	}
	return e.AgentCardEndpoint
}

type Directory struct {
	proxyID string
	entries map[string]Entry
	hosted  map[string]struct{}
}

/*
New builds the directory for one proxy. hosted maps group name to the agent
ids this proxy serves; an agent is local only when it appears there, its
hosting proxy id matches, and it has a reachable host.
*/
func New(proxyID string, entries []Entry, hosted map[string][]string) (*Directory, error) {
	dir := &Directory{
		proxyID: proxyID,
		entries: make(map[string]Entry, len(entries)),
		hosted:  make(map[string]struct{}),
	}

	for _, entry := range entries {
		if entry.ID == "" {
			return nil, fmt.Errorf("directory entry without id")
		}
		if entry.Group == "" {
			return nil, fmt.Errorf("directory entry %s without group", entry.ID)
		}
		if entry.HostingProxyID == "" {
			return nil, fmt.Errorf("directory entry %s without hosting proxy", entry.ID)
		}
		if _, dup := dir.entries[entry.ID]; dup {
			return nil, fmt.Errorf("duplicate directory entry %s", entry.ID)
		}
		dir.entries[entry.ID] = entry
	}

	for group, ids := range hosted {
		for _, id := range ids {
			entry, ok := dir.entries[id]
			if !ok {
				return nil, fmt.Errorf("hosted agent %s not in directory", id)
			}
			if entry.Group != group {
				return nil, fmt.Errorf("hosted agent %s listed under group %s but belongs to %s", id, group, entry.Group)
			}
			dir.hosted[id] = struct{}{}
		}
	}

	return dir, nil
}

// Get looks up an agent by id.
func (dir *Directory) Get(id string) (Entry, bool) {
	entry, ok := dir.entries[id]
	return entry, ok
}

// IsLocal reports whether this proxy forwards to the agent directly over
// HTTP instead of crossing the bus.
func (dir *Directory) IsLocal(id string) bool {
	entry, ok := dir.entries[id]
	if !ok {
		return false
	}
	if _, hosted := dir.hosted[id]; !hosted {
		return false
	}
	return entry.HostingProxyID == dir.proxyID && entry.Host != ""
}

// GroupOf returns the agent's group.
func (dir *Directory) GroupOf(id string) (string, bool) {
	entry, ok := dir.entries[id]
	return entry.Group, ok
}

// HostedGroups returns the sorted set of groups with at least one agent
// hosted behind this proxy.
func (dir *Directory) HostedGroups() []string {
	seen := map[string]struct{}{}
	for id := range dir.hosted {
		seen[dir.entries[id].Group] = struct{}{}
	}
	groups := make([]string, 0, len(seen))
	for group := range seen {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// Hosted returns the agents of a group hosted behind this proxy, sorted by
// id.
func (dir *Directory) Hosted(group string) []Entry {
	var entries []Entry
	for id := range dir.hosted {
		entry := dir.entries[id]
		if entry.Group == group {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// HostedCount returns how many agents this proxy hosts across all groups.
func (dir *Directory) HostedCount() int { return len(dir.hosted) }

// Groups returns every group named in the directory, sorted.
func (dir *Directory) Groups() []string {
	seen := map[string]struct{}{}
	for _, entry := range dir.entries {
		seen[entry.Group] = struct{}{}
	}
	groups := make([]string, 0, len(seen))
	for group := range seen {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}
