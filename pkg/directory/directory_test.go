package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testEntries() []Entry {
	return []Entry{
		{ID: "writer", Group: "blog-agents", Host: "http://localhost:3211", HostingProxyID: "proxy-west"},
		{ID: "critic", Group: "blog-agents", HostingProxyID: "proxy-east"},
		{ID: "indexer", Group: "search-agents", Host: "http://localhost:3212", HostingProxyID: "proxy-west"},
	}
}

func TestNewValidation(t *testing.T) {
	hosted := map[string][]string{"blog-agents": {"writer"}}

	dir, err := New("proxy-west", testEntries(), hosted)
	assert.NoError(t, err)
	assert.NotNil(t, dir)

	_, err = New("proxy-west", []Entry{{Group: "g", HostingProxyID: "p"}}, nil)
	assert.Error(t, err, "entry without id")

	_, err = New("proxy-west", []Entry{{ID: "a", HostingProxyID: "p"}}, nil)
	assert.Error(t, err, "entry without group")

	_, err = New("proxy-west", []Entry{{ID: "a", Group: "g"}}, nil)
	assert.Error(t, err, "entry without hosting proxy")

	dup := append(testEntries(), Entry{ID: "writer", Group: "blog-agents", HostingProxyID: "proxy-west"})
	_, err = New("proxy-west", dup, nil)
	assert.Error(t, err, "duplicate entry")

	_, err = New("proxy-west", testEntries(), map[string][]string{"blog-agents": {"ghost"}})
	assert.Error(t, err, "hosted agent missing from directory")

	_, err = New("proxy-west", testEntries(), map[string][]string{"search-agents": {"writer"}})
	assert.Error(t, err, "hosted agent under the wrong group")
}

func TestIsLocal(t *testing.T) {
	dir, err := New("proxy-west", testEntries(), map[string][]string{
		"blog-agents":   {"writer"},
		"search-agents": {"indexer"},
	})
	assert.NoError(t, err)

	assert.True(t, dir.IsLocal("writer"))
	assert.True(t, dir.IsLocal("indexer"))
	assert.False(t, dir.IsLocal("critic"), "hosted elsewhere")
	assert.False(t, dir.IsLocal("ghost"), "unknown agent")
}

func TestIsLocalRequiresHostAndMatchingProxy(t *testing.T) {
	entries := []Entry{
		// Listed as hosted but with no reachable host.
		{ID: "broken", Group: "g", HostingProxyID: "proxy-west"},
		// Host set but the hosting proxy id points elsewhere.
		{ID: "foreign", Group: "g", Host: "http://localhost:9", HostingProxyID: "proxy-east"},
	}
	dir, err := New("proxy-west", entries, map[string][]string{"g": {"broken", "foreign"}})
	assert.NoError(t, err)

	assert.False(t, dir.IsLocal("broken"))
	assert.False(t, dir.IsLocal("foreign"))
}

func TestLookups(t *testing.T) {
	dir, err := New("proxy-west", testEntries(), map[string][]string{
		"blog-agents":   {"writer"},
		"search-agents": {"indexer"},
	})
	assert.NoError(t, err)

	entry, ok := dir.Get("critic")
	assert.True(t, ok)
	assert.Equal(t, "proxy-east", entry.HostingProxyID)

	_, ok = dir.Get("ghost")
	assert.False(t, ok)

	group, ok := dir.GroupOf("writer")
	assert.True(t, ok)
	assert.Equal(t, "blog-agents", group)

	assert.Equal(t, []string{"blog-agents", "search-agents"}, dir.HostedGroups())
	assert.Equal(t, []string{"blog-agents", "search-agents"}, dir.Groups())
	assert.Equal(t, 2, dir.HostedCount())

	hosted := dir.Hosted("blog-agents")
	assert.Len(t, hosted, 1)
	assert.Equal(t, "writer", hosted[0].ID)
}

func TestCardEndpointDefault(t *testing.T) {
	assert.Equal(t, "/.well-known/agent.json", Entry{}.CardEndpoint())
	assert.Equal(t, "/card", Entry{AgentCardEndpoint: "/card"}.CardEndpoint())
}
