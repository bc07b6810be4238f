package disco

import (
	"sort"
	"sync"

	"mellium.im/xmpp/jid"
)

// CommandsNode is the disco#items node listing ad-hoc commands.
const CommandsNode = string(FeatureCommands)

// Commands maps ad-hoc command nodes to the JID that executes them.
type Commands struct {
	mu    sync.RWMutex
	nodes map[string]jid.JID
}

// NewCommands creates an empty directory
func NewCommands() *Commands {
	return &Commands{nodes: make(map[string]jid.JID)}
}

// Replace swaps the directory contents for the given items.
func (c *Commands) Replace(items []Item) {
	nodes := make(map[string]jid.JID, len(items))
	for _, it := range items {
		if it.Node != "" {
			nodes[it.Node] = it.JID
		}
	}
	c.mu.Lock()
	c.nodes = nodes
	c.mu.Unlock()
}

// Lookup returns the addressee of a command node
func (c *Commands) Lookup(node string) (jid.JID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.nodes[node]
	return j, ok
}

// Nodes returns the known command nodes in sorted order
func (c *Commands) Nodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.nodes))
	for n := range c.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Clear empties the directory
func (c *Commands) Clear() {
	c.mu.Lock()
	c.nodes = make(map[string]jid.JID)
	c.mu.Unlock()
}
