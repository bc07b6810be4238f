package disco

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// Identity represents a disco identity
type Identity struct {
	Category string
	Type     string
	Name     string
	Lang     string
}

// Feature represents a disco feature
type Feature string

// Features the engine acts on after binding
const (
	FeatureInfo     Feature = "http://jabber.org/protocol/disco#info"
	FeatureItems    Feature = "http://jabber.org/protocol/disco#items"
	FeatureCarbons  Feature = "urn:xmpp:carbons:2"
	FeatureBlocking Feature = "urn:xmpp:blocking"
	FeatureCommands Feature = "http://jabber.org/protocol/commands"
)

// Info represents disco info response
type Info struct {
	Identities []Identity
	Features   []Feature
}

// Has reports whether info lists feature
func (i *Info) Has(feature Feature) bool {
	if i == nil {
		return false
	}
	for _, f := range i.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Item represents a disco item
type Item struct {
	JID  jid.JID
	Name string
	Node string
}

// Cache holds disco results for one connection, keyed by JID.
type Cache struct {
	mu    sync.RWMutex
	info  map[string]*Info
	items map[string][]Item
}

// NewCache creates a new disco cache
func NewCache() *Cache {
	return &Cache{
		info:  make(map[string]*Info),
		items: make(map[string][]Item),
	}
}

// SetInfo sets disco info for a JID
func (c *Cache) SetInfo(j jid.JID, info *Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info[j.String()] = info
}

// GetInfo gets disco info for a JID
func (c *Cache) GetInfo(j jid.JID) *Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info[j.String()]
}

// HasInfo reports whether info for every given JID has been cached.
func (c *Cache) HasInfo(jids ...jid.JID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, j := range jids {
		if _, ok := c.info[j.String()]; !ok {
			return false
		}
	}
	return true
}

// SetItems sets disco items for a JID
func (c *Cache) SetItems(j jid.JID, items []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[j.String()] = items
}

// GetItems gets disco items for a JID
func (c *Cache) GetItems(j jid.JID) []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items[j.String()]
}

// HasFeature checks if a JID supports a feature
func (c *Cache) HasFeature(j jid.JID, feature Feature) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info[j.String()].Has(feature)
}

// Len returns how many JIDs have cached info
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.info)
}

// Clear clears the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = make(map[string]*Info)
	c.items = make(map[string][]Item)
}

// Remove removes entries for a JID
func (c *Cache) Remove(j jid.JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.info, j.String())
	delete(c.items, j.String())
}
