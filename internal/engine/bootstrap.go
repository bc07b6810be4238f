package engine

import (
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/xmppconn/internal/iq"
	"github.com/meszmate/xmppconn/internal/xmpp/disco"
	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// bootstrap is the post-bind discovery round. gen invalidates callbacks of
// an earlier session; all fields are guarded by Connection.mu.
type bootstrap struct {
	gen     uint64
	pending int
	done    bool
	timer   *time.Timer

	carbonsInline bool
	carbons       bool
	blocking      bool
	commands      bool

	blocklist []jid.JID
	archiving string
}

// Blocklist returns the blocked JIDs fetched after login.
func (c *Connection) Blocklist() []jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]jid.JID(nil), c.boot.blocklist...)
}

// ArchivingDefault returns the archive default preference of the account,
// or "" when the server did not report one.
func (c *Connection) ArchivingDefault() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boot.archiving
}

// CarbonsEnabled reports whether message carbons were enabled in this session
func (c *Connection) CarbonsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boot.carbons
}

// startBootstrap queries the server and the account for their features. The
// account goes online once every counted query finished or the discovery
// timeout fired, whichever comes first.
func (c *Connection) startBootstrap() {
	c.disco.Clear()
	c.commands.Clear()

	c.mu.Lock()
	carbonsInline := c.boot.carbonsInline
	if c.boot.timer != nil {
		c.boot.timer.Stop()
	}
	c.boot = bootstrap{gen: c.boot.gen + 1, carbons: carbonsInline, carbonsInline: carbonsInline}
	gen := c.boot.gen
	itemsFirst := c.cfg.DiscoOrder == DiscoItemsFirst || (c.cfg.DiscoOrder == DiscoAuto && !c.account.LoggedInOnce)
	account := c.jid
	timeout := c.cfg.DiscoveryTimeout
	c.boot.timer = time.AfterFunc(timeout, func() { c.discoveryDone(gen, true) })
	c.mu.Unlock()

	server := account.Domain()
	bare := account.Bare()
	if itemsFirst {
		c.queryItems(gen, server)
		c.queryInfo(gen, server)
		c.queryInfo(gen, bare)
	} else {
		c.queryInfo(gen, server)
		c.queryInfo(gen, bare)
		c.queryItems(gen, server)
	}
	c.queryArchiving(gen)
}

// track sends a counted bootstrap query.
func (c *Connection) track(gen uint64, req *xmlstream.Element, handle func(iq.Result)) {
	c.mu.Lock()
	if c.boot.gen != gen {
		c.mu.Unlock()
		return
	}
	c.boot.pending++
	c.mu.Unlock()

	_, err := c.sendIQ(req, func(r iq.Result) {
		if c.current(gen) {
			handle(r)
		}
		c.settle(gen)
	})
	if err != nil {
		c.log.Debug("bootstrap query not sent", zap.Error(err))
	}
}

func (c *Connection) current(gen uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boot.gen == gen
}

func (c *Connection) settle(gen uint64) {
	c.mu.Lock()
	if c.boot.gen != gen {
		c.mu.Unlock()
		return
	}
	c.boot.pending--
	idle := c.boot.pending <= 0
	c.mu.Unlock()
	if idle {
		c.discoveryDone(gen, false)
	}
}

func (c *Connection) queryInfo(gen uint64, to jid.JID) {
	c.track(gen, disco.InfoQuery(to, ""), func(r iq.Result) {
		if !r.OK() {
			c.log.Debug("disco#info failed", zap.String("jid", to.String()), zap.Error(r.Err))
			return
		}
		info, err := disco.ParseInfo(r.Response)
		if err != nil {
			c.log.Debug("invalid disco#info", zap.String("jid", to.String()), zap.Error(err))
			return
		}
		c.disco.SetInfo(to, info)
		c.advancedFeatures(gen)
	})
}

func (c *Connection) queryItems(gen uint64, to jid.JID) {
	c.track(gen, disco.ItemsQuery(to, ""), func(r iq.Result) {
		if !r.OK() {
			return
		}
		items, err := disco.ParseItems(r.Response)
		if err != nil {
			c.log.Debug("invalid disco#items", zap.Error(err))
			return
		}
		c.disco.SetItems(to, items)
		for _, item := range items {
			if item.Node != "" {
				continue
			}
			c.queryInfo(gen, item.JID)
		}
	})
}

// queryArchiving reads the archive preferences. It is not counted since
// going online does not depend on it.
func (c *Connection) queryArchiving(gen uint64) {
	req, _ := stanza.NewQuery(stanza.IQGet, "", stanza.NSMAM, "prefs")
	_, _ = c.sendIQ(req, func(r iq.Result) {
		if !r.OK() || !c.current(gen) {
			return
		}
		def := r.Response.Child(stanza.NSMAM, "prefs").AttrValue("default")
		c.mu.Lock()
		c.boot.archiving = def
		c.mu.Unlock()
	})
}

// advancedFeatures runs once the server and the account were discovered.
// Each step is issued at most once per session.
func (c *Connection) advancedFeatures(gen uint64) {
	c.mu.RLock()
	account := c.jid
	c.mu.RUnlock()
	server, bare := account.Domain(), account.Bare()
	if !c.disco.HasInfo(server, bare) {
		return
	}

	c.mu.Lock()
	enableCarbons := !c.boot.carbons && c.disco.HasFeature(server, disco.FeatureCarbons)
	if enableCarbons {
		c.boot.carbons = true
	}
	fetchBlocklist := !c.boot.blocking && c.disco.HasFeature(server, disco.FeatureBlocking)
	if fetchBlocklist {
		c.boot.blocking = true
	}
	listCommands := !c.boot.commands && c.disco.HasFeature(server, disco.FeatureCommands)
	if listCommands {
		c.boot.commands = true
	}
	c.mu.Unlock()

	if enableCarbons {
		req, _ := stanza.NewQuery(stanza.IQSet, "", stanza.NSCarbons, "enable")
		c.track(gen, req, func(r iq.Result) {
			if !r.OK() {
				c.log.Info("failed to enable carbons")
				c.mu.Lock()
				c.boot.carbons = false
				c.mu.Unlock()
			}
		})
	}
	if fetchBlocklist {
		req, _ := stanza.NewQuery(stanza.IQGet, "", stanza.NSBlocking, "blocklist")
		c.track(gen, req, func(r iq.Result) {
			if !r.OK() {
				return
			}
			var list []jid.JID
			for _, item := range r.Response.Child(stanza.NSBlocking, "blocklist").ChildrenNamed(stanza.NSBlocking, "item") {
				j, err := jid.Parse(item.AttrValue("jid"))
				if err != nil {
					continue
				}
				list = append(list, j)
			}
			c.mu.Lock()
			c.boot.blocklist = list
			c.mu.Unlock()
		})
	}
	if listCommands {
		c.track(gen, disco.ItemsQuery(server, disco.CommandsNode), func(r iq.Result) {
			if !r.OK() {
				return
			}
			items, err := disco.ParseItems(r.Response)
			if err != nil {
				return
			}
			c.commands.Replace(items)
		})
	}
}

// discoveryDone puts the account online once per session. It may run on the
// watchdog timer's goroutine, so the generation is checked under onlineMu and
// a concurrent teardown waits until the handlers returned.
func (c *Connection) discoveryDone(gen uint64, timedOut bool) {
	c.onlineMu.Lock()
	defer c.onlineMu.Unlock()
	c.mu.Lock()
	if c.boot.gen != gen || c.boot.done {
		c.mu.Unlock()
		return
	}
	c.boot.done = true
	if c.boot.timer != nil {
		c.boot.timer.Stop()
	}
	pending := c.boot.pending
	c.mu.Unlock()
	if timedOut {
		c.log.Info("service discovery timed out", zap.Int("pending", pending))
	}
	c.online(false)
}

// online marks a bound session as established.
func (c *Connection) online(resumed bool) {
	c.mu.Lock()
	c.attempt = 0
	c.penalty = false
	first := !c.account.LoggedInOnce
	c.account.LoggedInOnce = true
	acct := c.account
	since := c.lastConnect
	handler := c.onBound
	c.mu.Unlock()

	if first {
		if err := c.store.PersistAccount(acct); err != nil {
			c.log.Warn("failed to persist account", zap.Error(err))
		}
	}
	c.setStatus(StatusOnline, nil)
	c.metrics.Online(acct.JID.Bare().String(), since)
	if handler != nil {
		handler(resumed)
	}
}

// stopBootstrap invalidates outstanding discovery of the ending session.
func (c *Connection) stopBootstrap() {
	c.onlineMu.Lock()
	defer c.onlineMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boot.timer != nil {
		c.boot.timer.Stop()
	}
	c.boot.gen++
	c.boot.carbonsInline = false
}
