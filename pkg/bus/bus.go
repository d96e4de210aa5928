// Package bus is a thin adapter over the system message bus (D-Bus), used
// by pkg/modem, pkg/databearer, pkg/sms and pkg/apn to talk to the cellular
// daemon. It owns exactly one bus connection, a single dispatcher goroutine
// that drains every inbound signal and fans it out to per-subscription
// channels (spec.md §5/§9 "signal callbacks as tasks" — callbacks never do
// blocking work, they hand the signal to a channel a worker drains), and
// reconnect logic triggered by BusClient's own callers.
package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// Signal is the internal representation handed to subscribers: the raw
// *dbus.Signal plus the already-unwrapped "(s, a{sv})"-style body is left to
// callers, since each daemon interface wraps its payload differently.
type Signal = dbus.Signal

// Subscription is a live signal subscription. Receive from C until the
// subscription is passed to Client.Unsubscribe, which closes C.
type Subscription struct {
	id   int
	C    chan *Signal
	rule matchRule
}

type matchRule struct {
	iface  string
	member string
	path   dbus.ObjectPath
}

func (m matchRule) matches(sig *dbus.Signal) bool {
	ifaceOf, memberOf := splitSignalName(sig.Name)
	if m.iface != "" && m.iface != ifaceOf {
		return false
	}
	if m.member != "" && m.member != memberOf {
		return false
	}
	if m.path != "" && m.path != sig.Path {
		return false
	}
	return true
}

func splitSignalName(full string) (iface, member string) {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '.' {
			return full[:i], full[i+1:]
		}
	}
	return "", full
}

// Client is the shared BusClient. One instance is owned by main and passed
// into every component that needs it (spec.md §9 "global mutable state" —
// no package-level singleton).
type Client struct {
	mu   sync.Mutex
	conn *dbus.Conn

	dispatchCancel context.CancelFunc
	subsMu         sync.Mutex
	subs           map[int]*Subscription
	nextID         int

	nameWatchMu sync.Mutex
	nameWatches map[string][]chan bool // true=appeared, false=vanished
}

// New creates an unconnected Client. Call Connect before use.
func New() *Client {
	return &Client{
		subs:        make(map[int]*Subscription),
		nameWatches: make(map[string][]chan bool),
	}
}

// Connect establishes (or re-establishes) the system bus connection and
// (re)starts the dispatcher goroutine. Safe to call again after a
// disconnect; existing subscriptions are preserved across reconnects so
// callers only need to re-add D-Bus match rules, not recreate channels.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.Connected() {
		c.conn.Close()
		c.conn = nil
	}
	if c.conn != nil {
		return nil
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("bus: connect system bus: %w", err)
	}
	c.conn = conn

	sigCh := make(chan *dbus.Signal, 64)
	conn.Signal(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	c.dispatchCancel = cancel
	go c.dispatch(ctx, sigCh)

	// re-arm name-owner watches across reconnects.
	c.nameWatchMu.Lock()
	names := make([]string, 0, len(c.nameWatches))
	for n := range c.nameWatches {
		names = append(names, n)
	}
	c.nameWatchMu.Unlock()
	for _, n := range names {
		if err := c.addNameOwnerMatch(n); err != nil {
			log.Printf("[bus] re-arm name watch for %s failed: %v", n, err)
		}
	}

	return nil
}

// Connected reports whether the underlying connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.Connected()
}

// Close tears down the dispatcher and the bus connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dispatchCancel != nil {
		c.dispatchCancel()
	}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) dispatch(ctx context.Context, sigCh chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			if sig.Name == "org.freedesktop.DBus.NameOwnerChanged" {
				c.handleNameOwnerChanged(sig)
				continue
			}
			c.subsMu.Lock()
			for _, sub := range c.subs {
				if sub.rule.matches(sig) {
					select {
					case sub.C <- sig:
					default:
						log.Printf("[bus] subscriber channel full, dropping signal %s", sig.Name)
					}
				}
			}
			c.subsMu.Unlock()
		}
	}
}

// Subscribe adds a D-Bus match rule for (iface, member) on the given path
// (empty path matches any object) and returns a Subscription whose C
// channel receives every matching signal. Callbacks must not block; this is
// why delivery is a channel a worker goroutine drains, never a direct
// function call from the dispatcher.
func (c *Client) Subscribe(iface, member string, path dbus.ObjectPath) (*Subscription, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("bus: not connected")
	}

	opts := []dbus.MatchOption{dbus.WithMatchInterface(iface)}
	if member != "" {
		opts = append(opts, dbus.WithMatchMember(member))
	}
	if path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(path))
	}
	if err := conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("bus: add match: %w", err)
	}

	c.subsMu.Lock()
	c.nextID++
	sub := &Subscription{
		id:   c.nextID,
		C:    make(chan *Signal, 32),
		rule: matchRule{iface: iface, member: member, path: path},
	}
	c.subs[sub.id] = sub
	c.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes a subscription. The D-Bus match rule itself is left
// in place (removing per-rule match state precisely requires tracking
// reference counts across reconnects, which the simple dispatcher above
// does not need: an unmatched signal with no subscriber is just dropped).
func (c *Client) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.subsMu.Lock()
	delete(c.subs, sub.id)
	c.subsMu.Unlock()
	close(sub.C)
}

// Call invokes method on the object at path/iface with the given args and
// decodes the reply into dest (which should be pointers, as with
// dbus.Store). The call is bounded by ctx; callers pick the timeout
// (spec.md §5: bus calls default to 30s unless overridden).
func (c *Client) Call(ctx context.Context, path dbus.ObjectPath, iface, method string, args []interface{}, dest ...interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bus: not connected")
	}
	obj := conn.Object(serviceFor(iface), path)
	call := obj.CallWithContext(ctx, iface+"."+method, 0, args...)
	if call.Err != nil {
		return call.Err
	}
	if len(dest) > 0 {
		return call.Store(dest...)
	}
	return nil
}

// GetProperties calls the daemon's conventional GetProperties() method
// (oFono's own convention, not org.freedesktop.DBus.Properties) and returns
// the decoded {string: Variant} map.
func (c *Client) GetProperties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	if err := c.Call(ctx, path, iface, "GetProperties", nil, &props); err != nil {
		return nil, err
	}
	return props, nil
}

// SetProperty calls the daemon's conventional SetProperty(name, value).
func (c *Client) SetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string, value interface{}) error {
	return c.Call(ctx, path, iface, "SetProperty", []interface{}{name, dbus.MakeVariant(value)})
}

// WatchName registers interest in a well-known bus name's owner appearing
// or vanishing; the returned channel receives true on appear, false on
// vanish. Used by DataBearer and SmsEngine to detect the cellular daemon
// restarting (spec.md §4.3/§4.4).
func (c *Client) WatchName(name string) (<-chan bool, error) {
	c.nameWatchMu.Lock()
	ch := make(chan bool, 4)
	c.nameWatches[name] = append(c.nameWatches[name], ch)
	needsMatch := len(c.nameWatches[name]) == 1
	c.nameWatchMu.Unlock()

	if needsMatch {
		if err := c.addNameOwnerMatch(name); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

func (c *Client) addNameOwnerMatch(name string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bus: not connected")
	}
	return conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, name),
	)
}

func (c *Client) handleNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	c.nameWatchMu.Lock()
	chans := c.nameWatches[name]
	c.nameWatchMu.Unlock()

	appeared := oldOwner == "" && newOwner != ""
	vanished := oldOwner != "" && newOwner == ""
	if !appeared && !vanished {
		return
	}
	for _, ch := range chans {
		select {
		case ch <- appeared:
		default:
		}
	}
}

// serviceFor maps a D-Bus interface to its well-known service name. Every
// interface this daemon talks to belongs to the cellular daemon's
// "org.ofono" service (spec.md §6).
func serviceFor(iface string) string {
	return "org.ofono"
}

// DefaultTimeout is the bus call timeout spec.md §5 documents when a
// component does not override it.
const DefaultTimeout = 30 * time.Second
