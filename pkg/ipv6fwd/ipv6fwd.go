// Package ipv6fwd implements Ipv6Fwd (spec.md §4.5): rule CRUD, a
// goroutine-per-rule relay supervisor, firewall rule lifecycle and the
// periodic IPv6-address webhook reporter, grounded on
// system/ipv6_proxy.c. Each rule's forked proxy_rule_process child is
// replaced by a supervised goroutine running pkg/relay, since Go has no
// process boundary to cross for this.
package ipv6fwd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oem5g/gatewayd/pkg/relay"
	"github.com/oem5g/gatewayd/pkg/store"
	"github.com/oem5g/gatewayd/pkg/util"
)

const (
	maxRules         = 10
	maxSendLogs       = 30
	webhookTimeout    = 10 * time.Second
	reporterMaxRetry  = 30
	reporterRetryWait = 10 * time.Second
)

// Rule is one persisted forwarding rule (ipv6_rules table).
type Rule struct {
	ID        int64 `db:"id" json:"id"`
	LocalPort int   `db:"local_port" json:"local_port"`
	IPv6Port  int   `db:"ipv6_port" json:"ipv6_port"`
	Enabled   bool  `db:"enabled" json:"enabled"`
}

// Config is the singleton ipv6_config row.
type Config struct {
	Enabled             bool   `db:"enabled" json:"enabled"`
	AutoStart           bool   `db:"auto_start" json:"auto_start"`
	SendEnabled         bool   `db:"send_enabled" json:"send_enabled"`
	SendIntervalMinutes int    `db:"send_interval_minutes" json:"send_interval_minutes"`
	WebhookURL          string `db:"webhook_url" json:"webhook_url"`
	WebhookBodyTemplate string `db:"webhook_body_template" json:"webhook_body_template"`
	WebhookHeaders      string `db:"webhook_headers" json:"webhook_headers"`
}

// SendLogEntry is one webhook delivery attempt for the address reporter.
type SendLogEntry struct {
	ID        int       `json:"id"`
	IPv6Addr  string    `json:"ipv6_addr"`
	Content   string    `json:"content"`
	Response  string    `json:"response"`
	Result    int       `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// slot is the supervised-task entry for one running rule, the goroutine
// analogue of the original's PID table.
type slot struct {
	ruleID   int64
	ipv6Port int
	relay    *relay.Relay
}

// Manager owns ipv6_rules/ipv6_config and the running-rule slot table.
type Manager struct {
	store *store.Store

	mu      sync.Mutex
	slots   map[int64]*slot
	running bool

	logMu   sync.Mutex
	logRing []SendLogEntry
	logSeq  int

	reporterCancel context.CancelFunc
}

// New constructs a Manager bound to the shared store.
func New(s *store.Store) *Manager {
	return &Manager{store: s, slots: make(map[int64]*slot)}
}

// ListRules returns every persisted rule.
func (m *Manager) ListRules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	err := m.store.DB().SelectContext(ctx, &out, `SELECT id, local_port, ipv6_port, enabled FROM ipv6_rules ORDER BY id`)
	return out, err
}

// AddRule inserts a rule, capped at maxRules, using the driver's
// last-insert-rowid rather than a MAX(id)+1 proxy (spec.md §9 Open Question
// resolution).
func (m *Manager) AddRule(ctx context.Context, localPort, ipv6Port int, enabled bool) (int64, error) {
	var count int
	if err := m.store.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM ipv6_rules`); err != nil {
		return 0, err
	}
	if count >= maxRules {
		return 0, fmt.Errorf("ipv6fwd: at most %d rules", maxRules)
	}
	res, err := m.store.DB().ExecContext(ctx,
		`INSERT INTO ipv6_rules (local_port, ipv6_port, enabled, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		localPort, ipv6Port, enabled)
	if err != nil {
		return 0, store.ClassifyWriteErr(err)
	}
	return res.LastInsertId()
}

// DeleteRule removes a rule, stopping its slot first if running.
func (m *Manager) DeleteRule(ctx context.Context, id int64) error {
	m.stopSlot(id)
	res, err := m.store.DB().ExecContext(ctx, `DELETE FROM ipv6_rules WHERE id=?`, id)
	return store.CheckZeroRowsAffected(res, err)
}

// SetRuleEnabled toggles a rule and starts/stops its slot if the service is
// currently running.
func (m *Manager) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := m.store.DB().ExecContext(ctx, `UPDATE ipv6_rules SET enabled=? WHERE id=?`, enabled, id)
	if err := store.CheckZeroRowsAffected(res, err); err != nil {
		return err
	}

	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return nil
	}
	if enabled {
		var r Rule
		if err := m.store.DB().GetContext(ctx, &r, `SELECT id, local_port, ipv6_port, enabled FROM ipv6_rules WHERE id=?`, id); err == nil {
			m.startSlot(r)
		}
	} else {
		m.stopSlot(id)
	}
	return nil
}

// Start launches one relay goroutine per enabled rule and adds its
// ip6tables firewall rule, mirroring ipv6_proxy_start's fork loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	rules, err := m.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return fmt.Errorf("ipv6fwd: no forwarding rules configured")
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		m.startSlot(r)
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func (m *Manager) startSlot(r Rule) {
	rl := relay.New(net.JoinHostPort("::", strconv.Itoa(r.IPv6Port)), r.LocalPort)
	if err := rl.Start(); err != nil {
		return
	}
	m.mu.Lock()
	m.slots[r.ID] = &slot{ruleID: r.ID, ipv6Port: r.IPv6Port, relay: rl}
	m.mu.Unlock()

	addFirewallRule(r.IPv6Port)
}

func (m *Manager) stopSlot(id int64) {
	m.mu.Lock()
	s, ok := m.slots[id]
	delete(m.slots, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	removeFirewallRule(s.ipv6Port)
	s.relay.Stop()
}

// Stop tears down every running slot, removing firewall rules first so
// that lingering TCP connections close cleanly (spec.md §5 cancellation
// note), then stops each relay.
func (m *Manager) Stop() {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.slots = make(map[int64]*slot)
	m.running = false
	m.mu.Unlock()

	for _, s := range slots {
		removeFirewallRule(s.ipv6Port)
		s.relay.Stop()
	}
}

// Status reports whether the service is currently running and how many
// slots are active.
func (m *Manager) Status() (running bool, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, len(m.slots)
}

func addFirewallRule(port int) {
	p := strconv.Itoa(port)
	cmd := fmt.Sprintf("ip6tables -C INPUT -p tcp --dport %s -j ACCEPT 2>/dev/null || ip6tables -A INPUT -p tcp --dport %s -j ACCEPT", p, p)
	exec.Command("sh", "-c", cmd).Run()
}

func removeFirewallRule(port int) {
	p := strconv.Itoa(port)
	exec.Command("sh", "-c", fmt.Sprintf("ip6tables -D INPUT -p tcp --dport %s -j ACCEPT 2>/dev/null", p)).Run()
}

// GetConfig reads the singleton ipv6_config row, applying spec.md §3
// defaults if absent.
func (m *Manager) GetConfig(ctx context.Context) (Config, error) {
	cfg := Config{SendIntervalMinutes: 60}
	err := m.store.DB().GetContext(ctx, &cfg,
		`SELECT enabled, auto_start, send_enabled, send_interval_minutes, webhook_url, webhook_body_template, webhook_headers FROM ipv6_config WHERE id=1`)
	if err != nil {
		return Config{SendIntervalMinutes: 60}, nil
	}
	return cfg, nil
}

// SaveConfig upserts the singleton row. autoStart=true forces enabled=true,
// per spec.md §3's ApnConfig-equivalent invariant for Ipv6Config.
func (m *Manager) SaveConfig(ctx context.Context, cfg Config) error {
	if cfg.AutoStart {
		cfg.Enabled = true
	}
	_, err := m.store.DB().ExecContext(ctx,
		`INSERT INTO ipv6_config (id, enabled, auto_start, send_enabled, send_interval_minutes, webhook_url, webhook_body_template, webhook_headers)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET enabled=excluded.enabled, auto_start=excluded.auto_start,
		   send_enabled=excluded.send_enabled, send_interval_minutes=excluded.send_interval_minutes,
		   webhook_url=excluded.webhook_url, webhook_body_template=excluded.webhook_body_template,
		   webhook_headers=excluded.webhook_headers`,
		cfg.Enabled, cfg.AutoStart, cfg.SendEnabled, cfg.SendIntervalMinutes, cfg.WebhookURL, cfg.WebhookBodyTemplate, cfg.WebhookHeaders)
	return err
}

// StartReporter launches the periodic address-webhook timer described in
// spec.md §4.5/original's do_send_ipv6; it also fires once immediately
// (retrying) to match "posts once at process start if configured".
func (m *Manager) StartReporter(ctx context.Context) error {
	cfg, err := m.GetConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.SendEnabled || cfg.WebhookURL == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.reporterCancel != nil {
		m.reporterCancel()
	}
	m.reporterCancel = cancel
	m.mu.Unlock()

	go m.doSend(ctx, true)

	interval := time.Duration(cfg.SendIntervalMinutes) * time.Minute
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.doSend(ctx, true)
			}
		}
	}()
	return nil
}

// StopReporter cancels the periodic timer.
func (m *Manager) StopReporter() {
	m.mu.Lock()
	cancel := m.reporterCancel
	m.reporterCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// doSend implements do_send_ipv6: resolve the current global IPv6 address,
// build the webhook body, POST it, and on failure retry up to
// reporterMaxRetry times at reporterRetryWait intervals when retryOnFail.
func (m *Manager) doSend(ctx context.Context, retryOnFail bool) {
	attempts := 1
	if retryOnFail {
		attempts = reporterMaxRetry
	}

	util.RetryN(ctx, attempts, util.ConstantBackoff(reporterRetryWait), func() error {
		addr, err := currentGlobalIPv6()
		if err != nil {
			return err
		}
		if !m.sendOnce(ctx, addr) {
			return fmt.Errorf("ipv6fwd: webhook delivery did not succeed")
		}
		return nil
	})
}

func (m *Manager) sendOnce(ctx context.Context, addr string) bool {
	cfg, err := m.GetConfig(ctx)
	if err != nil || cfg.WebhookURL == "" {
		return false
	}

	rules, _ := m.ListRules(ctx)
	var ports []string
	var links []string
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		ports = append(ports, strconv.Itoa(r.IPv6Port))
		links = append(links, fmt.Sprintf("[%s]:%d", addr, r.IPv6Port))
	}

	vars := map[string]string{
		"ipv6":   addr,
		"sender": addr,
		"port":   strings.Join(ports, ","),
		"link":   strings.Join(links, "\n"),
		"time":   time.Now().Format(time.RFC3339),
	}
	body := util.Substitute(cfg.WebhookBodyTemplate, vars)

	ok, response := postWebhook(ctx, cfg.WebhookURL, body)
	m.appendSendLog(addr, body, response, ok)
	return ok
}

// postWebhook POSTs body to url and reports success iff the request
// completed and the response carries no client-side error marker,
// matching the outcome rule pkg/sms uses for its own webhook forwarder.
func postWebhook(ctx context.Context, url, body string) (ok bool, response string) {
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	response = string(buf)
	if response == "" {
		return false, response
	}
	for _, marker := range []string{"curl:", "Could not resolve", "Connection refused", "Connection timed out"} {
		if strings.Contains(response, marker) {
			return false, response
		}
	}
	return true, response
}

func currentGlobalIPv6() (string, error) {
	out, err := exec.Command("sh", "-c",
		"ip -6 addr show scope global | grep inet6 | awk '{print $2}' | cut -d'/' -f1 | head -n1").Output()
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(out))
	if addr == "" {
		return "", fmt.Errorf("ipv6fwd: no global IPv6 address assigned")
	}
	return addr, nil
}

func (m *Manager) appendSendLog(addr, content, response string, ok bool) {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.logSeq++
	result := 0
	if ok {
		result = 1
	}
	entry := SendLogEntry{ID: m.logSeq, IPv6Addr: addr, Content: content, Response: response, Result: result, CreatedAt: time.Now()}
	m.logRing = append(m.logRing, entry)
	if len(m.logRing) > maxSendLogs {
		m.logRing = m.logRing[len(m.logRing)-maxSendLogs:]
	}
}

// SendLogs returns the in-memory ring, newest first.
func (m *Manager) SendLogs() []SendLogEntry {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	out := make([]SendLogEntry, len(m.logRing))
	for i, entry := range m.logRing {
		out[len(m.logRing)-1-i] = entry
	}
	return out
}
