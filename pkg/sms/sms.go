// Package sms implements SmsEngine (spec.md §4.4): inbound-signal intake,
// outbound send, Webhook forwarding and the maintenance loop, grounded on
// system/sms.c. Webhook delivery is reimplemented over net/http instead of
// shelling out to curl against a temp file (see spec.md §9's Open Question
// resolution); the outcome-classification vocabulary (`curl:`,
// `Could not resolve`, `Connection refused`, `Connection timed out`) is kept
// so stored webhook logs remain readable the same way.
package sms

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/oem5g/gatewayd/pkg/bus"
	"github.com/oem5g/gatewayd/pkg/store"
	"github.com/oem5g/gatewayd/pkg/util"
)

const (
	ifaceMessageManager = "org.ofono.MessageManager"

	webhookTimeout     = 10 * time.Second
	sendTimeout        = 15 * time.Second
	maintenanceInterval = 30 * time.Second

	maxWebhookLogs = 100

	cnmiEnable  = "AT+CNMI=3,2,0,1,0"
	cnmiDisable = "AT+CNMI=3,1,0,1,0"
)

// InboxMessage is a persisted inbound SMS (sms_inbox table).
type InboxMessage struct {
	ID        int64     `db:"id" json:"id"`
	Sender    string    `db:"sender" json:"sender"`
	Content   string    `db:"content" json:"content"`
	Read      bool      `db:"read" json:"read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SentMessage is a persisted outbound SMS (sms_sent table).
type SentMessage struct {
	ID        int64     `db:"id" json:"id"`
	Recipient string    `db:"recipient" json:"recipient"`
	Content   string    `db:"content" json:"content"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// WebhookConfig is the singleton sms_webhook_config row.
type WebhookConfig struct {
	Enabled  bool   `db:"enabled" json:"enabled"`
	Platform string `db:"platform" json:"platform"`
	URL      string `db:"url" json:"url"`
	Body     string `db:"body" json:"body"`
	Headers  string `db:"headers" json:"headers"`
}

// WebhookLogEntry is one delivery attempt, kept only in the in-memory ring.
type WebhookLogEntry struct {
	ID        int       `json:"id"`
	Sender    string    `json:"sender"`
	Request   string    `json:"request"`
	Response  string    `json:"response"`
	Result    int       `json:"result"` // 1 success, 0 failure
	CreatedAt time.Time `json:"created_at"`
}

// ATExecutor is the subset of *modem.Modem the maintenance loop needs to
// re-apply the CNMI "SMS fix" without importing pkg/modem (which would
// create a cycle, since modem never depends on sms).
type ATExecutor interface {
	ExecuteAT(ctx context.Context, cmd string) (string, error)
}

// Engine owns sms_inbox/sms_sent/sms_config/sms_webhook_config and the
// in-memory webhook log ring.
type Engine struct {
	store *store.Store
	bus   *bus.Client
	modem ATExecutor

	modemPath dbus.ObjectPath

	mu        sync.Mutex
	maxInbox  int
	maxSent   int
	fixOn     bool

	webhookMu sync.Mutex
	logRing   []WebhookLogEntry
	logSeq    int

	sub        *bus.Subscription
	nameCh     <-chan bool
	httpClient *http.Client
}

// New constructs an Engine. maxInbox/maxSent come from sms_config and
// default to 50/10 when the table has no row yet (spec.md §3).
func New(s *store.Store, b *bus.Client, modem ATExecutor, modemPath dbus.ObjectPath) *Engine {
	return &Engine{
		store:     s,
		bus:       b,
		modem:     modem,
		modemPath: modemPath,
		maxInbox:  50,
		maxSent:   10,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

// Start subscribes to MessageManager.IncomingMessage, arms the daemon name
// watch, and launches the maintenance loop.
func (e *Engine) Start(ctx context.Context) error {
	e.loadConfig(ctx)

	sub, err := e.bus.Subscribe(ifaceMessageManager, "IncomingMessage", "")
	if err != nil {
		return fmt.Errorf("sms: subscribe IncomingMessage: %w", err)
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()

	nameCh, err := e.bus.WatchName("org.ofono")
	if err != nil {
		return fmt.Errorf("sms: watch daemon name: %w", err)
	}
	e.nameCh = nameCh

	go e.intakeLoop(ctx)
	go e.maintenanceLoop(ctx)
	return nil
}

func (e *Engine) loadConfig(ctx context.Context) {
	var cfg struct {
		MaxInbox int  `db:"max_inbox"`
		MaxSent  int  `db:"max_sent"`
		FixOn    bool `db:"fix_enabled"`
	}
	err := e.store.DB().GetContext(ctx, &cfg, `SELECT max_inbox, max_sent, fix_enabled FROM sms_config WHERE id=1`)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.maxInbox, e.maxSent, e.fixOn = cfg.MaxInbox, cfg.MaxSent, cfg.FixOn
	e.mu.Unlock()
}

func (e *Engine) intakeLoop(ctx context.Context) {
	for {
		e.mu.Lock()
		sub := e.sub
		e.mu.Unlock()
		if sub == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sub.C:
			if !ok {
				return
			}
			e.handleIncoming(ctx, sig)
		}
	}
}

// handleIncoming decodes the "(s, a{sv})" IncomingMessage body, persists
// it, and fires the Webhook asynchronously if configured.
func (e *Engine) handleIncoming(ctx context.Context, sig *dbus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	body, _ := sig.Body[0].(string)
	info, _ := sig.Body[1].(map[string]dbus.Variant)
	sender, _ := info["Sender"].Value().(string)

	msg, err := e.storeInbound(ctx, sender, body)
	if err != nil {
		log.Printf("[sms] persist inbound from %s: %v", sender, err)
		return
	}

	cfg, err := e.WebhookConfig(ctx)
	if err == nil && cfg.Enabled && cfg.URL != "" {
		go e.deliverWebhook(cfg, msg)
	}
}

func (e *Engine) storeInbound(ctx context.Context, sender string, content string) (InboxMessage, error) {
	e.mu.Lock()
	maxInbox := e.maxInbox
	e.mu.Unlock()

	res, err := e.store.DB().ExecContext(ctx,
		`INSERT INTO sms_inbox (sender, content, read, created_at) VALUES (?, ?, 0, CURRENT_TIMESTAMP)`,
		sender, []byte(content))
	if err != nil {
		return InboxMessage{}, err
	}
	id, _ := res.LastInsertId()

	e.store.DB().ExecContext(ctx,
		`DELETE FROM sms_inbox WHERE id NOT IN (SELECT id FROM sms_inbox ORDER BY id DESC LIMIT ?)`, maxInbox)

	return InboxMessage{ID: id, Sender: sender, Content: content}, nil
}

// ListInbox returns the most recent inbound messages, newest first.
func (e *Engine) ListInbox(ctx context.Context, limit int) ([]InboxMessage, error) {
	var out []InboxMessage
	err := e.store.DB().SelectContext(ctx, &out,
		`SELECT id, sender, content, read, created_at FROM sms_inbox ORDER BY id DESC LIMIT ?`, limit)
	return out, err
}

// MarkRead flags an inbox message as read.
func (e *Engine) MarkRead(ctx context.Context, id int64) error {
	res, err := e.store.DB().ExecContext(ctx, `UPDATE sms_inbox SET read=1 WHERE id=?`, id)
	return store.CheckZeroRowsAffected(res, err)
}

// DeleteInbox removes one inbox message by id.
func (e *Engine) DeleteInbox(ctx context.Context, id int64) error {
	res, err := e.store.DB().ExecContext(ctx, `DELETE FROM sms_inbox WHERE id=?`, id)
	return store.CheckZeroRowsAffected(res, err)
}

// Send transmits recipient/content via MessageManager.SendMessage and
// records the outcome in sms_sent, evicting beyond maxSent.
func (e *Engine) Send(ctx context.Context, recipient, content string) (SentMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	status := "sent"
	err := e.bus.Call(ctx, e.modemPath, ifaceMessageManager, "SendMessage", []interface{}{recipient, content})
	if err != nil {
		status = "failed"
	}

	e.mu.Lock()
	maxSent := e.maxSent
	e.mu.Unlock()

	res, derr := e.store.DB().ExecContext(context.Background(),
		`INSERT INTO sms_sent (recipient, content, status, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		recipient, []byte(content), status)
	if derr != nil {
		if err != nil {
			return SentMessage{}, err
		}
		return SentMessage{}, derr
	}
	id, _ := res.LastInsertId()

	e.store.DB().Exec(`DELETE FROM sms_sent WHERE id NOT IN (SELECT id FROM sms_sent ORDER BY id DESC LIMIT ?)`, maxSent)

	out := SentMessage{ID: id, Recipient: recipient, Content: content, Status: status}
	if err != nil {
		return out, fmt.Errorf("sms: SendMessage: %w", err)
	}
	return out, nil
}

// ListSent returns the most recent outbound messages, newest first.
func (e *Engine) ListSent(ctx context.Context, limit int) ([]SentMessage, error) {
	var out []SentMessage
	err := e.store.DB().SelectContext(ctx, &out,
		`SELECT id, recipient, content, status, created_at FROM sms_sent ORDER BY id DESC LIMIT ?`, limit)
	return out, err
}

// WebhookConfig reads the singleton webhook configuration row.
func (e *Engine) WebhookConfig(ctx context.Context) (WebhookConfig, error) {
	var cfg WebhookConfig
	err := e.store.DB().GetContext(ctx, &cfg,
		`SELECT enabled, platform, url, body, headers FROM sms_webhook_config WHERE id=1`)
	if err == sql.ErrNoRows {
		return WebhookConfig{}, nil
	}
	return cfg, err
}

// SaveWebhookConfig upserts the singleton webhook configuration row.
func (e *Engine) SaveWebhookConfig(ctx context.Context, cfg WebhookConfig) error {
	_, err := e.store.DB().ExecContext(ctx,
		`INSERT INTO sms_webhook_config (id, enabled, platform, url, body, headers) VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET enabled=excluded.enabled, platform=excluded.platform,
		   url=excluded.url, body=excluded.body, headers=excluded.headers`,
		cfg.Enabled, cfg.Platform, cfg.URL, cfg.Body, cfg.Headers)
	return err
}

// TestWebhook forces one delivery attempt regardless of Enabled, using a
// synthetic message, mirroring sms_test_webhook's force=1 call.
func (e *Engine) TestWebhook(ctx context.Context) (WebhookLogEntry, error) {
	cfg, err := e.WebhookConfig(ctx)
	if err != nil {
		return WebhookLogEntry{}, err
	}
	if cfg.URL == "" {
		return WebhookLogEntry{}, fmt.Errorf("sms: webhook url not configured")
	}
	msg := InboxMessage{Sender: "+10000000000", Content: "test message"}
	e.deliverWebhook(cfg, msg)

	e.webhookMu.Lock()
	defer e.webhookMu.Unlock()
	if len(e.logRing) == 0 {
		return WebhookLogEntry{}, fmt.Errorf("sms: delivery produced no log entry")
	}
	return e.logRing[len(e.logRing)-1], nil
}

// deliverWebhook substitutes cfg.Body's template, POSTs it, classifies the
// outcome and appends to the ring. The outcome rule (spec.md §4.4) is:
// success iff the response is non-empty and contains none of the
// client-side error markers below.
func (e *Engine) deliverWebhook(cfg WebhookConfig, msg InboxMessage) {
	vars := map[string]string{
		"sender":  msg.Sender,
		"content": msg.Content,
		"time":    time.Now().Format(time.RFC3339),
	}
	body := util.Substitute(cfg.Body, vars)

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, strings.NewReader(body))
	if err != nil {
		e.appendWebhookLog(msg.Sender, body, "curl: (3) URL malformed: "+err.Error(), 0)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for _, line := range strings.Split(cfg.Headers, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			req.Header.Set(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}

	resp, err := e.httpClient.Do(req)
	response, result := classifyWebhookOutcome(resp, err)
	if resp != nil {
		resp.Body.Close()
	}
	e.appendWebhookLog(msg.Sender, body, response, result)
}

// classifyWebhookOutcome maps net/http's own transport errors onto the
// curl-flavoured marker vocabulary system/sms.c's callers already expect in
// stored logs, so old log readers and the six end-to-end scenarios keep
// working unchanged.
func classifyWebhookOutcome(resp *http.Response, err error) (response string, result int) {
	if err != nil {
		msg := err.Error()
		switch {
		case isDNSError(err):
			return "curl: (6) Could not resolve host", 0
		case isConnRefused(err):
			return "curl: (7) Connection refused", 0
		case isTimeout(err):
			return "curl: (28) Connection timed out", 0
		default:
			return "curl: (1) " + msg, 0
		}
	}

	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	response = string(buf)
	if response == "" {
		return "", 0
	}
	for _, marker := range []string{"curl:", "Could not resolve", "Connection refused", "Connection timed out"} {
		if strings.Contains(response, marker) {
			return response, 0
		}
	}
	return response, 1
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	for e := err; e != nil; {
		if x, ok := e.(*net.DNSError); ok {
			dnsErr = x
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return dnsErr != nil
}

func isConnRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}

func isTimeout(err error) bool {
	var ne net.Error
	for e := err; e != nil; {
		if x, ok := e.(net.Error); ok {
			ne = x
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return ne != nil && ne.Timeout()
}

func (e *Engine) appendWebhookLog(sender, request, response string, result int) {
	e.webhookMu.Lock()
	defer e.webhookMu.Unlock()
	e.logSeq++
	entry := WebhookLogEntry{ID: e.logSeq, Sender: sender, Request: request, Response: response, Result: result, CreatedAt: time.Now()}
	e.logRing = append(e.logRing, entry)
	if len(e.logRing) > maxWebhookLogs {
		e.logRing = e.logRing[len(e.logRing)-maxWebhookLogs:]
	}
}

// WebhookLogs returns the in-memory ring, newest first.
func (e *Engine) WebhookLogs() []WebhookLogEntry {
	e.webhookMu.Lock()
	defer e.webhookMu.Unlock()
	out := make([]WebhookLogEntry, len(e.logRing))
	for i, entry := range e.logRing {
		out[len(e.logRing)-1-i] = entry
	}
	return out
}

// Config is the sms_config singleton row, exposed for /api/sms/config.
type Config struct {
	MaxInbox   int  `db:"max_inbox" json:"max_inbox"`
	MaxSent    int  `db:"max_sent" json:"max_sent"`
	FixEnabled bool `db:"fix_enabled" json:"fix_enabled"`
}

// GetConfig returns the current inbox/sent caps and fix-enabled state.
func (e *Engine) GetConfig(ctx context.Context) (Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Config{MaxInbox: e.maxInbox, MaxSent: e.maxSent, FixEnabled: e.fixOn}, nil
}

// SaveConfig clamps maxInbox to [10,150] and maxSent to [1,50] (spec.md
// §6) and persists both.
func (e *Engine) SaveConfig(ctx context.Context, maxInbox, maxSent int) error {
	if maxInbox < 10 {
		maxInbox = 10
	} else if maxInbox > 150 {
		maxInbox = 150
	}
	if maxSent < 1 {
		maxSent = 1
	} else if maxSent > 50 {
		maxSent = 50
	}

	e.mu.Lock()
	e.maxInbox, e.maxSent = maxInbox, maxSent
	fixOn := e.fixOn
	e.mu.Unlock()

	_, err := e.store.DB().ExecContext(ctx,
		`INSERT INTO sms_config (id, max_inbox, max_sent, fix_enabled) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET max_inbox=excluded.max_inbox, max_sent=excluded.max_sent`,
		maxInbox, maxSent, fixOn)
	return err
}

// SetFixEnabled toggles the CNMI "SMS fix" AT command and persists the
// choice so the maintenance loop re-applies it after a daemon restart.
func (e *Engine) SetFixEnabled(ctx context.Context, enabled bool) error {
	cmd := cnmiDisable
	if enabled {
		cmd = cnmiEnable
	}
	if _, err := e.modem.ExecuteAT(ctx, cmd); err != nil {
		return fmt.Errorf("sms: apply CNMI fix: %w", err)
	}

	e.mu.Lock()
	e.fixOn = enabled
	e.mu.Unlock()

	_, err := e.store.DB().ExecContext(ctx,
		`INSERT INTO sms_config (id, max_inbox, max_sent, fix_enabled) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET fix_enabled=excluded.fix_enabled`,
		e.maxInbox, e.maxSent, enabled)
	return err
}

// maintenanceLoop is spec.md §4.4's ~30s health check: verify the bus
// connection is open and the subscription is live; on daemon vanish drop
// the subscription, on appear resubscribe and re-apply the CNMI fix.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	t := time.NewTicker(maintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case appeared, ok := <-e.nameCh:
			if !ok {
				return
			}
			if appeared {
				e.resubscribe(ctx)
			} else {
				e.dropSubscription()
			}
		case <-t.C:
			e.mu.Lock()
			sub := e.sub
			e.mu.Unlock()
			if !e.bus.Connected() || sub == nil {
				if err := e.bus.Connect(); err != nil {
					log.Printf("[sms] maintenance reconnect: %v", err)
					continue
				}
				e.resubscribe(ctx)
			}
		}
	}
}

// resubscribe re-arms the IncomingMessage subscription after a daemon
// vanish/reappear cycle and relaunches intakeLoop, since the previous
// intakeLoop already exited when dropSubscription closed its channel.
func (e *Engine) resubscribe(ctx context.Context) {
	sub, err := e.bus.Subscribe(ifaceMessageManager, "IncomingMessage", "")
	if err != nil {
		log.Printf("[sms] resubscribe IncomingMessage: %v", err)
		return
	}
	e.mu.Lock()
	e.sub = sub
	fixOn := e.fixOn
	e.mu.Unlock()

	go e.intakeLoop(ctx)

	if fixOn {
		if _, err := e.modem.ExecuteAT(ctx, cnmiEnable); err != nil {
			log.Printf("[sms] re-apply CNMI fix after daemon restart: %v", err)
		}
	}
}

func (e *Engine) dropSubscription() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub != nil {
		e.bus.Unsubscribe(sub)
	}
}
