// Package apn implements ApnTemplate/ApnConfig persistence and the live
// ApnContext mirror (spec.md §4.3): named profiles are stored rows, but the
// context actually pushed into the cellular daemon is never cached here —
// every read goes straight over the bus, grounded on system/ofono.c's
// ofono_get_all_apn_contexts / ofono_set_apn_properties.
package apn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/oem5g/gatewayd/pkg/bus"
	"github.com/oem5g/gatewayd/pkg/store"
)

const (
	ifaceConnectionManager = "org.ofono.ConnectionManager"
	ifaceConnectionContext = "org.ofono.ConnectionContext"

	settleDelay = 500 * time.Millisecond

	maxTemplates = 16
)

// Template is a named, persisted APN profile a user can save and re-apply.
type Template struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	APN      string `db:"apn" json:"apn"`
	Protocol string `db:"protocol" json:"protocol"`
	Username string `db:"username" json:"username"`
	Password string `db:"password" json:"password"`
	AuthType string `db:"auth_type" json:"auth_type"`
}

// Context mirrors one "internet"-type ConnectionContext on the cellular
// daemon; it is always read live, never persisted.
type Context struct {
	Path     dbus.ObjectPath `json:"path"`
	Name     string          `json:"name"`
	Active   bool            `json:"active"`
	APN      string          `json:"apn"`
	Protocol string          `json:"protocol"`
	Username string          `json:"username"`
	Password string          `json:"password"`
	AuthType string          `json:"auth_type"`
}

// Manager owns the apn_templates/apn_config tables and talks to the
// cellular daemon for the live context.
type Manager struct {
	store *store.Store
	bus   *bus.Client
}

// New constructs a Manager bound to the shared store and bus client.
func New(s *store.Store, b *bus.Client) *Manager {
	return &Manager{store: s, bus: b}
}

// ListTemplates returns every saved APN template.
func (m *Manager) ListTemplates(ctx context.Context) ([]Template, error) {
	var out []Template
	err := m.store.DB().SelectContext(ctx, &out, `SELECT id, name, apn, protocol, username, password, auth_type FROM apn_templates ORDER BY id`)
	return out, err
}

// SaveTemplate inserts or, if t.ID is set, replaces a template. New
// templates are capped at maxTemplates, mirroring ipv6fwd.AddRule and
// rathole.AddService.
func (m *Manager) SaveTemplate(ctx context.Context, t Template) (int64, error) {
	if t.Protocol == "" {
		t.Protocol = "ip"
	}
	if t.AuthType == "" {
		t.AuthType = "chap"
	}
	if t.ID != 0 {
		_, err := m.store.DB().ExecContext(ctx,
			`UPDATE apn_templates SET name=?, apn=?, protocol=?, username=?, password=?, auth_type=? WHERE id=?`,
			t.Name, t.APN, t.Protocol, t.Username, t.Password, t.AuthType, t.ID)
		if err != nil {
			return 0, store.ClassifyWriteErr(err)
		}
		return t.ID, nil
	}

	var count int
	if err := m.store.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM apn_templates`); err != nil {
		return 0, err
	}
	if count >= maxTemplates {
		return 0, fmt.Errorf("apn: at most %d templates", maxTemplates)
	}

	res, err := m.store.DB().ExecContext(ctx,
		`INSERT INTO apn_templates (name, apn, protocol, username, password, auth_type) VALUES (?, ?, ?, ?, ?, ?)`,
		t.Name, t.APN, t.Protocol, t.Username, t.Password, t.AuthType)
	if err != nil {
		return 0, store.ClassifyWriteErr(err)
	}
	return res.LastInsertId()
}

// DeleteTemplate removes a saved template by id.
func (m *Manager) DeleteTemplate(ctx context.Context, id int64) error {
	res, err := m.store.DB().ExecContext(ctx, `DELETE FROM apn_templates WHERE id=?`, id)
	return store.CheckZeroRowsAffected(res, err)
}

// findInternetContext walks ConnectionManager.GetContexts and returns the
// first context whose Type property is "internet", mirroring
// ofono_get_all_apn_contexts's single-context assumption (the appliance
// manages exactly one data context per modem).
func (m *Manager) findInternetContext(ctx context.Context) (Context, error) {
	var reply []struct {
		Path  dbus.ObjectPath
		Props map[string]dbus.Variant
	}
	if err := m.bus.Call(ctx, dbus.ObjectPath("/"), ifaceConnectionManager, "GetContexts", nil, &reply); err != nil {
		return Context{}, fmt.Errorf("apn: GetContexts: %w", err)
	}

	for _, c := range reply {
		typ, _ := c.Props["Type"].Value().(string)
		if typ != "internet" {
			continue
		}
		out := Context{
			Path:     c.Path,
			Name:     "Internet",
			Protocol: "ip",
			AuthType: "chap",
		}
		if v, ok := c.Props["Name"]; ok {
			out.Name, _ = v.Value().(string)
		}
		if v, ok := c.Props["Active"]; ok {
			out.Active, _ = v.Value().(bool)
		}
		if v, ok := c.Props["AccessPointName"]; ok {
			out.APN, _ = v.Value().(string)
		}
		if v, ok := c.Props["Protocol"]; ok {
			out.Protocol, _ = v.Value().(string)
		}
		if v, ok := c.Props["Username"]; ok {
			out.Username, _ = v.Value().(string)
		}
		if v, ok := c.Props["Password"]; ok {
			out.Password, _ = v.Value().(string)
		}
		if v, ok := c.Props["AuthenticationMethod"]; ok {
			out.AuthType, _ = v.Value().(string)
		}
		return out, nil
	}
	return Context{}, fmt.Errorf("apn: no internet context advertised by the cellular daemon")
}

// CurrentContext returns the live internet ConnectionContext.
func (m *Manager) CurrentContext(ctx context.Context) (Context, error) {
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()
	return m.findInternetContext(ctx)
}

// Apply pushes apn/protocol/username/password/authType onto the live
// internet context. If the context is active, it is deactivated first,
// given settleDelay to settle, updated, then reactivated after another
// settleDelay — exactly the bracket system/ofono.c's
// ofono_set_apn_properties uses around a live property change.
func (m *Manager) Apply(ctx context.Context, apnName, protocol, username, password, authType string) error {
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()

	cc, err := m.findInternetContext(ctx)
	if err != nil {
		return err
	}

	if cc.Active {
		if err := m.bus.SetProperty(ctx, cc.Path, ifaceConnectionContext, "Active", false); err != nil {
			return fmt.Errorf("apn: deactivate before reconfigure: %w", err)
		}
		time.Sleep(settleDelay)
	}

	sets := map[string]string{
		"AccessPointName":      apnName,
		"Protocol":             protocol,
		"Username":             username,
		"Password":             password,
		"AuthenticationMethod": authType,
	}
	for prop, val := range sets {
		if val == "" {
			continue
		}
		if err := m.bus.SetProperty(ctx, cc.Path, ifaceConnectionContext, prop, val); err != nil {
			return fmt.Errorf("apn: set %s: %w", prop, err)
		}
	}

	if cc.Active {
		time.Sleep(settleDelay)
		if err := m.bus.SetProperty(ctx, cc.Path, ifaceConnectionContext, "Active", true); err != nil {
			return fmt.Errorf("apn: reactivate after reconfigure: %w", err)
		}
	}
	return nil
}

// Config is the singleton apn_config row.
type Config struct {
	Mode            int   `db:"mode" json:"mode"`
	BoundTemplateID int64 `db:"bound_template_id" json:"bound_template_id"`
	AutoStart       bool  `db:"auto_start" json:"auto_start"`
}

// GetConfig reads the singleton apn_config row, creating it with defaults
// on first access.
func (m *Manager) GetConfig(ctx context.Context) (Config, error) {
	if _, err := m.store.DB().ExecContext(ctx, `INSERT INTO apn_config (id) VALUES (1) ON CONFLICT(id) DO NOTHING`); err != nil {
		return Config{}, err
	}
	var cfg Config
	err := m.store.DB().GetContext(ctx, &cfg, `SELECT mode, bound_template_id, auto_start FROM apn_config WHERE id=1`)
	return cfg, err
}

// SaveConfig persists mode/bound_template_id/auto_start.
func (m *Manager) SaveConfig(ctx context.Context, cfg Config) error {
	_, err := m.store.DB().ExecContext(ctx,
		`INSERT INTO apn_config (id, mode, bound_template_id, auto_start) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET mode=excluded.mode, bound_template_id=excluded.bound_template_id, auto_start=excluded.auto_start`,
		cfg.Mode, cfg.BoundTemplateID, cfg.AutoStart)
	return err
}

// Clear resets the live internet context back to an empty APN, matching
// /api/apn/clear. It sets AccessPointName directly rather than going
// through Apply, whose sets loop skips empty values and would otherwise
// leave the old APN in place.
func (m *Manager) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()

	cc, err := m.findInternetContext(ctx)
	if err != nil {
		return err
	}

	if cc.Active {
		if err := m.bus.SetProperty(ctx, cc.Path, ifaceConnectionContext, "Active", false); err != nil {
			return fmt.Errorf("apn: deactivate before clear: %w", err)
		}
		time.Sleep(settleDelay)
	}

	if err := m.bus.SetProperty(ctx, cc.Path, ifaceConnectionContext, "AccessPointName", ""); err != nil {
		return fmt.Errorf("apn: clear AccessPointName: %w", err)
	}
	return nil
}

// ApplyTemplate loads a saved template by id and applies it.
func (m *Manager) ApplyTemplate(ctx context.Context, id int64) error {
	var t Template
	err := m.store.DB().GetContext(ctx, &t, `SELECT id, name, apn, protocol, username, password, auth_type FROM apn_templates WHERE id=?`, id)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return m.Apply(ctx, t.APN, t.Protocol, t.Username, t.Password, t.AuthType)
}
