// Package rathole implements Rathole (spec.md §4.6): config generation,
// external process supervision and log retrieval for a reverse-tunnel
// client binary, grounded on system/rathole.c. Unlike Ipv6Fwd's per-rule
// relays, this component supervises a genuine child process — a separate
// compiled binary — so os/exec and a pid file are the right tools, not a
// goroutine.
package rathole

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/oem5g/gatewayd/pkg/store"
)

const (
	maxServices = 16

	binPath    = "/home/root/6677/rathole"
	configPath = "/home/root/6677/client.toml"
	logPath    = "/tmp/rathole.log"
	pidPath    = "/tmp/rathole.pid"

	startSettleDelay = 500 * time.Millisecond
	stopSettleDelay  = 500 * time.Millisecond
)

// Config is the singleton rathole_config row.
type Config struct {
	ServerAddr string `db:"server_addr" json:"server_addr"`
	AutoStart  bool   `db:"auto_start" json:"auto_start"`
	Enabled    bool   `db:"enabled" json:"enabled"`
}

// Service is one persisted tunnel service (rathole_services table).
type Service struct {
	ID        int64  `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	Token     string `db:"token" json:"token"`
	LocalAddr string `db:"local_addr" json:"local_addr"`
	Enabled   bool   `db:"enabled" json:"enabled"`
}

// Status is the process-control snapshot backing /api/tunnel/status.
type Status struct {
	Running      bool   `json:"running"`
	PID          int    `json:"pid"`
	ServiceCount int    `json:"service_count"`
	LastError    string `json:"last_error"`
}

// Manager owns rathole_config/rathole_services and the supervised child
// process.
type Manager struct {
	store *store.Store

	mu        sync.Mutex
	lastError string
}

// New constructs a Manager bound to the shared store.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// GetConfig reads the singleton configuration row.
func (m *Manager) GetConfig(ctx context.Context) (Config, error) {
	var cfg Config
	err := m.store.DB().GetContext(ctx, &cfg, `SELECT server_addr, auto_start, enabled FROM rathole_config WHERE id=1`)
	if err != nil {
		return Config{}, nil
	}
	return cfg, nil
}

// SaveConfig upserts the singleton configuration row.
func (m *Manager) SaveConfig(ctx context.Context, cfg Config) error {
	_, err := m.store.DB().ExecContext(ctx,
		`INSERT INTO rathole_config (id, server_addr, auto_start, enabled) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET server_addr=excluded.server_addr, auto_start=excluded.auto_start, enabled=excluded.enabled`,
		cfg.ServerAddr, cfg.AutoStart, cfg.Enabled)
	return err
}

// ListServices returns every persisted tunnel service.
func (m *Manager) ListServices(ctx context.Context) ([]Service, error) {
	var out []Service
	err := m.store.DB().SelectContext(ctx, &out, `SELECT id, name, token, local_addr, enabled FROM rathole_services ORDER BY id`)
	return out, err
}

// AddService inserts a service, or replaces one if svc.ID is set. New
// services are capped at maxServices; names containing non-ASCII are
// rejected per spec.md §4.6.
func (m *Manager) AddService(ctx context.Context, svc Service) (int64, error) {
	if !isASCII(svc.Name) {
		return 0, fmt.Errorf("rathole: service name must be ASCII")
	}
	if svc.Token == "" {
		svc.Token = uuid.New().String()
	}

	if svc.ID != 0 {
		res, err := m.store.DB().ExecContext(ctx,
			`UPDATE rathole_services SET name=?, token=?, local_addr=?, enabled=? WHERE id=?`,
			svc.Name, svc.Token, svc.LocalAddr, svc.Enabled, svc.ID)
		if err := store.CheckZeroRowsAffected(res, err); err != nil {
			return 0, store.ClassifyWriteErr(err)
		}
		return svc.ID, nil
	}

	var count int
	if err := m.store.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM rathole_services`); err != nil {
		return 0, err
	}
	if count >= maxServices {
		return 0, fmt.Errorf("rathole: at most %d services", maxServices)
	}
	res, err := m.store.DB().ExecContext(ctx,
		`INSERT INTO rathole_services (name, token, local_addr, enabled, created_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		svc.Name, svc.Token, svc.LocalAddr, svc.Enabled)
	if err != nil {
		return 0, store.ClassifyWriteErr(err)
	}
	return res.LastInsertId()
}

// DeleteService removes a service by id.
func (m *Manager) DeleteService(ctx context.Context, id int64) error {
	res, err := m.store.DB().ExecContext(ctx, `DELETE FROM rathole_services WHERE id=?`, id)
	return store.CheckZeroRowsAffected(res, err)
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// GenerateConfig writes client.toml by hand-building the exact document
// spec.md §8 scenario F requires byte-for-byte: a `[client]` table with
// remote_addr, then one `[client.services.<name>]` table per enabled
// service, in list order. A struct->TOML encoder is deliberately not used
// here (see DESIGN.md) because no encoder in the retrieval pack guarantees
// this key/table ordering across multiple services.
func (m *Manager) GenerateConfig(ctx context.Context) error {
	cfg, err := m.GetConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.ServerAddr == "" {
		return fmt.Errorf("rathole: server address not configured")
	}

	services, err := m.ListServices(ctx)
	if err != nil {
		return err
	}
	var enabled []Service
	for _, s := range services {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 {
		return fmt.Errorf("rathole: no services configured")
	}

	return os.WriteFile(configPath, renderConfig(cfg, enabled), 0o644)
}

// renderConfig builds client.toml's bytes: a [client] table with
// remote_addr, then one [client.services.<name>] table per enabled
// service, in list order, with no trailing blank line after the last
// service.
func renderConfig(cfg Config, enabled []Service) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[client]\n")
	fmt.Fprintf(&buf, "remote_addr = %q\n", cfg.ServerAddr)
	for _, s := range enabled {
		fmt.Fprintf(&buf, "\n[client.services.%s]\n", s.Name)
		fmt.Fprintf(&buf, "token = %q\n", s.Token)
		fmt.Fprintf(&buf, "local_addr = %q\n", s.LocalAddr)
	}
	return buf.Bytes()
}

// Start regenerates the config, truncates the log, spawns the binary,
// records its pid, and after startSettleDelay verifies it is still alive.
func (m *Manager) Start(ctx context.Context) error {
	if running, _ := m.isRunning(); running {
		return nil
	}

	if _, err := os.Stat(binPath); err != nil {
		return fmt.Errorf("rathole: binary not found at %s: %w", binPath, err)
	}

	if err := m.GenerateConfig(ctx); err != nil {
		return fmt.Errorf("rathole: generate config: %w", err)
	}

	os.Remove(logPath)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("rathole: open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binPath, configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("rathole: start process: %w", err)
	}
	pid := cmd.Process.Pid
	go cmd.Wait() // reap without blocking the caller; liveness is polled via pgrep

	os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0o644)

	time.Sleep(startSettleDelay)
	if running, _ := m.isRunning(); !running {
		m.setLastError("process exited immediately after start; check the log")
		return fmt.Errorf("rathole: process exited immediately after start")
	}
	return nil
}

// Stop signals the process and waits for it to exit, using pgrep's argv
// signature the same way system/rathole.c does (the binary invocation is
// "<bin> <config>", matched on "<bin>.*client.toml").
func (m *Manager) Stop() error {
	running, _ := m.isRunning()
	if !running {
		return nil
	}

	exec.Command("pkill", "-f", binPath+".*client.toml").Run()
	time.Sleep(stopSettleDelay)
	os.Remove(pidPath)

	if running, _ := m.isRunning(); !running {
		return nil
	}

	exec.Command("pkill", "-9", "-f", binPath+".*client.toml").Run()
	time.Sleep(300 * time.Millisecond)
	return nil
}

// Restart is stop, wait, then start.
func (m *Manager) Restart(ctx context.Context) error {
	m.Stop()
	time.Sleep(startSettleDelay)
	return m.Start(ctx)
}

func (m *Manager) isRunning() (bool, int) {
	out, err := exec.Command("pgrep", "-f", binPath+".*client.toml").Output()
	if err != nil {
		return false, 0
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	pid, err := strconv.Atoi(line)
	if err != nil {
		return false, 0
	}
	return true, pid
}

// Status reports {running, pid, serviceCount, lastError}.
func (m *Manager) Status(ctx context.Context) Status {
	running, pid := m.isRunning()
	var count int
	m.store.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM rathole_services WHERE enabled=1`)
	m.mu.Lock()
	lastErr := m.lastError
	m.mu.Unlock()
	return Status{Running: running, PID: pid, ServiceCount: count, LastError: lastErr}
}

func (m *Manager) setLastError(msg string) {
	m.mu.Lock()
	m.lastError = msg
	m.mu.Unlock()
}

// Logs tails n lines (clamped to [1,1000], default 100) from the log file.
func (m *Manager) Logs(n int) (string, error) {
	if n <= 0 {
		n = 100
	}
	if n > 1000 {
		n = 1000
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// ClearLogs truncates the log file.
func (m *Manager) ClearLogs() error {
	return os.WriteFile(logPath, nil, 0o644)
}

// serverSkeletonDoc is the in-memory shape encoded by BurntSushi/toml for
// the server-side help artifact; its field tags dictate table/key
// ordering, which is never byte-exact-tested (unlike the client config
// above), so a real encoder is appropriate here.
type serverSkeletonDoc struct {
	Server serverTable `toml:"server"`
}

type serverTable struct {
	BindAddr string                    `toml:"bind_addr"`
	Services map[string]serviceTable `toml:"services"`
}

type serviceTable struct {
	Token     string `toml:"token"`
	BindAddr  string `toml:"bind_addr"`
}

// ServerSkeleton emits a TOML server-side document listening on
// [::]:<port> extracted from the client's configured remote_addr,
// assigning externally exposed ports starting at 9000 by service index.
func (m *Manager) ServerSkeleton(ctx context.Context) (string, error) {
	cfg, err := m.GetConfig(ctx)
	if err != nil {
		return "", err
	}
	_, port, err := splitHostPort(cfg.ServerAddr)
	if err != nil {
		return "", fmt.Errorf("rathole: parse server_addr: %w", err)
	}

	services, err := m.ListServices(ctx)
	if err != nil {
		return "", err
	}

	doc := serverSkeletonDoc{Server: serverTable{
		BindAddr: fmt.Sprintf("[::]:%s", port),
		Services: make(map[string]serviceTable),
	}}
	for i, s := range services {
		if !s.Enabled {
			continue
		}
		doc.Server.Services[s.Name] = serviceTable{
			Token:    s.Token,
			BindAddr: fmt.Sprintf("0.0.0.0:%d", 9000+i),
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return "", fmt.Errorf("rathole: encode server skeleton: %w", err)
	}
	return buf.String(), nil
}

// InstallScript emits the shell script that writes the server TOML,
// registers a process-supervisor unit, downloads the rathole binary and
// opens the firewall ports the skeleton assigned. Exported verbatim to the
// UI; the device never executes it.
func (m *Manager) InstallScript(ctx context.Context) (string, error) {
	cfg, err := m.GetConfig(ctx)
	if err != nil {
		return "", err
	}
	_, port, err := splitHostPort(cfg.ServerAddr)
	if err != nil {
		return "", fmt.Errorf("rathole: parse server_addr: %w", err)
	}
	skeleton, err := m.ServerSkeleton(ctx)
	if err != nil {
		return "", err
	}

	services, err := m.ListServices(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	sb.WriteString("set -e\n\n")
	sb.WriteString("cat > /etc/rathole/server.toml <<'EOF'\n")
	sb.WriteString(skeleton)
	sb.WriteString("EOF\n\n")
	sb.WriteString("curl -fsSL -o /usr/local/bin/rathole https://github.com/rapiz1/rathole/releases/latest/download/rathole-x86_64-linux\n")
	sb.WriteString("chmod +x /usr/local/bin/rathole\n\n")
	sb.WriteString("cat > /etc/systemd/system/rathole-server.service <<'EOF'\n")
	sb.WriteString("[Unit]\nDescription=rathole server\nAfter=network.target\n\n")
	sb.WriteString("[Service]\nExecStart=/usr/local/bin/rathole /etc/rathole/server.toml\nRestart=always\n\n")
	sb.WriteString("[Install]\nWantedBy=multi-user.target\nEOF\n\n")
	sb.WriteString("systemctl daemon-reload\n")
	sb.WriteString("systemctl enable --now rathole-server\n\n")
	fmt.Fprintf(&sb, "ufw allow %s/tcp || true\n", port)
	for i, s := range services {
		if s.Enabled {
			fmt.Fprintf(&sb, "ufw allow %d/tcp || true\n", 9000+i)
		}
	}
	return sb.String(), nil
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}
