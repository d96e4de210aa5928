package main

import (
	"context"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	flags "github.com/jessevdk/go-flags"

	"github.com/oem5g/gatewayd/pkg/api"
	"github.com/oem5g/gatewayd/pkg/apn"
	"github.com/oem5g/gatewayd/pkg/auth"
	"github.com/oem5g/gatewayd/pkg/bus"
	"github.com/oem5g/gatewayd/pkg/databearer"
	"github.com/oem5g/gatewayd/pkg/ipv6fwd"
	"github.com/oem5g/gatewayd/pkg/modem"
	"github.com/oem5g/gatewayd/pkg/rathole"
	"github.com/oem5g/gatewayd/pkg/server"
	"github.com/oem5g/gatewayd/pkg/sms"
	"github.com/oem5g/gatewayd/pkg/store"
	"github.com/oem5g/gatewayd/pkg/usbmode"
)

var opt struct {
	HTTPAddr     string `short:"h" long:"http-addr" default:":9090" description:"http listen address"`
	SqliteFile   string `long:"sqlite-file" env:"SQLITE_FILE" default:"6677.db" description:"sqlite database file"`
	Slot1Path    string `long:"slot1-path" env:"MODEM_SLOT1_PATH" default:"/ril_0" description:"oFono object path for SIM slot 1"`
	Slot2Path    string `long:"slot2-path" env:"MODEM_SLOT2_PATH" default:"/ril_1" description:"oFono object path for SIM slot 2"`
	WatchdogSecs int    `long:"watchdog-interval" env:"WATCHDOG_INTERVAL_SECS" default:"10" description:"DataBearer watchdog poll interval, seconds"`
}

// systemRebooter shells out to the real reboot command; used only by
// Auth.FactoryReset.
type systemRebooter struct{}

func (systemRebooter) Reboot() error {
	return exec.Command("reboot").Run()
}

func main() {
	if _, err := flags.ParseArgs(&opt, os.Args); err != nil {
		log.Fatalf("error parsing flags: %v", err)
	}

	st, err := store.Open(opt.SqliteFile)
	if err != nil {
		log.Fatalf("error opening database: %v", err)
	}
	defer st.Close()

	b := bus.New()
	if err := b.Connect(); err != nil {
		log.Printf("warning: initial bus connect failed, components will retry: %v", err)
	}

	slot1 := dbus.ObjectPath(opt.Slot1Path)
	slot2 := dbus.ObjectPath(opt.Slot2Path)

	mdm := modem.New(b, slot1, slot2)
	apnMgr := apn.New(st, b)
	bearer := databearer.New(b, apnMgr, slot1)
	smsEngine := sms.New(st, b, mdm, slot1)
	ipv6Mgr := ipv6fwd.New(st)
	ratholeMgr := rathole.New(st)
	usbCtl := usbmode.New()
	authMgr := auth.New(st, systemRebooter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bearer.StartMonitor(ctx); err != nil {
		log.Printf("warning: databearer monitor failed to start: %v", err)
	}
	bearer.StartWatchdog(ctx, time.Duration(opt.WatchdogSecs)*time.Second)

	if err := smsEngine.Start(ctx); err != nil {
		log.Printf("warning: sms engine failed to start: %v", err)
	}

	if cfg, err := ipv6Mgr.GetConfig(ctx); err == nil && cfg.AutoStart {
		if err := ipv6Mgr.Start(ctx); err != nil {
			log.Printf("warning: ipv6 proxy auto-start failed: %v", err)
		}
		if cfg.SendEnabled {
			if err := ipv6Mgr.StartReporter(ctx); err != nil {
				log.Printf("warning: ipv6 address reporter auto-start failed: %v", err)
			}
		}
	}

	if cfg, err := ratholeMgr.GetConfig(ctx); err == nil && cfg.AutoStart {
		if err := ratholeMgr.Start(ctx); err != nil {
			log.Printf("warning: rathole auto-start failed: %v", err)
		}
	}

	surface := &api.Surface{
		Modem:   mdm,
		Bearer:  bearer,
		SMS:     smsEngine,
		APN:     apnMgr,
		IPv6:    ipv6Mgr,
		Rathole: ratholeMgr,
		USB:     usbCtl,
		Auth:    authMgr,
	}

	srv := server.New(server.Config{
		HTTPListenAddr: opt.HTTPAddr,
		Handler:        surface.Handler(),
	})
	if err := srv.Start(); err != nil {
		log.Fatalf("error starting server: %v", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	bearer.StopWatchdog()
	ipv6Mgr.Stop()
	ipv6Mgr.StopReporter()
	srv.Shutdown()
}
