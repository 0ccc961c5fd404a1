// advisorctl is the diagnostic CLI for the advisorlink client core.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"advisorlink/internal/config"
	"advisorlink/internal/handshake"
	"advisorlink/internal/hierarchy"
	"advisorlink/internal/identity"
	"advisorlink/internal/probe"
	"advisorlink/internal/store"
	"advisorlink/internal/tier"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "status":
		cmdStatus()
	case "device-id":
		cmdDeviceID()
	case "session":
		cmdSession()
	case "reset-session":
		cmdResetSession()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `advisorctl - Diagnostic utility for the advisorlink client core

Usage: advisorctl [options] <command>

Commands:
  status          Probe all tiers once and show the selected connection mode
  device-id       Print the durable device identifier
  session         Print the current session identifier
  reset-session   Clear the persisted session id
  help            Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config) *store.Store {
	db, err := store.OpenWithBusyTimeout(cfg.Storage.Path, cfg.Storage.BusyTimeoutMs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	return db
}

func cmdStatus() {
	cfg := loadConfig()
	db := openStore(cfg)
	defer db.Close()

	ids := identity.New(db)
	prober := probe.New(nil, cfg.ProbeTimeout())

	machine := hierarchy.New(hierarchy.Config{
		Tiers:      cfg.TierList(),
		Prober:     prober,
		Negotiator: handshake.New(nil, cfg.HandshakeTimeout(), cfg.SessionTTL()),
		Identity:   ids,
		Requested:  tier.NewCapabilitySet(cfg.Handshake.RequestedCapabilities...),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	machine.RunCycle(ctx)

	cur := machine.Current()

	fmt.Println("=== advisorlink Status ===")
	fmt.Println()
	fmt.Printf("Mode:         %s\n", cur.Mode)
	fmt.Printf("Active Tier:  %s\n", cur.Tier)
	if caps := cur.Capabilities.Names(); len(caps) > 0 {
		fmt.Printf("Capabilities: %v\n", caps)
	}
	if cur.Session != nil {
		fmt.Printf("Session:      negotiated at %s\n", cur.Session.IssuedAt.Format(time.RFC3339))
	}
	fmt.Println()

	fmt.Println("Tiers:")
	for _, t := range tier.SortByPriority(cfg.TierList()) {
		stats, ok := prober.Tracker().Stats(t.Name)
		marker := " "
		if t.Name == cur.Tier {
			marker = "*"
		}
		if !ok || stats.TotalCalls == 0 {
			fmt.Printf("  %s %-10s %s (not probed)\n", marker, t.Name, t.Endpoint)
			continue
		}
		fmt.Printf("  %s %-10s %s  success=%.0f%%  latency=%s\n",
			marker, t.Name, t.Endpoint, stats.SuccessRate*100, stats.LastLatency)
		for _, e := range stats.RecentErrors {
			fmt.Printf("      error: %s\n", e)
		}
	}
}

func cmdDeviceID() {
	cfg := loadConfig()
	db := openStore(cfg)
	defer db.Close()

	dev, err := identity.New(db).GetOrCreateDeviceID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving device id: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(dev.DeviceID)
}

func cmdSession() {
	cfg := loadConfig()
	db := openStore(cfg)
	defer db.Close()

	sess, err := identity.New(db).GetOrCreateSessionID("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving session id: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(sess.SessionID)
}

func cmdResetSession() {
	cfg := loadConfig()
	db := openStore(cfg)
	defer db.Close()

	if err := identity.New(db).ClearSession(); err != nil {
		fmt.Fprintf(os.Stderr, "Error clearing session: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Session cleared. A new id will be generated on next use.")
}
