// main.go - Allium relay binary.
// Copyright (C) 2026  Allium Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/allium/allium"
	"github.com/allium/allium/config"
	"github.com/allium/allium/core/compat"
	"github.com/allium/allium/internal/instrument"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "allium",
		Short: "Allium onion routing relay",
		Long: `Allium is an onion routing relay.  It accepts fixed size cells over
TLS channels from peers and clients, performs the per hop relay crypto,
and forwards traffic along multi hop circuits without learning both
endpoints of any connection.

A single relay process serves every position on a circuit: it answers
CREATE2 handshakes as a responder, forwards cells between channels as a
middle hop, and, when exit traffic is enabled in the configuration,
bridges streams to the external network as an exit.

Key features:
• ntor circuit extension handshakes, offloaded to a worker pool
• per circuit and per stream flow control with SENDME acknowledgements
• KIST cell scheduling with EWMA circuit fairness
• adaptive circuit build timeouts learned from observed build times
• prometheus metrics and structured logging

The relay is designed to run as a long-lived daemon process and requires
a TOML configuration for its addresses, data directory, and operational
parameters.`,
		Example: `  # Start the relay with the default configuration file
  allium

  # Start the relay with a custom configuration file
  allium --config /etc/allium/allium.toml

  # Generate cryptographic keys only and exit (useful for setup)
  allium --config /etc/allium/allium.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cfg)
		},
	}

	// Configuration flags
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "allium.toml",
		"path to the relay configuration file (TOML format)")

	// Operation mode flags
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate cryptographic keys and exit without starting the relay")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runRelay(cfg Config) error {
	// Set the umask to something "paranoid".
	compat.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	relayCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.GenOnly && !relayCfg.Debug.GenerateOnly {
		relayCfg.Debug.GenerateOnly = true
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the relay.
	svr, err := allium.New(relayCfg)
	if err != nil {
		if err == allium.ErrGenerateOnly {
			return nil // Exit successfully for generate-only mode
		}
		return fmt.Errorf("failed to spawn relay instance: %v", err)
	}
	defer svr.Shutdown()

	instrument.Init(relayCfg.Server.MetricsAddress)

	// Halt the relay gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate the relay log upon SIGHUP.
	go func() {
		<-rotateCh
		svr.RotateLog()
	}()

	// Wait for the relay to explode or be terminated.
	svr.Wait()
	return nil
}
