// config.go - Allium relay configuration.
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

// Package config provides the Allium relay configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/BurntSushi/toml"

	"github.com/allium/allium/core/utils"
)

const (
	defaultAddress                    = ":9001"
	defaultLogLevel                   = "NOTICE"
	defaultChannelIdleTimeout         = 180         // 180 sec.
	defaultConnectTimeout             = 60 * 1000   // 60 sec.
	defaultHandshakeTimeout           = 30 * 1000   // 30 sec.
	defaultCircuitBuildTimeoutInitial = 60 * 1000   // 60 sec.
	defaultMaxStreamsPerCircuit       = 50
	defaultKISTTargetQueueBytes       = 16384
	defaultSendmeEmitVersion          = 1
	defaultRelayEarlyBudget           = 8
	defaultStreamConnectTimeout       = 15   // 15 sec.
	defaultPaddingLowMs               = 1500 // 1.5 sec.
	defaultPaddingHighMs              = 9500 // 9.5 sec.
	defaultOnionskinDelay             = 1750 // 1750 ms.
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the Allium relay server configuration.
type Server struct {
	// Identifier is the human readable identifier for the relay (eg: FQDN).
	Identifier string

	// Addresses are the IP listener addresses that the relay advertises in
	// its NETINFO cells and binds to for incoming connections unless
	// BindAddresses is specified.
	Addresses []string

	// BindAddresses are the listener addresses that the relay will bind to
	// and accept connections on.  These addresses are not advertised.
	BindAddresses []string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.  If omitted, no metrics listener is started.
	MetricsAddress string

	// DataDir is the absolute path to the relay's state files.
	DataDir string

	// AllowExit permits streams to exit to the external network.  When
	// false, the relay refuses BEGIN with an exit-policy END reason and
	// only serves BEGIN_DIR.
	AllowExit bool
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}

	// Ensure the identifier is normalized.
	idNorm, err := precis.UsernameCaseMapped.String(sCfg.Identifier)
	if err != nil {
		return fmt.Errorf("config: Server: Identifier '%v' is invalid: %v", sCfg.Identifier, err)
	}
	if idNorm != sCfg.Identifier {
		return fmt.Errorf("config: Server: Identifier '%v' is not normalized", sCfg.Identifier)
	}

	if sCfg.Addresses != nil {
		for _, v := range append(sCfg.Addresses, sCfg.BindAddresses...) {
			if u, err := url.Parse(v); err != nil {
				return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
			} else if u.Port() == "" {
				return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
			}
		}
	} else {
		// Try to guess a "suitable" external IPv4 address.  If people want
		// to do loopback testing, they can manually specify one.  If people
		// want to use IPng, they can manually specify that as well.
		addr, err := utils.GetExternalIPv4Address()
		if err != nil {
			return err
		}

		sCfg.Addresses = []string{"tcp://" + addr.String() + defaultAddress}
	}

	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Debug is the Allium relay debug configuration.
type Debug struct {
	// NumCryptoWorkers specifies the number of worker instances to use for
	// inbound onionskin processing.
	NumCryptoWorkers int

	// OnionskinDelay is the maximum allowed handshake delay due to
	// queueing in milliseconds.  Onionskins that sat longer are refused.
	OnionskinDelay int

	// ChannelIdleTimeout specifies the duration in seconds after which a
	// channel carrying no circuits is torn down.
	ChannelIdleTimeout int

	// ConnectTimeout specifies the maximum time a connection can take to
	// establish a TCP/IP connection in milliseconds.
	ConnectTimeout int

	// HandshakeTimeout specifies the maximum time a connection can take for
	// the link protocol handshake in milliseconds.
	HandshakeTimeout int

	// CircuitBuildTimeoutInitial specifies the circuit build timeout in
	// milliseconds used until enough completed builds have been observed
	// to estimate one.
	CircuitBuildTimeoutInitial int

	// MaxStreamsPerCircuit specifies the maximum number of concurrently
	// open streams allowed on a single circuit.
	MaxStreamsPerCircuit int

	// CellQueueHighwaterBytes specifies the global ceiling on buffered
	// outbound cell memory in bytes.  When the ceiling is hit, the circuit
	// holding the oldest queued cell is destroyed.  A value of 0 disables
	// shedding.
	CellQueueHighwaterBytes uint64

	// KISTTargetKernelQueueBytes specifies the per-socket kernel queue
	// depth the scheduler writes towards.
	KISTTargetKernelQueueBytes int

	// SendmeEmitVersion specifies the SENDME version emitted for window
	// updates.  Version 1 carries an authenticating cell digest, version 0
	// is the legacy empty body.
	SendmeEmitVersion int

	// RelayEarlyBudget specifies the number of RELAY_EARLY cells accepted
	// per circuit before the circuit is destroyed for protocol violation.
	RelayEarlyBudget int

	// StreamConnectTimeout specifies the maximum time in seconds an exit
	// stream can take to establish its outbound TCP connection.
	StreamConnectTimeout int

	// AllowLoopbackExit permits exit streams to loopback and private
	// addresses.  Only useful for testing.
	AllowLoopbackExit bool

	// DisableLinkPadding disables channel padding traffic entirely.
	DisableLinkPadding bool

	// PaddingLowMs and PaddingHighMs bound the uniform interval in
	// milliseconds from which the channel padding timeout is drawn.
	PaddingLowMs  int
	PaddingHighMs int

	// GenerateOnly halts and cleans up the relay right after long term
	// key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.NumCryptoWorkers <= 0 {
		// Pick a sane default for the number of workers.
		//
		// TODO/perf: This should detect the number of physical cores, since
		// the AES-NI unit is a per-core resource.
		dCfg.NumCryptoWorkers = runtime.NumCPU()
	}
	if dCfg.OnionskinDelay <= 0 {
		dCfg.OnionskinDelay = defaultOnionskinDelay
	}
	if dCfg.ChannelIdleTimeout <= 0 {
		dCfg.ChannelIdleTimeout = defaultChannelIdleTimeout
	}
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if dCfg.CircuitBuildTimeoutInitial <= 0 {
		dCfg.CircuitBuildTimeoutInitial = defaultCircuitBuildTimeoutInitial
	}
	if dCfg.MaxStreamsPerCircuit <= 0 {
		dCfg.MaxStreamsPerCircuit = defaultMaxStreamsPerCircuit
	}
	if dCfg.KISTTargetKernelQueueBytes <= 0 {
		dCfg.KISTTargetKernelQueueBytes = defaultKISTTargetQueueBytes
	}
	if dCfg.SendmeEmitVersion <= 0 {
		dCfg.SendmeEmitVersion = defaultSendmeEmitVersion
	}
	if dCfg.RelayEarlyBudget <= 0 {
		dCfg.RelayEarlyBudget = defaultRelayEarlyBudget
	}
	if dCfg.StreamConnectTimeout <= 0 {
		dCfg.StreamConnectTimeout = defaultStreamConnectTimeout
	}
	if dCfg.PaddingLowMs <= 0 {
		dCfg.PaddingLowMs = defaultPaddingLowMs
	}
	if dCfg.PaddingHighMs <= 0 {
		dCfg.PaddingHighMs = defaultPaddingHighMs
	}
}

func (dCfg *Debug) validate() error {
	switch dCfg.SendmeEmitVersion {
	case 0, 1:
	default:
		return fmt.Errorf("config: Debug: SendmeEmitVersion '%v' is invalid", dCfg.SendmeEmitVersion)
	}
	if dCfg.PaddingLowMs > dCfg.PaddingHighMs {
		return fmt.Errorf("config: Debug: PaddingLowMs '%v' exceeds PaddingHighMs '%v'", dCfg.PaddingLowMs, dCfg.PaddingHighMs)
	}
	return nil
}

// Logging is the Allium relay logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Config is the top level Allium relay configuration.
type Config struct {
	Server  *Server
	Logging *Logging

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}

	// Perform basic validation.
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Debug.applyDefaults()
	if err := cfg.Debug.validate(); err != nil {
		return err
	}

	var err error
	cfg.Server.Identifier, err = idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	err := toml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
