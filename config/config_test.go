// config_test.go - Relay configuration tests.
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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	const basicConfig = `# A basic configuration example.
[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:9001", "tcp://[::1]:9001" ]
DataDir = "/var/lib/allium"
AllowExit = true

[Logging]
Level = "DEBUG"
`

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")

	// Omitted sections and knobs pick up their defaults.
	require.NotNil(cfg.Debug)
	require.Equal(defaultChannelIdleTimeout, cfg.Debug.ChannelIdleTimeout)
	require.Equal(defaultCircuitBuildTimeoutInitial, cfg.Debug.CircuitBuildTimeoutInitial)
	require.Equal(defaultMaxStreamsPerCircuit, cfg.Debug.MaxStreamsPerCircuit)
	require.Equal(uint64(0), cfg.Debug.CellQueueHighwaterBytes)
	require.Equal(defaultKISTTargetQueueBytes, cfg.Debug.KISTTargetKernelQueueBytes)
	require.Equal(defaultSendmeEmitVersion, cfg.Debug.SendmeEmitVersion)
	require.Equal(defaultRelayEarlyBudget, cfg.Debug.RelayEarlyBudget)
	require.Equal(defaultStreamConnectTimeout, cfg.Debug.StreamConnectTimeout)
	require.Equal(defaultPaddingLowMs, cfg.Debug.PaddingLowMs)
	require.Equal(defaultPaddingHighMs, cfg.Debug.PaddingHighMs)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.True(cfg.Server.AllowExit)
}

func TestConfigDebugKnobs(t *testing.T) {
	require := require.New(t)

	const knobConfig = `
[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:9001" ]
DataDir = "/var/lib/allium"

[Debug]
ChannelIdleTimeout = 60
CircuitBuildTimeoutInitial = 30000
MaxStreamsPerCircuit = 8
CellQueueHighwaterBytes = 1048576
KISTTargetKernelQueueBytes = 32768
RelayEarlyBudget = 4
PaddingLowMs = 100
PaddingHighMs = 200
`

	cfg, err := Load([]byte(knobConfig))
	require.NoError(err, "Load() with Debug knobs")
	require.Equal(60, cfg.Debug.ChannelIdleTimeout)
	require.Equal(30000, cfg.Debug.CircuitBuildTimeoutInitial)
	require.Equal(8, cfg.Debug.MaxStreamsPerCircuit)
	require.Equal(uint64(1048576), cfg.Debug.CellQueueHighwaterBytes)
	require.Equal(32768, cfg.Debug.KISTTargetKernelQueueBytes)
	require.Equal(4, cfg.Debug.RelayEarlyBudget)
	require.Equal(100, cfg.Debug.PaddingLowMs)
	require.Equal(200, cfg.Debug.PaddingHighMs)
}

func TestConfigRejects(t *testing.T) {
	require := require.New(t)

	// Missing Server block.
	_, err := Load([]byte(`[Logging]
Level = "DEBUG"
`))
	require.Error(err, "Load() without a Server block")

	// Relative DataDir.
	_, err = Load([]byte(`
[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:9001" ]
DataDir = "relative/path"
`))
	require.Error(err, "Load() with a relative DataDir")

	// Address without a port.
	_, err = Load([]byte(`
[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1" ]
DataDir = "/var/lib/allium"
`))
	require.Error(err, "Load() with a port-less address")

	// Bogus log level.
	_, err = Load([]byte(`
[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:9001" ]
DataDir = "/var/lib/allium"

[Logging]
Level = "SHOUTING"
`))
	require.Error(err, "Load() with an invalid log level")

	// Bogus metrics address.
	_, err = Load([]byte(`
[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:9001" ]
MetricsAddress = "not-an-addrport"
DataDir = "/var/lib/allium"
`))
	require.Error(err, "Load() with an invalid MetricsAddress")

	// Inverted padding interval.
	_, err = Load([]byte(`
[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:9001" ]
DataDir = "/var/lib/allium"

[Debug]
PaddingLowMs = 500
PaddingHighMs = 100
`))
	require.Error(err, "Load() with an inverted padding interval")

	// Unknown SENDME version.
	_, err = Load([]byte(`
[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:9001" ]
DataDir = "/var/lib/allium"

[Debug]
SendmeEmitVersion = 7
`))
	require.Error(err, "Load() with an unknown SENDME version")
}
