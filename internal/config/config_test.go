package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankitkulkarni/ignition/internal/config"
	"github.com/ankitkulkarni/ignition/internal/ierrors"
)

func TestValidateRequiresCommand(t *testing.T) {
	c := config.Default()
	err := c.Validate()
	require.Error(t, err)
	var ierr *ierrors.Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, ierrors.KindConfig, ierr.Kind)
}

func TestValidateRejectsBadBindAddr(t *testing.T) {
	c := config.Default()
	c.Command = "sleep"
	c.BindAddr = "not-an-ip"
	require.Error(t, c.Validate())
}

func TestValidateDefaultsWatchPathToCommand(t *testing.T) {
	c := config.Default()
	c.Command = "/usr/bin/app"
	c.LiveReload = true
	require.NoError(t, c.Validate())
	assert.Equal(t, "/usr/bin/app", c.WatchPath)
}

func TestValidateRejectsMismatchedFDNames(t *testing.T) {
	c := config.Default()
	c.Command = "sleep"
	c.Ports = []uint16{8080, 8081}
	c.FDNames = []string{"http"}
	require.Error(t, c.Validate())
}

func TestValidateRejectsZeroPort(t *testing.T) {
	c := config.Default()
	c.Command = "sleep"
	c.Ports = []uint16{0}
	require.Error(t, c.Validate())
}

func TestParsePorts(t *testing.T) {
	ports, err := config.ParsePorts(" 80, 443 ,8080")
	require.NoError(t, err)
	assert.Equal(t, []uint16{80, 443, 8080}, ports)
}

func TestParsePortsEmpty(t *testing.T) {
	ports, err := config.ParsePorts("  ")
	require.NoError(t, err)
	assert.Nil(t, ports)
}

func TestParsePortsInvalid(t *testing.T) {
	_, err := config.ParsePorts("80,not-a-port")
	require.Error(t, err)
}

func TestParseNames(t *testing.T) {
	assert.Equal(t, []string{"http", "metrics"}, config.ParseNames("http, metrics"))
	assert.Nil(t, config.ParseNames(""))
}
