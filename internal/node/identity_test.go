package node

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	require.NoError(t, err)
	return mac
}

func TestFromInterfaces(t *testing.T) {
	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagLoopback, HardwareAddr: mustMAC(t, "00:00:00:00:00:01")},
		{Name: "dummy0", HardwareAddr: mustMAC(t, "00:00:00:00:00:00")},
		{Name: "tun0"},
		{Name: "eth0", HardwareAddr: mustMAC(t, "02:42:ac:11:00:02")},
		{Name: "eth1", HardwareAddr: mustMAC(t, "02:42:ac:11:00:03")},
	}

	id, err := fromInterfaces(ifaces)
	require.NoError(t, err)
	assert.Equal(t, "eth0:0242ac110002", id)
}

func TestFromInterfacesNone(t *testing.T) {
	_, err := fromInterfaces([]net.Interface{{Name: "lo", Flags: net.FlagLoopback}})
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestResolve(t *testing.T) {
	original := interfaces
	t.Cleanup(func() { interfaces = original })

	interfaces = func() ([]net.Interface, error) {
		return nil, errors.New("boom")
	}

	id, degraded, err := Resolve("configured", false)
	require.NoError(t, err)
	assert.Equal(t, "configured", id)
	assert.False(t, degraded)

	_, _, err = Resolve("", false)
	assert.Error(t, err)

	id, degraded, err = Resolve("", true)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.True(t, degraded)

	interfaces = func() ([]net.Interface, error) {
		return []net.Interface{{Name: "en0", HardwareAddr: mustMAC(t, "a4:83:e7:01:02:03")}}, nil
	}
	id, degraded, err = Resolve("", false)
	require.NoError(t, err)
	assert.Equal(t, "en0:a483e7010203", id)
	assert.False(t, degraded)
}
