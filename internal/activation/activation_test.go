package activation

import (
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListen_FallsBackToAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, activated, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = ln.Close()
	}()

	assert.False(t, activated, "expected a plain listener without socket activation")
	_, ok := ln.Addr().(*net.TCPAddr)
	assert.True(t, ok, "expected TCP listener, got %T", ln.Addr())
}

func TestListen_ActivationForOtherProcess(t *testing.T) {
	t.Setenv("LISTEN_PID", "99999999")
	t.Setenv("LISTEN_FDS", "1")

	ln, activated, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = ln.Close()
	}()
	assert.False(t, activated, "sockets for another PID must be ignored")
}

func TestListen_ZeroFDs(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "0")

	ln, activated, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = ln.Close()
	}()
	assert.False(t, activated, "LISTEN_FDS=0 is not an activation")
}

func TestListen_InvalidEnvironment(t *testing.T) {
	tests := []struct {
		name string
		pid  string
		fds  string
	}{
		{name: "invalid pid", pid: "not-a-number", fds: "1"},
		{name: "invalid fds", pid: strconv.Itoa(os.Getpid()), fds: "many"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tt.pid)
			t.Setenv("LISTEN_FDS", tt.fds)

			_, _, err := Listen("127.0.0.1:0")
			assert.Error(t, err, "expected error for malformed activation environment")
		})
	}
}

func TestListen_NoAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	_, _, err := Listen("")
	assert.Error(t, err, "expected error without address or activated socket")
}
