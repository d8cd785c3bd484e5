/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"fmt"
	"net"
	"time"

	"github.com/stretchr/testify/require"
)

const dialPollInterval = 10 * time.Millisecond

// GetLocalFreeTCPPort asks the kernel for a TCP port on 127.0.0.1 that nobody listens on at the moment.
func GetLocalFreeTCPPort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

// GetLocalAddrWithFreeTCPPort returns "127.0.0.1:<port>" with a free TCP port.
func GetLocalAddrWithFreeTCPPort() string {
	return fmt.Sprintf("127.0.0.1:%d", GetLocalFreeTCPPort())
}

// WaitListeningServer blocks until a TCP connection to addr succeeds or timeout elapses.
func WaitListeningServer(addr string, timeout time.Duration) error {
	return pollUntil(timeout, "server on "+addr+" is not listening", func() bool { return canDial("tcp", addr) })
}

// WaitListeningServerWithUnixSocket is WaitListeningServer for a unix domain socket.
func WaitListeningServerWithUnixSocket(socketPath string, timeout time.Duration) error {
	return pollUntil(timeout, "server on "+socketPath+" is not listening", func() bool { return canDial("unix", socketPath) })
}

// WaitPortAndListeningServer waits for getPort to report a non-zero port (servers listening on ":0")
// and then for the server on host:port to accept connections.
func WaitPortAndListeningServer(host string, getPort func() int, timeout time.Duration) (int, error) {
	var port int
	if err := pollUntil(timeout, "listening port is unknown", func() bool {
		port = getPort()
		return port > 0
	}); err != nil {
		return 0, err
	}
	return port, WaitListeningServer(net.JoinHostPort(host, fmt.Sprint(port)), timeout)
}

// RequireNoErrorInChannel fails the test if the buffered channel already holds a non-nil error.
// It never blocks.
func RequireNoErrorInChannel(t require.TestingT, errs <-chan error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	select {
	case err := <-errs:
		require.NoError(t, err, msgAndArgs...)
	default:
	}
}

func canDial(network, addr string) bool {
	conn, err := net.DialTimeout(network, addr, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func pollUntil(timeout time.Duration, failMsg string, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("%s after %s", failMsg, timeout)
		}
		time.Sleep(dialPollInterval)
	}
	return nil
}
