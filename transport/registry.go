// Package transport implements the four concrete Transports named in
// spec.md §4.3 (unix, fd, ws, ssh), Listeners for unix and ws, plus
// URL-scheme dispatch for them, grounded on the original Python client's transport.py factory
// (ClientTransportUnix/ClientTransportWS/ClientTransportSSH, selected by
// urlparse(uri).scheme).
package transport

import (
	"fmt"
	"net/url"
	"strconv"

	dispatcher "github.com/freenas/go-dispatcher"
)

// Dial connects to uri, selecting a concrete Transport by scheme:
//
//	unix:///path/to/socket (the URL path is the socket path)
//	fd://N              (single duplex descriptor)
//	ws://host:port/path  (and wss://)
//	ssh://user@host:port/remote-command-path
//
// For ssh://, config must be supplied separately via DialSSH; Dial rejects
// that scheme since a *ssh.ClientConfig cannot be encoded in a URL.
func Dial(uri string) (dispatcher.Transport, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("dispatcher/transport: parse %q: %w", uri, err)
	}
	switch u.Scheme {
	case "unix":
		return DialUnix(u.Path)
	case "fd":
		descriptor := u.Opaque
		if descriptor == "" {
			descriptor = u.Host
		}
		n, err := parseFD(descriptor)
		if err != nil {
			return nil, err
		}
		return NewFD(n), nil
	case "ws", "wss":
		return DialWS(uri)
	case "ssh", "ws+ssh":
		return nil, fmt.Errorf("dispatcher/transport: %s:// requires an *ssh.ClientConfig; use DialSSH directly", u.Scheme)
	default:
		return nil, fmt.Errorf("dispatcher/transport: unsupported scheme %q", u.Scheme)
	}
}

// Listen constructs a Listener for uri, selecting by scheme as Dial does.
// ssh:// has no server-side Listener: the dispatcher helper is started by
// the remote sshd directly, not accepted from a listening socket.
func Listen(uri string) (dispatcher.Listener, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("dispatcher/transport: parse %q: %w", uri, err)
	}
	switch u.Scheme {
	case "unix":
		return ListenUnix(u.Path)
	default:
		return nil, fmt.Errorf("dispatcher/transport: unsupported listen scheme %q", u.Scheme)
	}
}

func parseFD(descriptor string) (int, error) {
	n, err := strconv.Atoi(descriptor)
	if err != nil {
		return 0, fmt.Errorf("dispatcher/transport: invalid fd %q: %w", descriptor, err)
	}
	return n, nil
}

// DefaultSSHHelperCommand is the remote command the ssh transport starts on
// an exec channel, matching the original Python client's default dispatcher
// client helper entry point.
const DefaultSSHHelperCommand = "dispatcherclient"
