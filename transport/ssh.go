package transport

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"

	dispatcher "github.com/freenas/go-dispatcher"
	"github.com/freenas/go-dispatcher/channel"
	"github.com/freenas/go-dispatcher/fd"
)

// sshTransport tunnels dispatcher frames over an SSH exec channel: the
// remote end runs a helper command that speaks the same magic+length
// framing directly on its stdin/stdout, mirroring the original Python
// client's ClientTransportSSH, which patches exec_command to open a raw
// exec channel rather than a login shell. SSH carries no ancillary data, so
// FD passing is unavailable here. When the helper answers with the
// channel.PermissionDenied sentinel, Recv wraps channel.ErrPermissionDenied
// in an ssh-specific message; errors.Is still matches it.
type sshTransport struct {
	ch      channel.Channel
	client  *ssh.Client
	session *ssh.Session
}

// DialSSH opens addr over SSH using config, starts remoteCmd (the
// dispatcher helper binary on the remote host) on an exec channel, and
// frames dispatcher traffic over its stdin/stdout.
func DialSSH(addr string, config *ssh.ClientConfig, remoteCmd string) (dispatcher.Transport, error) {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("dispatcher/transport: ssh dial %q: %w", addr, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("dispatcher/transport: ssh session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	if err := session.Start(remoteCmd); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("dispatcher/transport: ssh start %q: %w", remoteCmd, err)
	}
	return &sshTransport{
		ch:      channel.MagicFraming(stdout, nopWriteCloser{stdin}),
		client:  client,
		session: session,
	}, nil
}

// nopWriteCloser adapts an io.WriteCloser session pipe (closing it would
// send EOF to the remote command, which session.Close/Wait already handles
// once the exec channel itself tears down) so channel.MagicFraming does not
// double-close it.
type nopWriteCloser struct{ io.WriteCloser }

func (nopWriteCloser) Close() error { return nil }

func (t *sshTransport) Send(payload []byte, fds []fd.FileDescriptor) error {
	if len(fds) > 0 {
		return fmt.Errorf("dispatcher/transport: ssh transport cannot carry descriptors")
	}
	return t.ch.Send(payload)
}

func (t *sshTransport) Recv() ([]byte, []int, error) {
	b, err := t.ch.Recv()
	if err == channel.ErrPermissionDenied {
		return nil, nil, fmt.Errorf("dispatcher/transport: ssh endpoint refused the connection: %w", err)
	}
	return b, nil, err
}

func (t *sshTransport) Close() error {
	serr := t.session.Close()
	cerr := t.client.Close()
	if serr != nil {
		return serr
	}
	return cerr
}
