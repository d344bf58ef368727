package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	dispatcher "github.com/freenas/go-dispatcher"
	"github.com/freenas/go-dispatcher/channel"
	"github.com/freenas/go-dispatcher/fd"
)

// maxFrame bounds a single unixTransport read, matching the original
// Python implementation's fixed receive buffer for its unix transport.
const maxFrame = 1 << 20

// unixTransport carries dispatcher frames, plus SCM_RIGHTS-passed
// descriptors, over a SOCK_SEQPACKET unix-domain socket: seqpacket preserves
// message boundaries, so one WriteMsgUnix/ReadMsgUnix call always carries
// exactly one dispatcher frame (header and body together), the same shape
// other_examples/9319e965_lyft-skopeo uses for its single-message FD
// passing protocol.
type unixTransport struct {
	conn *net.UnixConn

	sendOnce sync.Once

	mu   sync.Mutex
	peer dispatcher.Credentials
	have bool
}

// DialUnix connects to a unix-domain dispatcher endpoint at path.
func DialUnix(path string) (dispatcher.Transport, error) {
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("dispatcher/transport: dial unix %q: %w", path, err)
	}
	return &unixTransport{conn: conn}, nil
}

func (t *unixTransport) Send(payload []byte, fds []fd.FileDescriptor) error {
	frame := channel.EncodeFrame(payload)
	raw := make([]int, len(fds))
	for i, f := range fds {
		raw[i] = f.Fd
	}
	oob := unixRights(raw)
	t.sendOnce.Do(func() {
		oob = append(oob, ownCredentials()...)
	})
	n, oobn, err := t.conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return err
	}
	if n != len(frame) || oobn != len(oob) {
		return fmt.Errorf("dispatcher/transport: short write to unix socket")
	}
	for _, f := range fds {
		if f.Close {
			unix.Close(f.Fd)
		}
	}
	return nil
}

func (t *unixTransport) Recv() ([]byte, []int, error) {
	if !t.haveCreds() {
		// The kernel hands SCM_CREDENTIALS to the receiver only while
		// SO_PASSCRED is set on the receiving socket.
		if raw, err := t.conn.SyscallConn(); err == nil {
			raw.Control(func(s uintptr) {
				unix.SetsockoptInt(int(s), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
			})
		}
	}
	buf := make([]byte, maxFrame)
	oob := make([]byte, unix.CmsgSpace(16*4)) // room for a handful of descriptors
	n, oobn, _, _, err := t.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, err
	}
	if n < 8 {
		return nil, nil, fmt.Errorf("dispatcher/transport: short unix frame (%d bytes)", n)
	}
	magic, length, err := channel.DecodeHeader(buf[:8])
	if err != nil {
		return nil, nil, err
	}
	switch magic {
	case channel.Magic:
	case channel.PermissionDenied:
		return nil, nil, channel.ErrPermissionDenied
	default:
		return nil, nil, channel.ErrBadMagic
	}
	if uint32(n-8) != length {
		return nil, nil, fmt.Errorf("dispatcher/transport: frame length mismatch: header says %d, got %d", length, n-8)
	}
	fds, creds, err := parseAncillary(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	if creds != nil && !t.haveCreds() {
		t.mu.Lock()
		t.peer = *creds
		t.have = true
		t.mu.Unlock()
	}
	return buf[8:n], fds, nil
}

func (t *unixTransport) haveCreds() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.have
}

// PeerCredentials implements dispatcher's credentialSource, reporting the
// identity carried by the peer's first SCM_CREDENTIALS frame.
func (t *unixTransport) PeerCredentials() (dispatcher.Credentials, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer, t.have
}

func (t *unixTransport) Close() error { return t.conn.Close() }

func unixRights(fds []int) []byte {
	if len(fds) == 0 {
		return nil
	}
	return syscall.UnixRights(fds...)
}

// ownCredentials returns the SCM_CREDENTIALS ancillary payload identifying
// this process, sent on the first frame of an outbound unix connection.
// Linux's ucred has no separate effective-uid field, so EUID mirrors UID on
// the receiving side (dispatcher.Credentials.EUID); it is not encoded here.
func ownCredentials() []byte {
	return unix.UnixCredentials(&unix.Ucred{
		Pid: int32(os.Getpid()),
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	})
}

// parseAncillary splits oob into any passed file descriptors and any
// sender credentials, skipping control message types neither recognizes.
func parseAncillary(oob []byte) ([]int, *dispatcher.Credentials, error) {
	if len(oob) == 0 {
		return nil, nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatcher/transport: parse control message: %w", err)
	}
	var fds []int
	var creds *dispatcher.Credentials
	for i := range msgs {
		m := msgs[i]
		if got, err := unix.ParseUnixRights(&m); err == nil {
			fds = append(fds, got...)
			continue
		}
		if uc, err := unix.ParseUnixCredentials(&m); err == nil {
			creds = &dispatcher.Credentials{
				PID:  int(uc.Pid),
				UID:  int(uc.Uid),
				EUID: int(uc.Uid),
				GID:  int(uc.Gid),
			}
		}
	}
	return fds, creds, nil
}

// unixListener accepts unixTransport connections on a SOCK_SEQPACKET socket,
// implementing dispatcher.Listener.
type unixListener struct {
	ln *net.UnixListener
}

// ListenUnix listens for dispatcher connections on a unix-domain socket at
// path, creating it if necessary. The caller is responsible for removing
// the socket file on shutdown.
func ListenUnix(path string) (dispatcher.Listener, error) {
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("dispatcher/transport: listen unix %q: %w", path, err)
	}
	return &unixListener{ln: ln}, nil
}

func (l *unixListener) Accept() (dispatcher.Transport, error) {
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return &unixTransport{conn: conn}, nil
}

func (l *unixListener) Close() error { return l.ln.Close() }
