package dispatcher

import "sync"

// Credentials is the sender identity delivered on the first inbound frame
// of a credential-bearing transport (unix), per spec.md §4.3's "Send
// sender credentials (pid/uid/euid/gid) on the first outbound frame and
// deliver received credentials to the Connection (credentials field) on
// first inbound frame." EUID is set equal to UID on platforms (Linux)
// whose SCM_CREDENTIALS ancillary data does not distinguish real from
// effective uid.
type Credentials struct {
	PID, UID, EUID, GID int
}

// credentialSource is implemented by transports that can report the peer's
// identity once it has arrived (unix); other transports (fd, ws, ssh) carry
// no credentials, so Connection.PeerCredentials always reports !ok for them.
type credentialSource interface {
	PeerCredentials() (Credentials, bool)
}

type credsBox struct {
	mu   sync.Mutex
	val  Credentials
	have bool
}

func (c *Connection) pollCredentials() {
	c.creds.mu.Lock()
	already := c.creds.have
	c.creds.mu.Unlock()
	if already {
		return
	}
	cs, ok := c.tr.(credentialSource)
	if !ok {
		return
	}
	creds, ok := cs.PeerCredentials()
	if !ok {
		return
	}
	c.creds.mu.Lock()
	c.creds.val = creds
	c.creds.have = true
	c.creds.mu.Unlock()
}

// PeerCredentials returns the credentials delivered with the transport's
// first inbound frame, or (zero, false) if the transport carries none or
// none has arrived yet.
func (c *Connection) PeerCredentials() (Credentials, bool) {
	c.creds.mu.Lock()
	defer c.creds.mu.Unlock()
	return c.creds.val, c.creds.have
}
