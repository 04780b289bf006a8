// Package sftp implements the session drivers for SSH based protocols:
// SFTP, and SCP which moves bytes with the scp sink/source protocol.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/yarkm13/skiff/internal/session"
)

// KnownHosts remembers fingerprints the user accepted for this process.
// Unknown keys are passed to Prompt; a nil Prompt rejects them.
type KnownHosts struct {
	Prompt session.HostKeyPrompt

	mu    sync.Mutex
	hosts map[string]string
}

// NewKnownHosts creates an empty fingerprint store.
func NewKnownHosts(prompt session.HostKeyPrompt) *KnownHosts {
	return &KnownHosts{Prompt: prompt, hosts: make(map[string]string)}
}

// Callback verifies host keys against the store.
func (k *KnownHosts) Callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)

	k.mu.Lock()
	stored, ok := k.hosts[hostname]
	k.mu.Unlock()
	if ok && stored == fingerprint {
		return nil
	}
	if ok {
		return fmt.Errorf("host key for %s changed to %s", hostname, fingerprint)
	}
	if k.Prompt == nil {
		return fmt.Errorf("unknown host key %s for %s", fingerprint, hostname)
	}

	trusted, err := k.Prompt.TrustHostKey(hostname, key.Type(), fingerprint)
	if err != nil {
		return err
	}
	if !trusted {
		return fmt.Errorf("host key verification rejected by user: %w", session.ErrLoginCanceled)
	}
	k.mu.Lock()
	k.hosts[hostname] = fingerprint
	k.mu.Unlock()
	return nil
}

// Options configures the SSH transport.
type Options struct {
	KnownHosts *KnownHosts
}

// sshConn owns one SSH client and the raw socket under it.
type sshConn struct {
	opts Options
	addr string
	user string

	mu     sync.Mutex
	raw    net.Conn
	client *ssh.Client
}

func (c *sshConn) dial(ctx context.Context, host *session.Host) error {
	c.addr = host.Address()
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.mu.Lock()
	c.raw = raw
	c.mu.Unlock()
	return nil
}

// handshake authenticates over the dialed socket. A rejected handshake
// closes the socket, so a second attempt dials again.
func (c *sshConn) handshake(ctx context.Context, creds *session.Credentials) error {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	if raw == nil {
		var d net.Dialer
		var err error
		if raw, err = d.DialContext(ctx, "tcp", c.addr); err != nil {
			return fmt.Errorf("dial %s: %w", c.addr, err)
		}
		c.mu.Lock()
		c.raw = raw
		c.mu.Unlock()
	}

	auth, err := authMethods(creds)
	if err != nil {
		return err
	}
	c.user = creds.Username
	known := c.opts.KnownHosts
	if known == nil {
		known = NewKnownHosts(nil)
	}
	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: known.Callback,
	}

	conn, chans, reqs, err := ssh.NewClientConn(raw, c.addr, cfg)
	if err != nil {
		raw.Close()
		c.mu.Lock()
		c.raw = nil
		c.mu.Unlock()
		if errors.Is(err, session.ErrLoginCanceled) {
			return err
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return fmt.Errorf("%v: %w", err, session.ErrLoginFailed)
		}
		return err
	}
	c.mu.Lock()
	c.client = ssh.NewClient(conn, chans, reqs)
	c.mu.Unlock()
	return nil
}

func authMethods(creds *session.Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if creds.KeyFile != "" {
		pem, err := os.ReadFile(creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if len(creds.Password) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, creds.Password)
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		session.SecureWipe(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(creds.Password) > 0 {
		pw := string(creds.Password)
		methods = append(methods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

func (c *sshConn) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *sshConn) noop() error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return net.ErrClosed
	}
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *sshConn) close() error {
	c.mu.Lock()
	client, raw := c.client, c.raw
	c.client, c.raw = nil, nil
	c.mu.Unlock()
	if client != nil {
		return client.Close()
	}
	if raw != nil {
		return raw.Close()
	}
	return nil
}

// abort closes the socket without the SSH goodbye.
func (c *sshConn) abort() {
	c.mu.Lock()
	raw := c.raw
	c.client, c.raw = nil, nil
	c.mu.Unlock()
	if raw != nil {
		_ = raw.Close()
	}
}
