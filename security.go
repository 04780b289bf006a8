package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/yarkm13/skiff/internal/logging"
	"github.com/yarkm13/skiff/internal/session"
)

// maxSecret bounds a password read from the terminal. Long enough for
// base64 encoded keys.
const maxSecret = 65536

// console asks the user questions on the controlling terminal. Transfers
// run concurrently, so prompts are serialized.
type console struct {
	mu     sync.Mutex
	in     *os.File
	out    io.Writer
	reader *bufio.Reader
}

func newConsole(in *os.File, out io.Writer) *console {
	return &console{in: in, out: out, reader: bufio.NewReader(in)}
}

func (c *console) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// askPassword reads a secret without echoing it. The secret is returned
// as a byte slice so the caller can wipe it.
func (c *console) askPassword(label string) ([]byte, error) {
	fmt.Fprintf(c.out, "%s: ", label)
	fd := int(c.in.Fd())
	if !term.IsTerminal(fd) {
		line, err := c.readLine()
		return []byte(line), err
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("set terminal to raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)
	defer fmt.Fprint(c.out, "\r\n")

	var password []byte
	buffer := make([]byte, 4096)
	for {
		n, err := c.in.Read(buffer)
		if err != nil {
			session.SecureWipe(password)
			return nil, fmt.Errorf("read password: %w", err)
		}
		chunk := buffer[:n]
		if i := strings.IndexAny(string(chunk), "\r\n\x03"); i >= 0 {
			if chunk[i] == 0x03 {
				session.SecureWipe(password)
				session.SecureWipe(buffer)
				return nil, session.ErrLoginCanceled
			}
			password = append(password, chunk[:i]...)
			break
		}
		password = append(password, chunk...)
		if len(password) > maxSecret {
			logging.Warn("very large secret detected, truncating")
			password = password[:maxSecret]
			break
		}
	}
	session.SecureWipe(buffer)
	return password, nil
}

// confirm asks a yes/no question; anything but y or yes is no.
func (c *console) confirm(question string) (bool, error) {
	fmt.Fprintf(c.out, "%s (y/n): ", question)
	answer, err := c.readLine()
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

// PromptLogin asks for the username when the URL had none, then for the
// password. An empty password cancels the login.
func (c *console) PromptLogin(ctx context.Context, host *session.Host, reason string) (*session.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fmt.Fprintln(c.out, reason)
	creds := &session.Credentials{}
	if host.Credentials != nil {
		creds.Username = host.Credentials.Username
		creds.KeyFile = host.Credentials.KeyFile
	}
	if creds.Username == "" {
		fmt.Fprintf(c.out, "Username for %s: ", host.Hostname)
		name, err := c.readLine()
		if err != nil {
			return nil, err
		}
		creds.Username = strings.TrimSpace(name)
	}
	password, err := c.askPassword(fmt.Sprintf("Password for %s@%s", creds.Username, host.Hostname))
	if err != nil {
		return nil, err
	}
	if len(password) == 0 && creds.KeyFile == "" {
		return nil, session.ErrLoginCanceled
	}
	creds.Password = password
	return creds, nil
}

// TrustHostKey asks whether to trust an unknown SSH host key.
func (c *console) TrustHostKey(host, keyType, fingerprint string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\nThe authenticity of host %s cannot be established.\n", host)
	fmt.Fprintf(c.out, "%s key fingerprint is %s.\n", keyType, fingerprint)
	return c.confirm("Are you sure you want to continue connecting?")
}
