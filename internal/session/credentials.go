package session

import "context"

// Credentials holds login secrets for one host.
type Credentials struct {
	Username string
	Password []byte
	// KeyFile is a private key used by SSH based protocols.
	KeyFile string
	// Remember asks the caller to keep the credentials after a prompt.
	Remember bool
}

// Anonymous reports whether the credentials select anonymous access.
func (c *Credentials) Anonymous() bool {
	return c == nil || c.Username == "" || c.Username == "anonymous"
}

// Check reports whether the credentials can be sent without prompting.
func (c *Credentials) Check() bool {
	if c.Anonymous() {
		return true
	}
	return len(c.Password) > 0 || c.KeyFile != ""
}

// Clear wipes the password from memory.
func (c *Credentials) Clear() {
	if c == nil {
		return
	}
	SecureWipe(c.Password)
	c.Password = nil
}

// SecureWipe overwrites data with zeros.
func SecureWipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// LoginPrompt asks the user for credentials. Implementations return
// ErrLoginCanceled when the user declines.
type LoginPrompt interface {
	PromptLogin(ctx context.Context, host *Host, reason string) (*Credentials, error)
}

// LoginPromptFunc adapts a function to LoginPrompt.
type LoginPromptFunc func(ctx context.Context, host *Host, reason string) (*Credentials, error)

func (f LoginPromptFunc) PromptLogin(ctx context.Context, host *Host, reason string) (*Credentials, error) {
	return f(ctx, host, reason)
}

// HostKeyPrompt asks whether an unknown host key fingerprint is trusted.
type HostKeyPrompt interface {
	TrustHostKey(host, keyType, fingerprint string) (bool, error)
}

// HostKeyPromptFunc adapts a function to HostKeyPrompt.
type HostKeyPromptFunc func(host, keyType, fingerprint string) (bool, error)

func (f HostKeyPromptFunc) TrustHostKey(host, keyType, fingerprint string) (bool, error) {
	return f(host, keyType, fingerprint)
}
