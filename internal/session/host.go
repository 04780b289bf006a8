package session

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	ProtocolFTP     = "ftp"
	ProtocolSFTP    = "sftp"
	ProtocolSCP     = "scp"
	ProtocolS3      = "s3"
	ProtocolWebDAV  = "webdav"
	ProtocolWebDAVS = "webdavs"
)

var defaultPorts = map[string]int{
	ProtocolFTP:     21,
	ProtocolSFTP:    22,
	ProtocolSCP:     22,
	ProtocolS3:      443,
	ProtocolWebDAV:  80,
	ProtocolWebDAVS: 443,
}

// Host describes one remote endpoint.
type Host struct {
	Protocol    string
	Hostname    string
	Port        int
	DefaultPath string
	Credentials *Credentials
	// Secure selects TLS for protocols that offer both.
	Secure bool
	// Timezone of server timestamps that carry none.
	Timezone *time.Location
}

// ParseURL turns a URL such as sftp://user@example.com:2222/srv into a
// Host and the remote path it names.
func ParseURL(raw string) (*Host, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse url: %w", err)
	}

	h := &Host{Timezone: time.UTC}
	switch strings.ToLower(u.Scheme) {
	case "ftp":
		h.Protocol = ProtocolFTP
	case "sftp":
		h.Protocol, h.Secure = ProtocolSFTP, true
	case "scp":
		h.Protocol, h.Secure = ProtocolSCP, true
	case "s3":
		h.Protocol, h.Secure = ProtocolS3, true
	case "s3+http":
		h.Protocol = ProtocolS3
	case "http", "dav", "webdav":
		h.Protocol = ProtocolWebDAV
	case "https", "davs", "webdavs":
		h.Protocol, h.Secure = ProtocolWebDAVS, true
	default:
		return nil, "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	h.Hostname = u.Hostname()
	if h.Hostname == "" {
		return nil, "", fmt.Errorf("missing host in %q", raw)
	}
	if p := u.Port(); p != "" {
		h.Port, err = strconv.Atoi(p)
		if err != nil {
			return nil, "", fmt.Errorf("invalid port %q: %w", p, err)
		}
	}

	if u.User != nil {
		h.Credentials = &Credentials{Username: u.User.Username()}
		if pw, ok := u.User.Password(); ok {
			h.Credentials.Password = []byte(pw)
		}
	}

	remote := u.Path
	if remote == "" {
		remote = "/"
	}
	h.DefaultPath = remote
	return h, remote, nil
}

// PortOrDefault returns the configured port or the protocol default.
func (h *Host) PortOrDefault() int {
	if h.Port > 0 {
		return h.Port
	}
	if h.Protocol == ProtocolS3 && !h.Secure {
		return 80
	}
	return defaultPorts[h.Protocol]
}

// Address returns host:port for dialing.
func (h *Host) Address() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.PortOrDefault()))
}

// Username returns the login name or "anonymous".
func (h *Host) Username() string {
	if h.Credentials == nil || h.Credentials.Username == "" {
		return "anonymous"
	}
	return h.Credentials.Username
}

// URL renders the host for display and persistence. Passwords are omitted.
func (h *Host) URL() string {
	scheme := h.Protocol
	if h.Protocol == ProtocolS3 && !h.Secure {
		scheme = "s3+http"
	}
	u := url.URL{Scheme: scheme, Host: h.Hostname, Path: h.DefaultPath}
	if h.Port > 0 {
		u.Host = h.Address()
	}
	if h.Credentials != nil && h.Credentials.Username != "" {
		u.User = url.User(h.Credentials.Username)
	}
	return u.String()
}

func (h *Host) String() string { return h.URL() }
