package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"path"
	"strings"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/protocol/ftp"
	"github.com/yarkm13/skiff/internal/protocol/s3"
	"github.com/yarkm13/skiff/internal/protocol/sftp"
	"github.com/yarkm13/skiff/internal/protocol/webdav"
	"github.com/yarkm13/skiff/internal/session"
)

var driverFactories = []DriverFactory{
	ftpFactory{},
	sftpFactory{},
	scpFactory{},
	s3Factory{},
	webdavFactory{},
}

func getDriverFactory(host *session.Host) DriverFactory {
	for _, factory := range driverFactories {
		if factory.Accept(host) {
			return factory
		}
	}
	return nil
}

type ftpFactory struct{}

func (ftpFactory) Name() string { return "FTP" }

func (ftpFactory) Accept(host *session.Host) bool { return host.Protocol == session.ProtocolFTP }

func (ftpFactory) Create(host *session.Host, env *driverEnv) session.Driver {
	opts := ftp.Options{Timeout: env.cfg.ConnectTimeout}
	if host.Secure {
		opts.TLS = &tls.Config{ServerName: host.Hostname}
	}
	return ftp.New(opts)
}

type sftpFactory struct{}

func (sftpFactory) Name() string { return "SFTP" }

func (sftpFactory) Accept(host *session.Host) bool { return host.Protocol == session.ProtocolSFTP }

func (sftpFactory) Create(host *session.Host, env *driverEnv) session.Driver {
	return sftp.New(sftp.Options{KnownHosts: env.knownHosts})
}

type scpFactory struct{}

func (scpFactory) Name() string { return "SCP" }

func (scpFactory) Accept(host *session.Host) bool { return host.Protocol == session.ProtocolSCP }

func (scpFactory) Create(host *session.Host, env *driverEnv) session.Driver {
	return sftp.NewSCP(sftp.Options{KnownHosts: env.knownHosts})
}

type s3Factory struct{}

func (s3Factory) Name() string { return "S3" }

func (s3Factory) Accept(host *session.Host) bool { return host.Protocol == session.ProtocolS3 }

func (s3Factory) Create(host *session.Host, env *driverEnv) session.Driver {
	return s3.New(s3.Options{Timeout: env.cfg.ConnectTimeout})
}

type webdavFactory struct{}

func (webdavFactory) Name() string { return "WebDAV" }

func (webdavFactory) Accept(host *session.Host) bool {
	return host.Protocol == session.ProtocolWebDAV || host.Protocol == session.ProtocolWebDAVS
}

func (webdavFactory) Create(host *session.Host, env *driverEnv) session.Driver {
	return webdav.New(webdav.Options{
		Timeout: env.cfg.ConnectTimeout,
		Secure:  host.Protocol == session.ProtocolWebDAVS,
	})
}

// openSession parses raw into a host and wraps a fresh driver for it in a
// session. Every transfer gets its own session and driver.
func openSession(raw string, env *driverEnv) (*session.Session, string, error) {
	host, remote, err := session.ParseURL(raw)
	if err != nil {
		return nil, "", err
	}
	if env.keyFile != "" && (host.Protocol == session.ProtocolSFTP || host.Protocol == session.ProtocolSCP) {
		if host.Credentials == nil {
			host.Credentials = &session.Credentials{}
		}
		host.Credentials.KeyFile = env.keyFile
	}
	factory := getDriverFactory(host)
	if factory == nil {
		return nil, "", fmt.Errorf("no driver available for protocol %s", host.Protocol)
	}
	opts := session.OptionsFrom(env.cfg)
	opts.Login = env.login
	return session.New(host, factory.Create(host, env), opts), remote, nil
}

// remoteType looks remote up in its parent listing. A trailing slash or
// the root always names a directory.
func remoteType(ctx context.Context, s *session.Session, remote string) (paths.Type, error) {
	if remote == "/" || strings.HasSuffix(remote, "/") {
		return paths.DirectoryType, nil
	}
	p := paths.New(remote, paths.FileType)
	if err := s.Check(ctx); err != nil {
		return 0, err
	}
	list, err := s.List(ctx, p.Parent())
	if err != nil {
		return 0, err
	}
	if found := list.Get(p.Absolute()); found != nil {
		return found.Type, nil
	}
	return 0, fmt.Errorf("%s: not found in %s", path.Base(remote), p.Parent().Absolute())
}
