package main

import (
	"github.com/yarkm13/skiff/internal/config"
	"github.com/yarkm13/skiff/internal/protocol/sftp"
	"github.com/yarkm13/skiff/internal/session"
)

// DriverFactory creates protocol drivers for the hosts it accepts.
type DriverFactory interface {
	Accept(host *session.Host) bool
	Create(host *session.Host, env *driverEnv) session.Driver
	Name() string
}

// driverEnv is what every factory may need to build a driver.
type driverEnv struct {
	cfg        config.Config
	knownHosts *sftp.KnownHosts
	login      session.LoginPrompt
	// keyFile is handed to SSH based protocols as the private key.
	keyFile string
}
