// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package vsphereclient

import (
	"fmt"
	"net/url"

	"github.com/juju/errors"
)

const (
	defaultPort        = 443
	defaultConsolePort = 9443
)

// Config carries the connection and placement settings for a Client.
// Callers populate it from wherever their configuration lives; this
// package does not read the environment.
type Config struct {
	// Host is the IP or FQDN of the vCenter server.
	Host string

	// Port is the vCenter API port. Zero means 443.
	Port int

	// ConsolePort is the port serving the HTML5 VM console. Zero
	// means 9443.
	ConsolePort int

	// User and Password authenticate the session.
	User     string
	Password string

	// Insecure skips TLS certificate verification.
	Insecure bool

	// Datacenter scopes inventory lookups. Empty means the first
	// datacenter found.
	Datacenter string

	// BaseFolder is the top-level inventory directory that named
	// lookups are scoped under.
	BaseFolder string

	// ResourcePool is the name of the pool new VMs are deployed into.
	ResourcePool string

	// Datastores lists the candidate datastore (or datastore cluster)
	// names that deployments choose from at random.
	Datastores []string

	// TemplateDir is where exported OVAs end up.
	TemplateDir string
}

// Validate returns an error if the configuration cannot possibly dial
// a vCenter.
func (cfg Config) Validate() error {
	if cfg.Host == "" {
		return errors.NotValidf("empty Host")
	}
	if cfg.User == "" {
		return errors.NotValidf("empty User")
	}
	if cfg.Password == "" {
		return errors.NotValidf("empty Password")
	}
	if len(cfg.Datastores) == 0 {
		return errors.NotValidf("empty Datastores")
	}
	return nil
}

func (cfg Config) port() int {
	if cfg.Port == 0 {
		return defaultPort
	}
	return cfg.Port
}

func (cfg Config) consolePort() int {
	if cfg.ConsolePort == 0 {
		return defaultConsolePort
	}
	return cfg.ConsolePort
}

func (cfg Config) url() *url.URL {
	return &url.URL{
		Scheme: "https",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.port()),
		Path:   "/sdk",
		User:   url.UserPassword(cfg.User, cfg.Password),
	}
}
