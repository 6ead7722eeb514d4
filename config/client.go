package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

type Client struct {
	// ClientID identifies this client to the server. Generated when empty so
	// throwaway configs work out of the box, but deployments should pin it:
	// a fresh id on every restart defeats takeover.
	ClientID string `yaml:"client_id"`

	// Server is the connect URL, e.g. wss://host:8790/connect.
	Server  string     `yaml:"server"`
	Version string     `yaml:"version"`
	Auth    ClientAuth `yaml:"auth"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	InvokeTimeout     time.Duration `yaml:"invoke_timeout"`

	Metadata map[string]string `yaml:"metadata"`

	Substream Substream `yaml:"substream"`
	Reconnect Reconnect `yaml:"reconnect"`
}

type ClientAuth struct {
	Secret      string `yaml:"secret"`
	AuthVersion string `yaml:"auth_version"`
}

type Reconnect struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

func (c *Client) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = GenerateClientID()
	}
	if c.Version == "" {
		c.Version = DefaultClientVersion
	}
	if c.Auth.AuthVersion == "" {
		c.Auth.AuthVersion = DefaultAuthVersion
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = DefaultInvokeTimeout
	}
	if c.Reconnect.InitialBackoff <= 0 {
		c.Reconnect.InitialBackoff = DefaultReconnectBackoff
	}
	if c.Reconnect.MaxBackoff <= 0 {
		c.Reconnect.MaxBackoff = DefaultReconnectMaxBackoff
	}
	if c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		c.Reconnect.MaxBackoff = c.Reconnect.InitialBackoff
	}
	c.Substream.ApplyDefaults()
}

func (c *Client) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("server url scheme must be ws or wss: %q", c.Server)
	}
	if u.Host == "" {
		return fmt.Errorf("server url missing host: %q", c.Server)
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}
	return nil
}

// ServerURL returns the parsed connect URL. Call Validate first.
func (c *Client) ServerURL() (*url.URL, error) {
	return url.Parse(c.Server)
}
