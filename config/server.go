package config

import (
	"errors"
	"fmt"
	"time"
)

type Server struct {
	Listen Listen     `yaml:"listen"`
	Path   string     `yaml:"path"`
	Auth   ServerAuth `yaml:"auth"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
	IdleDeadline  time.Duration `yaml:"idle_deadline"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`

	Substream Substream `yaml:"substream"`
}

type ServerAuth struct {
	// Secret is the static HMAC secret. A per-client secret lookup can be
	// installed programmatically; this one is the fallback.
	Secret   string        `yaml:"secret"`
	MaxDrift time.Duration `yaml:"max_drift"`
}

func (c *Server) ApplyDefaults() {
	if c.Listen.IP == "" {
		c.Listen.IP = "0.0.0.0"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.IdleDeadline <= 0 {
		c.IdleDeadline = DefaultIdleDeadline
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = DefaultInvokeTimeout
	}
	if c.Auth.MaxDrift <= 0 {
		c.Auth.MaxDrift = DefaultMaxDrift
	}
	c.Substream.ApplyDefaults()
}

// Validate checks the fields a config-driven server cannot run without.
// Embedding applications that install their own authorizer do not go
// through here.
func (c *Server) Validate() error {
	if _, err := c.Listen.GetIP(); err != nil {
		return err
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Listen.Port)
	}
	if len(c.Path) == 0 || c.Path[0] != '/' {
		return fmt.Errorf("path must start with /: %q", c.Path)
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}
	if c.IdleDeadline <= c.SweepInterval {
		return fmt.Errorf("idle_deadline %s must exceed sweep_interval %s",
			c.IdleDeadline, c.SweepInterval)
	}
	return nil
}
