package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/wsmux/wsmux/stream"
)

const (
	EnvPrefix = "WSMUX_"
)

type Listen struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

func (l Listen) GetIP() (net.IP, error) {
	ip := net.ParseIP(l.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %s", l.IP)
	}
	return ip, nil
}

// Addr renders the listen address in host:port form.
func (l Listen) Addr() string {
	return net.JoinHostPort(l.IP, strconv.Itoa(l.Port))
}

// Substream tunes the binary channel multiplexer. The id sequence is not
// configurable: servers take even ids, clients odd, both stepping by two.
type Substream struct {
	PendingCap    int           `yaml:"pending_cap"`
	AttachTimeout time.Duration `yaml:"attach_timeout"`
	HighWater     int           `yaml:"high_water"`
	ChunkSize     int           `yaml:"chunk_size"`
}

func (s *Substream) ApplyDefaults() {
	if s.PendingCap <= 0 {
		s.PendingCap = DefaultPendingCap
	}
	if s.AttachTimeout <= 0 {
		s.AttachTimeout = DefaultAttachTimeout
	}
	if s.HighWater <= 0 {
		s.HighWater = DefaultHighWater
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
}

// StreamConfig converts to the engine's substream settings with the given
// id sequence.
func (s Substream) StreamConfig(idStart, idStep uint64) stream.SubstreamConfig {
	return stream.SubstreamConfig{
		IDStart:       idStart,
		IDStep:        idStep,
		PendingCap:    s.PendingCap,
		AttachTimeout: s.AttachTimeout,
		HighWater:     s.HighWater,
		ChunkSize:     s.ChunkSize,
	}
}
