package httpio

import (
	"io"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the YAML document layered under a Client's
// programmatic fields for operators who would rather point at a config
// file than construct a Client struct in code. Every field is optional;
// a zero value leaves the corresponding Client field untouched.
type ClientConfig struct {
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	MaxHeaderBytes      int           `yaml:"max_header_bytes"`
	MaxTotalHeaderBytes int           `yaml:"max_total_header_bytes"`
}

// LoadClientConfig decodes a ClientConfig from r.
func LoadClientConfig(r io.Reader) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, &ProtocolError{Reason: "client config: " + err.Error()}
	}
	return &cfg, nil
}

// ApplyTo layers cfg's non-zero fields onto c. Fields c already set
// explicitly (non-zero) are left alone, so a caller can override just
// part of a loaded config in code after calling ApplyTo.
func (cfg *ClientConfig) ApplyTo(c *Client) {
	if cfg == nil {
		return
	}
	if c.MaxConnsPerHost == 0 {
		c.MaxConnsPerHost = cfg.MaxConnsPerHost
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = cfg.IdleConnTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = cfg.DialTimeout
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = cfg.MaxHeaderBytes
	}
	if c.MaxTotalHeaderBytes == 0 {
		c.MaxTotalHeaderBytes = cfg.MaxTotalHeaderBytes
	}
}

// ServerConfig is the YAML counterpart for Server: `{address, port}`,
// extended with the same ambient timeouts Server exposes in code.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	MaxHeaderBytes      int `yaml:"max_header_bytes"`
	MaxTotalHeaderBytes int `yaml:"max_total_header_bytes"`
}

// LoadServerConfig decodes a ServerConfig from r.
func LoadServerConfig(r io.Reader) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, &ProtocolError{Reason: "server config: " + err.Error()}
	}
	return &cfg, nil
}

// ApplyTo layers cfg onto s the same way ClientConfig.ApplyTo does.
func (cfg *ServerConfig) ApplyTo(s *Server) {
	if cfg == nil {
		return
	}
	if s.Addr == "" {
		s.Addr = joinHostPort(cfg.Address, cfg.Port)
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = cfg.ReadTimeout
	}
	if s.ReadHeaderTimeout == 0 {
		s.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = cfg.WriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = cfg.IdleTimeout
	}
	if s.MaxHeaderBytes == 0 {
		s.MaxHeaderBytes = cfg.MaxHeaderBytes
	}
	if s.MaxTotalHeaderBytes == 0 {
		s.MaxTotalHeaderBytes = cfg.MaxTotalHeaderBytes
	}
}

func joinHostPort(address string, port int) string {
	if address == "" && port == 0 {
		return ""
	}
	return address + ":" + strconv.Itoa(port)
}
