package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/TBXark/optional-go"
	"github.com/go-sphere/confstore"
	"github.com/go-sphere/confstore/codec"
	"github.com/go-sphere/confstore/provider"
	pfile "github.com/go-sphere/confstore/provider/file"
	phttp "github.com/go-sphere/confstore/provider/http"
)

type transportKind string

const (
	transportStdio          transportKind = "stdio"
	transportSSE            transportKind = "sse"
	transportStreamableHTTP transportKind = "streamable-http"
	transportWebSocket      transportKind = "websocket"
	transportModelScopeSSE  transportKind = "modelscope-sse"
)

const (
	defaultAddr          = ":9090"
	defaultToolSeparator = "."
	defaultMaxBodyBytes  = 4 << 20
	defaultBackendTimeout = 30 * time.Second
)

type Config struct {
	McpGateway *GatewayConfig            `json:"mcpGateway"`
	McpServers map[string]*BackendConfig `json:"mcpServers"`
}

type GatewayConfig struct {
	Addr                  string           `json:"addr,omitempty"`
	Name                  string           `json:"name,omitempty"`
	Version               string           `json:"version,omitempty"`
	ToolSeparator         string           `json:"toolSeparator,omitempty"`
	MaxBodyBytes          int64            `json:"maxBodyBytes,omitempty"`
	AuthTokens            []string         `json:"authTokens,omitempty"`
	HealthIntervalSeconds int              `json:"healthIntervalSeconds,omitempty"`
	ToolOverridesPath     string           `json:"toolOverridesPath,omitempty"`
	CatalogSnapshotPath   string           `json:"catalogSnapshotPath,omitempty"`
	SnapshotHistory       int              `json:"snapshotHistory,omitempty"`
	Admin                 *AdminQueueConfig `json:"admin,omitempty"`
	Options               *GatewayOptions  `json:"options,omitempty"`
}

type GatewayOptions struct {
	LogEnabled optional.Field[bool] `json:"logEnabled,omitempty"`
}

type AdminQueueConfig struct {
	GlobalLimit    int `json:"globalLimit,omitempty"`
	PerTargetLimit int `json:"perTargetLimit,omitempty"`
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	RetryLimit     int `json:"retryLimit,omitempty"`
}

type BackendOptions struct {
	PanicIfInvalid optional.Field[bool] `json:"panicIfInvalid,omitempty"`
	LogEnabled     optional.Field[bool] `json:"logEnabled,omitempty"`
}

// BackendConfig describes one downstream MCP server. The transport kind is
// inferred from the populated fields: command means stdio, url means one of
// the network transports (disambiguated by an explicit type or the URL shape).
type BackendConfig struct {
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	APIKey    string            `json:"apiKey,omitempty"`
	Type      string            `json:"type,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
	Options   *BackendOptions   `json:"options,omitempty"`
}

func (c *BackendConfig) transport() (transportKind, error) {
	if c.Command != "" {
		if c.URL != "" {
			return "", fmt.Errorf("backend config has both command and url")
		}
		return transportStdio, nil
	}
	if c.URL == "" {
		return "", fmt.Errorf("backend config needs a command or a url")
	}
	switch c.Type {
	case "":
		// fall through to URL shape
	case string(transportSSE):
		return transportSSE, nil
	case string(transportStreamableHTTP), "http", "streamable":
		return transportStreamableHTTP, nil
	case string(transportWebSocket), "ws":
		return transportWebSocket, nil
	case string(transportModelScopeSSE), "modelscope":
		return transportModelScopeSSE, nil
	default:
		return "", fmt.Errorf("unknown backend type %q", c.Type)
	}
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
		return transportWebSocket, nil
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported backend url scheme %q", parsed.Scheme)
	}
	if strings.Contains(parsed.Host, "modelscope") {
		return transportModelScopeSSE, nil
	}
	if strings.HasSuffix(strings.TrimSuffix(parsed.Path, "/"), "/sse") {
		return transportSSE, nil
	}
	return transportStreamableHTTP, nil
}

func (c *BackendConfig) panicIfInvalid() bool {
	if c.Options == nil {
		return false
	}
	return c.Options.PanicIfInvalid.OrElse(false)
}

func (c *BackendConfig) logEnabled() bool {
	if c.Options == nil {
		return false
	}
	return c.Options.LogEnabled.OrElse(false)
}

func (c *BackendConfig) timeout() time.Duration {
	if c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return defaultBackendTimeout
}

func validBackendName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func validateBackend(name string, backend *BackendConfig, separator string) error {
	if backend == nil {
		return fmt.Errorf("backend %q has no config", name)
	}
	if !validBackendName(name) {
		return fmt.Errorf("invalid backend name %q", name)
	}
	if separator != "" && strings.Contains(name, separator) {
		return fmt.Errorf("backend name %q contains tool separator %q", name, separator)
	}
	if _, err := backend.transport(); err != nil {
		return fmt.Errorf("backend %q: %w", name, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.McpGateway == nil {
		c.McpGateway = &GatewayConfig{}
	}
	gw := c.McpGateway
	if gw.Addr == "" {
		gw.Addr = defaultAddr
	}
	if gw.Name == "" {
		gw.Name = "mcp-gateway"
	}
	if gw.Version == "" {
		gw.Version = "dev"
	}
	if gw.ToolSeparator == "" {
		gw.ToolSeparator = defaultToolSeparator
	}
	if gw.MaxBodyBytes <= 0 {
		gw.MaxBodyBytes = defaultMaxBodyBytes
	}
	if gw.Admin == nil {
		gw.Admin = &AdminQueueConfig{}
	}
	for name, backend := range c.McpServers {
		if err := validateBackend(name, backend, gw.ToolSeparator); err != nil {
			return err
		}
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	var source provider.Provider
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		source = phttp.New(path)
	} else {
		source = pfile.New(path)
	}
	conf, err := confstore.Load[Config](source, codec.JsonCodec())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
