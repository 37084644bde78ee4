// Copyright 2025 The Halyard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML route configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Duration is a [time.Duration] that unmarshals from strings like "30s".
type Duration time.Duration

var _ yaml.BytesUnmarshaler = (*Duration)(nil)

// UnmarshalYAML implements [yaml.BytesUnmarshaler].
func (d *Duration) UnmarshalYAML(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Route describes one listening port and the upstream behind it.
type Route struct {
	// Listen is the client-facing TCP port.
	Listen int `yaml:"listen"`
	// Host optionally restricts the route to one virtual-host name,
	// letting several routes share a port.
	Host string `yaml:"host"`
	// Upstream is the backend host:port requests are forwarded to.
	Upstream string `yaml:"upstream"`
	// Realm names the credential scope presented in challenges.
	Realm string `yaml:"realm"`
	// UsersFile is the htpasswd-style credential file for the realm.
	UsersFile string `yaml:"users_file"`
	// PoolSize caps live upstream connections. Defaults to 15.
	PoolSize int `yaml:"pool_size"`
	// IdleTimeout is how long an unused upstream connection is kept.
	IdleTimeout Duration `yaml:"idle_timeout"`
	// DialTimeout bounds connecting to (or waiting for) the upstream.
	DialTimeout Duration `yaml:"dial_timeout"`
	// RequestTimeout bounds one full request/response exchange.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// Config is the top-level configuration document.
type Config struct {
	Routes []Route `yaml:"routes"`
	// MaxClients bounds concurrently served client connections per
	// listener. Defaults to 1024.
	MaxClients int `yaml:"max_clients"`
	// ShutdownGrace is how long in-flight exchanges may drain on stop.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// Defaults applied by Load to fields left unset.
const (
	DefaultPoolSize       = 15
	DefaultIdleTimeout    = 60 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultShutdownGrace  = 5 * time.Second
)

// Load reads and validates the configuration at path, applying defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("config %s declares no routes", path)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = Duration(DefaultShutdownGrace)
	}
	for i := range cfg.Routes {
		if err := validateRoute(&cfg.Routes[i]); err != nil {
			return nil, fmt.Errorf("route %d: %w", i+1, err)
		}
	}
	return &cfg, nil
}

func validateRoute(rt *Route) error {
	if rt.Listen < 0 || rt.Listen > 65535 {
		return fmt.Errorf("invalid listen port %d", rt.Listen)
	}
	if _, _, err := net.SplitHostPort(rt.Upstream); err != nil {
		return fmt.Errorf("invalid upstream address %q: %w", rt.Upstream, err)
	}
	if rt.Realm == "" {
		return fmt.Errorf("missing realm for upstream %q", rt.Upstream)
	}
	if rt.UsersFile == "" {
		return fmt.Errorf("missing users_file for realm %q", rt.Realm)
	}
	if rt.PoolSize <= 0 {
		rt.PoolSize = DefaultPoolSize
	}
	if rt.IdleTimeout <= 0 {
		rt.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if rt.DialTimeout <= 0 {
		rt.DialTimeout = Duration(DefaultDialTimeout)
	}
	if rt.RequestTimeout <= 0 {
		rt.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	return nil
}
