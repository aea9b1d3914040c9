// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package vagent holds the configuration of the varnish management agent.
package vagent

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	agenterrors "github.com/zeus911/vagent2/pkg/errors"
)

// EnvPrefix is the prefix of every agent environment variable.
const EnvPrefix = "VAGENT_"

// Config holds the agent configuration.
type Config struct {
	Host       string `env:"HOST"             envDefault:"127.0.0.1"`
	Port       string `env:"PORT"             envDefault:"6085"`
	ReadOnly   bool   `env:"READ_ONLY"        envDefault:"false"`
	AuthToken  string `env:"AUTH_TOKEN"`
	SecretFile string `env:"AUTH_SECRET_FILE" envDefault:"/etc/varnish/agent_secret"`
	Realm      string `env:"REALM"            envDefault:"varnish-agent"`
	StaticDir  string `env:"STATIC_DIR"`

	// Observability. A zero MetricsPort disables the metrics listener.
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// MaxBodySize caps request bodies in bytes. Negative disables the cap.
	MaxBodySize int64 `env:"MAX_BODY_SIZE" envDefault:"2048000"`

	// Admission control. A zero capacity disables the limiter.
	AcceptRateCapacity    int64 `env:"ACCEPT_RATE_CAPACITY"     envDefault:"0"`
	AcceptRateRefill      int64 `env:"ACCEPT_RATE_REFILL"       envDefault:"0"`
	PerClientRateCapacity int64 `env:"PER_CLIENT_RATE_CAPACITY" envDefault:"0"`
	PerClientRateRefill   int64 `env:"PER_CLIENT_RATE_REFILL"   envDefault:"0"`
	MaxClients            int   `env:"MAX_CLIENTS"              envDefault:"1024"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Address validates Host and Port and returns the listen address. Host must
// be an IPv4 or IPv6 literal.
func (c Config) Address() (string, error) {
	if net.ParseIP(c.Host) == nil {
		return "", fmt.Errorf("%w: %q", agenterrors.ErrInvalidAddress, c.Host)
	}
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: %q", agenterrors.ErrInvalidPort, c.Port)
	}
	return net.JoinHostPort(c.Host, c.Port), nil
}

// Token returns the shared Basic credential. AuthToken wins; otherwise the
// first line of SecretFile, "user:password", is base64-encoded.
func (c Config) Token() (string, error) {
	if c.AuthToken != "" {
		return c.AuthToken, nil
	}
	if c.SecretFile == "" {
		return "", agenterrors.ErrMissingToken
	}

	f, err := os.Open(c.SecretFile)
	if err != nil {
		return "", fmt.Errorf("%w: %w", agenterrors.ErrSecretFile, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("%w: %s: %w", agenterrors.ErrSecretFile, c.SecretFile, err)
		}
		return "", fmt.Errorf("%w: %s: empty", agenterrors.ErrSecretFile, c.SecretFile)
	}
	line := strings.TrimRight(sc.Text(), "\r")
	if !strings.Contains(line, ":") {
		return "", fmt.Errorf("%w: %s: expected user:password", agenterrors.ErrSecretFile, c.SecretFile)
	}
	return base64.StdEncoding.EncodeToString([]byte(line)), nil
}
