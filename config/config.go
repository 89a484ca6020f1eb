// Package config loads connection options for client.Client from a YAML
// document, the ambient "configuration" concern SPEC_FULL.md calls for
// alongside the wire-protocol core. There is no teacher analogue for this
// concern (redisconn.Opts is always built up in Go code, never parsed from
// a file); the shape here follows client.Options field-for-field and
// parses with the same library the retrieved pack already carries
// (gopkg.in/yaml.v3, in johnjansen-torua's go.mod).
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joomcode/qclient/client"
	"github.com/joomcode/qclient/endpoint"
	"github.com/joomcode/qclient/handshake"
)

// Auth selects one of the handshake package's authentication stages.
// Exactly one of Password or HmacPassword may be set; setting neither
// skips authentication entirely.
type Auth struct {
	Password     string `yaml:"password"`
	HmacPassword string `yaml:"hmac_password"`
}

// File is the on-disk shape a YAML config document is unmarshaled into.
type File struct {
	// Targets lists candidate "host:port" endpoints tried in order.
	Targets []string `yaml:"targets"`

	Auth Auth `yaml:"auth"`

	// ClientName is sent via handshake.SetClientName when non-empty.
	ClientName string `yaml:"client_name"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
	IOTimeout   time.Duration `yaml:"io_timeout"`

	// PendingLimit overrides client.DefaultPendingLimit when non-zero.
	PendingLimit int `yaml:"pending_limit"`

	Async bool `yaml:"async"`

	// TransparentRedirects mirrors client.Options.TransparentRedirects.
	// Off by default; only single-hop MOVED redirects are ever followed.
	TransparentRedirects bool `yaml:"transparent_redirects"`
}

// Load reads and parses a YAML document at path into a File.
func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return f, nil
}

// Options translates a parsed File into client.Options, ready to pass to
// client.Connect. Fields the File leaves at their zero value fall through
// to client.Connect's own defaults.
func (f File) Options() (client.Options, error) {
	targets := make([]endpoint.Endpoint, 0, len(f.Targets))
	for _, t := range f.Targets {
		ep, err := parseTarget(t)
		if err != nil {
			return client.Options{}, err
		}
		targets = append(targets, ep)
	}

	opts := client.Options{
		Targets:              targets,
		DialTimeout:          f.DialTimeout,
		IOTimeout:            f.IOTimeout,
		Async:                f.Async,
		TransparentRedirects: f.TransparentRedirects,
	}

	if f.PendingLimit > 0 {
		opts.Gate = client.RateLimitPendingRequests(f.PendingLimit)
	}

	if hs := f.buildHandshake(); hs != nil {
		opts.NewHandshake = func() handshake.Handshake { return hs.Clone() }
	}

	return opts, nil
}

func (f File) buildHandshake() handshake.Handshake {
	var chain handshake.Handshake

	switch {
	case f.Auth.HmacPassword != "":
		chain = chainAppend(chain, &handshake.HmacAuth{Password: f.Auth.HmacPassword})
	case f.Auth.Password != "":
		chain = chainAppend(chain, &handshake.Auth{Password: f.Auth.Password})
	}

	if f.ClientName != "" {
		chain = chainAppend(chain, &handshake.SetClientName{Name: f.ClientName})
	}

	return chain
}

func chainAppend(chain handshake.Handshake, next handshake.Handshake) handshake.Handshake {
	if chain == nil {
		return next
	}
	return handshake.NewChain(chain, next)
}

func parseTarget(s string) (endpoint.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("config: invalid target %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("config: invalid target %q: %w", s, err)
	}
	return endpoint.Endpoint{Host: host, Port: uint16(port)}, nil
}
