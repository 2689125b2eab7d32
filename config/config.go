// Package config holds the deploy-time settings of the agent: the cache
// version, the resources to pre-cache and the request classification.
// Compiled-in defaults can be overridden by a YAML file and by environment
// variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/offline-cache/pkg/rules"
)

type Config struct {
	// Version names the current cache. Changing it rolls over to a new cache
	// on the next activation.
	Version string `yaml:"version" env:"OFFLINE_CACHE_VERSION"`
	// Scope is the base URL of the application. Shell files and relative
	// request URLs are resolved against it.
	Scope string `yaml:"scope" env:"OFFLINE_CACHE_SCOPE"`
	// BootPage is served for navigations that fail while offline.
	BootPage       string   `yaml:"bootPage" env:"OFFLINE_CACHE_BOOT_PAGE"`
	ShellFiles     []string `yaml:"shellFiles" env:"OFFLINE_CACHE_SHELL_FILES" envSeparator:","`
	ExternalFiles  []string `yaml:"externalFiles" env:"OFFLINE_CACHE_EXTERNAL_FILES" envSeparator:","`
	BypassHosts    []string `yaml:"bypassHosts" env:"OFFLINE_CACHE_BYPASS_HOSTS" envSeparator:","`
	ImmutableHosts []string `yaml:"immutableHosts" env:"OFFLINE_CACHE_IMMUTABLE_HOSTS" envSeparator:","`
	// Rules are consulted before the host lists.
	Rules               rules.Rules `yaml:"rules"`
	PrecacheConcurrency int         `yaml:"precacheConcurrency" env:"OFFLINE_CACHE_PRECACHE_CONCURRENCY"`
	SkipWaiting         bool        `yaml:"skipWaiting" env:"OFFLINE_CACHE_SKIP_WAITING"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Version:  "liaos-v1",
		Scope:    "http://localhost:3000/",
		BootPage: "./playground.html",
		ShellFiles: []string{
			"./",
			"./playground.html",
			"./manifest.json",
			"./icon-192.png",
			"./icon-512.png",
		},
		ExternalFiles: []string{
			"https://cdn.tailwindcss.com",
			"https://unpkg.com/react@18/umd/react.production.min.js",
			"https://unpkg.com/react-dom@18/umd/react-dom.production.min.js",
			"https://unpkg.com/@babel/standalone/babel.min.js",
			"https://unpkg.com/@supabase/supabase-js@2/dist/umd/supabase.min.js",
			"https://unpkg.com/localforage@1.10.0/dist/localforage.min.js",
		},
		BypassHosts:         []string{"supabase"},
		ImmutableHosts:      []string{"fonts.googleapis.com", "fonts.gstatic.com"},
		PrecacheConcurrency: 4,
		SkipWaiting:         true,
	}
}

// Load returns the default configuration, overridden by the YAML file (if
// filename is not empty) and then by the environment.
func Load(filename string) (Config, error) {
	cfg := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(configBytes, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Version == "" {
		return errors.New("version must not be empty")
	}
	if _, err := c.ScopeURL(); err != nil {
		return err
	}
	if c.PrecacheConcurrency < 0 {
		return fmt.Errorf("precacheConcurrency must not be negative, got %d", c.PrecacheConcurrency)
	}
	return c.Rules.Validate()
}

// ScopeURL parses the scope, which must be an absolute URL.
func (c Config) ScopeURL() (*url.URL, error) {
	u, err := url.Parse(c.Scope)
	if err != nil {
		return nil, fmt.Errorf("parse scope: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("scope %q is not an absolute url", c.Scope)
	}
	return u, nil
}
