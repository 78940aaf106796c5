// Package config provides the configuration schema and loader for the
// Volcano server. Configuration is read from a YAML file (./application.yml
// by default) and deep-merged over built-in defaults; the key layout stays
// compatible with the upstream gateway's Spring-style file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level is a log verbosity name as written in the config file.
type Level string

// Slog maps a config level onto its slog equivalent. Unknown names return
// false and should have been rejected by Validate.
func (l Level) Slog() (slog.Level, bool) {
	switch strings.ToUpper(string(l)) {
	case "TRACE", "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// IsValid reports whether l is a recognised level name.
func (l Level) IsValid() bool {
	_, ok := l.Slog()
	return ok
}

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Lavalink LavalinkConfig `yaml:"lavalink"`
	Logging  LoggingConfig  `yaml:"logging"`
	Spring   SpringConfig   `yaml:"spring"`
}

// ServerConfig holds the bind address of the combined HTTP/WS listener.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Addr renders the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// LavalinkConfig nests the protocol server settings.
type LavalinkConfig struct {
	Server LavalinkServerConfig `yaml:"server"`
}

// LavalinkServerConfig holds auth and source gating.
type LavalinkServerConfig struct {
	Password string        `yaml:"password"`
	Sources  SourcesConfig `yaml:"sources"`

	YouTubeSearchEnabled    bool `yaml:"youtubeSearchEnabled"`
	SoundCloudSearchEnabled bool `yaml:"soundcloudSearchEnabled"`
}

// SourcesConfig switches individual audio sources on and off.
type SourcesConfig struct {
	YouTube    bool `yaml:"youtube"`
	SoundCloud bool `yaml:"soundcloud"`
	Local      bool `yaml:"local"`
	HTTP       bool `yaml:"http"`
}

// LoggingConfig controls log verbosity per logger.
type LoggingConfig struct {
	Level LogLevels `yaml:"level"`
}

// LogLevels distinguishes the root logger from the gateway's own logger.
type LogLevels struct {
	Root     Level `yaml:"root"`
	Lavalink Level `yaml:"lavalink"`
}

// SpringConfig carries the upstream file's leftover knobs this server
// still honours.
type SpringConfig struct {
	Main SpringMainConfig `yaml:"main"`
}

// SpringMainConfig holds the banner switch.
type SpringMainConfig struct {
	BannerMode string `yaml:"banner-mode"`
}

// Default returns the built-in configuration the file is merged over.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "0.0.0.0",
			Port:    2333,
		},
		Lavalink: LavalinkConfig{
			Server: LavalinkServerConfig{
				Sources: SourcesConfig{
					YouTube:    true,
					SoundCloud: true,
					Local:      false,
					HTTP:       true,
				},
				YouTubeSearchEnabled:    true,
				SoundCloudSearchEnabled: true,
			},
		},
		Logging: LoggingConfig{
			Level: LogLevels{Root: "INFO", Lavalink: "INFO"},
		},
		Spring: SpringConfig{
			Main: SpringMainConfig{BannerMode: "log"},
		},
	}
}

// Validate checks that cfg contains a coherent set of values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", cfg.Server.Port))
	}
	if !cfg.Logging.Level.Root.IsValid() {
		errs = append(errs, fmt.Sprintf("logging.level.root %q is invalid", cfg.Logging.Level.Root))
	}
	if !cfg.Logging.Level.Lavalink.IsValid() {
		errs = append(errs, fmt.Sprintf("logging.level.lavalink %q is invalid", cfg.Logging.Level.Lavalink))
	}

	src := cfg.Lavalink.Server.Sources
	if !src.YouTube && !src.SoundCloud && !src.Local && !src.HTTP {
		slog.Warn("all sources are disabled; every load will fail")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
