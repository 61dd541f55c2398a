// Package config holds the call configuration: the user's role, the
// signaling store location, STUN servers and media constraints.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/store"
)

// Role represents the user's chosen role (host or guest).
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// DefaultCandidatePoolSize is how many ICE candidates are gathered ahead of
// the offer or answer.
const DefaultCandidatePoolSize = 10

// DefaultSTUNServers are used for ICE candidate gathering when no other
// servers are configured. No TURN: the call is direct P2P only.
var DefaultSTUNServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Config stores all parameters gathered from the config file, CLI flags and
// interactive prompts.
type Config struct {
	Role   Role   `toml:"-"`
	CallID string `toml:"-"` // Guest: call to join

	Store  StoreConfig `toml:"store"`
	ICE    ICEConfig   `toml:"ice"`
	Link   LinkConfig  `toml:"link"`
	Media  MediaConfig `toml:"media"`
	Debug  bool        `toml:"debug"`
	Listen string      `toml:"listen"` // Relay: address the ws store listens on
}

// StoreConfig selects the signaling store backend.
//
//	ws://host:port/ws          remote relay (wsstore)
//	firestore://<project-id>   Cloud Firestore
//	memory://                  in-process store (single-process demos, tests)
type StoreConfig struct {
	URL        string `toml:"url"`
	Collection string `toml:"collection"`
}

type ICEConfig struct {
	STUN              []string `toml:"stun"`
	CandidatePoolSize uint8    `toml:"candidate_pool_size"`
}

// LinkConfig holds the origin used to build shareable call links.
type LinkConfig struct {
	Origin string `toml:"origin"`
}

type MediaConfig struct {
	Video bool `toml:"video"`
	Audio bool `toml:"audio"`
}

// Default returns the configuration used when neither a file nor flags
// override a value.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			URL:        "ws://127.0.0.1:7000/ws",
			Collection: store.CallsCollection,
		},
		ICE: ICEConfig{
			STUN:              append([]string(nil), DefaultSTUNServers...),
			CandidatePoolSize: DefaultCandidatePoolSize,
		},
		Link:   LinkConfig{Origin: "p2pcall://join"},
		Media:  MediaConfig{Video: true, Audio: true},
		Listen: "127.0.0.1:7000",
	}
}

// Load reads a TOML config file and overlays it on the defaults. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that cannot be defaulted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.URL) == "" {
		return fmt.Errorf("config: store url must not be empty")
	}
	if strings.TrimSpace(c.Store.Collection) == "" {
		return fmt.Errorf("config: store collection must not be empty")
	}
	for _, u := range c.ICE.STUN {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("config: invalid STUN url %q", u)
		}
	}
	switch c.Role {
	case "", RoleHost, RoleGuest:
	default:
		return fmt.Errorf("config: invalid role %q", c.Role)
	}
	return nil
}

// ICEServers converts the configured STUN list into pion ICE servers.
func (c *Config) ICEServers() []webrtc.ICEServer {
	if len(c.ICE.STUN) == 0 {
		return nil
	}
	return []webrtc.ICEServer{
		{URLs: append([]string(nil), c.ICE.STUN...)},
	}
}
