package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultPath is the config file location used when none is given on the CLI
const DefaultPath = "./config/config.toml"

// GrantType selects the OAuth2 grant used against the identity provider
type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantPassword          GrantType = "password"
)

// Config is the root configuration for the sync engine
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Neo4j    Neo4jConfig    `toml:"neo4j"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Keycloak KeycloakConfig `toml:"keycloak"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Neo4jConfig holds graph store connection settings
type Neo4jConfig struct {
	URI      string `toml:"uri"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// LedgerConfig holds participant connection and subscription settings
type LedgerConfig struct {
	URL         string   `toml:"url"`
	Parties     []string `toml:"parties"`
	BeginOffset int64    `toml:"begin_offset"`
	FakeJWTUser string   `toml:"fake_jwt_user"`
}

// KeycloakConfig holds identity-provider settings for OAuth2 mode.
// Required fields depend on the grant: client_credentials needs
// client_secret, password needs username and password.
type KeycloakConfig struct {
	ClientID      string    `toml:"client_id"`
	TokenEndpoint string    `toml:"token_endpoint"`
	GrantType     GrantType `toml:"grant_type"`
	ClientSecret  string    `toml:"client_secret"`
	Username      string    `toml:"username"`
	Password      string    `toml:"password"`
}

// Load reads and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Neo4j: Neo4jConfig{
			URI:  "neo4j://localhost:7687",
			User: "neo4j",
		},
		Ledger: LedgerConfig{
			URL:         "localhost:6865",
			FakeJWTUser: "participant_admin",
		},
		Keycloak: KeycloakConfig{
			GrantType: GrantClientCredentials,
		},
	}
}

func (c *Config) validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}

	if c.Neo4j.URI == "" {
		return fmt.Errorf("neo4j.uri is required")
	}
	if c.Neo4j.User == "" {
		return fmt.Errorf("neo4j.user is required")
	}

	if c.Ledger.URL == "" {
		return fmt.Errorf("ledger.url is required")
	}
	if len(c.Ledger.Parties) == 0 {
		return fmt.Errorf("ledger.parties must name at least one party")
	}
	if c.Ledger.BeginOffset < 0 {
		return fmt.Errorf("ledger.begin_offset must not be negative")
	}

	return nil
}

// ValidateKeycloak checks the identity-provider section. It is only called
// when OAuth2 mode is selected, so a missing section is an error here but
// not during Load.
func (c *Config) ValidateKeycloak() error {
	kc := c.Keycloak
	if kc.ClientID == "" {
		return fmt.Errorf("keycloak.client_id is required")
	}
	if kc.TokenEndpoint == "" {
		return fmt.Errorf("keycloak.token_endpoint is required")
	}

	switch kc.GrantType {
	case GrantClientCredentials:
		if kc.ClientSecret == "" {
			return fmt.Errorf("keycloak.client_secret is required for the client_credentials grant")
		}
	case GrantPassword:
		if kc.Username == "" || kc.Password == "" {
			return fmt.Errorf("keycloak.username and keycloak.password are required for the password grant")
		}
	default:
		return fmt.Errorf("unsupported keycloak.grant_type %q", kc.GrantType)
	}

	return nil
}
