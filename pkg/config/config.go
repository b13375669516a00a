// Package config loads the engine configuration from an optional YAML file
// and CERTLEDGER_* environment variables. The file is checked against an
// embedded CUE schema before it is decoded.
package config

import (
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/certledger/pkg/archive"
	"github.com/Mindburn-Labs/certledger/pkg/arith"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/crypto"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
	"github.com/Mindburn-Labs/certledger/pkg/guards"
	"github.com/Mindburn-Labs/certledger/pkg/observability"
	"github.com/Mindburn-Labs/certledger/pkg/packet"
)

//go:embed schema.cue
var schemaSource string

// Packet signature schemes.
const (
	SignatureEd25519 = "ed25519"
	SignatureJWS     = "jws"
)

// DatabaseConfig selects the SQL backend. An empty driver keeps the trail
// and states in memory.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig locates the shared halt latch. An empty address keeps the
// latch in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GenesisConfig is the state the engine starts from when nothing has been
// committed yet. Amounts are decimal strings.
type GenesisConfig struct {
	Balances    map[string]string `yaml:"balances"`
	TotalSupply string            `yaml:"total_supply"`
}

// KeysConfig names public keys by key ID (hex Ed25519) and where the sealing
// seed comes from. Seeds are never read from the file itself.
type KeysConfig struct {
	SignerKeyID   string            `yaml:"signer_key_id"`
	SignerSeedEnv string            `yaml:"signer_seed_env"`
	Packets       map[string]string `yaml:"packets"`
	Seals         map[string]string `yaml:"seals"`
	Authority     map[string]string `yaml:"authority"`
}

// Config is the complete engine configuration.
type Config struct {
	ContextID         string               `yaml:"context_id"`
	LogLevel          string               `yaml:"log_level"`
	LogFormat         string               `yaml:"log_format"`
	VersionConstraint string               `yaml:"version_constraint"`
	PacketSignature   string               `yaml:"packet_signature"`
	Database          DatabaseConfig       `yaml:"database"`
	Redis             RedisConfig          `yaml:"redis"`
	Archive           archive.Config       `yaml:"archive"`
	Telemetry         observability.Config `yaml:"telemetry"`
	Arith             arith.Config         `yaml:"arith"`
	Constants         contracts.Constants  `yaml:"constants"`
	Policies          []guards.PolicyRule  `yaml:"policies"`
	Genesis           GenesisConfig        `yaml:"genesis"`
	Keys              KeysConfig           `yaml:"keys"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ContextID:         "certledger",
		LogLevel:          "info",
		LogFormat:         "json",
		VersionConstraint: packet.DefaultVersionConstraint,
		PacketSignature:   SignatureEd25519,
		Telemetry:         observability.DefaultConfig(),
		Arith:             arith.DefaultConfig(),
		Constants:         contracts.DefaultConstants(),
		Keys: KeysConfig{
			SignerKeyID:   "certledger-seal",
			SignerSeedEnv: "CERTLEDGER_SIGNER_SEED",
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	if err := validateSchema(data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return nil
}

func validateSchema(data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := cueyaml.Validate(data, def); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	set := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set("CERTLEDGER_CONTEXT_ID", &c.ContextID)
	set("CERTLEDGER_LOG_LEVEL", &c.LogLevel)
	set("CERTLEDGER_DB_DRIVER", &c.Database.Driver)
	set("CERTLEDGER_DB_DSN", &c.Database.DSN)
	set("CERTLEDGER_REDIS_ADDR", &c.Redis.Addr)
	set("CERTLEDGER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	var archiveType string
	set("CERTLEDGER_ARCHIVE_TYPE", &archiveType)
	if archiveType != "" {
		c.Archive.Type = archive.Type(archiveType)
	}
	if v, err := strconv.ParseBool(os.Getenv("CERTLEDGER_TELEMETRY_ENABLED")); err == nil {
		c.Telemetry.Enabled = v
	}
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.ContextID == "" {
		return fmt.Errorf("config: context_id is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "" && c.Database.DSN == "" {
		return fmt.Errorf("config: database dsn is required for driver %s", c.Database.Driver)
	}
	switch c.PacketSignature {
	case SignatureEd25519, SignatureJWS:
	default:
		return fmt.Errorf("config: unsupported packet signature %q", c.PacketSignature)
	}
	if err := c.Arith.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Constants.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.GenesisState(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, err := c.Level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// GenesisState builds the initial token state from Genesis and Constants.
func (c *Config) GenesisState() (contracts.TokenState, error) {
	var balances contracts.Balances
	for name, raw := range c.Genesis.Balances {
		v, err := parseDecimal(raw)
		if err != nil {
			return contracts.TokenState{}, fmt.Errorf("config: genesis balance %s: %w", name, err)
		}
		if balances, err = balances.With(contracts.Asset(name), v); err != nil {
			return contracts.TokenState{}, fmt.Errorf("config: genesis: %w", err)
		}
	}
	supply, err := parseDecimal(c.Genesis.TotalSupply)
	if err != nil {
		return contracts.TokenState{}, fmt.Errorf("config: genesis total supply: %w", err)
	}
	return contracts.NewState(balances, c.Constants, supply), nil
}

func parseDecimal(s string) (fixedpoint.Value, error) {
	if s == "" {
		return fixedpoint.Zero, nil
	}
	return fixedpoint.Parse(s)
}

func keyRing(keys map[string]string) (*crypto.KeyRing, error) {
	ring := crypto.NewKeyRing()
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		v, err := crypto.NewEd25519VerifierFromHex(keys[id], id)
		if err != nil {
			return nil, fmt.Errorf("config: key %s: %w", id, err)
		}
		ring.AddKey(v)
	}
	return ring, nil
}

// PacketVerifier builds the verifier for packet signatures from Keys.Packets.
func (c *Config) PacketVerifier() (packet.SignatureVerifier, error) {
	if len(c.Keys.Packets) == 0 {
		return nil, fmt.Errorf("config: no packet keys configured")
	}
	if c.PacketSignature == SignatureJWS {
		v := packet.NewJWSVerifier()
		for id, pubHex := range c.Keys.Packets {
			ev, err := crypto.NewEd25519VerifierFromHex(pubHex, id)
			if err != nil {
				return nil, fmt.Errorf("config: packet key %s: %w", id, err)
			}
			v.AddKey(id, ev.PublicKey)
		}
		return v, nil
	}
	ring, err := keyRing(c.Keys.Packets)
	if err != nil {
		return nil, err
	}
	return packet.NewKeyVerifier(ring), nil
}

// AuthorityKeys returns the keys allowed to sign halt resets. It is nil when
// none are configured, which makes every reset fail.
func (c *Config) AuthorityKeys() (crypto.Verifier, error) {
	if len(c.Keys.Authority) == 0 {
		return nil, nil
	}
	ring, err := keyRing(c.Keys.Authority)
	if err != nil {
		return nil, err
	}
	return ring, nil
}

// Signer loads the sealing key from the environment variable named by
// Keys.SignerSeedEnv. It returns nil when the variable is unset.
func (c *Config) Signer() (crypto.Signer, error) {
	if c.Keys.SignerSeedEnv == "" {
		return nil, nil
	}
	seed := os.Getenv(c.Keys.SignerSeedEnv)
	if seed == "" {
		return nil, nil
	}
	s, err := crypto.NewEd25519SignerFromSeed(seed, c.Keys.SignerKeyID)
	if err != nil {
		return nil, fmt.Errorf("config: signer: %w", err)
	}
	return s, nil
}

// SealVerifier returns the keys accepted on sealed bundles: Keys.Seals plus
// the public half of the configured signer.
func (c *Config) SealVerifier() (*crypto.KeyRing, error) {
	ring, err := keyRing(c.Keys.Seals)
	if err != nil {
		return nil, err
	}
	s, err := c.Signer()
	if err != nil {
		return nil, err
	}
	if s != nil {
		if err := ring.AddSigner(s); err != nil {
			return nil, fmt.Errorf("config: signer: %w", err)
		}
	}
	return ring, nil
}
