package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/comit-network/cnd/internal/infrastructure/bitcoin"
)

type Config struct {
	Datadir  string
	LogLevel uint32

	HTTPAddress string
	HTTPPort    uint32

	NetworkListen []string
	Peers         []string
	LocalName     string

	DbType       string
	DatabasePath string

	BitcoinNodeURL string
	BitcoinNetwork string

	EthereumNodeURL string

	LightningNode     string
	LightningMacaroon string
	LightningCert     string

	FinalityBitcoin  uint64
	FinalityEthereum uint64

	PeriodToAct time.Duration

	ManualAccept      bool
	BitcoinIdentity   string
	EthereumIdentity  string
	LightningIdentity string

	Markets []MarketConfig

	Seed [32]byte
}

// MarketConfig is one tradeable pair and where its legs settle.
type MarketConfig struct {
	Base        string `mapstructure:"base"`
	Quote       string `mapstructure:"quote"`
	BaseLedger  string `mapstructure:"base_ledger"`
	BaseAsset   string `mapstructure:"base_asset"`
	QuoteLedger string `mapstructure:"quote_ledger"`
	QuoteAsset  string `mapstructure:"quote_asset"`
	QuoteToken  string `mapstructure:"quote_token"`
}

var (
	Datadir           = "datadir"
	LogLevel          = "log_level"
	HTTPAddress       = "http_api.socket.address"
	HTTPPort          = "http_api.socket.port"
	NetworkListen     = "network.listen"
	NetworkPeers      = "network.peers"
	NetworkLocalName  = "network.local_name"
	DatabaseSqlite    = "database.sqlite"
	DatabaseType      = "database.type"
	BitcoinNodeURL    = "bitcoin.node_url"
	BitcoinNetwork    = "bitcoin.network"
	EthereumNodeURL   = "ethereum.node_url"
	LightningNode     = "lightning.node"
	LightningMacaroon = "lightning.macaroon"
	LightningCert     = "lightning.cert"
	FinalityBitcoin   = "finality_depth.bitcoin"
	FinalityEthereum  = "finality_depth.ethereum"
	ExpiryPeriodToAct = "expiry_policy.period_to_act"
	SwapManualAccept  = "swap.manual_accept"
	IdentityBitcoin   = "identity.bitcoin"
	IdentityEthereum  = "identity.ethereum"
	IdentityLightning = "identity.lightning"
	Markets           = "markets"

	defaultDatadir  = appDatadir("cnd")
	defaultLogLevel = 4
	defaultHTTPAddr = "127.0.0.1"
	defaultHTTPPort = 8000
	defaultListen   = []string{"0.0.0.0:9939"}
	defaultDbType   = "sqlite"
	defaultNetwork  = string(bitcoin.Mainnet)
)

// knownKeys is the closed set of recognised configuration keys; anything
// else in the file is a startup error.
var knownKeys = map[string]struct{}{
	Datadir: {}, LogLevel: {},
	HTTPAddress: {}, HTTPPort: {},
	NetworkListen: {}, NetworkPeers: {}, NetworkLocalName: {},
	DatabaseSqlite: {}, DatabaseType: {},
	BitcoinNodeURL: {}, BitcoinNetwork: {},
	EthereumNodeURL: {},
	LightningNode:   {}, LightningMacaroon: {}, LightningCert: {},
	FinalityBitcoin: {}, FinalityEthereum: {},
	ExpiryPeriodToAct: {},
	SwapManualAccept:  {},
	IdentityBitcoin:   {}, IdentityEthereum: {}, IdentityLightning: {},
	Markets: {},
}

// LoadConfig reads the optional YAML file at path, applies CND_ environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(Datadir, defaultDatadir)
	v.SetDefault(LogLevel, defaultLogLevel)
	v.SetDefault(HTTPAddress, defaultHTTPAddr)
	v.SetDefault(HTTPPort, defaultHTTPPort)
	v.SetDefault(NetworkListen, defaultListen)
	v.SetDefault(DatabaseType, defaultDbType)
	v.SetDefault(BitcoinNetwork, defaultNetwork)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %s", path, err)
		}
		if err := rejectUnknownKeys(v); err != nil {
			return nil, err
		}
	}

	datadir := cleanAndExpandPath(v.GetString(Datadir))
	if err := makeDirectoryIfNotExists(datadir); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}

	cfg := &Config{
		Datadir:           datadir,
		LogLevel:          v.GetUint32(LogLevel),
		HTTPAddress:       v.GetString(HTTPAddress),
		HTTPPort:          v.GetUint32(HTTPPort),
		NetworkListen:     v.GetStringSlice(NetworkListen),
		Peers:             v.GetStringSlice(NetworkPeers),
		LocalName:         v.GetString(NetworkLocalName),
		DbType:            v.GetString(DatabaseType),
		DatabasePath:      cleanAndExpandPath(v.GetString(DatabaseSqlite)),
		BitcoinNodeURL:    v.GetString(BitcoinNodeURL),
		BitcoinNetwork:    v.GetString(BitcoinNetwork),
		EthereumNodeURL:   v.GetString(EthereumNodeURL),
		LightningNode:     v.GetString(LightningNode),
		LightningMacaroon: cleanAndExpandPath(v.GetString(LightningMacaroon)),
		LightningCert:     cleanAndExpandPath(v.GetString(LightningCert)),
		FinalityBitcoin:   v.GetUint64(FinalityBitcoin),
		FinalityEthereum:  v.GetUint64(FinalityEthereum),
		PeriodToAct:       v.GetDuration(ExpiryPeriodToAct),
		ManualAccept:      v.GetBool(SwapManualAccept),
		BitcoinIdentity:   v.GetString(IdentityBitcoin),
		EthereumIdentity:  v.GetString(IdentityEthereum),
		LightningIdentity: v.GetString(IdentityLightning),
	}

	if err := v.UnmarshalKey(Markets, &cfg.Markets); err != nil {
		return nil, fmt.Errorf("invalid markets configuration: %s", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(datadir, "cnd.sqlite")
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "cnd"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	seed, err := ensureSeed(filepath.Join(datadir, "seed"))
	if err != nil {
		return nil, err
	}
	cfg.Seed = seed

	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := bitcoin.Network(c.BitcoinNetwork).ChainParams(); err != nil {
		return err
	}
	switch c.DbType {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("unknown database type %q", c.DbType)
	}
	if len(c.NetworkListen) == 0 {
		return fmt.Errorf("at least one network.listen address is required")
	}
	return nil
}

// rejectUnknownKeys fails startup when the file carries keys this version
// does not understand, instead of silently ignoring a typo.
func rejectUnknownKeys(v *viper.Viper) error {
	var unknown []string
	for _, key := range v.AllKeys() {
		if _, ok := knownKeys[key]; ok {
			continue
		}
		// nested market entries surface as markets.<n>.<field>
		if strings.HasPrefix(key, Markets+".") {
			continue
		}
		unknown = append(unknown, key)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// ensureSeed loads the node seed, creating it on first start. Swap secrets
// are derived from it, which is what makes them recoverable after a crash
// without ever being persisted.
func ensureSeed(path string) ([32]byte, error) {
	var seed [32]byte

	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != len(seed) {
			return seed, fmt.Errorf("corrupt seed file %s: %d bytes", path, len(raw))
		}
		copy(seed[:], raw)
		return seed, nil
	}
	if !os.IsNotExist(err) {
		return seed, err
	}

	if _, err := rand.Read(seed[:]); err != nil {
		return seed, fmt.Errorf("failed to generate seed: %s", err)
	}
	if err := os.WriteFile(path, seed[:], 0600); err != nil {
		return seed, fmt.Errorf("failed to write seed file: %s", err)
	}
	return seed, nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

// appDatadir returns the OS-specific default data directory.
func appDatadir(appName string) string {
	var homeDir string
	usr, err := user.Current()
	if err == nil {
		homeDir = usr.HomeDir
	}
	if homeDir == "" {
		homeDir = os.Getenv("HOME")
	}
	if homeDir == "" {
		return "."
	}
	return filepath.Join(homeDir, "."+appName)
}

func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}
	return filepath.Clean(os.ExpandEnv(path))
}
