package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"slingmarket/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress   string   `toml:"ListenAddress"`
	RPCAddress      string   `toml:"RPCAddress"`
	DataDir         string   `toml:"DataDir"`
	KeystorePath    string   `toml:"KeystorePath"`
	NetworkName     string   `toml:"NetworkName"`
	Bootnodes       []string `toml:"Bootnodes"`
	PersistentPeers []string `toml:"PersistentPeers"`
	// EscrowMargin is the fixed amount, in minor units, added on top of the
	// listing price when funding an escrow. Empty selects the default.
	EscrowMargin string `toml:"EscrowMargin"`
	// WalletBalance seeds the in-process funding wallet, in minor units.
	WalletBalance string `toml:"WalletBalance"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "slingmarket-local"
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
	if cfg.PersistentPeers == nil {
		cfg.PersistentPeers = []string{}
	}
	return cfg, nil
}

// ParseAmount reads a decimal minor-unit amount field, applying the fallback
// when the field is empty.
func ParseAmount(value string, fallback *big.Int) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return new(big.Int).Set(fallback), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid amount %q", value)
	}
	return amount, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeystorePath != keystorePath {
		cfg.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:   ":6001",
		RPCAddress:      ":8080",
		DataDir:         "./market-data",
		NetworkName:     "slingmarket-local",
		Bootnodes:       []string{},
		PersistentPeers: []string{},
	}
	cfg.KeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "market.keystore")
}
