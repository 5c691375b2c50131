// Package config loads the publisher configuration: the network table,
// the signing identity and the deployment parameters.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"

	"github.com/connectplatform/daarion/publish"
	"github.com/connectplatform/daarion/publish/manifest"
	"github.com/connectplatform/daarion/publish/pipeline"
)

const (
	EnvPrefix          = "DAARION"
	DefaultNetwork     = "development"
	DefaultArtifacts   = "artifacts"
	DefaultManifestDir = ".deployments"
	DefaultABIDir      = "abi"
	DefaultTimeout     = 10 * time.Minute

	defaultGasFeeCap = 2_000_000_000
	defaultGasTipCap = 1_000_000_000
)

type Network struct {
	URL           string `mapstructure:"url"`
	ChainID       int64  `mapstructure:"chain_id"`
	Gas           uint64 `mapstructure:"gas"`
	GasPrice      int64  `mapstructure:"gas_price"`
	GasFeeCap     int64  `mapstructure:"gas_fee_cap"`
	GasTipCap     int64  `mapstructure:"gas_tip_cap"`
	Confirmations uint64 `mapstructure:"confirmations"`
	// TimeoutMS bounds each receipt wait, in milliseconds.
	TimeoutMS int64 `mapstructure:"timeout"`
}

type Manifest struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	RedisURL    string `mapstructure:"redis_url"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	VerifyCode  bool   `mapstructure:"verify_code"`
}

type Config struct {
	Network  string             `mapstructure:"network"`
	Networks map[string]Network `mapstructure:"networks"`

	PrivateKey       string `mapstructure:"private_key"`
	Keystore         string `mapstructure:"keystore"`
	KeystorePassword string `mapstructure:"keystore_password"`
	PublicAddress    string `mapstructure:"public_address"`

	Custody            string `mapstructure:"custody"`
	Admin              string `mapstructure:"admin"`
	FeeBps             int64  `mapstructure:"fee_bps"`
	EpochDuration      int64  `mapstructure:"epoch_duration"`
	TransferProxyAdmin bool   `mapstructure:"transfer_proxy_admin"`

	Artifacts         string            `mapstructure:"artifacts"`
	FactoryAddress    string            `mapstructure:"factory_address"`
	FactorySaltSuffix string            `mapstructure:"factory_salt_suffix"`
	Contracts         map[string]string `mapstructure:"contracts"`
	Manifest          Manifest          `mapstructure:"manifest"`

	ABIDir       string   `mapstructure:"abi_dir"`
	ABIContracts []string `mapstructure:"abi_contracts"`

	Deadline time.Duration `mapstructure:"deadline"`
}

// DefaultNetworks mirrors the network table the contracts were first
// published with.
func DefaultNetworks() map[string]Network {
	return map[string]Network{
		"amoy": {
			URL:           "https://rpc-amoy.polygon.technology/",
			ChainID:       80002,
			Gas:           5_500_000,
			GasPrice:      30_000_000_000,
			Confirmations: 2,
			TimeoutMS:     10_000,
		},
		"polygon": {
			URL:           "https://polygon-mainnet.infura.io/v3/${INFURA_KEY}",
			ChainID:       137,
			Gas:           5_500_000,
			GasPrice:      30_100_000_000,
			Confirmations: 2,
			TimeoutMS:     1_000_000,
		},
		"development": {
			URL:     "http://127.0.0.1:8545",
			ChainID: 1337,
		},
	}
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("network", DefaultNetwork)
	v.SetDefault("artifacts", DefaultArtifacts)
	v.SetDefault("manifest.backend", "file")
	v.SetDefault("manifest.dir", DefaultManifestDir)
	v.SetDefault("manifest.verify_code", true)
	v.SetDefault("abi_dir", DefaultABIDir)
	v.SetDefault("abi_contracts", []string{"DAAR", "DAARION"})
	v.SetDefault("deadline", "1h")

	// Fee fields are merged as one group in Load.
	for name, n := range DefaultNetworks() {
		key := "networks." + name + "."
		v.SetDefault(key+"url", n.URL)
		v.SetDefault(key+"chain_id", n.ChainID)
		v.SetDefault(key+"gas", n.Gas)
		v.SetDefault(key+"confirmations", n.Confirmations)
		v.SetDefault(key+"timeout", n.TimeoutMS)
	}
}

// BindEnv maps the unprefixed variables of a Hardhat .env.local on
// top of the DAARION_* ones.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("private_key", EnvPrefix+"_PRIVATE_KEY", "PRIVATE_KEY")
	_ = v.BindEnv("keystore_password", EnvPrefix+"_KEYSTORE_PASSWORD", "KEYSTORE_PASSWORD")
	_ = v.BindEnv("custody", EnvPrefix+"_CUSTODY", "CUSTODY_ADDRESS")
	_ = v.BindEnv("manifest.redis_url", EnvPrefix+"_REDIS_URL", "REDIS_URL")
}

// LoadDotenv copies variables from a dotenv file into the process
// environment without overriding ones already set. A missing file is not
// an error.
func LoadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	env := viper.New()
	env.SetConfigFile(path)
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, key := range env.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, env.GetString(key)); err != nil {
			return err
		}
	}
	return nil
}

func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	networks := DefaultNetworks()
	for name, n := range cfg.Networks {
		networks[name] = n.merge(networks[name])
	}
	cfg.Networks = networks
	return cfg, nil
}

// merge fills the fields n leaves unset from def.
func (n Network) merge(def Network) Network {
	if n.URL == "" {
		n.URL = def.URL
	}
	if n.ChainID == 0 {
		n.ChainID = def.ChainID
	}
	if n.Gas == 0 {
		n.Gas = def.Gas
	}
	if n.GasPrice == 0 && n.GasFeeCap == 0 && n.GasTipCap == 0 {
		n.GasPrice = def.GasPrice
		n.GasFeeCap = def.GasFeeCap
		n.GasTipCap = def.GasTipCap
	}
	if n.Confirmations == 0 {
		n.Confirmations = def.Confirmations
	}
	if n.TimeoutMS == 0 {
		n.TimeoutMS = def.TimeoutMS
	}
	return n
}

// SelectedNetwork returns the active network with ${VAR} references in
// its URL expanded from the environment.
func (c *Config) SelectedNetwork() (Network, error) {
	n, ok := c.Networks[c.Network]
	if !ok {
		return Network{}, fmt.Errorf("unknown network: %s", c.Network)
	}
	var missing []string
	n.URL = os.Expand(n.URL, func(key string) string {
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			missing = append(missing, key)
		}
		return val
	})
	if len(missing) > 0 {
		return Network{}, fmt.Errorf("network %s url needs %s", c.Network, strings.Join(missing, ", "))
	}
	if n.URL == "" || n.ChainID == 0 {
		return Network{}, fmt.Errorf("network %s needs url and chain_id", c.Network)
	}
	return n, nil
}

func (c *Config) Validate() error {
	if _, err := c.SelectedNetwork(); err != nil {
		return err
	}
	if c.PrivateKey == "" && c.Keystore == "" {
		return errors.New("private-key or keystore is required")
	}
	if _, err := parseAddress("custody", c.Custody); err != nil {
		return err
	}
	if c.Admin != "" {
		if _, err := parseAddress("admin", c.Admin); err != nil {
			return err
		}
	}
	switch c.Manifest.Backend {
	case "file", "":
	case "redis":
		if c.Manifest.RedisURL == "" {
			return errors.New("manifest.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown manifest backend: %s", c.Manifest.Backend)
	}
	return nil
}

func (n Network) Fees() publish.Fees {
	if n.GasPrice > 0 {
		return publish.Fees{GasPrice: big.NewInt(n.GasPrice)}
	}
	fees := publish.Fees{
		GasFeeCap: big.NewInt(defaultGasFeeCap),
		GasTipCap: big.NewInt(defaultGasTipCap),
	}
	if n.GasFeeCap > 0 {
		fees.GasFeeCap = big.NewInt(n.GasFeeCap)
	}
	if n.GasTipCap > 0 {
		fees.GasTipCap = big.NewInt(n.GasTipCap)
	}
	return fees
}

func (n Network) Timeout() time.Duration {
	if n.TimeoutMS <= 0 {
		return DefaultTimeout
	}
	return time.Duration(n.TimeoutMS) * time.Millisecond
}

func (n Network) ConfirmationCount() uint64 {
	if n.Confirmations == 0 {
		return 1
	}
	return n.Confirmations
}

// SigningKey loads the deployer key from a keystore file or a hex string
// and checks it against public_address when one is configured.
func (c *Config) SigningKey() (*ecdsa.PrivateKey, common.Address, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if c.Keystore != "" {
		key, err = decryptKeystore(c.Keystore, c.KeystorePassword)
	} else {
		key, err = parsePrivateKey(c.PrivateKey)
	}
	if err != nil {
		return nil, common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	if c.PublicAddress != "" {
		pub, err := parseAddress("public-address", c.PublicAddress)
		if err != nil {
			return nil, common.Address{}, err
		}
		if pub != addr {
			return nil, common.Address{}, fmt.Errorf("public-address %s does not match private key address %s", pub.Hex(), addr.Hex())
		}
	}
	return key, addr, nil
}

func (c *Config) Params(gasLimit uint64) (pipeline.Params, error) {
	custody, err := parseAddress("custody", c.Custody)
	if err != nil {
		return pipeline.Params{}, err
	}
	p := pipeline.Params{
		Custody:            custody,
		GasLimit:           gasLimit,
		TransferProxyAdmin: c.TransferProxyAdmin,
	}
	if c.Admin != "" {
		if p.Admin, err = parseAddress("admin", c.Admin); err != nil {
			return pipeline.Params{}, err
		}
	}
	if c.FeeBps > 0 {
		p.FeeBps = big.NewInt(c.FeeBps)
	}
	if c.EpochDuration > 0 {
		p.EpochDuration = big.NewInt(c.EpochDuration)
	}
	p.ApplyDefaults()
	return p, p.Validate()
}

// PinnedContracts returns the addresses configured under contracts:,
// keyed by canonical contract name.
func (c *Config) PinnedContracts() (manifest.StaticRegistry, error) {
	out := manifest.StaticRegistry{}
	for name, raw := range c.Contracts {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		contract, err := pipeline.ParseContract(name)
		if err != nil {
			return nil, err
		}
		addr, err := parseAddress("contracts."+name, raw)
		if err != nil {
			return nil, err
		}
		out[string(contract)] = addr
	}
	return out, nil
}

func (c *Config) FactoryAddr() (common.Address, error) {
	if c.FactoryAddress == "" {
		return common.Address{}, nil
	}
	return parseAddress("factory-address", c.FactoryAddress)
}

func decryptKeystore(path, password string) (*ecdsa.PrivateKey, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	k, err := keystore.DecryptKey(blob, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return k.PrivateKey, nil
}

func parsePrivateKey(v string) (*ecdsa.PrivateKey, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "0x")
	key, err := crypto.HexToECDSA(v)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func parseAddress(field, v string) (common.Address, error) {
	v = strings.TrimSpace(v)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid %s address: %q", field, v)
	}
	return common.HexToAddress(v), nil
}
