package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const custody = "0x39c8e3807B864A633bd83C34995d7A3a18d0b7e8"

func newViper(t *testing.T, yml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	if yml != "" {
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(strings.NewReader(yml)))
	}
	return v
}

func load(t *testing.T, yml string) *Config {
	t.Helper()
	cfg, err := Load(newViper(t, yml))
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := load(t, "")

	assert.Equal(t, DefaultNetwork, cfg.Network)
	assert.Equal(t, DefaultArtifacts, cfg.Artifacts)
	assert.Equal(t, "file", cfg.Manifest.Backend)
	assert.Equal(t, DefaultManifestDir, cfg.Manifest.Dir)
	assert.True(t, cfg.Manifest.VerifyCode)
	assert.Equal(t, []string{"DAAR", "DAARION"}, cfg.ABIContracts)
	assert.Equal(t, time.Hour, cfg.Deadline)
	assert.Contains(t, cfg.Networks, "amoy")
	assert.Contains(t, cfg.Networks, "polygon")
	assert.Equal(t, int64(80002), cfg.Networks["amoy"].ChainID)
}

func TestLoad_YAML(t *testing.T) {
	cfg := load(t, `
network: local
custody: `+custody+`
fee_bps: 75
epoch_duration: 86400
networks:
  local:
    url: http://localhost:9545
    chain_id: 31337
    gas_fee_cap: 3000000000
contracts:
  daar: "0x0C2F6a057D9086BA96F612fEfEaC5353d5D48E13"
  walletd: ""
manifest:
  backend: redis
  redis_url: redis://localhost:6379/0
`)

	assert.Equal(t, "local", cfg.Network)
	assert.Contains(t, cfg.Networks, "amoy", "built-in networks are kept")

	n, err := cfg.SelectedNetwork()
	require.NoError(t, err)
	assert.Equal(t, int64(31337), n.ChainID)

	params, err := cfg.Params(0)
	require.NoError(t, err)
	assert.Equal(t, int64(75), params.FeeBps.Int64())
	assert.Equal(t, int64(86400), params.EpochDuration.Int64())
	assert.Equal(t, common.HexToAddress(custody), params.Custody)

	pinned, err := cfg.PinnedContracts()
	require.NoError(t, err)
	assert.Len(t, pinned, 1)
	assert.Equal(t, common.HexToAddress("0x0C2F6a057D9086BA96F612fEfEaC5353d5D48E13"), pinned["DAAR"])
}

func TestLoad_PartialNetworkOverride(t *testing.T) {
	t.Run("url only", func(t *testing.T) {
		cfg := load(t, `
network: amoy
networks:
  amoy:
    url: https://amoy.example.org/rpc
`)
		n, err := cfg.SelectedNetwork()
		require.NoError(t, err)
		assert.Equal(t, "https://amoy.example.org/rpc", n.URL)
		assert.Equal(t, int64(80002), n.ChainID)
		assert.Equal(t, uint64(5_500_000), n.Gas)
		assert.Equal(t, int64(30_000_000_000), n.GasPrice)
		assert.Equal(t, uint64(2), n.Confirmations)
		assert.Equal(t, 10*time.Second, n.Timeout())
	})

	t.Run("url and chain id keep the legacy gas price", func(t *testing.T) {
		cfg := load(t, `
network: amoy
networks:
  amoy:
    url: https://amoy.example.org/rpc
    chain_id: 80002
`)
		n, err := cfg.SelectedNetwork()
		require.NoError(t, err)
		fees := n.Fees()
		require.NotNil(t, fees.GasPrice)
		assert.Equal(t, int64(30_000_000_000), fees.GasPrice.Int64())
	})

	t.Run("fee cap replaces the gas price", func(t *testing.T) {
		cfg := load(t, `
network: polygon
networks:
  polygon:
    gas_fee_cap: 90000000000
`)
		n := cfg.Networks["polygon"]
		assert.Equal(t, int64(137), n.ChainID)
		assert.Zero(t, n.GasPrice)
		fees := n.Fees()
		assert.Nil(t, fees.GasPrice)
		assert.Equal(t, int64(90_000_000_000), fees.GasFeeCap.Int64())
	})

	t.Run("without registered defaults", func(t *testing.T) {
		v := viper.New()
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(strings.NewReader(`
networks:
  amoy:
    url: https://amoy.example.org/rpc
`)))
		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, int64(80002), cfg.Networks["amoy"].ChainID)
		assert.Equal(t, int64(30_000_000_000), cfg.Networks["amoy"].GasPrice)
	})
}

func TestSelectedNetwork_ExpandsEnv(t *testing.T) {
	cfg := load(t, "network: polygon")

	t.Setenv("INFURA_KEY", "")
	_, err := cfg.SelectedNetwork()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INFURA_KEY")

	t.Setenv("INFURA_KEY", "abc123")
	n, err := cfg.SelectedNetwork()
	require.NoError(t, err)
	assert.Equal(t, "https://polygon-mainnet.infura.io/v3/abc123", n.URL)

	cfg.Network = "goerli"
	_, err = cfg.SelectedNetwork()
	assert.Error(t, err)
}

func TestBindEnv_UnprefixedNames(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "0xabc")
	t.Setenv("CUSTODY_ADDRESS", custody)
	t.Setenv("DAARION_NETWORK", "amoy")

	cfg := load(t, "")
	assert.Equal(t, "0xabc", cfg.PrivateKey)
	assert.Equal(t, custody, cfg.Custody)
	assert.Equal(t, "amoy", cfg.Network)
}

func TestLoadDotenv(t *testing.T) {
	const (
		fresh  = "DAARION_TEST_DOTENV_FRESH"
		preset = "DAARION_TEST_DOTENV_PRESET"
	)
	t.Cleanup(func() { os.Unsetenv(fresh) })
	t.Setenv(preset, "from-shell")

	path := filepath.Join(t.TempDir(), ".env.local")
	require.NoError(t, os.WriteFile(path, []byte(fresh+"=from-file\n"+preset+"=from-file\n"), 0o600))

	require.NoError(t, LoadDotenv(path))
	assert.Equal(t, "from-file", os.Getenv(fresh))
	assert.Equal(t, "from-shell", os.Getenv(preset))

	assert.NoError(t, LoadDotenv(filepath.Join(t.TempDir(), "missing")))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := load(t, "")
		cfg.PrivateKey = "0x01"
		cfg.Custody = custody
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no key", mutate: func(c *Config) { c.PrivateKey = "" }, wantErr: "private-key or keystore"},
		{name: "bad custody", mutate: func(c *Config) { c.Custody = "0x123" }, wantErr: "invalid custody address"},
		{name: "bad admin", mutate: func(c *Config) { c.Admin = "nope" }, wantErr: "invalid admin address"},
		{name: "unknown backend", mutate: func(c *Config) { c.Manifest.Backend = "etcd" }, wantErr: "unknown manifest backend"},
		{name: "redis without url", mutate: func(c *Config) { c.Manifest.Backend = "redis" }, wantErr: "redis_url"},
		{name: "unknown network", mutate: func(c *Config) { c.Network = "mainnet" }, wantErr: "unknown network"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNetwork_Fees(t *testing.T) {
	legacy := Network{GasPrice: 30_000_000_000}.Fees()
	require.NotNil(t, legacy.GasPrice)
	assert.Equal(t, int64(30_000_000_000), legacy.GasPrice.Int64())

	dynamic := Network{GasTipCap: 5}.Fees()
	assert.Nil(t, dynamic.GasPrice)
	assert.Equal(t, int64(defaultGasFeeCap), dynamic.GasFeeCap.Int64())
	assert.Equal(t, int64(5), dynamic.GasTipCap.Int64())
}

func TestNetwork_Timeouts(t *testing.T) {
	assert.Equal(t, DefaultTimeout, Network{}.Timeout())
	assert.Equal(t, 10*time.Second, Network{TimeoutMS: 10_000}.Timeout())
	assert.Equal(t, uint64(1), Network{}.ConfirmationCount())
	assert.Equal(t, uint64(2), Network{Confirmations: 2}.ConfirmationCount())
}

func TestSigningKey_Hex(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	cfg := &Config{PrivateKey: "0x" + hex.EncodeToString(crypto.FromECDSA(key)), PublicAddress: addr.Hex()}
	_, got, err := cfg.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	cfg.PublicAddress = custody
	_, _, err = cfg.SigningKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	_, _, err = (&Config{PrivateKey: "not-hex"}).SigningKey()
	assert.Error(t, err)
}

func TestSigningKey_Keystore(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	blob, err := keystore.EncryptKey(&keystore.Key{Id: uuid.New(), Address: addr, PrivateKey: key}, "secret", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "deployer.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	cfg := &Config{Keystore: path, KeystorePassword: "secret"}
	_, got, err := cfg.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	cfg.KeystorePassword = "wrong"
	_, _, err = cfg.SigningKey()
	assert.ErrorContains(t, err, "decrypt keystore")
}

func TestPinnedContracts_Errors(t *testing.T) {
	_, err := (&Config{Contracts: map[string]string{"splitter": custody}}).PinnedContracts()
	assert.Error(t, err)

	_, err = (&Config{Contracts: map[string]string{"staking": "0xnope"}}).PinnedContracts()
	assert.ErrorContains(t, err, "contracts.staking")
}

func TestFactoryAddr(t *testing.T) {
	addr, err := (&Config{}).FactoryAddr()
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, addr)

	addr, err = (&Config{FactoryAddress: "0x0000000000006396FF2a80c067f99B3d2Ab4Df24"}).FactoryAddr()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x0000000000006396FF2a80c067f99B3d2Ab4Df24"), addr)
}
