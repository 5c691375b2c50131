package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/connectplatform/daarion/publish"
	"github.com/connectplatform/daarion/publish/config"
	"github.com/connectplatform/daarion/publish/manifest"
)

var (
	// Version is set at build time.
	Version = "dev"

	cfgFile     string
	envFile     string
	logLevel    string
	logFormat   string
	output      string
	metricsFile string
)

var rootCmd = &cobra.Command{
	Use:   "daarion-publish",
	Short: "Publish the DAAR, DAARION, DAARDistributor and APRStaking contracts",
	Long: `daarion-publish deploys the DAARION contract suite behind ERC1967 proxies.

A run resolves every contract against the deployment registry, deploys the
missing proxies, initializes them, registers the distributor and staking
contracts in both tokens and transfers ownership to the custody wallet.
Re-running against a network resumes from what is already on chain.

Configuration (in order of priority):
  1. Command-line flags
  2. Environment variables (DAARION_*, plus PRIVATE_KEY and INFURA_KEY)
  3. .env.local
  4. Config file (./daarion.yaml)

Get started:
  $ daarion-publish preflight --network amoy
  $ daarion-publish deploy --network amoy`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("daarion-publish version %s\n", Version)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./daarion.yaml)")
	flags.StringVar(&envFile, "env-file", ".env.local", "dotenv file with PRIVATE_KEY and INFURA_KEY")
	flags.String("network", config.DefaultNetwork, "network name from the network table")
	flags.String("artifacts", config.DefaultArtifacts, "hardhat artifacts directory")
	flags.String("custody", "", "address receiving ownership (or CUSTODY_ADDRESS)")
	flags.String("factory-address", "", "existing ERC1967Factory address")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	flags.StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	flags.StringVar(&metricsFile, "metrics-file", "", "write prometheus metrics to this file after the run")

	for _, name := range []string{"network", "artifacts", "custody"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	_ = viper.BindPFlag("factory_address", flags.Lookup("factory-address"))

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if err := config.LoadDotenv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	config.SetDefaults(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("daarion")
	}
	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: read config: %v\n", err)
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", logFormat)
	}
}

// env is everything a chain command needs, built from the configuration.
type env struct {
	cfg      *config.Config
	network  config.Network
	chainID  uint64
	logger   *slog.Logger
	metrics  *publish.Metrics
	deployer *publish.Deployer
	registry manifest.Registry

	closers []func() error
}

// setup builds the env for a chain command. With requireChain set the
// RPC must report the configured chain id.
func setup(ctx context.Context, requireChain bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	network, err := cfg.SelectedNetwork()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	logger = logger.With(slog.String("network", cfg.Network))

	key, addr, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}

	e := &env{
		cfg:     cfg,
		network: network,
		chainID: uint64(network.ChainID),
		logger:  logger,
		metrics: publish.NewMetrics(),
	}

	e.deployer, err = publish.NewDeployer(network.URL, network.ChainID, key, network.Fees(),
		publish.WithConfirmations(network.ConfirmationCount()),
		publish.WithReceiptTimeout(network.Timeout()),
		publish.WithLogger(logger),
		publish.WithMetrics(e.metrics),
	)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.deployer.Close)

	if requireChain {
		remote, err := e.deployer.ChainID(ctx)
		if err != nil {
			e.Close()
			return nil, err
		}
		if remote != e.chainID {
			e.Close()
			return nil, fmt.Errorf("rpc chain id %d does not match network %s (%d)", remote, cfg.Network, e.chainID)
		}
	}

	if e.registry, err = e.openRegistry(ctx); err != nil {
		e.Close()
		return nil, err
	}

	logger.Debug("configured", slog.String("deployer", addr.Hex()), slog.Uint64("chain_id", e.chainID))
	return e, nil
}

// openRegistry layers the addresses pinned in the config over the
// persistent registry, which is checked for code when verify_code is set.
func (e *env) openRegistry(ctx context.Context) (manifest.Registry, error) {
	var store manifest.Registry
	switch e.cfg.Manifest.Backend {
	case "redis":
		client, err := manifest.DialRedis(ctx, e.cfg.Manifest.RedisURL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, client.Close)
		store = manifest.NewRedisRegistry(client, e.cfg.Manifest.RedisPrefix, e.chainID)
	default:
		store = manifest.NewFileRegistry(e.cfg.Manifest.Dir, e.cfg.Network, e.chainID)
	}
	if e.cfg.Manifest.VerifyCode {
		store = manifest.NewCodeVerified(store, e.deployer)
	}

	pinned, err := e.cfg.PinnedContracts()
	if err != nil {
		return nil, err
	}
	if len(pinned) == 0 {
		return store, nil
	}
	return manifest.NewLayered(store, pinned), nil
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close", slog.String("error", err.Error()))
		}
	}
	e.closers = nil
}

func (e *env) writeMetrics() {
	if metricsFile == "" {
		return
	}
	if err := e.metrics.WriteTextfile(metricsFile); err != nil {
		e.logger.Warn("write metrics", slog.String("path", metricsFile), slog.String("error", err.Error()))
	}
}

func printOutput(w io.Writer, v any) error {
	switch strings.ToLower(output) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("invalid output format %q", output)
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
