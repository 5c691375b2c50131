package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/connectplatform/daarion/publish"
	"github.com/connectplatform/daarion/publish/pipeline"
)

var gasLimit uint64

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Run the full publication pipeline",
	Long: `Resolve, deploy, initialize, wire and hand over the four contracts.

Contracts found in the registry are reused. Proxies that were deployed but
not initialized by an earlier run are initialized. Ownership goes to the
custody address once wiring is complete.

The run report is printed on stdout, also when the run fails.

Examples:
  daarion-publish deploy --network amoy
  daarion-publish deploy --network polygon --output yaml --metrics-file publish.prom`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

var publishOneCmd = &cobra.Command{
	Use:   "publish-one <contract>",
	Short: "Deploy a single contract with inline initialization",
	Long: `Deploy one contract behind a proxy initialized in the creation transaction.

The addresses it is initialized with come from the registry, so its
dependencies must have been published first. Nothing is done when the
contract is already registered.

Contracts: daar, daarion, distributor (walletd), staking (walletr)

Examples:
  daarion-publish publish-one distributor --network amoy`,
	Args: cobra.ExactArgs(1),
	RunE: runPublishOne,
}

var factoryCmd = &cobra.Command{
	Use:   "factory",
	Short: "Ensure the ERC1967Factory exists and print its address",
	Args:  cobra.NoArgs,
	RunE:  runFactory,
}

func init() {
	for _, cmd := range []*cobra.Command{deployCmd, publishOneCmd, factoryCmd, preflightCmd} {
		cmd.Flags().Uint64Var(&gasLimit, "gas-limit", 0, "gas limit for every transaction (default: network gas, then per-call defaults)")
	}
	deployCmd.Flags().Bool("transfer-proxy-admin", false, "also hand the proxy admin to custody")
	deployCmd.Flags().Duration("deadline", time.Hour, "upper bound for the whole run")
	_ = viper.BindPFlag("deadline", deployCmd.Flags().Lookup("deadline"))

	rootCmd.AddCommand(deployCmd, publishOneCmd, factoryCmd)
}

func (e *env) txGasLimit() uint64 {
	if gasLimit > 0 {
		return gasLimit
	}
	return e.network.Gas
}

func (e *env) newPublisher(runID string) (*pipeline.Publisher, error) {
	params, err := e.cfg.Params(e.txGasLimit())
	if err != nil {
		return nil, err
	}
	factory, err := e.cfg.FactoryAddr()
	if err != nil {
		return nil, err
	}
	return pipeline.NewPublisher(e.deployer, e.registry, publish.NewArtifactStore(e.cfg.Artifacts), pipeline.Config{
		Network:           e.cfg.Network,
		ChainID:           e.chainID,
		RunID:             runID,
		Params:            params,
		FactoryAddress:    factory,
		FactorySaltSuffix: e.cfg.FactorySaltSuffix,
		Logger:            e.logger,
		Metrics:           e.metrics,
	})
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runDeploy(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	e, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer e.Close()

	if transfer, _ := cmd.Flags().GetBool("transfer-proxy-admin"); transfer {
		e.cfg.TransferProxyAdmin = true
	}
	if e.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	pub, err := e.newPublisher(uuid.NewString())
	if err != nil {
		return err
	}
	report, runErr := pub.Run(ctx)
	e.writeMetrics()

	if err := printOutput(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	return runErr
}

func runPublishOne(cmd *cobra.Command, args []string) error {
	contract, err := pipeline.ParseContract(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	e, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer e.Close()

	pub, err := e.newPublisher(uuid.NewString())
	if err != nil {
		return err
	}
	inst, runErr := pub.PublishOne(ctx, contract)
	e.writeMetrics()
	if runErr != nil {
		return fmt.Errorf("publish %s: %w", contract, runErr)
	}
	return printOutput(cmd.OutOrStdout(), inst)
}

func runFactory(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	e, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer e.Close()

	pub, err := e.newPublisher("")
	if err != nil {
		return err
	}
	factory, err := pub.EnsureFactory(ctx)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), map[string]string{"factory": factory.Hex()})
}
