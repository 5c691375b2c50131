package main

import (
	"errors"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/connectplatform/daarion/publish/pipeline"
	"github.com/connectplatform/daarion/publish/preflight"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check that the network and deployer are ready for a run",
	Long: `Check RPC connectivity, the chain id, the deployer balance against the
cost of a fresh run and whether custody is a contract.

Exits non-zero when a check with error severity fails.`,
	Args: cobra.NoArgs,
	RunE: runPreflight,
}

func init() {
	rootCmd.AddCommand(preflightCmd)
}

func runPreflight(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	// the chain id is reported as a check result
	e, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer e.Close()

	params, err := e.cfg.Params(e.txGasLimit())
	if err != nil {
		return err
	}
	fees := e.network.Fees()
	price := fees.GasPrice
	if price == nil {
		price = fees.GasFeeCap
	}

	resp, err := preflight.NewChecker().RunChecks(ctx, e.deployer, &preflight.Request{
		ChainID:     e.chainID,
		Deployer:    e.deployer.Address(),
		Custody:     params.Custody,
		RequiredWei: preflight.RequiredFunding(pipeline.FreshRunGas(params.GasLimit), new(big.Int).Set(price)),
	})
	if err != nil {
		return err
	}
	if err := printOutput(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New("preflight checks failed")
	}
	return nil
}
