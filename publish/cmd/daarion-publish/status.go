package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/connectplatform/daarion/publish/contracts/ownable"
	"github.com/connectplatform/daarion/publish/manifest"
	"github.com/connectplatform/daarion/publish/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the registered contracts and their on-chain state",
	Long: `Show every contract known to the registry with its proxy, whether code
is present at that address and who owns it.

Use --output table for a human readable listing.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type contractStatus struct {
	Contract       pipeline.Contract `json:"contract" yaml:"contract"`
	Registered     bool              `json:"registered" yaml:"registered"`
	Proxy          string            `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Implementation string            `json:"implementation,omitempty" yaml:"implementation,omitempty"`
	Initialized    bool              `json:"initialized" yaml:"initialized"`
	HasCode        bool              `json:"has_code" yaml:"has_code"`
	Owner          string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	CustodyOwned   bool              `json:"custody_owned" yaml:"custody_owned"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	e, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer e.Close()

	params, err := e.cfg.Params(0)
	if err != nil {
		return err
	}

	statuses := make([]contractStatus, 0, len(pipeline.Contracts))
	for _, c := range pipeline.Contracts {
		st, err := e.contractStatus(ctx, c, params.Custody)
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}

	if strings.ToLower(output) != "table" {
		return printOutput(cmd.OutOrStdout(), statuses)
	}
	w := newTable(cmd.OutOrStdout())
	fmt.Fprintln(w, "CONTRACT\tPROXY\tINITIALIZED\tCODE\tOWNER")
	for _, st := range statuses {
		proxy, owner := st.Proxy, st.Owner
		if !st.Registered {
			proxy = "-"
		}
		if owner == "" {
			owner = "-"
		} else if st.CustodyOwned {
			owner += " (custody)"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", st.Contract, proxy, st.Initialized, st.HasCode, owner)
	}
	return w.Flush()
}

func (e *env) contractStatus(ctx context.Context, c pipeline.Contract, custody common.Address) (contractStatus, error) {
	st := contractStatus{Contract: c}

	entry, err := e.registry.Lookup(ctx, string(c))
	if errors.Is(err, manifest.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("lookup %s: %w", c, err)
	}
	st.Registered = true
	st.Proxy = entry.Proxy.Hex()
	st.Initialized = entry.Initialized
	if entry.Implementation != (common.Address{}) {
		st.Implementation = entry.Implementation.Hex()
	}

	code, err := e.deployer.CodeAt(ctx, entry.Proxy)
	if err != nil {
		return st, err
	}
	st.HasCode = len(code) > 0
	if !st.HasCode {
		return st, nil
	}

	query, err := ownable.EncodeOwner()
	if err != nil {
		return st, err
	}
	out, err := e.deployer.Call(ctx, entry.Proxy, query)
	if err != nil {
		return st, fmt.Errorf("read %s owner: %w", c, err)
	}
	owner, err := ownable.DecodeOwner(out)
	if err != nil {
		return st, fmt.Errorf("decode %s owner: %w", c, err)
	}
	if owner != (common.Address{}) {
		st.Owner = owner.Hex()
		st.CustodyOwned = owner == custody
	}
	return st, nil
}
