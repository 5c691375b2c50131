package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/connectplatform/daarion/publish"
	"github.com/connectplatform/daarion/publish/config"
)

var exportABICmd = &cobra.Command{
	Use:   "export-abi [contract...]",
	Short: "Write flat ABI files from the compiled artifacts",
	Long: `Write <abi_dir>/<Name>.json holding only the ABI array of each contract.

Without arguments the abi_contracts list from the config is used
(DAAR and DAARION by default).`,
	RunE: runExportABI,
}

func init() {
	exportABICmd.Flags().String("abi-dir", config.DefaultABIDir, "output directory")
	_ = viper.BindPFlag("abi_dir", exportABICmd.Flags().Lookup("abi-dir"))
	rootCmd.AddCommand(exportABICmd)
}

func runExportABI(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr)
	if err != nil {
		return err
	}

	names := args
	if len(names) == 0 {
		names = cfg.ABIContracts
	}
	written, err := exportABIs(publish.NewArtifactStore(cfg.Artifacts), cfg.ABIDir, names)
	if err != nil {
		return err
	}
	for _, path := range written {
		logger.Info("abi written", slog.String("path", path))
	}
	return printOutput(cmd.OutOrStdout(), map[string][]string{"written": written})
}

func exportABIs(store *publish.ArtifactStore, dir string, names []string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create abi dir: %w", err)
	}

	written := make([]string, 0, len(names))
	for _, name := range names {
		a, err := store.Resolve(name)
		if err != nil {
			return written, err
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, a.RawABI, "", "  "); err != nil {
			return written, fmt.Errorf("format %s abi: %w", name, err)
		}
		buf.WriteByte('\n')

		path := filepath.Join(dir, a.ContractName+".json")
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
