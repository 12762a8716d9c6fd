package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ocitool/ocitool/pkg/build"
	"github.com/ocitool/ocitool/pkg/ocispec"
	"github.com/ocitool/ocitool/pkg/registryclient"
)

func newUploadCmd() *cobra.Command {
	var (
		planPath         string
		compressionLevel int
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Build and push every platform named in a plan file",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, flush, err := newLogger()
			if err != nil {
				return err
			}
			defer flush()

			data, err := os.ReadFile(planPath)
			if err != nil {
				return fmt.Errorf("ocitool: reading plan %s: %w", planPath, err)
			}
			plan, err := ocispec.UnmarshalPlan(data)
			if err != nil {
				return fmt.Errorf("ocitool: parsing plan %s: %w", planPath, err)
			}

			if compressionLevel == 0 {
				compressionLevel = build.CompressionLevelFromEnv()
			}

			client := registryclient.New(log, newCredentialSource())
			executor := build.New(client, log, compressionLevel)

			planDir, err := filepath.Abs(filepath.Dir(planPath))
			if err != nil {
				return fmt.Errorf("ocitool: resolving plan directory: %w", err)
			}

			return executor.Build(cmd.Context(), plan, planDir)
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "oci.json", "path to the build plan")
	cmd.Flags().IntVarP(&compressionLevel, "compression", "c", 0, "zstd level 1-22 for dir layers, defaults to COMPRESSION_LEVEL or 19")

	return cmd
}
