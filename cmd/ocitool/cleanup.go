package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ocitool/ocitool/pkg/cleanupregistry"
)

func newCleanupCmd() *cobra.Command {
	var (
		dir      string
		commits  bool
		indexes  bool
		layers   bool
		blobs    bool
		all      bool
		assumeYes bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Garbage-collect a v2 registry's on-disk directory layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := cleanupregistry.GetRepository(dir)
			if err != nil {
				return fmt.Errorf("ocitool: reading registry at %s: %w", dir, err)
			}

			opts := cleanupregistry.Options{Commits: commits, Indexes: indexes, Layers: layers, Blobs: blobs, All: all}
			plan, err := cleanupregistry.BuildPlan(repo, opts)
			if err != nil {
				return fmt.Errorf("ocitool: planning cleanup: %w", err)
			}

			cleanupregistry.Preview(cmd.OutOrStdout(), plan, repo)

			if !assumeYes && !confirm(cmd) {
				fmt.Fprintln(cmd.OutOrStdout(), "aborted")
				return nil
			}

			return cleanupregistry.Execute(plan, repo)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "v2 registry root directory")
	cmd.Flags().BoolVar(&commits, "commits", false, "remove unreferenced commit directories")
	cmd.Flags().BoolVar(&indexes, "indexes", false, "remove unreferenced tag/revision index entries")
	cmd.Flags().BoolVar(&layers, "layers", false, "remove unreferenced layer link directories")
	cmd.Flags().BoolVar(&blobs, "blobs", false, "remove unreferenced blobs")
	cmd.Flags().BoolVar(&all, "all", false, "remove every unreferenced category")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")
	cmd.MarkFlagRequired("dir")

	return cmd
}

// confirm prompts on stdin, since cleanup is destructive and BuildPlan/
// Execute themselves never read from it.
func confirm(cmd *cobra.Command) bool {
	fmt.Fprint(cmd.OutOrStdout(), "proceed? [y/N] ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}
