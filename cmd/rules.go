package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clinrev/cohort-cli/internal/registry"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the clinical rule catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog, err := registry.Load(cfg.Rules.CatalogPath)
		if err != nil {
			return err
		}

		formatRules(os.Stdout, catalog)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
}

func formatRules(out io.Writer, catalog *registry.Catalog) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKEY\tNAME")
	_, _ = fmt.Fprintln(w, "--\t---\t----")
	for _, def := range catalog.Rules() {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", def.ID, def.Key, def.Name)
	}
	_ = w.Flush()
}
