package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kirillkom/plant-care-assistant/internal/bootstrap"
	"github.com/kirillkom/plant-care-assistant/internal/config"
	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/export/xlsx"
)

var speciesFlags struct {
	limit int
	xlsx  string
}

var speciesCmd = &cobra.Command{
	Use:   "species <query>",
	Short: "Search the public plant species dataset",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSpecies,
}

func init() {
	f := speciesCmd.Flags()
	f.IntVar(&speciesFlags.limit, "limit", 20, "Maximum number of matches (1-100)")
	f.StringVar(&speciesFlags.xlsx, "xlsx", "", "Also write the matches to this .xlsx file")
}

func runSpecies(cmd *cobra.Command, args []string) error {
	search := bootstrap.NewSpeciesSearch(config.Load(), nil)

	result, err := search.Search(cmd.Context(), strings.Join(args, " "), speciesFlags.limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := printSpecies(out, result); err != nil {
		return err
	}
	if speciesFlags.xlsx == "" {
		return nil
	}

	if err := writeSpeciesWorkbook(speciesFlags.xlsx, result); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %d records to %s\n", len(result.Records), speciesFlags.xlsx)
	return nil
}

func printSpecies(out io.Writer, result *domain.SpeciesResult) error {
	if len(result.Records) == 0 {
		fmt.Fprintf(out, "No species match %q.\n", result.Query)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMMON NAME\tBOTANICAL NAME")
	for _, record := range result.Records {
		fmt.Fprintf(tw, "%s\t%s\n", dashIfEmpty(record.CommonName), dashIfEmpty(record.BotanicalName))
	}
	return tw.Flush()
}

func writeSpeciesWorkbook(path string, result *domain.SpeciesResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create workbook: %w", err)
	}
	if err := xlsx.WriteSpecies(f, result.Query, result.Records); err != nil {
		_ = f.Close()
		return fmt.Errorf("write workbook: %w", err)
	}
	return f.Close()
}

func dashIfEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
