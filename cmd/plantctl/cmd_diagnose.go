package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/plant-care-assistant/internal/bootstrap"
	"github.com/kirillkom/plant-care-assistant/internal/config"
	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/core/usecase"
)

var diagnoseFlags struct {
	name     string
	moisture string
	image    string
	location string
	timeout  time.Duration
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Classify a plant photo and print care advice",
	Long: "Loads the plant health model, classifies the photo and asks the advisory\n" +
		"service for a recommendation. Requires GOOGLE_API_KEY unless ADVISORY_PROVIDER=ollama.",
	Args: cobra.NoArgs,
	RunE: runDiagnose,
}

func init() {
	f := diagnoseCmd.Flags()
	f.StringVar(&diagnoseFlags.name, "name", "", "Plant name (required)")
	f.StringVar(&diagnoseFlags.moisture, "moisture", "", "Soil moisture level, e.g. Low, Medium, High (required)")
	f.StringVar(&diagnoseFlags.image, "image", "", "Path to a JPEG or PNG photo (required)")
	f.StringVar(&diagnoseFlags.location, "location", "", "Model directory or URL (default MODEL_LOCATION)")
	f.DurationVar(&diagnoseFlags.timeout, "timeout", 2*time.Minute, "Overall time limit")

	_ = diagnoseCmd.MarkFlagRequired("name")
	_ = diagnoseCmd.MarkFlagRequired("moisture")
	_ = diagnoseCmd.MarkFlagRequired("image")
}

func runDiagnose(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	cfg.NATSURL = ""
	if diagnoseFlags.location != "" {
		cfg.ModelLocation = diagnoseFlags.location
	}

	image, err := readImage(diagnoseFlags.image, cfg.MaxImageBytes)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), diagnoseFlags.timeout)
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	if err := app.Engine.Load(ctx); err != nil {
		return fmt.Errorf("load model from %s: %w", cfg.ModelLocation, err)
	}

	snap, err := usecase.DiagnoseOnce(ctx, app.Sessions, domain.DiagnosisInput{
		PlantName:     diagnoseFlags.name,
		MoistureLevel: diagnoseFlags.moisture,
		Image:         image,
	})
	if err != nil {
		return err
	}
	return printDiagnosis(cmd.OutOrStdout(), snap)
}

// readImage reads at most limit+1 bytes so the decoder still reports oversized files.
func readImage(path string, limit int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

func printDiagnosis(out io.Writer, snap domain.PipelineSnapshot) error {
	if snap.State == domain.StateFailed && snap.Failure != nil {
		retry := ""
		if snap.Failure.Retryable {
			retry = " (retryable)"
		}
		return fmt.Errorf("diagnosis failed at %s: %s%s", snap.Failure.Stage, snap.Failure.Message, retry)
	}
	if snap.Result == nil {
		return fmt.Errorf("diagnosis ended in state %s", snap.State)
	}

	fmt.Fprintf(out, "Plant:    %s\n", snap.PlantName)
	fmt.Fprintf(out, "Moisture: %s\n", snap.MoistureLevel)
	fmt.Fprintf(out, "Health:   %s\n\n", snap.HealthLabel)
	fmt.Fprintln(out, snap.Result.Text)
	return nil
}
