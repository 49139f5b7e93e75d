package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/plant-care-assistant/internal/config"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/classifier"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/storage/localfs"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect and fetch plant health model artifacts",
}

var modelInspectFlags struct {
	location string
}

var modelInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Validate a model manifest and its model file",
	Args:  cobra.NoArgs,
	RunE:  runModelInspect,
}

var modelPullFlags struct {
	from    string
	to      string
	timeout time.Duration
}

var modelPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Copy a verified model artifact set into a local directory",
	Args:  cobra.NoArgs,
	RunE:  runModelPull,
}

func init() {
	fi := modelInspectCmd.Flags()
	fi.StringVar(&modelInspectFlags.location, "location", "", "Model directory or URL (default MODEL_LOCATION)")

	fp := modelPullCmd.Flags()
	fp.StringVar(&modelPullFlags.from, "from", "", "Source model directory or URL (required)")
	fp.StringVar(&modelPullFlags.to, "to", "", "Destination directory, created if missing (required)")
	fp.DurationVar(&modelPullFlags.timeout, "timeout", 5*time.Minute, "Overall time limit")
	_ = modelPullCmd.MarkFlagRequired("from")
	_ = modelPullCmd.MarkFlagRequired("to")

	modelCmd.AddCommand(modelInspectCmd, modelPullCmd)
}

func runModelInspect(cmd *cobra.Command, _ []string) error {
	location := modelInspectFlags.location
	if location == "" {
		location = config.Load().ModelLocation
	}
	source, err := classifier.SourceFor(location)
	if err != nil {
		return err
	}

	manifest, err := classifier.Inspect(cmd.Context(), source)
	if err != nil {
		return err
	}
	printManifest(cmd.OutOrStdout(), location, manifest)
	return nil
}

func runModelPull(cmd *cobra.Command, _ []string) error {
	source, err := classifier.SourceFor(modelPullFlags.from)
	if err != nil {
		return err
	}
	sink, err := localfs.Create(modelPullFlags.to)
	if err != nil {
		return fmt.Errorf("prepare destination: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), modelPullFlags.timeout)
	defer cancel()

	manifest, err := classifier.Pull(ctx, source, sink)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pulled %s into %s\n", manifest.Version, sink.Location())
	return nil
}

func printManifest(out io.Writer, location string, m classifier.Manifest) {
	height, width := m.InputSize()
	checksum := "not pinned"
	if m.ModelSHA256 != "" {
		checksum = "verified"
	}
	fmt.Fprintf(out, "Location:   %s\n", location)
	fmt.Fprintf(out, "Version:    %s\n", m.Version)
	fmt.Fprintf(out, "Model file: %s (%s)\n", m.ModelFile, checksum)
	fmt.Fprintf(out, "Input:      %s %v (%dx%d)\n", m.InputName, m.InputShape, height, width)
	fmt.Fprintf(out, "Output:     %s %v\n", m.OutputName, m.OutputShape)
	fmt.Fprintf(out, "Labels:     %s\n", strings.Join(m.Labels, ", "))
}
