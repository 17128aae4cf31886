package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/you-humble/convhub/internal/app"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "convhub",
	Short: "Speech, PDF and image conversion service",
	Long: `convhub runs transcription (whisper.cpp), PDF to docx conversion (pdf2docx)
and text recognition (tesseract) behind one HTTP API with sync and async jobs.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the admin gRPC health server",
	RunE:  runServe,
}

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "Check every configured engine once and print its availability",
	RunE:  runEngines,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./configs/local.yaml", "config file path")
	rootCmd.AddCommand(serveCmd, enginesCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	return app.New(ctx, cfgPath).Run(ctx)
}

func runEngines(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODALITY\tAVAILABLE\tMAX CONCURRENCY\tREASON")
	for _, st := range app.Engines(ctx, cfgPath) {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", st.Modality, st.Available, st.MaxConcurrency, st.Reason)
	}
	return tw.Flush()
}
