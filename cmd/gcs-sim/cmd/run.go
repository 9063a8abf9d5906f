package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jabolina/go-gcs/internal/simulation"
	"github.com/jabolina/go-gcs/pkg/gcs/admin"
	"github.com/jabolina/go-gcs/pkg/gcs/definition"
	"github.com/jabolina/go-gcs/pkg/gcs/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	members       int
	messages      int
	split         int
	uniformPeriod time.Duration
	timeout       time.Duration
	adminAddress  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation",
	Long: `Grows a group from a single bootstrap member, multicasts from every
member and prints the order each member delivered.

Examples:
  # Three members sending ten messages each
  gcs-sim run --members=3 --messages=10

  # Split one member away and merge it back
  gcs-sim run --members=3 --messages=10 --split=1

  # Keep the channels up for the admin surface
  gcs-sim run --members=5 --admin=127.0.0.1:8080`,
	RunE: runSimulation,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&members, "members", "n", 3, "Number of members of the group")
	runCmd.Flags().IntVarP(&messages, "messages", "m", 10, "Messages sent by every member")
	runCmd.Flags().IntVarP(&split, "split", "s", 0, "Members split away and merged back")
	runCmd.Flags().DurationVar(&uniformPeriod, "uniform-period", 10*time.Millisecond, "Interval between uniformity heartbeats")
	runCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long each step may take to settle")
	runCmd.Flags().StringVarP(&adminAddress, "admin", "a", "", "Serve the admin surface on the address until interrupted")
}

func runSimulation(cmd *cobra.Command, args []string) error {
	log := definition.NewDefaultLogger("gcs-sim")
	log.ToggleDebug(debug)

	registry := prometheus.NewRegistry()
	collector, err := metrics.NewPrometheusCollector(registry)
	if err != nil {
		return err
	}

	s, err := simulation.New(simulation.Options{
		Members:       members,
		Messages:      messages,
		Split:         split,
		UniformPeriod: uniformPeriod,
		Timeout:       timeout,
		Logger:        log,
		Metrics:       collector,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf("failed closing simulation. %v", err)
		}
	}()

	reports, err := s.Run(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range reports {
		fmt.Fprintf(out, "%s primary=%v left=%v counter=%d uniform=%d\n", r.Name, r.Primary, r.Left, r.Counter, r.Uniform)
		fmt.Fprintf(out, "  %s\n", strings.Join(r.Regular, " "))
	}

	if adminAddress == "" {
		return nil
	}

	server := admin.NewServer(log, registry)
	for _, c := range s.Channels() {
		server.Register(c)
	}
	httpServer := server.HTTPServer(adminAddress)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("admin server failed. %v", err)
		}
	}()
	log.Infof("admin surface listening on %s", adminAddress)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
