// Command omnirecorder runs the field recorder.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grokify/omnirecorder"
	"github.com/grokify/omnirecorder/config"
	"github.com/grokify/omnirecorder/orchestrator"
	_ "github.com/grokify/omnirecorder/sensor/i2smic"
	_ "github.com/grokify/omnirecorder/sensor/synthetic"
	"github.com/grokify/omnirecorder/storage"
	_ "github.com/grokify/omnirecorder/store/file"
	_ "github.com/grokify/omnirecorder/store/memory"
	_ "github.com/grokify/omnirecorder/store/s3"
	_ "github.com/grokify/omnirecorder/store/sftp"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts orchestrator.Options

	run := func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		opts.Stdout = cmd.OutOrStdout()
		return orchestrator.Run(ctx, opts)
	}

	rootCmd := &cobra.Command{
		Use:   "omnirecorder",
		Short: "Unattended field recorder",
		Long: `omnirecorder captures sensor data into a durable on-disk buffer and
uploads it to a remote store whenever the network allows.

Examples:
  omnirecorder                          # record with the configured sensor
  omnirecorder check-config config.json # validate a configuration file
  omnirecorder sensors                  # list sensor drivers and options`,
		SilenceUsage: true,
		RunE:         run,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.Internal, "internal", orchestrator.DefaultInternal, "internal storage root")
	flags.StringVar(&opts.Removable.MountPoint, "mount-point", storage.DefaultMountPoint, "removable storage mount point; empty disables it")
	flags.StringVar(&opts.Removable.DevicePattern, "device", storage.DefaultDevicePattern, "glob of removable storage devices")
	flags.StringVar(&opts.LogDir, "log-dir", "", "log directory (default <internal>/logs)")
	flags.StringVar(&opts.CPUInfo, "cpuinfo", config.CPUInfoPath, "file the device serial is read from")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Record and upload until interrupted",
		Args:  cobra.NoArgs,
		RunE:  run,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check-config [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(opts.Internal, config.FileName)
			if len(args) == 1 {
				path = args[0]
			}
			return orchestrator.CheckConfig(path, cmd.OutOrStdout())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sensors",
		Short: "List sensor drivers, their options and the available stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			for _, name := range omnirecorder.Sensors() {
				s, err := omnirecorder.NewSensor(name, nil, nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, name)
				for _, o := range s.Options() {
					fmt.Fprintf(w, "  %-14s %-6s default %-6v %s\n", o.Name, o.Kind, o.Default, o.Prompt)
				}
			}
			fmt.Fprintf(w, "stores: %v\n", omnirecorder.Stores())
			return nil
		},
	})

	return rootCmd
}
