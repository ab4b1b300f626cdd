// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package cmd holds the cobra commands of the epsilon binaries.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/epsilon_streamer/internal/app"
	"github.com/relabs-tech/epsilon_streamer/internal/config"
)

var RootCmd = &cobra.Command{
	Use:           "epsilon",
	Short:         "inertial sensor array orientation streamer",
	Long:          "epsilon samples an array of inertial sensors, fuses each into an orientation and streams the frames to one consumer",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func commonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "configuration path")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

// loadConfig parses the configuration, applies the log level and installs
// it as the process-wide configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Parse(cmd)
	if err != nil {
		return nil, err
	}
	cfg.PostParse()
	config.SetGlobal(cfg)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func ServeCmdRunE(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	log.Infof("starting epsilon streamer: %d sensors, %s data on %s, %s control on %s",
		cfg.SensorCount, cfg.DataTransport, cfg.ServerData, cfg.CtrlTransport, cfg.ServerCtrl)
	return app.RunStreamer(ctx, cfg)
}

var ServeCmd = &cobra.Command{
	Use:        "serve",
	SuggestFor: []string{"ru", "ser"},
	Short:      "serve runs the streamer using predefined configs.",
	Long: `serve runs the streamer using predefined configs, by the following order:
1. path specified in --config flag
2. path defined EPSILON_CONFIG environment variable
3. default location $HOME/.config/epsilon/config.yaml, /etc/epsilon/config.yaml, current directory
The parameters in the configuration file are overwritten by EPSILON_ environment variables.
The process exits with 0 when the consumer sends stop.
`,
	Example: `  epsilon serve --config=/path/to/config.yaml`,
	RunE:    ServeCmdRunE,
}

func InitCmdFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("print", false, "print config to stdout")
	cmd.Flags().BoolP("yes", "y", false, "overwrite")
	cmd.Flags().StringP("output", "o", config.DefaultConfig, "specify output path")
}

func InitCmdRunE(cmd *cobra.Command, _ []string) error {
	printFlag, _ := cmd.Flags().GetBool("print")
	outputPath, _ := cmd.Flags().GetString("output")
	overwrite, _ := cmd.Flags().GetBool("yes")

	if printFlag {
		buf, err := config.Template()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(buf)
		return err
	}
	if err := config.WriteTemplate(outputPath, overwrite); err != nil {
		return err
	}
	log.Infoln("configuration written to", outputPath)
	return nil
}

var InitCmd = &cobra.Command{
	Use:        "init",
	SuggestFor: []string{"ini", "in"},
	Short:      "init creates a configuration template",
	Long: `init creates a configuration template.
If --print flag is present, the configuration will be printed to stdout.
If --output / -o flag is present, the configuration will be saved to the path specified,
otherwise to $HOME/.config/epsilon/config.yaml.
An existing file is only replaced with --yes / -y.
`,
	Example: `  epsilon init --print
  epsilon init -o /path/to/config.yaml -y`,
	RunE: InitCmdRunE,
}

func CalibrateCmdFlags(cmd *cobra.Command) {
	commonFlags(cmd)
	cmd.Flags().IntP("samples", "n", 0, "gyro samples per device (default: calibration_samples)")
	cmd.Flags().StringP("output", "o", "", "write the JSON report to this file instead of stdout")
}

func CalibrateCmdRunE(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	samples, _ := cmd.Flags().GetInt("samples")
	outputPath, _ := cmd.Flags().GetString("output")

	report, err := app.Calibrate(cfg, samples)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("calibrate: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

var CalibrateCmd = &cobra.Command{
	Use:        "calibrate",
	SuggestFor: []string{"cal", "calib"},
	Short:      "calibrate measures the gyro bias of every configured device",
	Long: `calibrate binds the configured devices, reads gyro samples from each while the
array rests and prints a JSON report with the bias, standard deviation and a
stillness confidence per device.
`,
	Example: `  epsilon calibrate --samples 2000 -o calibration.json`,
	RunE:    CalibrateCmdRunE,
}

func ConsoleCmdRunE(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	return app.RunConsole(ctx, cfg, cmd.OutOrStdout())
}

// ConsoleCmd is the root command of the console binary.
var ConsoleCmd = &cobra.Command{
	Use:   "epsilon-console",
	Short: "console consumes an epsilon stream and prints poses",
	Long: `console connects to the streamer named by the configuration (tcp or mqtt),
sends start, prints the roll, pitch and yaw of every sensor in each frame and
sends stop on Ctrl+C.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          ConsoleCmdRunE,
}

func getRootCmd() *cobra.Command {
	commonFlags(ServeCmd)
	RootCmd.AddCommand(ServeCmd)

	InitCmdFlags(InitCmd)
	RootCmd.AddCommand(InitCmd)

	CalibrateCmdFlags(CalibrateCmd)
	RootCmd.AddCommand(CalibrateCmd)

	return RootCmd
}

func run(c *cobra.Command) {
	if err := c.Execute(); err != nil {
		log.Errorln(err)
		os.Exit(1)
	}
}

// Execute runs the streamer binary. Configuration and binding failures exit
// with status 1.
func Execute() { run(getRootCmd()) }

// ExecuteConsole runs the console binary.
func ExecuteConsole() {
	commonFlags(ConsoleCmd)
	run(ConsoleCmd)
}
