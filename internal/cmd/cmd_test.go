// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/epsilon_streamer/internal/app"
	"github.com/relabs-tech/epsilon_streamer/internal/config"
)

func newCmd(flags func(*cobra.Command)) (*cobra.Command, *bytes.Buffer) {
	c := &cobra.Command{Use: "test"}
	flags(c)
	out := &bytes.Buffer{}
	c.SetOut(out)
	return c, out
}

func TestInitPrint(t *testing.T) {
	c, out := newCmd(InitCmdFlags)
	_ = c.Flags().Set("print", "true")

	if err := InitCmdRunE(c, nil); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"frequency:", "server_data:", "devices:", "sensor_count: 7"} {
		if !strings.Contains(out.String(), key) {
			t.Errorf("template missing %q:\n%s", key, out.String())
		}
	}
}

func TestInitWritesLoadableConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "epsilon", "config.yaml")
	c, _ := newCmd(InitCmdFlags)
	_ = c.Flags().Set("output", p)

	if err := InitCmdRunE(c, nil); err != nil {
		t.Fatal(err)
	}
	if err := InitCmdRunE(c, nil); err == nil {
		t.Fatal("second init without --yes should refuse to overwrite")
	}
	if _, err := config.Load(p); err != nil {
		t.Fatalf("Load(template): %v", err)
	}
}

func TestCalibrateMockDevices(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	body := "mock: true\nsensor_count: 2\ndevices:\n  - {bus: 1, address: 0x68}\n  - {bus: 1, address: 0x69}\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c, out := newCmd(CalibrateCmdFlags)
	_ = c.Flags().Set("config", p)
	_ = c.Flags().Set("samples", "50")

	if err := CalibrateCmdRunE(c, nil); err != nil {
		t.Fatal(err)
	}
	var report app.CalibrationReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("report: %v\n%s", err, out.String())
	}
	if len(report.Devices) != 2 || report.Samples != 50 {
		t.Errorf("report = %+v", report)
	}
	if config.Get() == nil || !config.Get().Mock {
		t.Error("configuration was not installed globally")
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte("frequency: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, _ := newCmd(commonFlags)
	_ = c.Flags().Set("config", p)

	if err := ServeCmdRunE(c, nil); err == nil {
		t.Fatal("serve accepted an invalid configuration")
	}
}
