// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// edgerun loads a serialized model, runs it on the selected device and reports timings.
//
// Usage:
//
//	edgerun run --model model.bin --weights weights.bin --device gpu --rounds 100 --profile
//	edgerun devices
package main

import (
	"flag"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var flagNoColor bool

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "edgerun",
		Short:         "Runs models with the edgeinfer engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagNoColor {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colors in the reports.")

	// klog flags, e.g. -v=2 to log each op execution.
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(newRunCmd(), newDevicesCmd())
	return rootCmd
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("edgerun: %v", err)
		klog.Flush()
		os.Exit(1)
	}
}
