// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gomlx/edgeinfer/backends"
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/engine"
	"github.com/gomlx/edgeinfer/pkg/ops"
	"github.com/gomlx/edgeinfer/pkg/support/xslices"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Lists the registered devices with their dtypes and operators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices(os.Stdout)
		},
	}
}

func listDevices(w io.Writer) error {
	var data [][]string
	for _, device := range backends.Registered() {
		capability, err := engine.GetCapability(device)
		if err != nil {
			klog.Warningf("device %s not available: %v", device, err)
			continue
		}
		dtypeNames := xslices.Map(capability.DTypes, dtypes.DType.String)
		data = append(data, []string{
			device.String(),
			strings.Join(dtypeNames, ", "),
			fmt.Sprintf("%.1f", capability.Float32Performance),
			strings.Join(ops.OpTypes(device), ", "),
		})
	}
	if len(data) == 0 {
		return fmt.Errorf("no device available")
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"DEVICE", "DTYPES", "GFLOPS", "OPERATORS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
	return nil
}
