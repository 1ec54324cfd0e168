package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cepro/skylinecontroller/inverter"
)

var errScanFailed = errors.New("one or more endpoints failed")

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Check that every configured endpoint answers with a serial number",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		endpoints, err := openEndpoints(cfg.Modbus)
		if err != nil {
			return err
		}
		defer closeEndpoints(endpoints)

		failed := false
		for _, ep := range endpoints {
			err := ep.transport.Connect()
			if err != nil {
				slog.Error("Failed to connect", "host", ep.host, "error", err)
				failed = true
				continue
			}

			for n := 1; n <= int(cfg.Modbus.MaxNode); n++ {
				node := uint8(n)
				serial, err := inverter.ReadSerialNumber(ep.transport, node)
				if err != nil {
					slog.Error("No inverter found", "host", ep.host, "node", node, "error", err)
					failed = node == 1 || failed
					break
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tnode %d\t%s\n", ep.host, node, serial)
			}
		}

		if failed {
			return errScanFailed
		}
		return nil
	},
}
