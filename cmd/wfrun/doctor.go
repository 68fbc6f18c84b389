package main

import (
	"encoding/json"
	"fmt"

	"github.com/ship-commander/wfrun/internal/doctor"
	"github.com/spf13/cobra"
)

func newDoctorCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the provider and script interpreters are available",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.loadRuntime(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer rt.Close()

			checker, err := doctor.New(doctor.Config{
				ProviderCommand: rt.cfg.Provider.Command,
				Python:          rt.cfg.Validation.Python,
				Node:            rt.cfg.Validation.Node,
				WorkspaceRoot:   rt.workspace,
			})
			if err != nil {
				return err
			}
			report, err := checker.Run(cmd.Context())
			if err != nil {
				return err
			}
			rt.logger.With("command", "doctor").Debug("runtime checks finished", "healthy", report.Healthy)

			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(report); err != nil {
					return fmt.Errorf("encode report: %w", err)
				}
			} else if err := report.Write(cmd.OutOrStdout()); err != nil {
				return err
			}
			if !report.Healthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
