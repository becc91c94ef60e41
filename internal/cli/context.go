package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/changegate/internal/config"
	"github.com/tOgg1/changegate/internal/models"
)

var (
	contextDevice string
	contextActor  string
)

func init() {
	rootCmd.AddCommand(contextCmd)
	contextCmd.AddCommand(contextShowCmd, contextSetCmd, contextClearCmd)

	contextSetCmd.Flags().StringVar(&contextDevice, "device", "", "default device for request and analyze")
	contextSetCmd.Flags().StringVar(&contextActor, "actor", "", "identity recorded on requests and decisions")
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage the saved default device and actor",
}

var contextShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the saved context",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		saved, err := contextStore().Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, saved)
		}
		fmt.Fprintln(out, saved.String())
		if !saved.HasActor() {
			fmt.Fprintf(out, "Acting as %s\n", currentActor())
		}
		return nil
	},
}

var contextSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Save a default device and/or actor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if contextDevice == "" && contextActor == "" {
			return &PreflightError{
				Message:  "nothing to set",
				Hint:     "Pass --device and/or --actor",
				NextStep: "changegate context set --device edge-1 --actor alice",
			}
		}
		var device *models.Device
		if contextDevice != "" {
			err := withApp(cmd, func(ctx context.Context, a *app) error {
				var err error
				device, err = findDevice(ctx, a.devices, contextDevice)
				return err
			})
			if err != nil {
				return err
			}
		}

		saved, err := contextStore().Update(func(c *config.Context) error {
			if contextActor != "" {
				c.SetActor(contextActor)
			}
			if device != nil {
				c.SetDevice(device.ID, device.Name)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), saved)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Context: %s\n", saved.String())
		return nil
	},
}

var contextClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the saved context",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := contextStore().Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Context cleared")
		return nil
	},
}
