package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/changegate/internal/models"
)

var (
	deviceSSHTarget  string
	deviceSSHBackend string
	deviceSSHKey     string
	deviceLocal      bool
	deviceLabels     []string
)

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceAddCmd, deviceListCmd, deviceShowCmd, deviceRemoveCmd)

	deviceAddCmd.Flags().StringVar(&deviceSSHTarget, "ssh", "", "SSH target (user@host:port)")
	deviceAddCmd.Flags().StringVar(&deviceSSHBackend, "ssh-backend", "", "SSH backend (native, system, auto)")
	deviceAddCmd.Flags().StringVar(&deviceSSHKey, "ssh-key", "", "SSH private key path")
	deviceAddCmd.Flags().BoolVar(&deviceLocal, "local", false, "files live on this machine")
	deviceAddCmd.Flags().StringSliceVar(&deviceLabels, "label", nil, "metadata label key=value (repeatable)")
}

var deviceCmd = &cobra.Command{
	Use:     "device",
	Aliases: []string{"devices"},
	Short:   "Manage devices whose configuration is gated",
}

var deviceAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metadata, err := parseLabels(deviceLabels)
		if err != nil {
			return err
		}
		device := &models.Device{
			Name:       strings.TrimSpace(args[0]),
			SSHTarget:  deviceSSHTarget,
			SSHBackend: models.SSHBackend(deviceSSHBackend),
			SSHKeyPath: deviceSSHKey,
			IsLocal:    deviceLocal,
			Metadata:   metadata,
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.devices.Create(ctx, device); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, device)
			}
			fmt.Fprintf(out, "Registered device %s (%s)\n", device.Name, shortID(device.ID))
			PrintNextSteps(out, HintContext{Action: "device_add", DeviceName: device.Name})
			return nil
		})
	},
}

var deviceListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List devices",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			devices, err := a.devices.List(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, devices)
			}
			if len(devices) == 0 {
				fmt.Fprintln(out, "No devices registered.")
				return nil
			}
			rows := make([][]string, 0, len(devices))
			for _, d := range devices {
				target := d.SSHTarget
				if d.IsLocal {
					target = "local"
				}
				rows = append(rows, []string{shortID(d.ID), d.Name, formatOptional(target), string(d.SSHBackend), formatTime(d.CreatedAt)})
			}
			return writeTable(out, []string{"ID", "NAME", "TARGET", "BACKEND", "CREATED"}, rows)
		})
	},
}

var deviceShowCmd = &cobra.Command{
	Use:   "show <device>",
	Short: "Show a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			device, err := findDevice(ctx, a.devices, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, device)
			}
			fmt.Fprintf(out, "ID:       %s\n", device.ID)
			fmt.Fprintf(out, "Name:     %s\n", device.Name)
			fmt.Fprintf(out, "Local:    %s\n", formatYesNo(device.IsLocal))
			fmt.Fprintf(out, "Target:   %s\n", formatOptional(device.SSHTarget))
			fmt.Fprintf(out, "Backend:  %s\n", device.SSHBackend)
			fmt.Fprintf(out, "Key:      %s\n", formatOptional(device.SSHKeyPath))
			for k, v := range device.Metadata {
				fmt.Fprintf(out, "Label:    %s=%s\n", k, v)
			}
			return nil
		})
	},
}

var deviceRemoveCmd = &cobra.Command{
	Use:     "remove <device>",
	Aliases: []string{"rm"},
	Short:   "Remove a device",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			device, err := findDevice(ctx, a.devices, args[0])
			if err != nil {
				return err
			}
			if err := a.devices.Delete(ctx, device.ID); err != nil {
				return err
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(cmd.OutOrStdout(), map[string]string{"removed": device.ID})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed device %s\n", device.Name)
			return nil
		})
	},
}

func parseLabels(labels []string) (map[string]string, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(labels))
	for _, label := range labels {
		key, value, ok := strings.Cut(label, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid label %q (want key=value)", label)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}
