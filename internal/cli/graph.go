package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/changegate/internal/configdoc"
	"github.com/tOgg1/changegate/internal/models"
)

var (
	graphDepType string
	graphRemote  bool
	graphDepth   int
	graphDryRun  bool
)

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.AddCommand(graphAddCmd, graphImportCmd, graphShowCmd, graphClosureCmd, graphRemoveCmd)

	graphAddCmd.Flags().StringVar(&graphDepType, "type", string(models.DependencyTypeManual), "dependency type (depends_on, network, volume, manual)")
	graphImportCmd.Flags().BoolVar(&graphRemote, "remote", false, "read the compose file from the device instead of locally")
	graphImportCmd.Flags().BoolVar(&graphDryRun, "dry-run", false, "print the derived edges and how many are new without storing them")
	graphClosureCmd.Flags().IntVar(&graphDepth, "depth", 0, "maximum traversal depth (default: analysis.max_dependency_depth)")
}

var graphCmd = &cobra.Command{
	Use:     "graph",
	Aliases: []string{"deps"},
	Short:   "Manage the service dependency graph of a device",
}

var graphAddCmd = &cobra.Command{
	Use:   "add <device> <service> <depends-on>",
	Short: "Record that a service depends on another",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			device, err := findDevice(ctx, a.devices, args[0])
			if err != nil {
				return err
			}
			created, err := a.graph.AddEdge(ctx, device.ID, args[1], args[2], models.DependencyType(graphDepType), nil)
			if err != nil {
				return err
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(cmd.OutOrStdout(), map[string]any{"created": created})
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s recorded\n", args[1], args[2])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s already recorded\n", args[1], args[2])
			}
			return nil
		})
	},
}

var graphImportCmd = &cobra.Command{
	Use:   "import <device> <compose-file>",
	Short: "Derive dependencies from a compose file",
	Long: `Derive dependency edges from a compose file: depends_on entries,
membership of declared networks, and use of named volumes. Importing the
same file again creates no new edges.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			device, err := findDevice(ctx, a.devices, args[0])
			if err != nil {
				return err
			}

			var content string
			if graphRemote {
				remote, exists, err := a.gateway.ReadFile(ctx, device, args[1])
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("%s does not exist on %s", args[1], device.Name)
				}
				content = remote
			} else {
				data, err := os.ReadFile(args[1])
				if err != nil {
					return fmt.Errorf("failed to read compose file: %w", err)
				}
				content = string(data)
			}

			doc := configdoc.Parse(models.ConfigTypeCompose, content)
			if doc.Partial() {
				return fmt.Errorf("compose file has errors: %s", strings.Join(doc.ParseErrors, "; "))
			}

			out := cmd.OutOrStdout()
			if graphDryRun {
				preview, err := a.graph.PreviewImport(ctx, device.ID, doc)
				if err != nil {
					return err
				}
				if IsJSONOutput() || IsJSONLOutput() {
					return WriteOutput(out, preview)
				}
				if err := writeEdges(out, preview.Edges); err != nil {
					return err
				}
				fmt.Fprintf(out, "%d of %d edge(s) would be new for %s\n", preview.New, len(preview.Edges), device.Name)
				return nil
			}

			created, err := a.graph.BulkImport(ctx, device.ID, doc)
			if err != nil {
				return err
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, map[string]int{"created": created})
			}
			fmt.Fprintf(out, "Imported %d new edge(s) for %s\n", created, device.Name)
			return nil
		})
	},
}

var graphShowCmd = &cobra.Command{
	Use:   "show <device>",
	Short: "Show all dependency edges of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			device, err := findDevice(ctx, a.devices, args[0])
			if err != nil {
				return err
			}
			graph, err := a.graph.GetGraph(ctx, device.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if IsJSONOutput() {
				return WriteOutput(out, graph)
			}
			if IsJSONLOutput() {
				return WriteOutput(out, graph.Edges)
			}
			if len(graph.Edges) == 0 {
				fmt.Fprintf(out, "No dependencies recorded for %s.\n", device.Name)
				return nil
			}
			fmt.Fprintf(out, "%d node(s), %d edge(s)\n\n", len(graph.Nodes), len(graph.Edges))
			return writeEdges(out, graph.Edges)
		})
	},
}

var graphClosureCmd = &cobra.Command{
	Use:   "closure <device> <service>",
	Short: "Show everything a service depends on and everything that depends on it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			device, err := findDevice(ctx, a.devices, args[0])
			if err != nil {
				return err
			}
			depth := graphDepth
			if depth <= 0 {
				depth = GetConfig().Analysis.MaxDependencyDepth
			}
			closure, err := a.graph.GetTransitiveClosure(ctx, device.ID, args[1], depth)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, closure)
			}
			fmt.Fprintf(out, "Service:     %s\n", closure.Service)
			fmt.Fprintf(out, "Upstream:    %s\n", joinOrDash(closure.Upstream))
			fmt.Fprintf(out, "Downstream:  %s\n", joinOrDash(closure.Downstream))
			return nil
		})
	},
}

var graphRemoveCmd = &cobra.Command{
	Use:   "remove <device> <service>",
	Short: "Remove every edge touching a service",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			device, err := findDevice(ctx, a.devices, args[0])
			if err != nil {
				return err
			}
			removed, err := a.graph.RemoveAllForService(ctx, device.ID, args[1])
			if err != nil {
				return err
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(cmd.OutOrStdout(), map[string]int{"removed": removed})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d edge(s) for %s\n", removed, args[1])
			return nil
		})
	},
}

func writeEdges(out io.Writer, edges []*models.DependencyEdge) error {
	rows := make([][]string, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, []string{e.ServiceName, e.DependsOn, string(e.DependencyType)})
	}
	return writeTable(out, []string{"SERVICE", "DEPENDS ON", "TYPE"}, rows)
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}
