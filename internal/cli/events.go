package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/changegate/internal/db"
	"github.com/tOgg1/changegate/internal/models"
)

var (
	eventsType      string
	eventsRequest   string
	eventsDevice    string
	eventsSince     time.Duration
	eventsLimit     int
	eventsCursor    string
	eventsOlderThan time.Duration
	eventsBatch     int
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd, eventsPruneCmd)

	flags := eventsListCmd.Flags()
	flags.StringVar(&eventsType, "type", "", "filter by event type (change.applied) or prefix (change.*)")
	flags.StringVar(&eventsRequest, "request", "", "filter by change request ID or prefix")
	flags.StringVar(&eventsDevice, "device", "", "filter by device")
	flags.DurationVar(&eventsSince, "since", 0, "only events within this duration")
	flags.IntVar(&eventsLimit, "limit", 50, "maximum events to show")
	flags.StringVar(&eventsCursor, "cursor", "", "continue after this event ID")

	eventsPruneCmd.Flags().DurationVar(&eventsOlderThan, "older-than", 30*24*time.Hour, "delete events older than this")
	eventsPruneCmd.Flags().IntVar(&eventsBatch, "batch", 1000, "rows deleted per statement")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the event log",
}

var eventsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recorded events, oldest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			query := db.EventQuery{Cursor: eventsCursor, Limit: eventsLimit}
			switch {
			case strings.HasSuffix(eventsType, "*"):
				query.TypePrefix = strings.TrimSuffix(eventsType, "*")
			case strings.HasSuffix(eventsType, "."):
				query.TypePrefix = eventsType
			case eventsType != "":
				t := models.EventType(eventsType)
				query.Type = &t
			}
			if eventsSince > 0 {
				since := time.Now().Add(-eventsSince)
				query.Since = &since
			}
			if eventsRequest != "" {
				cr, err := findRequest(ctx, a.workflow, eventsRequest)
				if err != nil {
					return err
				}
				entity := models.EntityTypeChangeRequest
				query.EntityType, query.EntityID = &entity, &cr.ID
			}
			if eventsDevice != "" {
				device, err := findDevice(ctx, a.devices, eventsDevice)
				if err != nil {
					return err
				}
				query.DeviceID = device.ID
			}

			page, err := a.eventLog.Query(ctx, query)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if IsJSONLOutput() {
				return WriteOutput(out, page.Events)
			}
			if IsJSONOutput() {
				return WriteOutput(out, page)
			}
			if len(page.Events) == 0 {
				fmt.Fprintln(out, "No events.")
				return nil
			}
			rows := make([][]string, 0, len(page.Events))
			for _, e := range page.Events {
				rows = append(rows, []string{
					e.Timestamp.Local().Format("2006-01-02 15:04:05"),
					string(e.Type),
					string(e.EntityType),
					shortID(e.EntityID),
					styles.Dim(truncateCell(string(e.Payload))),
				})
			}
			if err := writeTable(out, []string{"AT", "TYPE", "ENTITY", "ID", "PAYLOAD"}, rows); err != nil {
				return err
			}
			if page.NextCursor != "" {
				fmt.Fprintf(out, "\nMore: changegate events list --cursor %s\n", page.NextCursor)
			}
			return nil
		})
	},
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			before := time.Now().Add(-eventsOlderThan)
			batch := eventsBatch
			if batch <= 0 {
				batch = 1000
			}
			var total int64
			for {
				n, err := a.eventLog.DeleteOlderThan(ctx, before, batch)
				if err != nil {
					return err
				}
				total += n
				if n < int64(batch) {
					break
				}
			}
			remaining, err := a.eventLog.Count(ctx)
			if err != nil {
				return err
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(cmd.OutOrStdout(), map[string]int64{"deleted": total, "remaining": remaining})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d event(s) older than %s; %d remain\n", total, formatTime(before), remaining)
			return nil
		})
	},
}
