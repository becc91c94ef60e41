package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tOgg1/changegate/internal/db"
	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/workflow"
)

const maxSuggestions = 5

func shortID(id string) string {
	const limit = 8
	if len(id) <= limit {
		return id
	}
	return id[:limit]
}

// findDevice resolves a device by exact name, exact ID, or unambiguous
// ID or name prefix.
func findDevice(ctx context.Context, repo *db.DeviceRepository, idOrName string) (*models.Device, error) {
	if strings.TrimSpace(idOrName) == "" {
		return nil, errors.New("device name or ID required")
	}

	device, err := repo.Resolve(ctx, idOrName)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, db.ErrDeviceNotFound) {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	devices, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	matches := matchDevices(devices, idOrName)
	switch {
	case len(matches) == 1:
		return matches[0], nil
	case len(matches) > 1:
		names := make([]string, 0, len(matches))
		for _, d := range matches {
			names = append(names, fmt.Sprintf("%s (%s)", d.Name, shortID(d.ID)))
		}
		return nil, fmt.Errorf("device '%s' is ambiguous; matches: %s (use a longer prefix or full ID)", idOrName, formatMatches(names))
	case len(devices) == 0:
		return nil, fmt.Errorf("%w: '%s' (no devices registered yet)", db.ErrDeviceNotFound, idOrName)
	default:
		return nil, fmt.Errorf("%w: '%s'. Example input: '%s' or '%s'", db.ErrDeviceNotFound, idOrName, devices[0].Name, shortID(devices[0].ID))
	}
}

func matchDevices(devices []*models.Device, query string) []*models.Device {
	normalized := strings.ToLower(strings.TrimSpace(query))
	if normalized == "" {
		return nil
	}
	var matches []*models.Device
	for _, d := range devices {
		name := strings.ToLower(d.Name)
		if strings.HasPrefix(d.ID, query) || strings.HasPrefix(name, normalized) ||
			(len(normalized) >= 3 && strings.Contains(name, normalized)) {
			matches = append(matches, d)
		}
	}
	return matches
}

// findRequest resolves a change request by full ID or unique ID prefix.
func findRequest(ctx context.Context, svc *workflow.Service, idOrPrefix string) (*models.ChangeRequest, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return nil, errors.New("change request ID required")
	}

	cr, err := svc.Get(ctx, idOrPrefix)
	if err == nil {
		return cr, nil
	}
	if !errors.Is(err, workflow.ErrRequestNotFound) {
		return nil, err
	}

	all, err := svc.List(ctx, db.ChangeRequestFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list change requests: %w", err)
	}
	var matches []*models.ChangeRequest
	for _, candidate := range all {
		if strings.HasPrefix(candidate.ID, idOrPrefix) {
			matches = append(matches, candidate)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, fmt.Errorf("%w: '%s'", workflow.ErrRequestNotFound, idOrPrefix)
	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, shortID(m.ID))
		}
		return nil, fmt.Errorf("change request '%s' is ambiguous; matches: %s (use a longer prefix or full ID)", idOrPrefix, formatMatches(ids))
	}
}

// resolveRequestIDs expands prefixes to full IDs. Unresolvable entries are
// passed through unchanged so the caller reports them per request.
func resolveRequestIDs(ctx context.Context, svc *workflow.Service, args []string) []string {
	ids := make([]string, 0, len(args))
	for _, arg := range args {
		if cr, err := findRequest(ctx, svc, arg); err == nil {
			ids = append(ids, cr.ID)
			continue
		}
		ids = append(ids, arg)
	}
	return ids
}

func formatMatches(values []string) string {
	sort.Strings(values)
	if len(values) > maxSuggestions {
		return strings.Join(values[:maxSuggestions], ", ") + fmt.Sprintf(", +%d more", len(values)-maxSuggestions)
	}
	return strings.Join(values, ", ")
}
