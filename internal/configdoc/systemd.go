package configdoc

import (
	"path"
	"sort"
	"strings"
)

// DependencyDirectives are the [Unit] directives that define ordering and
// requirement relationships between units.
var DependencyDirectives = []string{
	"Requires",
	"Wants",
	"Requisite",
	"BindsTo",
	"PartOf",
	"After",
	"Before",
	"Conflicts",
	"OnFailure",
}

func parseSystemd(doc *Document, content string) {
	section := ""
	lines := strings.Split(content, "\n")

	for i := 0; i < len(lines); i++ {
		lineNo := i + 1
		line := strings.TrimSpace(lines[i])

		// Backslash continuation joins the next line with a space.
		for strings.HasSuffix(line, "\\") && i+1 < len(lines) {
			i++
			line = strings.TrimSpace(strings.TrimSuffix(line, "\\")) + " " + strings.TrimSpace(lines[i])
		}
		if strings.HasSuffix(line, "\\") {
			if !strings.HasPrefix(line, "#") && !strings.HasPrefix(line, ";") {
				doc.addError("line %d: line continuation at end of input", lineNo)
			}
			for strings.HasSuffix(line, "\\") {
				line = strings.TrimSpace(strings.TrimSuffix(line, "\\"))
			}
		}

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				doc.addError("line %d: malformed section header %q", lineNo, line)
				section = ""
				continue
			}
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := doc.Sections[section]; !ok {
				doc.Sections[section] = map[string]any{}
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			doc.addError("line %d: expected key=value, got %q", lineNo, line)
			continue
		}
		if section == "" {
			doc.addError("line %d: assignment %q outside of a section", lineNo, strings.TrimSpace(key))
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		entries := doc.Sections[section].(map[string]any)
		existing, _ := entries[key].([]any)
		entries[key] = append(existing, value)
	}
}

func serializeSystemd(doc *Document) string {
	var sb strings.Builder
	for i, section := range systemdSectionOrder(doc.Sections) {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[" + section + "]\n")
		entries, _ := doc.Sections[section].(map[string]any)
		for _, key := range sortedKeys(entries) {
			for _, value := range stringList(entries[key]) {
				sb.WriteString(key + "=" + value + "\n")
			}
		}
	}
	return sb.String()
}

// systemdSectionOrder puts the conventional sections first, then the rest
// alphabetically.
func systemdSectionOrder(sections map[string]any) []string {
	preferred := []string{"Unit", "Service", "Socket", "Timer", "Mount", "Path", "Install"}
	seen := map[string]bool{}
	var order []string
	for _, name := range preferred {
		if _, ok := sections[name]; ok {
			order = append(order, name)
			seen[name] = true
		}
	}
	for _, name := range sortedKeys(sections) {
		if !seen[name] {
			order = append(order, name)
		}
	}
	return order
}

// SystemdUnit is the structural view of a unit file used for risk
// classification.
type SystemdUnit struct {
	Name         string
	ServiceType  string
	Dependencies map[string][]string
	ExecStart    []string
}

// DependencySet returns the union of all dependency directive values as
// "Directive=unit" entries, sorted.
func (u SystemdUnit) DependencySet() []string {
	var out []string
	for directive, units := range u.Dependencies {
		for _, unit := range units {
			out = append(out, directive+"="+unit)
		}
	}
	sort.Strings(out)
	return out
}

// ReferencedUnits returns the sorted, de-duplicated unit names referenced by
// any dependency directive.
func (u SystemdUnit) ReferencedUnits() []string {
	seen := map[string]bool{}
	var out []string
	for _, units := range u.Dependencies {
		for _, unit := range units {
			if !seen[unit] {
				seen[unit] = true
				out = append(out, unit)
			}
		}
	}
	sort.Strings(out)
	return out
}

// SummarizeSystemd extracts the unit view from a systemd document. filePath
// names the unit ("redis.service" becomes "redis").
func SummarizeSystemd(doc *Document, filePath string) SystemdUnit {
	unit := SystemdUnit{
		Name:         UnitName(filePath),
		Dependencies: map[string][]string{},
	}
	if doc == nil {
		return unit
	}

	if service, ok := doc.Sections["Service"].(map[string]any); ok {
		types := stringList(service["Type"])
		if len(types) > 0 {
			unit.ServiceType = types[len(types)-1]
		}
		unit.ExecStart = stringList(service["ExecStart"])
	}

	unitSection, _ := doc.Sections["Unit"].(map[string]any)
	for _, directive := range DependencyDirectives {
		var units []string
		for _, value := range stringList(unitSection[directive]) {
			units = append(units, strings.Fields(value)...)
		}
		if len(units) > 0 {
			sort.Strings(units)
			unit.Dependencies[directive] = units
		}
	}
	return unit
}

// UnitName derives a service name from a unit file path.
func UnitName(filePath string) string {
	base := path.Base(strings.ReplaceAll(filePath, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	for _, suffix := range []string{".service", ".socket", ".timer", ".mount", ".path", ".target"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	return base
}
