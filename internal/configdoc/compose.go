package configdoc

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var topLevelKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-"']+\s*:`)

func parseCompose(doc *Document, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}

	var root any
	err := yaml.Unmarshal([]byte(content), &root)
	if err == nil {
		if root == nil {
			return
		}
		mapping, ok := normalize(root).(map[string]any)
		if !ok {
			doc.addError("top-level compose document is not a mapping")
			return
		}
		doc.Sections = mapping
		return
	}

	// Best effort: decode each top-level key on its own and keep whatever
	// parses so analysis can still run on the healthy sections.
	doc.addError("yaml: %v", err)
	for _, chunk := range splitTopLevel(content) {
		var part any
		if err := yaml.Unmarshal([]byte(chunk.text), &part); err != nil {
			doc.addError("section %q skipped: %v", chunk.key, err)
			continue
		}
		mapping, ok := normalize(part).(map[string]any)
		if !ok {
			continue
		}
		for key, value := range mapping {
			doc.Sections[key] = value
		}
	}
}

type yamlChunk struct {
	key  string
	text string
}

func splitTopLevel(content string) []yamlChunk {
	var chunks []yamlChunk
	var current *yamlChunk
	var buf strings.Builder

	flush := func() {
		if current != nil {
			current.text = buf.String()
			chunks = append(chunks, *current)
		}
		buf.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		if topLevelKeyPattern.MatchString(line) {
			flush()
			key := strings.TrimSpace(line[:strings.Index(line, ":")])
			current = &yamlChunk{key: strings.Trim(key, `"'`)}
		}
		if current != nil {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return chunks
}

func serializeCompose(doc *Document) string {
	if len(doc.Sections) == 0 {
		return ""
	}
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc.Sections); err != nil {
		return ""
	}
	_ = encoder.Close()
	return buf.String()
}

// ComposeService is a normalized view of one compose service.
type ComposeService struct {
	Name        string
	Image       string
	Ports       []string
	Environment map[string]string
	Volumes     []string
	Networks    []string
	DependsOn   []string
	Fields      map[string]any
}

// ComposeServices returns the services declared in a compose document keyed
// by name. Non-compose documents yield an empty map.
func ComposeServices(doc *Document) map[string]ComposeService {
	out := map[string]ComposeService{}
	if doc == nil {
		return out
	}
	services, ok := doc.Sections["services"].(map[string]any)
	if !ok {
		return out
	}

	for name, raw := range services {
		fields, _ := raw.(map[string]any)
		if fields == nil {
			fields = map[string]any{}
		}
		svc := ComposeService{
			Name:        name,
			Image:       scalarString(fields["image"]),
			Ports:       stringList(fields["ports"]),
			Environment: composeEnvironment(fields["environment"]),
			Volumes:     stringList(fields["volumes"]),
			Networks:    keysOrList(fields["networks"]),
			DependsOn:   keysOrList(fields["depends_on"]),
			Fields:      fields,
		}
		out[name] = svc
	}
	return out
}

// ServiceNames returns the sorted service names of a compose document.
func ServiceNames(doc *Document) []string {
	services := ComposeServices(doc)
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ComposeNetworks returns the sorted names declared under the top-level
// networks key.
func ComposeNetworks(doc *Document) []string {
	if doc == nil {
		return nil
	}
	return keysOrList(doc.Sections["networks"])
}

// ComposeVolumes returns the sorted names declared under the top-level
// volumes key.
func ComposeVolumes(doc *Document) []string {
	if doc == nil {
		return nil
	}
	return keysOrList(doc.Sections["volumes"])
}

// VolumeSource returns the named-volume source of a short-syntax or
// long-syntax volume entry, or "" for bind mounts and anonymous volumes.
func VolumeSource(entry string) string {
	if strings.HasPrefix(entry, "{") {
		// Long syntax rendered as canonical JSON.
		var spec map[string]any
		if err := yaml.Unmarshal([]byte(entry), &spec); err != nil {
			return ""
		}
		if scalarString(spec["type"]) != "" && scalarString(spec["type"]) != "volume" {
			return ""
		}
		return scalarString(spec["source"])
	}
	parts := strings.SplitN(entry, ":", 2)
	if len(parts) < 2 {
		return ""
	}
	source := parts[0]
	if source == "" || strings.ContainsAny(source[:1], "./~$") {
		return ""
	}
	return source
}

func composeEnvironment(value any) map[string]string {
	env := map[string]string{}
	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			env[key] = scalarString(item)
		}
	case []any:
		for _, item := range v {
			entry := scalarString(item)
			key, val, _ := strings.Cut(entry, "=")
			env[key] = val
		}
	}
	return env
}

func keysOrList(value any) []string {
	var out []string
	switch v := value.(type) {
	case map[string]any:
		for key := range v {
			out = append(out, key)
		}
	case []any:
		for _, item := range v {
			out = append(out, scalarString(item))
		}
	case string:
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
