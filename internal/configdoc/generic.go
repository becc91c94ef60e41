package configdoc

import (
	"path"
	"strings"

	"github.com/tOgg1/changegate/internal/models"
)

const genericLinesKey = "lines"

func parseGeneric(doc *Document, content string) {
	if content == "" {
		doc.Sections[genericLinesKey] = []any{}
		return
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	items := make([]any, len(lines))
	for i, line := range lines {
		items[i] = line
	}
	doc.Sections[genericLinesKey] = items
}

func serializeGeneric(doc *Document) string {
	lines := stringList(doc.Sections[genericLinesKey])
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// DetectConfigType guesses the config type from a file path. It is used when
// callers do not tag the file explicitly.
func DetectConfigType(filePath string) models.ConfigType {
	p := strings.ToLower(strings.ReplaceAll(filePath, "\\", "/"))
	base := path.Base(p)

	switch {
	case strings.HasPrefix(base, "docker-compose") || strings.HasPrefix(base, "compose."):
		return models.ConfigTypeCompose
	case strings.HasSuffix(base, ".service") || strings.HasSuffix(base, ".socket") ||
		strings.HasSuffix(base, ".timer") || strings.HasSuffix(base, ".mount"):
		return models.ConfigTypeSystemd
	case base == "nginx.conf" || strings.Contains(p, "/nginx/") || strings.Contains(p, "/sites-enabled/") ||
		strings.Contains(p, "/sites-available/"):
		return models.ConfigTypeProxy
	default:
		return models.ConfigTypeGeneric
	}
}
