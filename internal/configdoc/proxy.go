package configdoc

import (
	"sort"
	"strings"
)

// Proxy documents store the directive tree under this section. Each
// directive is {"name": string, "args": []any} plus "block": []any for
// block directives.
const proxyDirectivesKey = "directives"

type proxyToken struct {
	text   string
	quoted bool
	line   int
}

func tokenizeProxy(content string) []proxyToken {
	var tokens []proxyToken
	line := 1
	i := 0
	for i < len(content) {
		ch := content[i]
		switch {
		case ch == '\n':
			line++
			i++
		case ch == ' ' || ch == '\t' || ch == '\r':
			i++
		case ch == '#':
			for i < len(content) && content[i] != '\n' {
				i++
			}
		case ch == '{' || ch == '}' || ch == ';':
			tokens = append(tokens, proxyToken{text: string(ch), line: line})
			i++
		case ch == '"' || ch == '\'':
			quote := ch
			i++
			var sb strings.Builder
			for i < len(content) && content[i] != quote {
				if content[i] == '\\' && i+1 < len(content) && strings.IndexByte(`"'\\`, content[i+1]) >= 0 {
					i++
				}
				if content[i] == '\n' {
					line++
				}
				sb.WriteByte(content[i])
				i++
			}
			i++ // closing quote
			tokens = append(tokens, proxyToken{text: sb.String(), quoted: true, line: line})
		default:
			start := i
			for i < len(content) && !strings.ContainsRune(" \t\r\n{};#", rune(content[i])) {
				i++
			}
			tokens = append(tokens, proxyToken{text: content[start:i], line: line})
		}
	}
	return tokens
}

func parseProxy(doc *Document, content string) {
	tokens := tokenizeProxy(content)
	pos := 0
	directives := parseProxyBlock(doc, tokens, &pos, 0)
	doc.Sections[proxyDirectivesKey] = directives
}

func parseProxyBlock(doc *Document, tokens []proxyToken, pos *int, depth int) []any {
	directives := []any{}
	var current []proxyToken

	for *pos < len(tokens) {
		tok := tokens[*pos]
		*pos++

		if tok.quoted {
			current = append(current, tok)
			continue
		}

		switch tok.text {
		case ";":
			if len(current) == 0 {
				continue
			}
			directives = append(directives, newDirective(current, nil))
			current = nil
		case "{":
			if len(current) == 0 {
				doc.addError("line %d: block without directive name", tok.line)
			}
			block := parseProxyBlock(doc, tokens, pos, depth+1)
			if len(current) > 0 {
				directives = append(directives, newDirective(current, block))
			}
			current = nil
		case "}":
			if depth == 0 {
				doc.addError("line %d: unexpected '}'", tok.line)
				continue
			}
			if len(current) > 0 {
				doc.addError("line %d: directive %q missing ';'", tok.line, current[0].text)
				directives = append(directives, newDirective(current, nil))
			}
			return directives
		default:
			current = append(current, tok)
		}
	}

	if len(current) > 0 {
		doc.addError("directive %q missing ';' at end of input", current[0].text)
		directives = append(directives, newDirective(current, nil))
	}
	if depth > 0 {
		doc.addError("unexpected end of input: %d unclosed block(s)", depth)
	}
	return directives
}

func newDirective(tokens []proxyToken, block []any) map[string]any {
	args := make([]any, 0, len(tokens)-1)
	for _, tok := range tokens[1:] {
		args = append(args, tok.text)
	}
	directive := map[string]any{
		"name": tokens[0].text,
		"args": args,
	}
	if block != nil {
		directive["block"] = block
	}
	return directive
}

func serializeProxy(doc *Document) string {
	directives, _ := doc.Sections[proxyDirectivesKey].([]any)
	var sb strings.Builder
	writeProxyDirectives(&sb, directives, 0)
	return sb.String()
}

func writeProxyDirectives(sb *strings.Builder, directives []any, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, raw := range directives {
		directive, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		sb.WriteString(indent)
		sb.WriteString(quoteProxyArg(scalarString(directive["name"])))
		for _, arg := range stringList(directive["args"]) {
			sb.WriteString(" ")
			sb.WriteString(quoteProxyArg(arg))
		}
		block, isBlock := directive["block"].([]any)
		if !isBlock {
			sb.WriteString(";\n")
			continue
		}
		sb.WriteString(" {\n")
		writeProxyDirectives(sb, block, depth+1)
		sb.WriteString(indent)
		sb.WriteString("}\n")
	}
}

func quoteProxyArg(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\r\n{};#\"'\\") {
		return arg
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(arg)
	return `"` + escaped + `"`
}

// ProxySummary is the structural view of a reverse-proxy document used for
// risk classification.
type ProxySummary struct {
	ServerBlocks int
	SSLServers   int
	ServerNames  []string
	Upstreams    map[string][]string
	ProxyPasses  []string
}

// UpstreamNames returns the sorted upstream block names.
func (p ProxySummary) UpstreamNames() []string {
	names := make([]string, 0, len(p.Upstreams))
	for name := range p.Upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SummarizeProxy walks a proxy document's directive tree.
func SummarizeProxy(doc *Document) ProxySummary {
	summary := ProxySummary{Upstreams: map[string][]string{}}
	if doc == nil {
		return summary
	}
	directives, _ := doc.Sections[proxyDirectivesKey].([]any)
	walkProxy(directives, &summary)
	sort.Strings(summary.ServerNames)
	sort.Strings(summary.ProxyPasses)
	return summary
}

func walkProxy(directives []any, summary *ProxySummary) {
	for _, raw := range directives {
		directive, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := scalarString(directive["name"])
		args := stringList(directive["args"])
		block, isBlock := directive["block"].([]any)

		switch {
		case name == "server" && isBlock:
			summary.ServerBlocks++
			if serverUsesSSL(block) {
				summary.SSLServers++
			}
		case name == "upstream" && isBlock && len(args) > 0:
			var servers []string
			for _, child := range block {
				if childMap, ok := child.(map[string]any); ok && scalarString(childMap["name"]) == "server" {
					servers = append(servers, strings.Join(stringList(childMap["args"]), " "))
				}
			}
			summary.Upstreams[args[0]] = servers
			continue
		case name == "server_name":
			summary.ServerNames = append(summary.ServerNames, args...)
		case name == "proxy_pass" && len(args) > 0:
			summary.ProxyPasses = append(summary.ProxyPasses, args[0])
		}

		if isBlock {
			walkProxy(block, summary)
		}
	}
}

func serverUsesSSL(block []any) bool {
	for _, raw := range block {
		directive, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := scalarString(directive["name"])
		args := stringList(directive["args"])
		switch name {
		case "listen":
			for _, arg := range args {
				if arg == "ssl" || arg == "quic" {
					return true
				}
			}
		case "ssl":
			if len(args) > 0 && args[0] == "on" {
				return true
			}
		}
	}
	return false
}
