package ssh

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ApplySSHConfig fills unset connection options from ~/.ssh/config. As in
// ssh(1), the first value obtained for a keyword wins, and values set
// explicitly on options are never overridden.
func ApplySSHConfig(options ConnectionOptions) (ConnectionOptions, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return options, nil
	}
	path := filepath.Join(home, ".ssh", "config")

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return options, nil
	}
	if err != nil {
		return options, fmt.Errorf("open ssh config: %w", err)
	}
	defer file.Close()

	values := map[string]string{}
	matching := true // keywords before the first Host apply to every host

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := splitConfigLine(scanner.Text())
		if !ok {
			continue
		}
		switch key {
		case "host":
			matching = hostMatches(strings.Fields(value), options.Host)
			continue
		case "match":
			matching = false
			continue
		}
		if !matching {
			continue
		}
		if _, seen := values[key]; !seen {
			values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return options, fmt.Errorf("read ssh config: %w", err)
	}

	if options.User == "" {
		options.User = values["user"]
	}
	if options.Port == 0 {
		if port, err := strconv.Atoi(values["port"]); err == nil {
			options.Port = port
		}
	}
	if options.KeyPath == "" && values["identityfile"] != "" {
		options.KeyPath = expandHome(values["identityfile"], home)
	}
	if options.ProxyJump == "" && !strings.EqualFold(values["proxyjump"], "none") {
		options.ProxyJump = values["proxyjump"]
	}
	if hostname := values["hostname"]; hostname != "" {
		options.Host = strings.ReplaceAll(hostname, "%h", options.Host)
	}
	return options, nil
}

func splitConfigLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	idx := strings.IndexAny(line, " \t=")
	if idx < 0 {
		return "", "", false
	}
	key = strings.ToLower(line[:idx])
	value = strings.TrimSpace(strings.TrimLeft(line[idx:], " \t="))
	value = strings.Trim(value, `"`)
	return key, value, value != ""
}

// hostMatches applies Host patterns. A matching negated pattern rejects the
// host outright.
func hostMatches(patterns []string, host string) bool {
	matched := false
	for _, pattern := range patterns {
		negated := strings.HasPrefix(pattern, "!")
		pattern = strings.TrimPrefix(pattern, "!")
		ok, err := filepath.Match(pattern, host)
		if err != nil || !ok {
			continue
		}
		if negated {
			return false
		}
		matched = true
	}
	return matched
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
