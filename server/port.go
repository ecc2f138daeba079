package server

import (
	"regexp"
	"strings"
)

var listenURLPattern = regexp.MustCompile(`https?://(?:\[[0-9A-Fa-f:.]+\]|[^\s/:]+):\d+`)

// ParseListenURL extracts the base URL from a line the server prints once
// it is accepting connections, e.g.
//
//	opencode server listening on http://127.0.0.1:4096
func ParseListenURL(line string) (string, bool) {
	if !strings.Contains(strings.ToLower(line), "listening") {
		return "", false
	}
	url := listenURLPattern.FindString(line)
	return url, url != ""
}
