// Package origin normalizes browser Origin headers and applies the relay's
// origin allow-list.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Null is the opaque origin browsers send for file:// pages and sandboxed
// frames. The intercom page is often opened straight from disk.
const Null = "null"

// Wildcard in an allow-list admits any origin.
const Wildcard = "*"

// Normalize validates an Origin header value and returns it as
// scheme://host[:port] with a lowercased scheme and host and the default port
// for the scheme removed. "null" is returned as-is.
func Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return "", false
	case Null:
		return Null, true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Opaque != "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	var defaultPort string
	switch scheme {
	case "http":
		defaultPort = "80"
	case "https":
		defaultPort = "443"
	default:
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}
	port := u.Port()
	if strings.HasSuffix(u.Host, ":") {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = strconv.FormatUint(n, 10)
	}

	host := hostname
	if port != "" && port != defaultPort {
		host = net.JoinHostPort(hostname, port)
	} else if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	return scheme + "://" + host, true
}

// IsAllowed reports whether a normalized origin passes the allow-list.
//
// An empty allow-list admits every origin: participants on a LAN open the
// intercom page from arbitrary hosts or from disk.
func IsAllowed(normalized string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	return lo.Contains(allowed, Wildcard) || lo.Contains(allowed, normalized)
}

// ParseList parses a comma-separated allow-list, normalizing every entry.
// It returns the first invalid entry when one is found.
func ParseList(raw string) ([]string, string, bool) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == Wildcard {
			out = append(out, entry)
			continue
		}
		normalized, ok := Normalize(entry)
		if !ok {
			return nil, entry, false
		}
		out = append(out, normalized)
	}
	return lo.Uniq(out), "", true
}
