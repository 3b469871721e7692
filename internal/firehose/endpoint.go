package firehose

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const subscribePath = "/xrpc/com.atproto.sync.subscribeRepos"

// ServiceBase reduces a configured firehose address to scheme://host. A full
// subscribeRepos URL is accepted, and a bare host name defaults to wss.
func ServiceBase(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("firehose: service url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "wss://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("firehose: parse service url: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("firehose: service url %q has no host", raw)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("firehose: unsupported scheme %q", parsed.Scheme)
	}
	base := parsed.Scheme + "://" + parsed.Host
	if !strings.Contains(parsed.Path, "/xrpc/") {
		base += strings.TrimRight(parsed.Path, "/")
	}
	return base, nil
}

// SubscribeURL builds the subscribeRepos endpoint, resuming after cursor when set.
func SubscribeURL(base string, cursor *int64) string {
	endpoint := strings.TrimRight(base, "/") + subscribePath
	if cursor == nil {
		return endpoint
	}
	return endpoint + "?cursor=" + strconv.FormatInt(*cursor, 10)
}
