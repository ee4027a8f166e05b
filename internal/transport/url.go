package transport

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/derivkit/derivws/errs"
)

const (
	// DefaultEndpoint is the production API host.
	DefaultEndpoint = "ws.derivws.com"
	// DefaultLang is the default language of the API communication.
	DefaultLang = "EN"

	apiPath = "/websockets/v3"
)

// BuildURL assembles the websocket URL for the given endpoint. The scheme
// is ws only when the endpoint is explicitly prefixed ws://; any other or
// missing prefix yields wss.
func BuildURL(endpoint, appID, lang, brand string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	scheme := "wss"
	host := endpoint
	if idx := strings.Index(endpoint, "://"); idx >= 0 {
		if endpoint[:idx+3] == "ws://" {
			scheme = "ws"
		}
		host = endpoint[idx+3:]
	}

	parsed, err := url.Parse(scheme + "://" + host)
	if err != nil || parsed.Host == "" || parsed.Host != host {
		return "", errs.Construction("transport", fmt.Sprintf("invalid endpoint %q", endpoint))
	}

	return fmt.Sprintf("%s://%s%s?app_id=%s&l=%s&brand=%s",
		scheme, host, apiPath, url.QueryEscape(appID), url.QueryEscape(lang), url.QueryEscape(brand)), nil
}
