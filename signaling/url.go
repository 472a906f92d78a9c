package signaling

import (
	"fmt"
	"net/url"
)

// BuildURL returns the relay endpoint for a subscriber session. An explicit
// URL overrides host/port but still gets role and streamId merged into its
// query string. A missing scheme defaults to ws and an empty or bare "/"
// path defaults to /ws.
func BuildURL(streamID, explicitURL, host string, port int) (string, error) {
	var parsed *url.URL
	var err error
	if explicitURL != "" {
		parsed, err = url.Parse(explicitURL)
		// "host.example:9000/path" parses with the hostname as the scheme,
		// so an empty Host also means the scheme is missing.
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			parsed, err = url.Parse("ws://" + explicitURL)
			if err != nil {
				return "", fmt.Errorf("invalid signaling URL %q: %w", explicitURL, err)
			}
		}
	} else {
		parsed = &url.URL{
			Scheme: "ws",
			Host:   fmt.Sprintf("%s:%d", host, port),
			Path:   "/ws",
		}
	}

	query := parsed.Query()
	query.Set("role", "subscriber")
	query.Set("streamId", streamID)
	parsed.RawQuery = query.Encode()

	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/ws"
	}

	return parsed.String(), nil
}
