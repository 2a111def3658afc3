package webrtc

import (
	"strings"

	"github.com/keyhop/voicemesh/pkg/config"
)

// Replacement is a {From} placeholder in ICE server urls.
type Replacement struct {
	From string
	To   string
}

// ExpandIceServers substitutes placeholders like {relay-host} in ICE server urls.
func ExpandIceServers(servers []config.IceServer, replacements ...Replacement) []config.IceServer {
	out := make([]config.IceServer, len(servers))
	for i, ice := range servers {
		url := ice.Urls
		for _, replacement := range replacements {
			url = strings.ReplaceAll(url, "{"+replacement.From+"}", replacement.To)
		}
		out[i] = config.IceServer{Urls: url, Username: ice.Username, Credential: ice.Credential}
	}
	return out
}
