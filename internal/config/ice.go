package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

var (
	errNoICEServers = errors.New("at least one ICE server must be specified")
)

// Build the ICE server list from the configured URLs.
//
// STUN URLs are grouped into one server. TURN URLs are grouped into another,
// which carries turnusername and turncredential, and requires both.
func ICEServers() ([]webrtc.ICEServer, error) {
	return buildICEServers(
		viper.GetStringSlice("ICEServers"),
		viper.GetString("turnusername"),
		viper.GetString("turncredential"),
	)
}

func buildICEServers(urls []string, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var stunURLs, turnURLs []string
	for _, raw := range urls {
		for _, part := range strings.Split(raw, ",") {
			url := strings.TrimSpace(part)
			switch {
			case url == "":
				continue
			case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
				turnURLs = append(turnURLs, url)
			default:
				stunURLs = append(stunURLs, url)
			}
		}
	}

	var servers []webrtc.ICEServer
	if len(stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
	}
	if len(turnURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           turnURLs,
			Username:       strings.TrimSpace(turnUsername),
			Credential:     strings.TrimSpace(turnCredential),
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	if len(servers) == 0 {
		return nil, errNoICEServers
	}

	for i, server := range servers {
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
	}
	return servers, nil
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, url := range server.URLs {
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds {
		if server.Username == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || cred == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

func isAllowedICEScheme(url string) bool {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
