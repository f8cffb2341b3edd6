package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/spf13/viper"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetViper(t)
	if err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	client, err := ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if client.RelayURL != "ws://localhost:1066/ws" || client.Protocol != signalling.ProtocolJSON ||
		client.Codec != "CodecPCMU8000Mono" || client.Timeout != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", client)
	}
	if len(client.ICEServers) != 1 || len(client.ICEServers[0].URLs) != 2 {
		t.Fatalf("unexpected default ICE servers %+v", client.ICEServers)
	}

	relay, err := RelayConfig()
	if err != nil {
		t.Fatalf("RelayConfig: %v", err)
	}
	if relay.LocalAddress != ":1066" || relay.SendBuffer != 64 {
		t.Fatalf("unexpected relay defaults %+v", relay)
	}
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "walkietalkie.yaml")
	content := strings.Join([]string{
		"relayurl: ws://relay.example:9000/ws",
		"protocol: walkietalkie.msgpack",
		"ICEServers:",
		"  - stun:stun.example:3478",
		"  - turn:turn.example:3478",
		"turnusername: user",
		"turncredential: secret",
		"timeout: 5",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("WALKIETALKIE_RECORDDIR", "/tmp/recordings")

	if err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	client, err := ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if client.RelayURL != "ws://relay.example:9000/ws" || client.Protocol != signalling.ProtocolMsgpack {
		t.Fatalf("file values not loaded: %+v", client)
	}
	if client.Timeout != 5*time.Second {
		t.Fatalf("timeout=%v, want 5s", client.Timeout)
	}
	if client.RecordDir != "/tmp/recordings" {
		t.Fatalf("environment override not applied: %q", client.RecordDir)
	}
	if len(client.ICEServers) != 2 || client.ICEServers[1].Username != "user" {
		t.Fatalf("unexpected ICE servers %+v", client.ICEServers)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("relayurl: [unterminated"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := LoadConfig(path); err == nil {
		t.Fatalf("broken config file accepted")
	}
}

func TestClientConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"unknown protocol", "protocol", "walkietalkie.xml"},
		{"zero timeout", "timeout", 0},
		{"empty relay url", "relayurl", " "},
		{"no ice servers", "ICEServers", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			if err := LoadConfig(""); err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			viper.Set(tt.key, tt.val)
			if _, err := ClientConfig(); err == nil {
				t.Fatalf("invalid config accepted")
			}
		})
	}
}

func TestBuildICEServers(t *testing.T) {
	tests := []struct {
		name        string
		urls        []string
		user, cred  string
		wantServers int
		wantErr     bool
	}{
		{"stun only", []string{"stun:a:3478", "stuns:b:5349"}, "", "", 1, false},
		{"comma separated", []string{"stun:a:3478,stun:b:3478"}, "", "", 1, false},
		{"stun and turn", []string{"stun:a:3478", "turns:t:5349"}, "u", "p", 2, false},
		{"turn without credential", []string{"turn:t:3478"}, "u", "", 0, true},
		{"turn without username", []string{"turn:t:3478"}, "", "p", 0, true},
		{"bad scheme", []string{"http://example.com"}, "", "", 0, true},
		{"empty", []string{" ", ""}, "", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			servers, err := buildICEServers(tt.urls, tt.user, tt.cred)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if len(servers) != tt.wantServers {
				t.Fatalf("servers=%+v, want %d", servers, tt.wantServers)
			}
		})
	}
}
