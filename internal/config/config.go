package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "WALKIETALKIE"
)

var (
	errNonPositiveTimeout = errors.New("timeout must be positive")
	errMissingRelayURL    = errors.New("relayurl must be set")
)

// Settings of the signalling relay.
type Relay struct {
	LocalAddress string
	SendBuffer   int
	ICEServers   []webrtc.ICEServer
}

// Settings of a participant's client.
type Client struct {
	RelayURL   string
	Protocol   string
	ICEServers []webrtc.ICEServer
	Codec      string

	// Empty for a listen-only participant
	CaptureFile string
	LoopCapture bool

	// Empty to discard remote audio
	RecordDir string

	// Bounds connecting to the relay and waiting for the welcome
	Timeout time.Duration
}

func setViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("localaddress", ":1066")
	viper.SetDefault("relayurl", "ws://localhost:1066/ws")
	viper.SetDefault("ICEServers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	viper.SetDefault("turnusername", "")
	viper.SetDefault("turncredential", "")
	viper.SetDefault("codec", "CodecPCMU8000Mono")
	viper.SetDefault("protocol", signalling.ProtocolJSON)
	viper.SetDefault("sendbuffer", 64)
	viper.SetDefault("capturefile", "")
	viper.SetDefault("loopcapture", true)
	viper.SetDefault("recorddir", "")
	viper.SetDefault("timeout", 30)
}

// Load defaults, the config file (if it exists) and WALKIETALKIE_ environment overrides into viper.
//
// A missing config file is not an error. An unreadable one is.
func LoadConfig(configFilePath string) error {
	setViperDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if configFilePath == "" {
		return nil
	}
	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || isNotExist(err) {
			slog.Info("no config file found", "configFilePath", configFilePath)
			return nil
		}
		slog.Error("error during config read", "err", err)
		return err
	}
	slog.Debug("config file loaded", "configFilePath", viper.ConfigFileUsed())
	return nil
}

// Load the relay settings from viper.
func RelayConfig() (Relay, error) {
	iceServers, err := ICEServers()
	if err != nil {
		return Relay{}, err
	}
	return Relay{
		LocalAddress: viper.GetString("localaddress"),
		SendBuffer:   viper.GetInt("sendbuffer"),
		ICEServers:   iceServers,
	}, nil
}

// Load the client settings from viper.
func ClientConfig() (Client, error) {
	iceServers, err := ICEServers()
	if err != nil {
		return Client{}, err
	}

	protocol := viper.GetString("protocol")
	if _, err := signalling.CodecForProtocol(protocol); err != nil {
		return Client{}, err
	}

	relayURL := strings.TrimSpace(viper.GetString("relayurl"))
	if relayURL == "" {
		return Client{}, errMissingRelayURL
	}

	timeout := time.Duration(viper.GetInt("timeout")) * time.Second
	if timeout <= 0 {
		return Client{}, fmt.Errorf("%w: %v", errNonPositiveTimeout, timeout)
	}

	return Client{
		RelayURL:    relayURL,
		Protocol:    protocol,
		ICEServers:  iceServers,
		Codec:       viper.GetString("codec"),
		CaptureFile: viper.GetString("capturefile"),
		LoopCapture: viper.GetBool("loopcapture"),
		RecordDir:   viper.GetString("recorddir"),
		Timeout:     timeout,
	}, nil
}
