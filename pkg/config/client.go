package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

type ClientConfig struct {
	Client     Client
	Voice      Voice
	Webrtc     Webrtc
	Monitoring Monitoring
}

type Client struct {
	Debug bool
	// Relay is the websocket URL of the room relay.
	Relay    string `default:"ws://localhost:8000/ws"`
	Room     string
	Nickname string `default:"player"`
	// Reconnect is the initial pause between relay connection attempts.
	Reconnect time.Duration `default:"2s"`
}

type Voice struct {
	// Enabled is true unless turned off in the file, env or flags.
	Enabled bool
	// CandidateLimit bounds the queue of remote candidates
	// received before the remote description is known.
	CandidateLimit int `default:"50"`
	// ReadyDelay postpones the ready announcement after a join,
	// so that the room state arrives first.
	ReadyDelay time.Duration `default:"500ms"`
	Audio      Audio
}

type Audio struct {
	// Device is an Ogg/Opus file used as the capture device,
	// silence is generated when empty.
	Device string
	// Frame is the length of a silence frame in milliseconds.
	Frame int `default:"20"`
	// LockDir keeps the capture device lock files.
	LockDir string
}

func NewClientConfig(path string) (conf ClientConfig, err error) {
	// fig can't set bool defaults
	conf.Voice.Enabled = true
	if _, err = LoadConfig(&conf, path); err != nil {
		return
	}
	err = conf.Validate()
	return
}

func (c *ClientConfig) Validate() error {
	if _, err := url.Parse(c.Client.Relay); err != nil {
		return fmt.Errorf("bad relay address: %w", err)
	}
	if c.Voice.CandidateLimit <= 0 {
		return fmt.Errorf("candidate limit should be positive, got %v", c.Voice.CandidateLimit)
	}
	return c.Webrtc.Validate()
}

func (c *ClientConfig) WithFlags(fs *pflag.FlagSet) {
	c.Monitoring.WithFlags(fs)
	fs.BoolVar(&c.Client.Debug, "debug", c.Client.Debug, "Enable debug logs")
	fs.StringVar(&c.Client.Relay, "relay", c.Client.Relay, "Relay websocket URL")
	fs.StringVarP(&c.Client.Room, "room", "r", c.Client.Room, "Room to join, a new one when empty")
	fs.StringVarP(&c.Client.Nickname, "nickname", "n", c.Client.Nickname, "Player nickname")
	fs.BoolVar(&c.Voice.Enabled, "voice", c.Voice.Enabled, "Enable voice chat")
	fs.StringVar(&c.Voice.Audio.Device, "audio.device", c.Voice.Audio.Device, "Ogg/Opus capture file")
	fs.StringP("conf", "c", "", "Set custom configuration file path")
}
