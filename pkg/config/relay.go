package config

import (
	"time"

	"github.com/spf13/pflag"
)

type RelayConfig struct {
	Relay      Relay
	Monitoring Monitoring
}

type Relay struct {
	Debug  bool
	Server Server
	// Origin restricts websocket upgrades to the given origin, any when empty.
	Origin string
	Room   struct {
		// StateTick re-broadcasts the room state so that clients
		// converge even when they missed a membership change.
		StateTick  time.Duration `default:"5s"`
		MaxPlayers int           `default:"8"`
	}
}

func NewRelayConfig(path string) (conf RelayConfig, err error) {
	_, err = LoadConfig(&conf, path)
	return
}

func (c *RelayConfig) WithFlags(fs *pflag.FlagSet) {
	c.Relay.Server.WithFlags(fs)
	c.Monitoring.WithFlags(fs)
	fs.BoolVar(&c.Relay.Debug, "debug", c.Relay.Debug, "Enable debug logs")
	fs.DurationVar(&c.Relay.Room.StateTick, "stateTick", c.Relay.Room.StateTick, "Room state re-broadcast period")
	fs.StringP("conf", "c", "", "Set custom configuration file path")
}
