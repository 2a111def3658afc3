package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/keyhop/voicemesh/pkg/client"
	"github.com/keyhop/voicemesh/pkg/config"
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/keyhop/voicemesh/pkg/monitoring"
	oss "github.com/keyhop/voicemesh/pkg/os"
	"github.com/keyhop/voicemesh/pkg/service"
	"github.com/keyhop/voicemesh/pkg/voice"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
)

var Version = "?"

const help = "commands: mute, unmute, m (toggle), status, peers, quit"

func main() {
	conf, err := config.NewClientConfig(config.ConfigPath(os.Args[1:]))
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config fail")
	}
	conf.WithFlags(flag.CommandLine)
	flag.Parse()

	log := logger.NewConsole(conf.Client.Debug, "v", false)
	log.Info().Msgf("version %s", Version)

	c, err := client.New(conf, log, client.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		log.Fatal().Err(err).Msg("client init fail")
	}
	c.OnRoomState(func(state api.RoomStateResponse) {
		log.Debug().Strs("players", state.Ids()).Msgf("Room %v", state.Room)
	})
	c.OnStream(func(id voice.PeerID, stream voice.RemoteStream) { go drain(stream) })

	var services service.Group
	services.Add(c)
	if conf.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Monitoring, prometheus.DefaultGatherer, log)
		if err != nil {
			log.Fatal().Err(err).Msg("monitoring init fail")
		}
		services.Add(mon)
	}
	services.Start()

	quit := make(chan struct{})
	go commands(c, quit)

	select {
	case <-oss.ExpectTermination():
	case <-quit:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := services.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}

// commands reads user commands from stdin.
func commands(c *client.Client, quit chan struct{}) {
	fmt.Println(help)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "mute":
			fmt.Println(c.SetMuted(true))
		case "unmute":
			fmt.Println(c.SetMuted(false))
		case "m":
			fmt.Println(c.ToggleMute())
		case "status":
			room, self := c.Room()
			fmt.Printf("room: %v, id: %v, voice: %v\n", room, self, c.Status())
		case "peers":
			c.Sessions(func(states map[voice.PeerID]voice.State) {
				for id, state := range states {
					fmt.Printf("%v: %v\n", id, state)
				}
			})
		case "quit", "q":
			close(quit)
			return
		case "":
		default:
			fmt.Println(help)
		}
	}
}

// drain reads the remote voice so that its RTCP keeps flowing,
// there is no playback.
func drain(stream voice.RemoteStream) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := stream.Read(buf); err != nil {
			return
		}
	}
}
