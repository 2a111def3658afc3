package main

import (
	"context"
	"os"
	"time"

	"github.com/keyhop/voicemesh/pkg/config"
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/keyhop/voicemesh/pkg/monitoring"
	oss "github.com/keyhop/voicemesh/pkg/os"
	"github.com/keyhop/voicemesh/pkg/relay"
	"github.com/keyhop/voicemesh/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
)

var Version = "?"

func main() {
	conf, err := config.NewRelayConfig(config.ConfigPath(os.Args[1:]))
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config fail")
	}
	conf.WithFlags(flag.CommandLine)
	flag.Parse()

	log := logger.NewConsole(conf.Relay.Debug, "r", false)
	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	r, err := relay.New(conf.Relay, prometheus.DefaultRegisterer, log)
	if err != nil {
		log.Fatal().Err(err).Msg("relay init fail")
	}
	var services service.Group
	services.Add(r)
	if conf.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Monitoring, prometheus.DefaultGatherer, log)
		if err != nil {
			log.Fatal().Err(err).Msg("monitoring init fail")
		}
		services.Add(mon)
	}
	services.Start()

	<-oss.ExpectTermination()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := services.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}
