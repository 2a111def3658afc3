package monitoring

import (
	"context"
	"fmt"
	"net/http/pprof"

	"github.com/keyhop/voicemesh/pkg/config"
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/keyhop/voicemesh/pkg/network/httpx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const debugEndpoint = "/debug/pprof"
const metricsEndpoint = "/metrics"

type Monitoring struct {
	conf   config.Monitoring
	server *httpx.Server
	log    *logger.Logger
}

// New creates new monitoring service.
// Metrics are served from the gatherer, the default registry when nil.
func New(conf config.Monitoring, gatherer prometheus.Gatherer, log *logger.Logger) (*Monitoring, error) {
	log = log.Extend(log.With().Str("m", "mon"))
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	serv, err := httpx.NewServer(
		fmt.Sprintf(":%d", conf.Port),
		func(serv *httpx.Server) httpx.Handler {
			h := httpx.NewServeMux(conf.URLPrefix)
			if conf.ProfilingEnabled {
				h.HandleFunc(debugEndpoint+"/", pprof.Index)
				h.HandleFunc(debugEndpoint+"/cmdline", pprof.Cmdline)
				h.HandleFunc(debugEndpoint+"/profile", pprof.Profile)
				h.HandleFunc(debugEndpoint+"/symbol", pprof.Symbol)
				h.HandleFunc(debugEndpoint+"/trace", pprof.Trace)
				log.Info().Msgf("Profiling is enabled at %v", serv.Addr+conf.URLPrefix+debugEndpoint)
			}
			if conf.MetricEnabled {
				h.Handle(metricsEndpoint, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
				log.Info().Msgf("Prometheus metrics are enabled at %v", serv.Addr+conf.URLPrefix+metricsEndpoint)
			}
			return h
		},
		httpx.WithPortRoll(true),
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	return &Monitoring{conf: conf, server: serv, log: log}, nil
}

func (m *Monitoring) Run() {
	m.log.Info().Msgf("Starting monitoring server at %v", m.server.Addr)
	m.server.Run()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("Shutting down monitoring server")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
