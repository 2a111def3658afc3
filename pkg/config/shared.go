package config

import "github.com/spf13/pflag"

type Monitoring struct {
	Port             int    `default:"6601"`
	URLPrefix        string `json:"url_prefix"`
	MetricEnabled    bool   `json:"metric_enabled"`
	ProfilingEnabled bool   `json:"profiling_enabled"`
}

func (c *Monitoring) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

func (c *Monitoring) WithFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Port, "monitoring.port", c.Port, "Monitoring server port")
	fs.BoolVar(&c.MetricEnabled, "monitoring.metrics", c.MetricEnabled, "Enable Prometheus metrics")
}

type Server struct {
	Address string `default:":8000"`
	Https   bool
	Tls     struct {
		Address   string `default:":443"`
		Domain    string
		HttpsKey  string
		HttpsCert string
	}
}

func (s *Server) WithFlags(fs *pflag.FlagSet) {
	fs.StringVar(&s.Address, "address", s.Address, "HTTP server address (host:port)")
	fs.StringVar(&s.Tls.Address, "httpsAddress", s.Tls.Address, "HTTPS server address (host:port)")
	fs.StringVar(&s.Tls.HttpsKey, "httpsKey", s.Tls.HttpsKey, "HTTPS key")
	fs.StringVar(&s.Tls.HttpsCert, "httpsCert", s.Tls.HttpsCert, "HTTPS chain")
}

func (s *Server) GetAddr() string {
	if s.Https {
		return s.Tls.Address
	}
	return s.Address
}
