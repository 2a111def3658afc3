package httpx

import (
	"time"

	"github.com/keyhop/voicemesh/pkg/config"
	"github.com/keyhop/voicemesh/pkg/logger"
)

type Options struct {
	Https bool
	// Cert and Key are TLS files, Let's Encrypt is used without them.
	Cert   string
	Key    string
	Domain string
	// Redirect is a plain HTTP address that redirects to HTTPS.
	Redirect string
	CertDir  string
	PortRoll bool
	Timeouts struct{ Idle, Read, Write time.Duration }
	Logger   *logger.Logger
}

type Option func(*Options)

func defaults() Options {
	o := Options{CertDir: "assets/cache", Logger: logger.Default()}
	o.Timeouts.Idle, o.Timeouts.Read, o.Timeouts.Write = 120*time.Second, 30*time.Second, 30*time.Second
	return o
}

func (o *Options) autoCert() bool { return o.Https && (o.Cert == "" || o.Key == "") }

// HttpsRedirect sets the address of the redirect server, none when empty.
func HttpsRedirect(address string) Option { return func(o *Options) { o.Redirect = address } }
func WithPortRoll(roll bool) Option       { return func(o *Options) { o.PortRoll = roll } }
func WithLogger(log *logger.Logger) Option {
	return func(o *Options) {
		if log != nil {
			o.Logger = log
		}
	}
}

// WithServerConfig enables HTTPS on the TLS address with
// a redirect from the plain one.
func WithServerConfig(conf config.Server) Option {
	return func(o *Options) {
		o.Https = conf.Https
		o.Cert, o.Key, o.Domain = conf.Tls.HttpsCert, conf.Tls.HttpsKey, conf.Tls.Domain
		if conf.Https {
			o.Redirect = conf.Address
		}
	}
}
