package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/keyhop/voicemesh/pkg/logger"
	"golang.org/x/crypto/acme/autocert"
)

type (
	Handler        = http.Handler
	HandlerFunc    = http.HandlerFunc
	ResponseWriter = http.ResponseWriter
	Request        = http.Request
)

// Mux is a ServeMux with all the patterns under a common prefix.
type Mux struct {
	*http.ServeMux
	prefix string
}

func NewServeMux(prefix string) *Mux { return &Mux{ServeMux: http.NewServeMux(), prefix: prefix} }

func (m *Mux) Handle(pattern string, h Handler) *Mux {
	m.ServeMux.Handle(m.prefix+pattern, h)
	return m
}

func (m *Mux) HandleFunc(pattern string, fn func(ResponseWriter, *Request)) *Mux {
	m.ServeMux.HandleFunc(m.prefix+pattern, fn)
	return m
}

// Server is an HTTP(S) server on its own listener.
// Addr is the public address of the server after the listener is open.
type Server struct {
	http.Server

	opts     Options
	certs    *autocert.Manager
	listener *Listener
	redirect *Server
	log      *logger.Logger
}

func NewServer(address string, handler func(*Server) Handler, options ...Option) (*Server, error) {
	opts := defaults()
	for _, o := range options {
		o(&opts)
	}

	if address == "" {
		address = ":80"
		if opts.Https {
			address = ":443"
		}
		opts.Logger.Warn().Msgf("Empty server address has been changed to %v", address)
	}
	listener, err := NewListener(address, opts.PortRoll)
	if err != nil {
		return nil, err
	}

	s := &Server{opts: opts, listener: listener, log: opts.Logger}
	s.Addr = buildAddress(address, *listener)
	s.IdleTimeout, s.ReadTimeout, s.WriteTimeout = opts.Timeouts.Idle, opts.Timeouts.Read, opts.Timeouts.Write
	if opts.autoCert() {
		s.certs = &autocert.Manager{Prompt: autocert.AcceptTOS, Cache: autocert.DirCache(opts.CertDir)}
		if opts.Domain != "" {
			s.certs.HostPolicy = autocert.HostWhitelist(opts.Domain)
		}
		s.TLSConfig = s.certs.TLSConfig()
	}
	s.Handler = handler(s)
	s.log.Debug().Msgf("httpx %v (%v)", s.Addr, address)
	return s, nil
}

func (s *Server) Run() {
	if s.opts.Https && s.opts.Redirect != "" {
		if err := s.startRedirect(); err != nil {
			s.log.Error().Err(err).Msg("no HTTPS redirect")
		}
	}
	go s.serve()
}

func (s *Server) serve() {
	var err error
	if s.opts.Https {
		err = s.ServeTLS(*s.listener, s.opts.Cert, s.opts.Key)
	} else {
		err = s.Serve(*s.listener)
	}
	if !errors.Is(err, http.ErrServerClosed) {
		s.log.Error().Err(err).Msgf("%v server fail", s.GetProtocol())
		return
	}
	s.log.Debug().Msgf("%v server is closed", s)
}

// startRedirect sends plain HTTP clients to the HTTPS address.
func (s *Server) startRedirect() error {
	host := s.Addr
	if s.opts.Domain != "" {
		host = buildAddress(s.opts.Domain, *s.listener)
	}
	to := func(w ResponseWriter, r *Request) {
		u := url.URL{Scheme: "https", Host: host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
		http.Redirect(w, r, u.String(), http.StatusFound)
	}
	rdr, err := NewServer(s.opts.Redirect, func(*Server) Handler {
		if s.certs != nil {
			// ACME http-01 challenges go over plain HTTP
			return s.certs.HTTPHandler(HandlerFunc(to))
		}
		return HandlerFunc(to)
	}, WithLogger(s.log))
	if err != nil {
		return err
	}
	s.redirect = rdr
	s.log.Info().Msgf("Redirect %v -> %v", rdr, s)
	rdr.Run()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.redirect != nil {
		_ = s.redirect.Shutdown(ctx)
	}
	return s.Server.Shutdown(ctx)
}

func (s *Server) GetHost() string { return extractHost(s.Addr) }
func (s *Server) GetPort() int    { return s.listener.GetPort() }
func (s *Server) String() string  { return fmt.Sprintf("%v://%v", s.GetProtocol(), s.Addr) }

func (s *Server) GetProtocol() string {
	if s.opts.Https {
		return "https"
	}
	return "http"
}
