package config

import (
	"fmt"
	"strings"
)

type Webrtc struct {
	DisableDefaultInterceptors bool
	DtlsRole                   byte
	IceServers                 []IceServer
	IcePorts                   struct {
		Min uint16
		Max uint16
	}
	IceIpMap   string
	IceLite    bool
	SinglePort int
	LogLevel   int `default:"2"`
}

type IceServer struct {
	Urls       string `json:"urls,omitempty"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// DefaultIceServer is the public STUN server the game has always used.
var DefaultIceServer = IceServer{Urls: "stun:stun.l.google.com:19302"}

func (w *Webrtc) HasDtlsRole() bool   { return w.DtlsRole > 0 }
func (w *Webrtc) HasPortRange() bool  { return w.IcePorts.Min > 0 && w.IcePorts.Max > 0 }
func (w *Webrtc) HasSinglePort() bool { return w.SinglePort > 0 }
func (w *Webrtc) HasIceIpMap() bool   { return w.IceIpMap != "" }

// Validate checks ICE servers and fills in the default STUN when none is set.
func (w *Webrtc) Validate() error {
	if len(w.IceServers) == 0 {
		w.IceServers = []IceServer{DefaultIceServer}
	}
	for _, ice := range w.IceServers {
		if ice.Urls == "" {
			return fmt.Errorf("empty ICE server url: %+v", ice)
		}
		if strings.HasPrefix(ice.Urls, "turn:") || strings.HasPrefix(ice.Urls, "turns:") {
			if ice.Username == "" || ice.Credential == "" {
				return fmt.Errorf("TURN or TURNS servers should have both username and credential: %+v", ice)
			}
		}
	}
	if w.HasPortRange() && w.IcePorts.Min > w.IcePorts.Max {
		return fmt.Errorf("bad ICE port range %v-%v", w.IcePorts.Min, w.IcePorts.Max)
	}
	return nil
}
