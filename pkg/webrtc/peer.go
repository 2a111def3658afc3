package webrtc

import (
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/keyhop/voicemesh/pkg/voice"
	"github.com/pion/webrtc/v3"
)

// Peer is a pion connection to a single remote participant.
// It sends the local tracks and reports remote ones.
type Peer struct {
	conn *webrtc.PeerConnection
	log  *logger.Logger
}

func NewPeer(api *ApiFactory, tracks []webrtc.TrackLocal, events voice.TransportEvents, log *logger.Logger) (*Peer, error) {
	conn, err := api.NewPeer()
	if err != nil {
		return nil, err
	}
	p := &Peer{conn: conn, log: log}
	for _, track := range tracks {
		sender, err := conn.AddTrack(track)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		go p.readRTCP(sender)
		p.log.Debug().Msgf("Added [%s] track", track.Kind())
	}
	conn.OnICECandidate(p.handleICECandidate(events.OnCandidate))
	conn.OnTrack(p.handleTrack(events.OnTrack))
	conn.OnConnectionStateChange(p.handleState(events.OnState))
	return p, nil
}

// Transports makes voice transports with the current local tracks.
func Transports(api *ApiFactory, tracks func() []webrtc.TrackLocal, log *logger.Logger) voice.TransportFactory {
	return func(id voice.PeerID, events voice.TransportEvents) (voice.Transport, error) {
		var local []webrtc.TrackLocal
		if tracks != nil {
			local = tracks()
		}
		p, err := NewPeer(api, local, events, log.Extend(log.With().Str(logger.PeerField, string(id))))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Read incoming RTCP packets
func (p *Peer) readRTCP(sender *webrtc.RTPSender) {
	rtcpBuf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(rtcpBuf); err != nil {
			return
		}
	}
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = p.conn.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.log.Debug().Msg("Created Offer")
	return offer, nil
}

func (p *Peer) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.conn.SetRemoteDescription(offer); err != nil {
		p.log.Error().Err(err).Msg("Set remote description from peer failed")
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = p.conn.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.log.Debug().Msg("Created Answer")
	return answer, nil
}

func (p *Peer) SetAnswer(answer webrtc.SessionDescription) error {
	if err := p.conn.SetRemoteDescription(answer); err != nil {
		p.log.Error().Err(err).Msg("Set remote description from peer failed")
		return err
	}
	p.log.Debug().Msg("Set Remote Description")
	return nil
}

func (p *Peer) AddCandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.conn.AddICECandidate(candidate); err != nil {
		return err
	}
	p.log.Debug().Str("candidate", candidate.Candidate).Msg("Ice")
	return nil
}

func (p *Peer) Close() error {
	if p.conn.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil
	}
	err := p.conn.Close()
	p.log.Debug().Msg("WebRTC stop")
	return err
}

func (p *Peer) handleICECandidate(callback func(webrtc.ICECandidateInit)) func(*webrtc.ICECandidate) {
	return func(ice *webrtc.ICECandidate) {
		// ICE gathering finish condition
		if ice == nil {
			p.log.Debug().Msg("ICE gathering was complete probably")
			return
		}
		candidate := ice.ToJSON()
		p.log.Debug().Str("candidate", candidate.Candidate).Msg("ICE")
		if callback != nil {
			callback(candidate)
		}
	}
}

func (p *Peer) handleTrack(callback func(voice.RemoteStream)) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Debug().Str("track", track.ID()).Msgf("Remote [%s] track", track.Codec().MimeType)
		if callback != nil {
			callback(track)
		}
	}
}

func (p *Peer) handleState(callback func(webrtc.PeerConnectionState)) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		p.log.Debug().Str(".state", state.String()).Msg("WebRTC")
		if state == webrtc.PeerConnectionStateFailed {
			p.log.Error().Msgf("WebRTC connection fail! connection: %v, ice: %v, gathering: %v, signalling: %v",
				p.conn.ConnectionState(), p.conn.ICEConnectionState(), p.conn.ICEGatheringState(),
				p.conn.SignalingState())
		}
		if callback != nil {
			callback(state)
		}
	}
}
