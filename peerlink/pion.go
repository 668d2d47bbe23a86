package peerlink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/soda-magic/tank-rtc-sdk/internal/util"
	"github.com/soda-magic/tank-rtc-sdk/media"
	"github.com/soda-magic/tank-rtc-sdk/signaling"
)

// NewPionFactory returns a Factory producing pion-backed links configured
// with the given ICE server URLs.
func NewPionFactory(iceServers []string) Factory {
	return func() (Link, error) {
		return newPionLink(iceServers)
	}
}

type pionLink struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger
}

func newPionLink(iceServers []string) (*pionLink, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Wrap(err, "failed to register audio codec")
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create peer connection")
	}

	logger := util.GetLogger().With("component", "peerlink")
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Debug("peer connection state changed", "state", s.String())
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		logger.Debug("ice connection state changed", "state", s.String())
	})

	return &pionLink{pc: pc, logger: logger}, nil
}

func (l *pionLink) CreateOffer(ctx context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create offer")
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", errors.Wrap(err, "failed to set local description")
	}
	return offer.SDP, nil
}

func (l *pionLink) HandleAnswer(sdp string) error {
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return errors.Wrap(err, "failed to set remote description")
	}
	return nil
}

func (l *pionLink) AddICECandidate(cand signaling.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		return errors.Wrap(err, "failed to add ice candidate")
	}
	return nil
}

func (l *pionLink) OnICECandidate(fn func(cand signaling.ICECandidate, end bool)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(signaling.ICECandidate{}, true)
			return
		}
		j := c.ToJSON()
		fn(signaling.ICECandidate{
			Candidate:     j.Candidate,
			SDPMid:        j.SDPMid,
			SDPMLineIndex: j.SDPMLineIndex,
		}, false)
	})
}

func (l *pionLink) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := l.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create data channel %s", label)
	}
	wrapped := &pionDataChannel{dc: dc}
	dc.OnOpen(func() {
		l.logger.Debug("data channel open", "label", label)
	})
	return wrapped, nil
}

func (l *pionLink) AddAudioTrack(src media.AudioSource) error {
	if _, err := l.pc.AddTrack(src.Track()); err != nil {
		return errors.Wrap(err, "failed to add audio track")
	}
	return nil
}

func (l *pionLink) OnRemoteAudio(fn func(RemoteAudio)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		fn(&remoteAudio{track: track})
	})
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

type pionDataChannel struct {
	dc *webrtc.DataChannel

	mu sync.Mutex
	fn func(data []byte, isString bool)
}

func (d *pionDataChannel) Label() string { return d.dc.Label() }

func (d *pionDataChannel) IsOpen() bool {
	return d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (d *pionDataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *pionDataChannel) SendText(s string) error {
	return d.dc.SendText(s)
}

func (d *pionDataChannel) OnMessage(fn func(data []byte, isString bool)) {
	d.mu.Lock()
	d.fn = fn
	d.mu.Unlock()
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		d.mu.Lock()
		handler := d.fn
		d.mu.Unlock()
		if handler != nil {
			handler(msg.Data, msg.IsString)
		}
	})
}

func (d *pionDataChannel) Close() error {
	return d.dc.Close()
}

type remoteAudio struct {
	track *webrtc.TrackRemote
}

func (r *remoteAudio) ID() string    { return r.track.ID() }
func (r *remoteAudio) Codec() string { return r.track.Codec().MimeType }
