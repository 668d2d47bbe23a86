// Package session owns the connection lifecycle: four independent legs
// (send-audio, listen-audio, send-video, view-video), the shared peer link
// and signaling socket per channel family, the outbound snapshot loop and
// the inbound frame pipeline.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/soda-magic/tank-rtc-sdk/frame"
	"github.com/soda-magic/tank-rtc-sdk/internal/util"
	"github.com/soda-magic/tank-rtc-sdk/media"
	"github.com/soda-magic/tank-rtc-sdk/peerlink"
	"github.com/soda-magic/tank-rtc-sdk/protocol"
	"github.com/soda-magic/tank-rtc-sdk/signaling"
)

const (
	videoChannelLabel   = "video"
	channelPollInterval = 100 * time.Millisecond
)

// ErrChannelOpenTimeout reports that the video data channel did not reach
// the open state within the configured deadline. The leg start fails and
// the leg reverts to idle.
var ErrChannelOpenTimeout = errors.New("session: video data channel did not open before the deadline")

// errStartSuperseded marks an in-flight start whose leg was stopped before
// the start completed. The result is discarded, not surfaced.
var errStartSuperseded = errors.New("session: start superseded by stop")

// Deps are the external capabilities a controller drives. NewPeerLink and
// NewSignaling are required; Media is required only to start send legs.
type Deps struct {
	// Media acquires cameras and microphones.
	Media media.Capability
	// Frames turns accepted payloads into releasable rendering handles.
	// Defaults to an in-memory store.
	Frames media.FrameStore
	// NewPeerLink builds a fresh peer link; called once per reconnect
	// cycle per family.
	NewPeerLink peerlink.Factory
	// NewSignaling opens the family's signaling channel and routes
	// inbound messages to handler.
	NewSignaling func(family Family, handler signaling.Handler) (signaling.Client, error)
	// Now returns the current time in nanoseconds. Defaults to the wall
	// clock; injectable for tests.
	Now func() uint64
	// RemoteAudio receives the server's mixed audio track when the
	// listen-audio family connects. Playback is the embedder's concern.
	RemoteAudio func(peerlink.RemoteAudio)
}

type legResources struct {
	stop   chan struct{}
	camera media.CaptureSource
	mic    media.AudioSource
}

func (r *legResources) release() {
	close(r.stop)
	if r.camera != nil {
		r.camera.Release()
	}
	if r.mic != nil {
		r.mic.Release()
	}
}

// familyResources is one channel family's shared link and socket. Created
// and destroyed only by start/stop so no other code path can leave a
// dangling handle.
type familyResources struct {
	link   peerlink.Link
	sig    signaling.Client
	dataCh peerlink.DataChannel
}

func (f *familyResources) close() {
	if f.dataCh != nil {
		f.dataCh.Close()
	}
	if f.link != nil {
		f.link.Close()
	}
	if f.sig != nil {
		f.sig.Close()
	}
}

// Controller is the session's single owner of mutable cross-cutting state:
// leg states, family resources, and the participant frame cache.
type Controller struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	validator frame.Validator
	cache     *frame.Cache

	mu        sync.Mutex
	states    [legCount]legState
	epochs    [legCount]uint64
	legRes    [legCount]*legResources
	families  [familyCount]*familyResources
	subs      []func(Event)
	connected bool
}

// NewController builds a controller. The config is snapshotted with
// defaults applied and never mutated afterwards.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	if deps.NewPeerLink == nil || deps.NewSignaling == nil {
		return nil, errors.New("session: peer link and signaling factories are required")
	}
	cfg = cfg.withDefaults()
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if len([]byte(cfg.ClientID)) > protocol.MaxIdentityLen {
		return nil, errors.Errorf("session: client id exceeds %d bytes", protocol.MaxIdentityLen)
	}
	if deps.Now == nil {
		deps.Now = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	if deps.Frames == nil {
		deps.Frames = media.NewMemoryStore()
	}

	return &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: util.GetLogger().With("component", "session"),
		validator: frame.Validator{
			Width:      cfg.VideoWidth,
			Height:     cfg.VideoHeight,
			StaleAfter: time.Duration(cfg.StaleFrameThresholdMs) * time.Millisecond,
		},
		cache: frame.NewCache(time.Duration(cfg.EvictionAgeMs) * time.Millisecond),
	}, nil
}

// ClientID returns this participant's wire identity.
func (c *Controller) ClientID() string { return c.cfg.ClientID }

// Subscribe registers an event listener. Listeners are invoked in
// subscription order on the goroutine that produced the event.
func (c *Controller) Subscribe(fn func(Event)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	subs := append(([]func(Event))(nil), c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Active reports whether the leg is currently active.
func (c *Controller) Active(leg Leg) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[leg] == legActive
}

// Frame returns the cached last-known-good frame for a participant.
func (c *Controller) Frame(participantID string) (frame.Snapshot, bool) {
	return c.cache.Get(participantID)
}

// Participants returns the identifiers with a cached frame, sorted.
func (c *Controller) Participants() []string {
	return c.cache.Participants()
}

// Start brings one leg up. Already starting or active legs are a no-op.
// Every accepted start tears down and rebuilds the leg's channel family
// (peer link + signaling socket) even when the sibling leg holds a healthy
// one; repeated toggles otherwise accumulate stale transceiver state. A
// failure reverts the leg to idle, fires the error observer once, and is
// returned to the caller.
func (c *Controller) Start(ctx context.Context, leg Leg) error {
	c.mu.Lock()
	if c.states[leg] == legStarting || c.states[leg] == legActive {
		state := c.states[leg]
		c.mu.Unlock()
		c.logger.Debug("start ignored", "leg", leg.String(), "state", state.String())
		return nil
	}
	c.states[leg] = legStarting
	c.epochs[leg]++
	epoch := c.epochs[leg]
	c.mu.Unlock()

	err := c.startLeg(ctx, leg, epoch)
	if errors.Is(err, errStartSuperseded) {
		c.logger.Debug("start discarded", "leg", leg.String())
		return nil
	}
	if err != nil {
		c.mu.Lock()
		if c.epochs[leg] == epoch && c.states[leg] == legStarting {
			c.states[leg] = legIdle
		}
		c.mu.Unlock()
		c.emit(ErrorEvent{Message: fmt.Sprintf("failed to start %s leg", leg), Cause: err})
		return err
	}

	c.mu.Lock()
	if c.epochs[leg] != epoch || c.states[leg] != legStarting {
		// A stop raced the tail of the start; its teardown already ran.
		c.mu.Unlock()
		return nil
	}
	c.states[leg] = legActive
	first := !c.connected
	c.connected = true
	c.mu.Unlock()

	if first {
		c.emit(Connected{})
	}
	c.emit(LegStateChanged{Leg: leg, Active: true})
	c.logger.Info("leg active", "leg", leg.String())
	return nil
}

func (c *Controller) startLeg(ctx context.Context, leg Leg, epoch uint64) error {
	camera, mic, err := c.acquireMedia(ctx, leg)
	if err != nil {
		return err
	}
	release := func() {
		if camera != nil {
			camera.Release()
		}
		if mic != nil {
			mic.Release()
		}
	}

	if c.superseded(leg, epoch) {
		release()
		return errStartSuperseded
	}

	// Reconnect-on-toggle: drop the family's current link and socket
	// unconditionally before re-establishing.
	fam := leg.Family()
	c.mu.Lock()
	old := c.families[fam]
	c.families[fam] = nil
	c.mu.Unlock()
	if old != nil {
		c.logger.Debug("tearing down family for reconnect", "family", fam.String())
		old.close()
	}

	fr, err := c.buildFamily(fam, leg, mic)
	if err != nil {
		release()
		return err
	}

	// Publish before offering so inbound answer/candidate messages find
	// the link; a racing stop wins and the result is discarded.
	c.mu.Lock()
	if c.epochs[leg] != epoch || c.states[leg] != legStarting {
		c.mu.Unlock()
		fr.close()
		release()
		return errStartSuperseded
	}
	c.families[fam] = fr
	c.mu.Unlock()

	offer, err := fr.link.CreateOffer(ctx)
	if err != nil {
		c.dropFamily(fam, fr)
		release()
		return errors.Wrap(err, "offer negotiation failed")
	}
	if err := fr.sig.Send(signaling.Message{Type: signaling.TypeOffer, ClientID: c.cfg.ClientID, SDP: offer}); err != nil {
		c.dropFamily(fam, fr)
		release()
		return err
	}

	if fam == VideoFamily {
		if err := c.waitChannelOpen(ctx, leg, epoch, fr.dataCh); err != nil {
			c.dropFamily(fam, fr)
			release()
			return err
		}
	}

	lr := &legResources{stop: make(chan struct{}), camera: camera, mic: mic}
	c.mu.Lock()
	if c.epochs[leg] != epoch || c.states[leg] != legStarting {
		c.mu.Unlock()
		release()
		return errStartSuperseded
	}
	c.legRes[leg] = lr
	c.mu.Unlock()

	switch leg {
	case SendVideo:
		go c.sendLoop(camera, lr.stop)
	case ViewVideo:
		go c.sweepLoop(lr.stop)
	}
	return nil
}

func (c *Controller) acquireMedia(ctx context.Context, leg Leg) (media.CaptureSource, media.AudioSource, error) {
	switch leg {
	case SendVideo:
		if c.deps.Media == nil {
			return nil, nil, errors.New("media capability is required for the send-video leg")
		}
		camera, err := c.deps.Media.AcquireCamera(ctx, media.CaptureSpec{
			Width:     c.cfg.VideoWidth,
			Height:    c.cfg.VideoHeight,
			Quality:   c.cfg.VideoQuality,
			FrameRate: c.cfg.VideoFrameRate,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "camera acquisition failed")
		}
		return camera, nil, nil
	case SendAudio:
		if c.deps.Media == nil {
			return nil, nil, errors.New("media capability is required for the send-audio leg")
		}
		mic, err := c.deps.Media.AcquireMicrophone(ctx)
		if err != nil {
			return nil, nil, errors.Wrap(err, "microphone acquisition failed")
		}
		return nil, mic, nil
	default:
		return nil, nil, nil
	}
}

func (c *Controller) buildFamily(fam Family, starting Leg, mic media.AudioSource) (*familyResources, error) {
	sig, err := c.deps.NewSignaling(fam, func(msg signaling.Message) {
		c.dispatchControl(fam, msg)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s signaling channel", fam)
	}

	link, err := c.deps.NewPeerLink()
	if err != nil {
		sig.Close()
		return nil, errors.Wrap(err, "failed to create peer link")
	}
	fr := &familyResources{link: link, sig: sig}

	link.OnICECandidate(func(cand signaling.ICECandidate, end bool) {
		if end {
			return
		}
		if err := sig.Send(signaling.Message{Type: signaling.TypeICECandidate, ClientID: c.cfg.ClientID, Candidate: &cand}); err != nil {
			c.logger.Debug("failed to forward ice candidate", "err", err)
		}
	})

	switch fam {
	case VideoFamily:
		dc, err := link.CreateDataChannel(videoChannelLabel)
		if err != nil {
			fr.close()
			return nil, errors.Wrap(err, "failed to create video data channel")
		}
		dc.OnMessage(c.handleVideoMessage)
		fr.dataCh = dc
	case AudioFamily:
		if c.deps.RemoteAudio != nil {
			link.OnRemoteAudio(c.deps.RemoteAudio)
		}
		for _, src := range c.audioSources(starting, mic) {
			if err := link.AddAudioTrack(src); err != nil {
				fr.close()
				return nil, errors.Wrap(err, "failed to attach audio track")
			}
		}
	}
	return fr, nil
}

// audioSources collects the local tracks the rebuilt audio link must
// carry: the starting leg's microphone plus any microphone the sibling
// send-audio leg already holds, since the reconnect replaced its link.
func (c *Controller) audioSources(starting Leg, mic media.AudioSource) []media.AudioSource {
	var out []media.AudioSource
	if mic != nil {
		out = append(out, mic)
	}
	if starting != SendAudio {
		c.mu.Lock()
		if lr := c.legRes[SendAudio]; lr != nil && lr.mic != nil && c.states[SendAudio] == legActive {
			out = append(out, lr.mic)
		}
		c.mu.Unlock()
	}
	return out
}

func (c *Controller) superseded(leg Leg, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[leg] != epoch || c.states[leg] != legStarting
}

func (c *Controller) dropFamily(fam Family, fr *familyResources) {
	c.mu.Lock()
	if c.families[fam] == fr {
		c.families[fam] = nil
	}
	c.mu.Unlock()
	fr.close()
}

// waitChannelOpen polls channel readiness at a fixed interval until the
// channel opens, the deadline passes, the context is cancelled, or a stop
// supersedes the start.
func (c *Controller) waitChannelOpen(ctx context.Context, leg Leg, epoch uint64, dc peerlink.DataChannel) error {
	deadline := time.Now().Add(time.Duration(c.cfg.DataChannelOpenTimeoutMs) * time.Millisecond)
	ticker := time.NewTicker(channelPollInterval)
	defer ticker.Stop()

	for {
		if c.superseded(leg, epoch) {
			return errStartSuperseded
		}
		if dc.IsOpen() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrChannelOpenTimeout
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "cancelled while waiting for data channel")
		case <-ticker.C:
		}
	}
}

// Stop brings one leg down. Idle or already stopping legs are a no-op and
// emit nothing. Stopping the last active leg of a family closes the shared
// link and socket; otherwise they stay open for the sibling.
func (c *Controller) Stop(leg Leg) {
	c.mu.Lock()
	st := c.states[leg]
	if st == legIdle || st == legStopping {
		c.mu.Unlock()
		return
	}
	wasActive := st == legActive
	c.states[leg] = legStopping
	c.epochs[leg]++ // cancels any in-flight start
	lr := c.legRes[leg]
	c.legRes[leg] = nil
	fam := leg.Family()
	fr := c.families[fam]
	c.mu.Unlock()

	if wasActive {
		c.sendStopNotice(leg, fr)
	}

	if lr != nil {
		lr.release()
	}

	if leg == ViewVideo {
		for _, id := range c.cache.Clear() {
			c.emit(SourceRemoved{ParticipantID: id})
		}
	}

	c.mu.Lock()
	c.states[leg] = legIdle
	var toClose *familyResources
	if c.familyIdleLocked(fam) {
		toClose = c.families[fam]
		c.families[fam] = nil
	}
	c.mu.Unlock()
	if toClose != nil {
		c.logger.Debug("closing family", "family", fam.String())
		toClose.close()
	}

	if wasActive {
		c.emit(LegStateChanged{Leg: leg, Active: false})
	}
	c.logger.Info("leg stopped", "leg", leg.String())
}

// sendStopNotice tells the server this participant stopped producing,
// best-effort: failures are ignored, teardown proceeds regardless.
func (c *Controller) sendStopNotice(leg Leg, fr *familyResources) {
	switch leg {
	case SendAudio:
		if fr != nil && fr.sig != nil {
			_ = fr.sig.Send(signaling.Message{Type: signaling.TypeStopSending, ClientID: c.cfg.ClientID})
		}
	case SendVideo:
		if fr != nil && fr.dataCh != nil && fr.dataCh.IsOpen() {
			if b, err := json.Marshal(signaling.Message{Type: signaling.TypeStopVideo}); err == nil {
				_ = fr.dataCh.SendText(string(b))
			}
		}
	}
}

func (c *Controller) familyIdleLocked(fam Family) bool {
	for _, l := range fam.legs() {
		if c.states[l] != legIdle {
			return false
		}
	}
	return true
}

// Disconnect stops all four legs and closes the session. Idempotent and
// always succeeds; it is the universal recovery action.
func (c *Controller) Disconnect() {
	for leg := Leg(0); leg < legCount; leg++ {
		c.Stop(leg)
	}

	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was {
		c.emit(Disconnected{})
		c.logger.Info("session disconnected")
	}
}
