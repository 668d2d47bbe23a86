package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soda-magic/tank-rtc-sdk/media"
	"github.com/soda-magic/tank-rtc-sdk/peerlink"
	"github.com/soda-magic/tank-rtc-sdk/protocol"
	"github.com/soda-magic/tank-rtc-sdk/signaling"
)

// testJPEG builds a minimal baseline JPEG with the given dimensions.
func testJPEG(w, h int) []byte {
	buf := []byte{0xFF, 0xD8}
	buf = append(buf, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00)
	buf = append(buf, 0xFF, 0xC0, 0x00, 0x11, 0x08,
		byte(h>>8), byte(h), byte(w>>8), byte(w),
		0x03, 0x01, 0x22, 0x00, 0x02, 0x11, 0x01, 0x03, 0x11, 0x01)
	return append(buf, 0xFF, 0xD9)
}

type fakeDataChannel struct {
	mu       sync.Mutex
	open     bool
	sent     [][]byte
	sentText []string
	closed   bool
	handler  func(data []byte, isString bool)
}

func (d *fakeDataChannel) Label() string { return "video" }

func (d *fakeDataChannel) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open && !d.closed
}

func (d *fakeDataChannel) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := make([]byte, len(data))
	copy(b, data)
	d.sent = append(d.sent, b)
	return nil
}

func (d *fakeDataChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sentText = append(d.sentText, s)
	return nil
}

func (d *fakeDataChannel) OnMessage(fn func(data []byte, isString bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
}

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDataChannel) frames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *fakeDataChannel) texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sentText...)
}

type fakeLink struct {
	mu          sync.Mutex
	openChannel bool
	dc          *fakeDataChannel
	offers      int
	answers     []string
	candidates  []signaling.ICECandidate
	tracks      int
	closed      bool
	iceCb       func(cand signaling.ICECandidate, end bool)
}

func (l *fakeLink) CreateOffer(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	return "v=0 local-offer", nil
}

func (l *fakeLink) HandleAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers = append(l.answers, sdp)
	return nil
}

func (l *fakeLink) AddICECandidate(cand signaling.ICECandidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, cand)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(cand signaling.ICECandidate, end bool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iceCb = fn
}

func (l *fakeLink) CreateDataChannel(label string) (peerlink.DataChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dc = &fakeDataChannel{open: l.openChannel}
	return l.dc, nil
}

func (l *fakeLink) AddAudioTrack(src media.AudioSource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks++
	return nil
}

func (l *fakeLink) OnRemoteAudio(fn func(peerlink.RemoteAudio)) {}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) trackCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracks
}

func (l *fakeLink) answerList() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.answers...)
}

func (l *fakeLink) candidateList() []signaling.ICECandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]signaling.ICECandidate(nil), l.candidates...)
}

type fakeSignaling struct {
	mu     sync.Mutex
	sent   []signaling.Message
	closed bool
}

func (s *fakeSignaling) Send(msg signaling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaling) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSignaling) messages() []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Message(nil), s.sent...)
}

type fakeCamera struct {
	mu       sync.Mutex
	payload  []byte
	released int
}

func (f *fakeCamera) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload, nil
}

func (f *fakeCamera) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeCamera) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeMic struct {
	mu       sync.Mutex
	released int
}

func (f *fakeMic) Track() webrtc.TrackLocal { return nil }

func (f *fakeMic) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeMic) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeCapability struct {
	mu          sync.Mutex
	camera      *fakeCamera
	mic         *fakeMic
	cameraGate  chan struct{}
	cameraCalls int
}

func (f *fakeCapability) AcquireCamera(ctx context.Context, spec media.CaptureSpec) (media.CaptureSource, error) {
	f.mu.Lock()
	f.cameraCalls++
	gate := f.cameraGate
	cam := f.camera
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return cam, nil
}

func (f *fakeCapability) AcquireMicrophone(ctx context.Context) (media.AudioSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mic, nil
}

func (f *fakeCapability) cameraCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cameraCalls
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) list() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type harness struct {
	mu           sync.Mutex
	links        []*fakeLink
	sigs         []*fakeSignaling
	handlers     map[Family]signaling.Handler
	capability   *fakeCapability
	rec          *eventRecorder
	openChannels bool
	nowNanos     uint64
	ctrl         *Controller
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		handlers:     map[Family]signaling.Handler{},
		capability:   &fakeCapability{camera: &fakeCamera{payload: testJPEG(64, 64)}, mic: &fakeMic{}},
		rec:          &eventRecorder{},
		openChannels: true,
		nowNanos:     uint64(1_700_000_000 * time.Second),
	}

	deps := Deps{
		Media: h.capability,
		NewPeerLink: func() (peerlink.Link, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			l := &fakeLink{openChannel: h.openChannels}
			h.links = append(h.links, l)
			return l, nil
		},
		NewSignaling: func(fam Family, handler signaling.Handler) (signaling.Client, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			s := &fakeSignaling{}
			h.sigs = append(h.sigs, s)
			h.handlers[fam] = handler
			return s, nil
		},
		Now: func() uint64 {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.nowNanos
		},
	}

	c, err := NewController(cfg, deps)
	require.NoError(t, err)
	c.Subscribe(h.rec.record)
	h.ctrl = c
	t.Cleanup(c.Disconnect)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nowNanos += uint64(d)
}

func (h *harness) now() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nowNanos
}

func (h *harness) link(i int) *fakeLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[i]
}

func (h *harness) linkCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.links)
}

func (h *harness) lastSig() *fakeSignaling {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sigs[len(h.sigs)-1]
}

func (h *harness) handler(fam Family) signaling.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handlers[fam]
}

func (h *harness) envelope(t *testing.T, id string, seq uint32, payload []byte) []byte {
	t.Helper()
	buf, err := protocol.Encode(id, h.now(), seq, payload)
	require.NoError(t, err)
	return buf
}

func controlJSON(t *testing.T, msg signaling.Message) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return b
}

func TestStartActivatesLegOnce(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local"})

	require.NoError(t, h.ctrl.Start(context.Background(), ViewVideo))
	assert.True(t, h.ctrl.Active(ViewVideo))
	assert.Equal(t, 1, h.linkCount())

	msgs := h.lastSig().messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, signaling.TypeOffer, msgs[0].Type)
	assert.Equal(t, "local", msgs[0].ClientID)
	assert.Equal(t, "v=0 local-offer", msgs[0].SDP)

	var connected, activated int
	for _, ev := range h.rec.list() {
		switch e := ev.(type) {
		case Connected:
			connected++
		case LegStateChanged:
			if e.Leg == ViewVideo && e.Active {
				activated++
			}
		}
	}
	assert.Equal(t, 1, connected)
	assert.Equal(t, 1, activated)

	// Starting an already active leg is a no-op, not a reconnect.
	require.NoError(t, h.ctrl.Start(context.Background(), ViewVideo))
	assert.Equal(t, 1, h.linkCount())
}

func TestToggleRebuildsFamily(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local"})
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx, ViewVideo))
	h.ctrl.Stop(ViewVideo)
	require.NoError(t, h.ctrl.Start(ctx, ViewVideo))

	require.Equal(t, 2, h.linkCount())
	assert.True(t, h.link(0).isClosed())
	assert.False(t, h.link(1).isClosed())
}

func TestSiblingLegsShareOneFamily(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local", VideoFrameRate: 1})
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx, ViewVideo))
	require.NoError(t, h.ctrl.Start(ctx, SendVideo))

	// The second start rebuilt the family; the first link is gone and both
	// legs now ride the replacement.
	require.Equal(t, 2, h.linkCount())
	assert.True(t, h.link(0).isClosed())

	h.ctrl.Stop(SendVideo)
	assert.False(t, h.link(1).isClosed(), "family must survive while the sibling leg is active")
	assert.True(t, h.ctrl.Active(ViewVideo))

	// The active sender announced its departure over the data channel.
	texts := h.link(1).dc.texts()
	require.Len(t, texts, 1)
	var notice signaling.Message
	require.NoError(t, json.Unmarshal([]byte(texts[0]), &notice))
	assert.Equal(t, signaling.TypeStopVideo, notice.Type)

	h.ctrl.Stop(ViewVideo)
	assert.True(t, h.link(1).isClosed())
}

func TestStopIdleLegEmitsNothing(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local"})

	h.ctrl.Stop(SendAudio)
	h.ctrl.Stop(ViewVideo)

	assert.Empty(t, h.rec.list())
	assert.Equal(t, 0, h.linkCount())
}

func TestChannelOpenTimeoutRevertsLeg(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local", DataChannelOpenTimeoutMs: 50})
	h.mu.Lock()
	h.openChannels = false
	h.mu.Unlock()

	err := h.ctrl.Start(context.Background(), ViewVideo)
	require.ErrorIs(t, err, ErrChannelOpenTimeout)

	assert.False(t, h.ctrl.Active(ViewVideo))
	assert.True(t, h.link(0).isClosed())

	var errorEvents int
	for _, ev := range h.rec.list() {
		if _, ok := ev.(ErrorEvent); ok {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)

	// The leg is cleanly idle and can be started again.
	h.mu.Lock()
	h.openChannels = true
	h.mu.Unlock()
	require.NoError(t, h.ctrl.Start(context.Background(), ViewVideo))
	assert.True(t, h.ctrl.Active(ViewVideo))
}

func TestStopDuringStartDiscardsCompletion(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local", VideoFrameRate: 1})
	gate := make(chan struct{})
	h.capability.mu.Lock()
	h.capability.cameraGate = gate
	h.capability.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Start(context.Background(), SendVideo) }()

	require.Eventually(t, func() bool { return h.capability.cameraCallCount() == 1 },
		time.Second, 5*time.Millisecond)

	h.ctrl.Stop(SendVideo)
	close(gate)

	require.NoError(t, <-done)
	assert.False(t, h.ctrl.Active(SendVideo))
	assert.Equal(t, 1, h.capability.camera.releaseCount(), "discarded start must release the camera")

	for _, ev := range h.rec.list() {
		if e, ok := ev.(LegStateChanged); ok && e.Leg == SendVideo {
			t.Fatalf("superseded start must not emit leg state changes, got %+v", e)
		}
	}
}

func TestListenAudioRebuildKeepsActiveMicrophone(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local"})
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx, SendAudio))
	require.Equal(t, 1, h.link(0).trackCount())

	require.NoError(t, h.ctrl.Start(ctx, ListenAudio))
	require.Equal(t, 2, h.linkCount())
	assert.True(t, h.link(0).isClosed())
	assert.Equal(t, 1, h.link(1).trackCount(), "rebuilt audio link must carry the active microphone")

	h.ctrl.Stop(SendAudio)
	assert.Equal(t, 1, h.capability.mic.releaseCount())

	var sawStop bool
	for _, msg := range h.lastSig().messages() {
		if msg.Type == signaling.TypeStopSending {
			sawStop = true
			assert.Equal(t, "local", msg.ClientID)
		}
	}
	assert.True(t, sawStop, "stopping send-audio must announce stop-sending")
	assert.False(t, h.link(1).isClosed(), "listen-audio still owns the family")
}

func TestInboundFrameLifecycle(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local", VideoWidth: 64, VideoHeight: 64})

	h.ctrl.handleVideoMessage(h.envelope(t, "p1", 7, testJPEG(64, 64)), false)

	snap, ok := h.ctrl.Frame("p1")
	require.True(t, ok)
	assert.Equal(t, uint32(7), snap.SequenceNumber)
	firstReceived := snap.ReceivedAtNanos

	h.advance(50 * time.Millisecond)
	h.ctrl.handleVideoMessage(h.envelope(t, "p1", 8, testJPEG(64, 64)), false)

	snap, ok = h.ctrl.Frame("p1")
	require.True(t, ok)
	assert.Equal(t, uint32(8), snap.SequenceNumber)
	assert.Greater(t, snap.ReceivedAtNanos, firstReceived)

	var added, updated int
	for _, ev := range h.rec.list() {
		switch ev.(type) {
		case SourceAdded:
			added++
		case FrameUpdated:
			updated++
		}
	}
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, updated)
}

func TestInboundPipelineDropsBadFrames(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local", VideoWidth: 64, VideoHeight: 64})

	// Truncated envelope, non-image payload, wrong geometry, stale capture.
	h.ctrl.handleVideoMessage([]byte{0x00, 0x01, 0x02}, false)
	h.ctrl.handleVideoMessage(h.envelope(t, "p1", 1, []byte("not a jpeg")), false)
	h.ctrl.handleVideoMessage(h.envelope(t, "p1", 2, testJPEG(32, 32)), false)

	stale, err := protocol.Encode("p1", h.now()-uint64(2*time.Second), 3, testJPEG(64, 64))
	require.NoError(t, err)
	h.ctrl.handleVideoMessage(stale, false)

	assert.Empty(t, h.ctrl.Participants())
	assert.Empty(t, h.rec.list())
}

func TestVideoControlMessages(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local", VideoWidth: 64, VideoHeight: 64})

	h.ctrl.handleVideoMessage(h.envelope(t, "p1", 1, testJPEG(64, 64)), false)
	require.Equal(t, []string{"p1"}, h.ctrl.Participants())

	// Unknown and malformed control messages are ignored.
	h.ctrl.handleVideoMessage([]byte(`{"type":"mystery"}`), true)
	h.ctrl.handleVideoMessage([]byte(`{not json`), true)
	assert.Equal(t, []string{"p1"}, h.ctrl.Participants())

	h.ctrl.handleVideoMessage(controlJSON(t, signaling.Message{Type: signaling.TypeVideoRemove, ClientID: "p1"}), true)
	assert.Empty(t, h.ctrl.Participants())

	var removed int
	for _, ev := range h.rec.list() {
		if e, ok := ev.(SourceRemoved); ok {
			removed++
			assert.Equal(t, "p1", e.ParticipantID)
		}
	}
	assert.Equal(t, 1, removed)
}

func TestSignalingRoutesToFamilyLink(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local"})
	require.NoError(t, h.ctrl.Start(context.Background(), ViewVideo))

	handler := h.handler(VideoFamily)
	require.NotNil(t, handler)

	handler(signaling.Message{Type: signaling.TypeAnswer, SDP: "v=0 remote-answer"})
	assert.Equal(t, []string{"v=0 remote-answer"}, h.link(0).answerList())

	mid := "0"
	handler(signaling.Message{Type: signaling.TypeICECandidate, Candidate: &signaling.ICECandidate{Candidate: "candidate:1", SDPMid: &mid}})
	require.Len(t, h.link(0).candidateList(), 1)
	assert.Equal(t, "candidate:1", h.link(0).candidateList()[0].Candidate)

	// A candidate message without a body is ignored.
	handler(signaling.Message{Type: signaling.TypeICECandidate})
	assert.Len(t, h.link(0).candidateList(), 1)
}

func TestLocalCandidatesForwardedToServer(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local"})
	require.NoError(t, h.ctrl.Start(context.Background(), ViewVideo))

	h.link(0).mu.Lock()
	cb := h.link(0).iceCb
	h.link(0).mu.Unlock()
	require.NotNil(t, cb)

	cb(signaling.ICECandidate{Candidate: "candidate:local"}, false)
	cb(signaling.ICECandidate{}, true)

	var forwarded int
	for _, msg := range h.lastSig().messages() {
		if msg.Type == signaling.TypeICECandidate {
			forwarded++
			require.NotNil(t, msg.Candidate)
			assert.Equal(t, "candidate:local", msg.Candidate.Candidate)
		}
	}
	assert.Equal(t, 1, forwarded, "gathering end must not be forwarded")
}

func TestStopViewVideoClearsCache(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local", VideoWidth: 64, VideoHeight: 64})
	require.NoError(t, h.ctrl.Start(context.Background(), ViewVideo))

	h.ctrl.handleVideoMessage(h.envelope(t, "p1", 1, testJPEG(64, 64)), false)
	h.ctrl.handleVideoMessage(h.envelope(t, "p2", 1, testJPEG(64, 64)), false)
	require.Len(t, h.ctrl.Participants(), 2)

	h.ctrl.Stop(ViewVideo)
	assert.Empty(t, h.ctrl.Participants())

	removed := map[string]int{}
	for _, ev := range h.rec.list() {
		if e, ok := ev.(SourceRemoved); ok {
			removed[e.ParticipantID]++
		}
	}
	assert.Equal(t, map[string]int{"p1": 1, "p2": 1}, removed)
}

func TestSendLoopShipsEncodedSnapshots(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local", VideoFrameRate: 100})
	require.NoError(t, h.ctrl.Start(context.Background(), SendVideo))

	dc := h.link(0).dc
	require.Eventually(t, func() bool { return len(dc.frames()) >= 2 },
		2*time.Second, 5*time.Millisecond)

	frames := dc.frames()
	env, err := protocol.Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, "local", env.ParticipantID)
	assert.Equal(t, uint32(1), env.SequenceNumber)
	assert.Equal(t, testJPEG(64, 64), env.Payload)

	env, err = protocol.Decode(frames[1])
	require.NoError(t, err)
	assert.Equal(t, uint32(2), env.SequenceNumber)

	h.ctrl.Stop(SendVideo)
	assert.Equal(t, 1, h.capability.camera.releaseCount())
}

func TestDisconnectStopsEverythingOnce(t *testing.T) {
	h := newHarness(t, Config{ClientID: "local", VideoFrameRate: 1})
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx, SendAudio))
	require.NoError(t, h.ctrl.Start(ctx, ViewVideo))

	h.ctrl.Disconnect()
	for leg := Leg(0); leg < legCount; leg++ {
		assert.False(t, h.ctrl.Active(leg), "leg %s must be idle", leg)
	}

	h.ctrl.Disconnect()

	var disconnects int
	for _, ev := range h.rec.list() {
		if _, ok := ev.(Disconnected); ok {
			disconnects++
		}
	}
	assert.Equal(t, 1, disconnects)
}
