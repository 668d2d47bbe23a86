package session

import (
	"encoding/json"
	"time"

	"github.com/soda-magic/tank-rtc-sdk/frame"
	"github.com/soda-magic/tank-rtc-sdk/media"
	"github.com/soda-magic/tank-rtc-sdk/peerlink"
	"github.com/soda-magic/tank-rtc-sdk/protocol"
	"github.com/soda-magic/tank-rtc-sdk/signaling"
)

// handleVideoMessage is the single entry point for the video data channel:
// binary messages are frame envelopes, text messages are JSON control
// notices sharing the signaling message shapes.
func (c *Controller) handleVideoMessage(data []byte, isString bool) {
	if !isString {
		c.handleFrame(data)
		return
	}

	var msg signaling.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("malformed control message dropped", "err", err)
		return
	}
	c.dispatchControl(VideoFamily, msg)
}

// handleFrame runs the inbound pipeline: decode, validate, store, cache,
// notify. Every failure is fully recovered locally; the last accepted
// frame for the participant stays cached.
func (c *Controller) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("frame discarded", "err", err)
		return
	}

	now := c.deps.Now()
	if reason := c.validator.Validate(env, now); reason != frame.Accepted {
		c.logger.Debug("frame rejected", "participant", env.ParticipantID, "reason", reason.String())
		return
	}

	handle, err := c.deps.Frames.Store(env.ParticipantID, env.Payload)
	if err != nil {
		c.logger.Debug("frame store failed", "participant", env.ParticipantID, "err", err)
		return
	}

	if c.cache.Upsert(env.ParticipantID, handle, env.SequenceNumber, now) {
		c.emit(SourceAdded{ParticipantID: env.ParticipantID})
		return
	}
	c.emit(FrameUpdated{ParticipantID: env.ParticipantID})
}

// dispatchControl routes one control message by its type tag. Unknown
// types are ignored.
func (c *Controller) dispatchControl(fam Family, msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeVideoAdd:
		// Informational only; the participant's first frame carries the
		// truth and fires source-added.
		c.logger.Debug("video-add notice", "participant", msg.ClientID)

	case signaling.TypeVideoRemove:
		if msg.ClientID == "" {
			return
		}
		c.cache.Remove(msg.ClientID)
		c.emit(SourceRemoved{ParticipantID: msg.ClientID})

	case signaling.TypeAnswer:
		if link := c.familyLink(fam); link != nil {
			if err := link.HandleAnswer(msg.SDP); err != nil {
				c.logger.Warn("failed to apply answer", "family", fam.String(), "err", err)
			}
		}

	case signaling.TypeICECandidate:
		if msg.Candidate == nil {
			return
		}
		if link := c.familyLink(fam); link != nil {
			if err := link.AddICECandidate(*msg.Candidate); err != nil {
				c.logger.Debug("failed to add remote candidate", "family", fam.String(), "err", err)
			}
		}

	case signaling.TypeError:
		c.logger.Warn("server reported error", "family", fam.String(), "message", msg.Message)

	default:
	}
}

func (c *Controller) familyLink(fam Family) peerlink.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fr := c.families[fam]; fr != nil {
		return fr.link
	}
	return nil
}

func (c *Controller) videoChannel() peerlink.DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fr := c.families[VideoFamily]; fr != nil {
		return fr.dataCh
	}
	return nil
}

// sendLoop captures, compresses and ships one snapshot per tick while the
// send-video leg is active. A channel that is not open skips the tick
// silently; that is back-pressure tolerance, not an error.
func (c *Controller) sendLoop(camera media.CaptureSource, stop <-chan struct{}) {
	interval := time.Second / time.Duration(c.cfg.VideoFrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		dc := c.videoChannel()
		if dc == nil || !dc.IsOpen() {
			continue
		}

		payload, err := camera.Snapshot()
		if err != nil {
			c.logger.Debug("snapshot skipped", "err", err)
			continue
		}
		if len(payload) == 0 {
			continue
		}

		seq++
		buf, err := protocol.Encode(c.cfg.ClientID, c.deps.Now(), seq, payload)
		if err != nil {
			// Encoding only fails on identities the constructor already
			// bounds-checked; surface once and stop the loop.
			c.emit(ErrorEvent{Message: "outbound frame encoding failed", Cause: err})
			return
		}
		if err := dc.Send(buf); err != nil {
			c.logger.Debug("frame send failed", "err", err)
		}
	}
}

// sweepLoop expires cached frames while the view-video leg is active.
func (c *Controller) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(c.cfg.EvictionSweepIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for _, id := range c.cache.Sweep(c.deps.Now()) {
			c.logger.Debug("participant frame expired", "participant", id)
			c.emit(SourceRemoved{ParticipantID: id})
		}
	}
}
