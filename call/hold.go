package call

import (
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// SetRemoteOnHold signals inactivity to the remote by steering every
// transceiver away from receiving: sendonly while held, sendrecv when
// released. The direction change makes the media session request
// renegotiation, which carries the new directions to the opponent.
func (c *Call) SetRemoteOnHold(hold bool) error {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return ErrCallEnded
	}
	if c.remoteOnHold == hold {
		c.mu.Unlock()
		return nil
	}
	c.remoteOnHold = hold
	if !hold {
		c.unholding = true
	}
	dir := webrtc.RTPTransceiverDirectionSendonly
	if !hold {
		dir = webrtc.RTPTransceiverDirectionSendrecv
	}
	for _, tr := range c.media.Transceivers() {
		if err := tr.SetDirection(dir); err != nil {
			c.log.WithFields(logrus.Fields{
				"function":  "SetRemoteOnHold",
				"direction": dir.String(),
				"error":     err.Error(),
			}).Warn("Failed to set transceiver direction")
		}
	}
	c.log.WithFields(logrus.Fields{
		"function": "SetRemoteOnHold",
		"hold":     hold,
	}).Info("Remote hold state changed")
	c.mu.Unlock()
	c.notify.drain()
	return nil
}

// IsRemoteOnHold reports whether this side has put the opponent on hold.
func (c *Call) IsRemoteOnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteOnHold
}

// IsLocalOnHold reports whether the opponent appears to have put us on hold.
//
// Local hold is never signalled explicitly; it is inferred from the
// negotiated transceiver directions: true exactly when no active transceiver
// is currently receiving from the remote. This is a heuristic and can be
// imprecise when only some transceivers are held; that imprecision is a
// known property of the protocol, kept as-is. While our own release of a
// remote hold is still renegotiating, the stale held directions are not
// trusted and this reports false.
func (c *Call) IsLocalOnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	if c.unholding {
		return false
	}
	trs := c.media.Transceivers()
	if len(trs) == 0 {
		return false
	}
	for _, tr := range trs {
		cur := tr.CurrentDirection()
		if cur == webrtc.RTPTransceiverDirectionSendrecv ||
			cur == webrtc.RTPTransceiverDirectionRecvonly {
			return false
		}
	}
	return true
}

// SetMicrophoneMuted toggles outgoing audio. Purely local: mute does not
// renegotiate, it just disables the capture tracks.
func (c *Call) SetMicrophoneMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micMuted = muted
	if c.localStream != nil {
		c.localStream.SetAudioEnabled(!muted)
	}
}

// IsMicrophoneMuted reports whether outgoing audio is muted.
func (c *Call) IsMicrophoneMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micMuted
}

// SetVideoMuted toggles outgoing video.
func (c *Call) SetVideoMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoMuted = muted
	if c.localStream != nil {
		c.localStream.SetVideoEnabled(!muted)
	}
}

// IsVideoMuted reports whether outgoing video is muted.
func (c *Call) IsVideoMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoMuted
}
