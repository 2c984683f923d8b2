package transport

import "golang.org/x/net/http2"

const (
	minMaxFrameSize = 1 << 14
	maxWindow       = 1<<31 - 1
)

// peerSettings is what the server told us about itself. Values start at the
// protocol defaults until its first SETTINGS frame arrives.
type peerSettings struct {
	HeaderTableSize        uint32
	MaxConcurrentStreams   uint32
	InitialWindowSize      uint32
	MaxWriteFrameSize      uint32
	MaxWriteHeaderListSize uint32
	on                     [8][]func(value uint32) // 8 -> max settings id
}

func newPeerSettings() *peerSettings {
	return &peerSettings{
		HeaderTableSize: 4096,
		// unlimited per RFC 9113, x/net starts at 100 as well
		MaxConcurrentStreams:   100,
		InitialWindowSize:      65535,
		MaxWriteFrameSize:      minMaxFrameSize,
		MaxWriteHeaderListSize: 0xffffffff,
	}
}

// On registers a callback run before a new value of id is stored.
func (s *peerSettings) On(id http2.SettingID, do func(value uint32)) {
	s.on[id] = append(s.on[id], do)
}

func (s *peerSettings) UpdateFrom(frame *http2.SettingsFrame) error {
	return frame.ForeachSetting(func(i http2.Setting) error {
		if err := i.Valid(); err != nil {
			return err
		}
		if int(i.ID) < len(s.on) {
			for _, v := range s.on[i.ID] {
				v(i.Val)
			}
		}
		switch i.ID {
		case http2.SettingHeaderTableSize:
			s.HeaderTableSize = i.Val
		case http2.SettingInitialWindowSize:
			s.InitialWindowSize = i.Val
		case http2.SettingMaxConcurrentStreams:
			s.MaxConcurrentStreams = i.Val
		case http2.SettingMaxFrameSize:
			s.MaxWriteFrameSize = i.Val
		case http2.SettingMaxHeaderListSize:
			s.MaxWriteHeaderListSize = i.Val
		}
		return nil
	})
}
