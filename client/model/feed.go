package model

// Announcement types on the local feed.
const (
	AnnouncementCommand         = "command"
	AnnouncementConnectionState = "connectionState"
	AnnouncementVolume          = "volume"
)

// Player commands announced on the local feed.
const (
	CommandTogglePlayPause = "togglePlayPause"
	CommandNextTrack       = "nextTrack"
	CommandPreviousTrack   = "previousTrack"
	CommandSetVolume       = "setVolume"
)

type Command struct {
	Command string   `json:"command"`
	Value   *float64 `json:"value,omitempty"`
}
