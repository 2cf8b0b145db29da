package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// NowPlayingInfo is a full snapshot of the current playback.
// It is always replaced as a whole, never patched.
type NowPlayingInfo struct {
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	Album     string  `json:"album"`
	Duration  float64 `json:"duration"`
	Position  float64 `json:"position"`
	IsPlaying bool    `json:"isPlaying"`
}

// SameTrack reports whether both snapshots describe the same title, artist and album.
func (n NowPlayingInfo) SameTrack(o NowPlayingInfo) bool {
	return n.Title == o.Title && n.Artist == o.Artist && n.Album == o.Album
}

// Normalize clamps negative values and keeps position within a known duration.
func (n NowPlayingInfo) Normalize() NowPlayingInfo {
	if n.Duration < 0 {
		n.Duration = 0
	}
	if n.Position < 0 {
		n.Position = 0
	}
	if n.Duration > 0 && n.Position > n.Duration {
		n.Position = n.Duration
	}
	return n
}

type ControlKind string

const (
	ControlPlay         ControlKind = "play"
	ControlPause        ControlKind = "pause"
	ControlNext         ControlKind = "next"
	ControlPrevious     ControlKind = "previous"
	ControlVolume       ControlKind = "volume"
	ControlTrackChanged ControlKind = "trackChanged"
)

func (k ControlKind) Valid() bool {
	switch k {
	case ControlPlay, ControlPause, ControlNext, ControlPrevious, ControlVolume, ControlTrackChanged:
		return true
	}
	return false
}

// ControlEvent is a fire-and-forget notification about a local playback change.
type ControlEvent struct {
	Kind      ControlKind `json:"kind"`
	Value     *float64    `json:"value,omitempty"` // volume only, 0.0-1.0
	Title     string      `json:"title,omitempty"`
	Artist    string      `json:"artist,omitempty"`
	Album     string      `json:"album,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (e ControlEvent) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Value != nil {
		if e.Kind != ControlVolume {
			return fmt.Errorf("%w: value is only allowed for volume", ErrInvalidEvent)
		}
		if *e.Value < 0 || *e.Value > 1 {
			return fmt.Errorf("%w: volume %v out of range", ErrInvalidEvent, *e.Value)
		}
	}
	return nil
}

const DefaultTransportPath = "/ws"

// Endpoint is a resolved mirror display address. It is immutable once resolved.
type Endpoint struct {
	Host          string `json:"host" toml:"host"`
	TransportPort int    `json:"transportPort" toml:"transport_port"`
	RequestPort   int    `json:"requestPort" toml:"request_port"`
	TransportPath string `json:"transportPath" toml:"transport_path"`
}

func (ep Endpoint) TransportURL() string {
	path := ep.TransportPath
	if path == "" {
		path = DefaultTransportPath
	}
	return "ws://" + net.JoinHostPort(ep.Host, strconv.Itoa(ep.TransportPort)) + path
}

func (ep Endpoint) RequestURL() string {
	return "http://" + net.JoinHostPort(ep.Host, strconv.Itoa(ep.RequestPort)) + "/"
}

func (ep Endpoint) String() string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(ep.TransportPort)) + ep.TransportPath
}

// ConnectionState is published for observers. It is derived from the
// active pair and never authoritative.
type ConnectionState struct {
	TransportOpen    bool `json:"transportOpen"`
	RequestReachable bool `json:"requestReachable"`
}
