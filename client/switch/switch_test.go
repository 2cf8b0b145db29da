package _switch

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type player struct {
	calls  []string
	volume float64
}

func (p *player) commands() CommandFuncs {
	return CommandFuncs{
		OnTogglePlayPause: func() { p.calls = append(p.calls, "toggle") },
		OnNextTrack:       func() { p.calls = append(p.calls, "next") },
		OnPreviousTrack:   func() { p.calls = append(p.calls, "previous") },
		OnVolume:          func() float64 { return p.volume },
		OnSetVolume:       func(v float64) { p.volume = v },
	}
}

func newTestSwitch(p *player, step float64) *Switch {
	logger := zerolog.Nop()
	return NewSwitch(Config{Logger: &logger, Commands: p.commands(), VolumeStep: step})
}

func TestSwitchDispatch(t *testing.T) {
	p := &player{volume: 0.5}
	sw := newTestSwitch(p, 0)

	sw.HandleControl("playPause")
	sw.HandleControl("skip")
	sw.HandleControl("back")
	sw.HandleControl("dance")
	assert.Equal(t, []string{"toggle", "next", "previous"}, p.calls)
	assert.False(t, sw.Dispatch("dance"))

	sw.HandleControl("volumeUp")
	assert.Equal(t, 0.6, p.volume)
	sw.HandleControl("volumeDown")
	sw.HandleControl("volumeDown")
	assert.Equal(t, 0.4, p.volume)
}

func TestSwitchVolumeClamp(t *testing.T) {
	tests := []struct {
		name   string
		start  float64
		step   float64
		action string
		want   float64
	}{
		{name: "up at max", start: 0.95, step: 0.1, action: "volumeUp", want: 1},
		{name: "down at min", start: 0.05, step: 0.1, action: "volumeDown", want: 0},
		{name: "custom step", start: 0.5, step: 0.25, action: "volumeUp", want: 0.75},
		{name: "out of range start", start: 3, step: 0.1, action: "volumeDown", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &player{volume: tt.start}
			newTestSwitch(p, tt.step).HandleControl(tt.action)
			assert.Equal(t, tt.want, p.volume)
		})
	}
}

func TestCommandFuncsNil(t *testing.T) {
	var f CommandFuncs
	assert.NotPanics(t, func() {
		f.TogglePlayPause()
		f.NextTrack()
		f.PreviousTrack()
		f.SetVolume(1)
	})
	assert.Zero(t, f.Volume())
}
