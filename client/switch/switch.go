package _switch

import (
	"math"

	"github.com/adwski/mirror-bridge/client/model"
	"github.com/rs/zerolog"
)

const defaultVolumeStep = 0.1

type (
	// Commands are the local player operations the display can trigger.
	Commands interface {
		TogglePlayPause()
		NextTrack()
		PreviousTrack()
		Volume() float64
		SetVolume(v float64)
	}

	Config struct {
		Logger     *zerolog.Logger
		Commands   Commands
		VolumeStep float64
	}

	// Switch routes control actions received from the display to local commands.
	Switch struct {
		logger zerolog.Logger
		cmd    Commands
		step   float64
	}
)

func NewSwitch(cfg Config) *Switch {
	sw := &Switch{
		logger: cfg.Logger.With().Str("component", "switch").Logger(),
		cmd:    cfg.Commands,
		step:   cfg.VolumeStep,
	}
	if sw.step <= 0 || sw.step > 1 {
		sw.step = defaultVolumeStep
	}
	return sw
}

// HandleControl runs the command mapped to action. Unknown actions are logged and ignored.
func (sw *Switch) HandleControl(action string) {
	if !sw.Dispatch(action) {
		sw.logger.Info().Str("action", action).Msg("ignoring unknown control action")
	}
}

// Dispatch reports whether action was recognized.
func (sw *Switch) Dispatch(action string) bool {
	switch action {
	case model.ActionPlayPause:
		sw.cmd.TogglePlayPause()
	case model.ActionSkip:
		sw.cmd.NextTrack()
	case model.ActionBack:
		sw.cmd.PreviousTrack()
	case model.ActionVolumeUp:
		sw.adjustVolume(sw.step)
	case model.ActionVolumeDown:
		sw.adjustVolume(-sw.step)
	default:
		return false
	}
	sw.logger.Debug().Str("action", action).Msg("control action dispatched")
	return true
}

func (sw *Switch) adjustVolume(delta float64) {
	v := clamp(sw.cmd.Volume() + delta)
	// avoid float drift like 0.30000000000000004
	v = math.Round(v*1000) / 1000
	sw.cmd.SetVolume(v)
	sw.logger.Debug().Float64("volume", v).Msg("volume adjusted")
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// CommandFuncs adapts plain callbacks to Commands. Nil callbacks are no-ops,
// a nil Volume reports 0.
type CommandFuncs struct {
	OnTogglePlayPause func()
	OnNextTrack       func()
	OnPreviousTrack   func()
	OnVolume          func() float64
	OnSetVolume       func(float64)
}

func (f CommandFuncs) TogglePlayPause() {
	if f.OnTogglePlayPause != nil {
		f.OnTogglePlayPause()
	}
}

func (f CommandFuncs) NextTrack() {
	if f.OnNextTrack != nil {
		f.OnNextTrack()
	}
}

func (f CommandFuncs) PreviousTrack() {
	if f.OnPreviousTrack != nil {
		f.OnPreviousTrack()
	}
}

func (f CommandFuncs) Volume() float64 {
	if f.OnVolume != nil {
		return f.OnVolume()
	}
	return 0
}

func (f CommandFuncs) SetVolume(v float64) {
	if f.OnSetVolume != nil {
		f.OnSetVolume(v)
	}
}
