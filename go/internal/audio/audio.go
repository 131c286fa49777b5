// Package audio provides the sound capability used by the room state machine.
package audio

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Tier selects the winning announcement.
type Tier int

const (
	TierPositive Tier = iota
	TierMaxReached
)

func (t Tier) String() string {
	if t == TierMaxReached {
		return "max_reached"
	}
	return "positive"
}

// LogPlayer stands in for the sound mixer on nodes without speakers. It logs every
// request and tracks whether background music would be playing.
type LogPlayer struct {
	logger zerolog.Logger

	mu         sync.Mutex
	background bool
}

// NewLogPlayer creates a player that logs to the global logger.
func NewLogPlayer() *LogPlayer {
	return &LogPlayer{logger: log.With().Str("component", "audio").Logger()}
}

func (p *LogPlayer) PlayWinning(withVoice bool, points int, tier Tier) {
	p.fadeBackground()
	p.logger.Info().Bool("voice", withVoice).Int("points", points).Stringer("tier", tier).Msg("play winning")
}

func (p *LogPlayer) PlayLosing(withVoice, closeCall bool) {
	p.fadeBackground()
	p.logger.Info().Bool("voice", withVoice).Bool("close_call", closeCall).Msg("play losing")
}

func (p *LogPlayer) PlayNag(volume float64, final bool) {
	p.logger.Info().Float64("volume", volume).Bool("final", final).Msg("play please leave")
}

func (p *LogPlayer) StopAll() {
	p.mu.Lock()
	p.background = false
	p.mu.Unlock()
	p.logger.Info().Msg("stop all sound")
}

func (p *LogPlayer) PlayBackground() {
	p.mu.Lock()
	p.background = true
	p.mu.Unlock()
	p.logger.Info().Msg("play background music")
}

// BackgroundPlaying reports whether background music was started and not stopped since.
func (p *LogPlayer) BackgroundPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.background
}

// fadeBackground stops the music before a result sound, like the mixer does.
func (p *LogPlayer) fadeBackground() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.background = false
}
