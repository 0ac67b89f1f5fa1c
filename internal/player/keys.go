package player

import "strings"

const (
	keySeekStep   = 10.0
	keyVolumeStep = 0.1
)

// HandleKey applies the keyboard shortcuts of the player UI. Keys use the DOM
// KeyboardEvent.key names. Nothing happens while focus is in a form control.
// It reports whether the key was bound.
func (s *Session) HandleKey(key string, inFormControl bool) bool {
	if inFormControl {
		return false
	}
	switch strings.ToLower(key) {
	case " ", "space", "spacebar", "k":
		s.TogglePlay()
	case "m":
		s.ToggleMute()
	case "f":
		s.ToggleFullscreen()
	case "arrowleft", "left":
		s.SeekBy(-keySeekStep)
	case "arrowright", "right":
		s.SeekBy(keySeekStep)
	case "arrowup", "up":
		s.AdjustVolume(keyVolumeStep)
	case "arrowdown", "down":
		s.AdjustVolume(-keyVolumeStep)
	default:
		return false
	}
	return true
}
