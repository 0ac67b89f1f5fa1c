package buffer

import (
	"sync"
)

type playState string

const (
	StatePlaying playState = "playing"
	StatePaused  playState = "paused"
)

// fallbackBps is used until real throughput has been observed (24 Mbit/s).
const fallbackBps = 24_000_000 / 8

// Controller sizes torrent readahead from the playback state: a short window
// while playing, a deeper one while paused so the swarm can fill the gap.
type Controller struct {
	mu             sync.Mutex
	state          playState
	playhead       int64
	rollingBps     int64
	playSec        int64
	pauseSec       int64
	targetAheadSec int64
}

func New(playSec, pauseSec int64) *Controller {
	return &Controller{
		state:          StatePaused,
		rollingBps:     fallbackBps,
		playSec:        playSec,
		pauseSec:       pauseSec,
		targetAheadSec: pauseSec,
	}
}

func (c *Controller) State() playState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) SetState(ps playState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ps
	if ps == StatePlaying {
		c.targetAheadSec = c.playSec
	} else {
		c.targetAheadSec = c.pauseSec
	}
}

func (c *Controller) SetPlayhead(pos int64) {
	c.mu.Lock()
	c.playhead = pos
	c.mu.Unlock()
}

func (c *Controller) Playhead() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playhead
}

// UpdateThroughput folds an observed transfer into the rolling rate (70/30 EWMA).
func (c *Controller) UpdateThroughput(bytes, millis int64) {
	if millis <= 0 || bytes <= 0 {
		return
	}
	obs := (bytes * 1000) / millis
	if obs <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rollingBps == 0 {
		c.rollingBps = obs
		return
	}
	c.rollingBps = (c.rollingBps*7 + obs*3) / 10
}

func (c *Controller) TargetBytes() int64 {
	c.mu.Lock()
	bps := c.rollingBps
	sec := c.targetAheadSec
	c.mu.Unlock()
	if bps <= 0 {
		bps = fallbackBps
	}
	if bps < fallbackBps {
		sec = sec + sec/3 // +33% when slow swarm
	}
	return bps * sec
}

func (c *Controller) TargetAheadSeconds() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetAheadSec
}
