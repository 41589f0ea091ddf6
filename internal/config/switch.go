package config

import "sync/atomic"

// Switch is the runtime enabled flag. The drain cycle reads it once per run.
type Switch struct {
	on atomic.Bool
}

func NewSwitch(enabled bool) *Switch {
	s := &Switch{}
	s.on.Store(enabled)
	return s
}

func (s *Switch) Enabled() bool { return s.on.Load() }

func (s *Switch) Set(enabled bool) { s.on.Store(enabled) }
