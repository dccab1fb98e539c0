package syncer

import "time"

// Settings are the runtime knobs of the orchestrator
type Settings struct {
	PollInterval    time.Duration
	LiveInterval    time.Duration
	HistoryEnabled  bool
	HistoryProvider string
	LiveWorkers     int
	ForceResync     bool
	ForceSync       bool
}

// DefaultSettings returns the settings of a fresh installation
func DefaultSettings() Settings {
	return Settings{
		PollInterval: time.Minute,
		LiveWorkers:  4,
	}
}

func (s Settings) historyActive() bool {
	return s.HistoryEnabled && s.HistoryProvider != ""
}

func (s Settings) workers() int {
	if s.LiveWorkers < 1 {
		return 1
	}
	return s.LiveWorkers
}
