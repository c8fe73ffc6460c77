package sfu

import "time"

// FilterConfig holds the tunables of a QualityFilter.
type FilterConfig struct {
	// SwitchWaitWindow is how long, in milliseconds, keyframes arriving
	// after the first one of a group may still refine the encoding
	// selection. 0 selects the default of 300ms.
	SwitchWaitWindow int `mapstructure:"switchwaitwindow"`
	// HistorySize bounds the decision history ring. 0 disables it.
	HistorySize int `mapstructure:"historysize"`
}

// Config for the svc-sfu library.
type Config struct {
	Filter FilterConfig `mapstructure:"filter"`
}

func (c FilterConfig) waitWindow() time.Duration {
	if c.SwitchWaitWindow <= 0 {
		return defaultSwitchWaitWindow
	}
	return time.Duration(c.SwitchWaitWindow) * time.Millisecond
}
