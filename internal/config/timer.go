package config

import "time"

// Timer is the human-editable duration format used in the settings file.
type Timer struct {
	Days    uint32 `json:"days,omitempty"`
	Hours   uint32 `json:"hours,omitempty"`
	Minutes uint32 `json:"minutes,omitempty"`
	Seconds uint32 `json:"seconds,omitempty"`
}

func (t Timer) Duration() time.Duration {
	return time.Duration(t.Days)*24*time.Hour +
		time.Duration(t.Hours)*time.Hour +
		time.Duration(t.Minutes)*time.Minute +
		time.Duration(t.Seconds)*time.Second
}

func (t Timer) IsZero() bool {
	return t.Duration() == 0
}
