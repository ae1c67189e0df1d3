package domain

import "time"

// CallbackRecord is the retained trace of one webhook delivery attempt
// sequence for a single task event.
type CallbackRecord struct {
	ID             string
	TaskID         string
	Event          CallbackEvent
	URL            string
	Payload        map[string]any
	CreatedAt      time.Time
	SentAt         *time.Time
	ResponseStatus int
	Attempts       int
	Success        bool
	Error          string
}
