package app

import "go.aimuz.me/livescribe/broadcast"

// Event names for observers of the application.
const (
	EventLiveTranscript = "live-transcript"
	EventStatus         = "status"
	EventSessionStarted = "session-started"
	EventSessionEnded   = "session-ended"
)

// broadcastType maps an event name to the websocket message type.
func broadcastType(name string) string {
	switch name {
	case EventLiveTranscript:
		return broadcast.TypeText
	case EventSessionStarted, EventSessionEnded:
		return broadcast.TypeSession
	default:
		return broadcast.TypeStatus
	}
}
