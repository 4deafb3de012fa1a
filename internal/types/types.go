// Package types provides shared type definitions for the application.
package types

import "go.aimuz.me/livescribe/livetranscribe"

// LiveTranscript is one emitted line of a live or file session.
type LiveTranscript struct {
	Session   string `json:"session"`
	Text      string `json:"text"`
	Lang      string `json:"lang,omitempty"` // ISO 639-1, empty when undetected
	Timestamp int64  `json:"timestamp"`      // Unix timestamp in milliseconds
}

// LiveStatus represents the status of live transcription.
type LiveStatus struct {
	Active          bool                 `json:"active"`
	Session         string               `json:"session"`
	Engine          string               `json:"engine"`
	Duration        int64                `json:"duration"`        // Running duration in seconds
	TranscriptCount int                  `json:"transcriptCount"` // Lines in the current transcript
	Stats           livetranscribe.Stats `json:"stats"`
}

// EngineInfo describes a selectable transcription engine.
type EngineInfo struct {
	Name          string `json:"name"`          // Engine identifier
	DisplayName   string `json:"displayName"`   // Human-readable name
	IsLocal       bool   `json:"isLocal"`       // Whether it runs locally
	RequiresSetup bool   `json:"requiresSetup"` // Whether setup is needed (e.g., model download)
}
