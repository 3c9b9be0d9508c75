package common

import (
	"fmt"

	"github.com/apex/log"
)

// SessionParam is a helper object for logging a viewer session's parameters into its context
type SessionParam struct {
	// ID is the viewer session ID
	ID string `json:"id"`
	// RemoteAddr is the remote address of the viewer
	RemoteAddr string `json:"remote_addr"`
	// RequestID is the ID of the HTTP request which established the session
	RequestID string `json:"request_id"`
}

// UpdateLogTags updates Apex log.Fields map with values the session's parameters
func (i *SessionParam) UpdateLogTags(tags log.Fields) {
	tags["session_id"] = i.ID
	tags["session_remote"] = fmt.Sprintf("'%s'", i.RemoteAddr)
	if i.RequestID != "" {
		tags["request_id"] = i.RequestID
	}
}
