package client

import "time"

// ItemType distinguishes suite items from test items in the backend's
// launch -> suite -> test hierarchy
type ItemType string

const (
	ItemTypeSuite ItemType = "suite"
	ItemTypeTest  ItemType = "test"
)

// LogLevel is the severity attached to a shipped log line
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// StartLaunchRequest opens a new launch on the backend
type StartLaunchRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	StartTime   time.Time         `json:"startTime"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// FinishLaunchRequest closes a launch with its aggregated status
type FinishLaunchRequest struct {
	EndTime time.Time `json:"endTime"`
	Status  string    `json:"status"`
}

// StartItemRequest opens a suite or test item under a launch. Suites are
// created at the launch root; tests are created under a parent suite item.
type StartItemRequest struct {
	LaunchID    string            `json:"launchId"`
	Name        string            `json:"name"`
	Type        ItemType          `json:"type"`
	StartTime   time.Time         `json:"startTime"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// FinishItemRequest closes a suite or test item
type FinishItemRequest struct {
	EndTime time.Time `json:"endTime"`
	Status  string    `json:"status"`
	Issue   string    `json:"issue,omitempty"`
}

// LogEntry is one log line attached to an item or, when ItemID is empty, to
// the launch itself
type LogEntry struct {
	LaunchID string    `json:"launchId"`
	ItemID   string    `json:"itemId,omitempty"`
	Time     time.Time `json:"time"`
	Level    LogLevel  `json:"level"`
	Message  string    `json:"message"`
}

// idResponse is the backend's reply to every start request
type idResponse struct {
	ID string `json:"id"`
}

// attachmentMeta is the JSON part of a multipart attachment upload
type attachmentMeta struct {
	ItemID string    `json:"itemId"`
	Name   string    `json:"name"`
	Time   time.Time `json:"time"`
}
