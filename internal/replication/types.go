package replication

import (
	"encoding/json"
	"time"

	"github.com/povledger/povledger/internal/membership"
)

type LogEntryType string

const (
	LogEntryBlock       LogEntryType = "block"
	LogEntryMember      LogEntryType = "member"
	LogEntryRequest     LogEntryType = "request"
	LogEntryAdmission   LogEntryType = "admission"
	LogEntryEngineState LogEntryType = "engine_state"
)

// LogEntry is one replicated write. Data holds the JSON encoding of the
// record named by Type.
type LogEntry struct {
	Type      LogEntryType    `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type admission struct {
	Member  *membership.Member  `json:"member"`
	Request *membership.Request `json:"request"`
}

func newLogEntry(t LogEntryType, v interface{}) (*LogEntry, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &LogEntry{Type: t, Data: data, Timestamp: time.Now().UTC()}, nil
}
