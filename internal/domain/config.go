package domain

import "time"

// SelectionConfig is the process-wide claiming window record.
type SelectionConfig struct {
	IsOpen    bool      `json:"is_open"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SelectionConfigID is the document id of the claiming window record.
const SelectionConfigID = "selection"
