// Package models holds the JSON documents served on the status endpoint.
package models

import "time"

// A Message is a JSON document with a "type" field.
type Message interface {
	Message() string
}

// DefaultMessage implements Message, and has a type.
type DefaultMessage struct {
	Type string `json:"type"`
}

// Message gets the type of a DefaultMessage.
func (msg DefaultMessage) Message() string {
	return msg.Type
}

// An ErrorMessage is returned when a status request cannot be served.
type ErrorMessage struct {
	DefaultMessage
	Error string `json:"error"`
}

// NewErrorMessage creates an error message with the specified reason.
func NewErrorMessage(reason string) ErrorMessage {
	return ErrorMessage{
		DefaultMessage: DefaultMessage{"error"},
		Error:          reason,
	}
}

// Status describes the running state of a muxbridged instance.
type Status struct {
	Uptime          time.Duration `json:"uptime"`
	Channel         int           `json:"channel"`
	ChannelName     string        `json:"channel_name"`
	NumClients      int           `json:"num_clients"`
	MaxClients      int           `json:"max_clients"`
	MaxClientsTime  time.Time     `json:"max_clients_at"`
	TotalClients    uint64        `json:"total_clients"`
	SerialAvailable bool          `json:"serial_available"`
	SerialPort      string        `json:"serial_port"`
}

// StatusMessage wraps a Status for the wire.
type StatusMessage struct {
	DefaultMessage
	Status Status `json:"status"`
}

// NewStatusMessage creates a status message.
func NewStatusMessage(st Status) StatusMessage {
	return StatusMessage{
		DefaultMessage: DefaultMessage{"status"},
		Status:         st,
	}
}
