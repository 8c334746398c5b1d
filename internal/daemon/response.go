package daemon

import (
	"encoding/json"
	"log/slog"
)

const (
	StatusInfo  = "INFO"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
)

// Response is the JSON reply to every command except LOGS
type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     any               `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

func (r *Response) Info(message string) {
	r.AddMessage(message, StatusInfo)
}

func (r *Response) Warn(message string) {
	r.AddMessage(message, StatusWarn)
}

// Error adds err as a rejection with its reason
func (r *Response) Error(err error) {
	r.AddMessage(err.Error(), StatusError)
}

func (r *Response) AddData(data any) {
	r.Data = data
}

// Failed reports whether any message is an error
func (r *Response) Failed() bool {
	for _, m := range r.Messages {
		if m.Status == StatusError {
			return true
		}
	}
	return false
}

// DecodeData unmarshals Data into v. Data arrives as generic JSON on the client side.
func (r *Response) DecodeData(v any) error {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		slog.Error("Failed to encode response", "error", err)
		return `{"messages":[{"message":"failed to encode response","status":"ERROR"}]}`
	}
	return string(bytes)
}

// LogMessages prints the messages through slog at their status level
func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case StatusWarn:
			slog.Warn(message.Message)
		case StatusError:
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}
