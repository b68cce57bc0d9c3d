package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"cronrelay/internal/domain"
	"cronrelay/internal/schedule"
)

// Headers decodes from a JSON object or from a string holding one.
type Headers map[string]string

func (h *Headers) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*h = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if strings.TrimSpace(raw) == "" {
			*h = nil
			return nil
		}
		data = []byte(raw)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return &domain.ValidationError{Field: "headers", Reason: "must be a JSON object of strings"}
	}
	*h = m
	return nil
}

type Input struct {
	Name     string  `json:"name" validate:"required,max=100"`
	URL      string  `json:"url" validate:"required,http_url,max=2048"`
	Method   string  `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers  Headers `json:"headers"`
	Body     *string `json:"body"`
	Schedule string  `json:"schedule" validate:"required"`
	Timezone string  `json:"timezone"`
	Enabled  *bool   `json:"enabled"`
}

func (in *Input) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Schedule = strings.TrimSpace(in.Schedule)
	in.Method = strings.ToUpper(strings.TrimSpace(in.Method))
	if err := domain.Validate(in); err != nil {
		return err
	}
	if in.Method == "" {
		in.Method = http.MethodGet
	}
	if in.Timezone == "" {
		in.Timezone = schedule.DefaultTimezone
	}
	return validateHeaders(in.Headers)
}

func (in Input) job(ownerID string) domain.Job {
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	return domain.Job{
		OwnerID:  ownerID,
		Name:     in.Name,
		URL:      in.URL,
		Method:   in.Method,
		Headers:  in.Headers,
		Body:     in.Body,
		Schedule: in.Schedule,
		Timezone: in.Timezone,
		Enabled:  enabled,
	}
}

// Patch carries the fields of an update. Nil fields are left unchanged.
type Patch struct {
	Name     *string  `json:"name" validate:"omitempty,min=1,max=100"`
	URL      *string  `json:"url" validate:"omitempty,http_url,max=2048"`
	Method   *string  `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers  *Headers `json:"headers"`
	Body     *string  `json:"body"`
	Schedule *string  `json:"schedule"`
	Timezone *string  `json:"timezone"`
	Enabled  *bool    `json:"enabled"`
}

func (p *Patch) normalize() error {
	if p.Method != nil {
		m := strings.ToUpper(strings.TrimSpace(*p.Method))
		p.Method = &m
	}
	if err := domain.Validate(p); err != nil {
		return err
	}
	if p.Headers != nil {
		return validateHeaders(*p.Headers)
	}
	return nil
}

func validateHeaders(h Headers) error {
	for k := range h {
		if k == "" || strings.ContainsAny(k, " \t\r\n:") {
			return &domain.ValidationError{Field: "headers", Reason: fmt.Sprintf("invalid header name %q", k)}
		}
	}
	return nil
}
