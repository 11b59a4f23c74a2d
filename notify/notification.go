package notify

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Notification struct {
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Icon      string          `json:"icon"`
	Badge     string          `json:"badge"`
	Tag       string          `json:"tag,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Actions   []Action        `json:"actions,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Defaults fill the fields a push payload leaves out.
type Defaults struct {
	Title string `yaml:"title" env:"TITLE"`
	Body  string `yaml:"body" env:"BODY"`
	Icon  string `yaml:"icon" env:"ICON"`
	Badge string `yaml:"badge" env:"BADGE"`
}

type payload struct {
	Title   *string         `json:"title"`
	Body    *string         `json:"body"`
	Icon    *string         `json:"icon"`
	Badge   *string         `json:"badge"`
	Tag     string          `json:"tag"`
	Data    json.RawMessage `json:"data"`
	Actions []Action        `json:"actions"`
}

// ParsePayload turns push data into a notification. It never fails:
// a JSON object sets the fields it has, anything else becomes the body text,
// and missing fields take the defaults.
func ParsePayload(b []byte, d Defaults) Notification {
	n := Notification{
		Title:     d.Title,
		Body:      d.Body,
		Icon:      d.Icon,
		Badge:     d.Badge,
		Timestamp: time.Now(),
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return n
	}

	var p payload
	if utf8.Valid(trimmed) && trimmed[0] == '{' && json.Unmarshal(trimmed, &p) == nil {
		setIfPresent(&n.Title, p.Title)
		setIfPresent(&n.Body, p.Body)
		setIfPresent(&n.Icon, p.Icon)
		setIfPresent(&n.Badge, p.Badge)
		n.Tag = p.Tag
		n.Data = p.Data
		n.Actions = p.Actions
		return n
	}

	var text string
	if utf8.Valid(trimmed) && trimmed[0] == '"' && json.Unmarshal(trimmed, &text) == nil {
		setIfPresent(&n.Body, &text)
		return n
	}
	text = strings.ToValidUTF8(string(trimmed), "�")
	setIfPresent(&n.Body, &text)
	return n
}

func setIfPresent(dst *string, v *string) {
	if v != nil && strings.TrimSpace(*v) != "" {
		*dst = *v
	}
}
