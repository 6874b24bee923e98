package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

type EventType string

const (
	JoinRoom     EventType = "JOIN_ROOM"
	LeaveRoom    EventType = "LEAVE_ROOM"
	ChatMessage  EventType = "CHAT_MESSAGE"
	ImageMessage EventType = "IMAGE_MESSAGE"
	VideoMessage EventType = "VIDEO_MESSAGE"
	UserList     EventType = "USER_LIST"
	ErrorEvent   EventType = "ERROR"
)

// legacyTypes maps the event names spoken by older clients onto the
// current ones.
var legacyTypes = map[string]EventType{
	"join":    JoinRoom,
	"leave":   LeaveRoom,
	"message": ChatMessage,
}

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Event is an inbound frame. Only the type is decoded eagerly; Payload keeps
// the whole frame so the handler for that type can decode the fields it
// needs.
type Event struct {
	Dispatcher string          `json:"-"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"-"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Dispatcher: %s, Type: %s, Payload.Size: %d}", e.Dispatcher, e.Type, len(e.Payload))
}

// DecodeEvent reads one frame of at most limit bytes from r. A frame over the
// limit is drained and rejected with ErrFrameTooLarge. A limit <= 0 disables
// the check.
func DecodeEvent(r io.Reader, limit int64, e *Event) error {
	var b []byte
	var err error
	if limit > 0 {
		b, err = io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if int64(len(b)) > limit {
			if _, err := io.Copy(io.Discard, r); err != nil {
				return fmt.Errorf("drain frame: %w", err)
			}
			return ErrFrameTooLarge.Wrapf("frame exceeds %d bytes", limit)
		}
	} else {
		b, err = io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return ErrMalformedFrame.Wrap(err)
	}
	if head.Type == "" {
		return ErrMalformedFrame.Wrapf("missing type")
	}
	e.Type = EventType(head.Type)
	if t, ok := legacyTypes[head.Type]; ok {
		e.Type = t
	}
	e.Payload = b
	return nil
}

// DecodePayload decodes the event's frame into v, trims its string fields and
// validates it.
func DecodePayload(e *Event, v interface{ normalize() }) error {
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	if err := dec.Decode(v); err != nil {
		return ErrMalformedFrame.Wrap(err)
	}
	v.normalize()
	if err := validate.Struct(v); err != nil {
		return ErrMissingField.Wrapf("%s", describeValidation(err))
	}
	return nil
}

type JoinRoomPayload struct {
	Username string `json:"username" validate:"required,max=64"`
	RoomID   string `json:"roomId" validate:"required,max=128"`
	// RoomName is the field older clients send instead of roomId.
	RoomName string `json:"roomname"`
}

func (p *JoinRoomPayload) normalize() {
	p.Username = strings.TrimSpace(p.Username)
	p.RoomID = strings.TrimSpace(p.RoomID)
	if p.RoomID == "" {
		p.RoomID = strings.TrimSpace(p.RoomName)
	}
}

type LeaveRoomPayload struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId" validate:"max=128"`
}

func (p *LeaveRoomPayload) normalize() {
	p.Username = strings.TrimSpace(p.Username)
	p.RoomID = strings.TrimSpace(p.RoomID)
}

type ChatMessagePayload struct {
	RoomID  string `json:"roomId" validate:"max=128"`
	Content string `json:"content" validate:"required"`
}

func (p *ChatMessagePayload) normalize() {
	p.RoomID = strings.TrimSpace(p.RoomID)
	if strings.TrimSpace(p.Content) == "" {
		p.Content = ""
	}
}

type ImageMessagePayload struct {
	RoomID    string `json:"roomId" validate:"max=128"`
	ImageData string `json:"imageData" validate:"required"`
	Caption   string `json:"caption"`
}

func (p *ImageMessagePayload) normalize() {
	p.RoomID = strings.TrimSpace(p.RoomID)
	p.ImageData = strings.TrimSpace(p.ImageData)
}

// VideoSource is the videoData field. The browser client sends an object
// holding a data URL, a blob URL or a blob id together with the metadata.
// Older clients send the data URL as a plain string.
type VideoSource struct {
	DataURL  string          `json:"dataUrl"`
	BlobURL  string          `json:"blobUrl"`
	BlobID   string          `json:"blobId"`
	Metadata json.RawMessage `json:"metadata"`
}

func (v *VideoSource) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = VideoSource{DataURL: s}
		return nil
	}
	type plain VideoSource
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("videoData must be a string or an object: %w", err)
	}
	*v = VideoSource(p)
	return nil
}

// VideoMessagePayload carries the video either inline as a data URL or as a
// reference to a blob hosted elsewhere. Top-level fields win over the ones
// found in videoData.
type VideoMessagePayload struct {
	RoomID    string          `json:"roomId" validate:"max=128"`
	DataURL   string          `json:"dataUrl" validate:"required_without=BlobRef"`
	BlobRef   string          `json:"blobRef"`
	VideoData VideoSource     `json:"videoData"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (p *VideoMessagePayload) normalize() {
	p.RoomID = strings.TrimSpace(p.RoomID)
	p.DataURL = strings.TrimSpace(p.DataURL)
	p.BlobRef = strings.TrimSpace(p.BlobRef)
	if p.DataURL == "" {
		p.DataURL = strings.TrimSpace(p.VideoData.DataURL)
	}
	if p.BlobRef == "" {
		p.BlobRef = strings.TrimSpace(p.VideoData.BlobURL)
	}
	if p.BlobRef == "" {
		p.BlobRef = strings.TrimSpace(p.VideoData.BlobID)
	}
	if len(p.Metadata) == 0 {
		p.Metadata = p.VideoData.Metadata
	}
}

// Source returns the video reference that should be relayed.
func (p *VideoMessagePayload) Source() string {
	if p.DataURL != "" {
		return p.DataURL
	}
	return p.BlobRef
}

// Envelope is an outbound frame.
type Envelope struct {
	Type      EventType       `json:"type"`
	System    bool            `json:"system"`
	Username  string          `json:"username,omitempty"`
	RoomID    string          `json:"roomId"`
	Content   string          `json:"content,omitempty"`
	Users     []string        `json:"users,omitempty"`
	ImageData string          `json:"imageData,omitempty"`
	Caption   string          `json:"caption,omitempty"`
	VideoData string          `json:"videoData,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// MarshalEnvelope encodes e once so the same bytes can be queued to every
// recipient of a broadcast.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}
