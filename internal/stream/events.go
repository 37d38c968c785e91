package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a decoded stream frame.
type Kind string

const (
	KindPairingCode  Kind = "pairing_code"
	KindStatus       Kind = "status"
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindConflict     Kind = "conflict"
	KindError        Kind = "error"
	KindContacts     Kind = "contacts"
	KindChats        Kind = "chats"
	KindMessages     Kind = "messages"
	KindUnknown      Kind = "unknown"
)

// Event is one decoded frame from the provider stream. Exactly the fields
// relevant to the Kind are populated; Raw always carries the original frame.
type Event struct {
	Kind        Kind
	Code        string
	CodeIsImage bool
	Status      string
	Phone       string
	Message     string
	Data        json.RawMessage
	Raw         json.RawMessage
	At          time.Time
}

// frame covers the field spellings seen across provider versions. Older
// deployments tag with "event", newer ones with "type"; the payload sits in
// "data" or "payload" or inline.
type frame struct {
	Event   string          `json:"event"`
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	State   string          `json:"state"`
	Phone   string          `json:"phone"`
	Number  string          `json:"number"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
}

// codePayload covers the pairing-code spellings. The code arrives either as
// a bare string payload or under one of several keys; image payloads are
// base64 data URIs and pass through unchanged.
type codePayload struct {
	Code        string `json:"code"`
	QR          string `json:"qr"`
	QRCode      string `json:"qrcode"`
	Base64      string `json:"base64"`
	PairingCode string `json:"pairingCode"`
}

func (p codePayload) value() string {
	for _, v := range []string{p.Code, p.PairingCode, p.QR, p.QRCode, p.Base64} {
		if v != "" {
			return v
		}
	}
	return ""
}

// Decode turns one raw NDJSON frame into a typed Event. All shape variants
// are handled in one place so downstream code switches on Kind only.
func Decode(raw []byte) (Event, error) {
	ev := Event{Kind: KindUnknown, Raw: append(json.RawMessage(nil), raw...), At: time.Now().UTC()}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ev, fmt.Errorf("decode frame: %w", err)
	}

	tag := f.Event
	if tag == "" {
		tag = f.Type
	}
	payload := f.Data
	if len(payload) == 0 {
		payload = f.Payload
	}
	ev.Data = payload

	status := f.Status
	if status == "" {
		status = f.State
	}
	ev.Status = status
	ev.Phone = f.Phone
	if ev.Phone == "" {
		ev.Phone = f.Number
	}
	ev.Message = f.Message
	if ev.Message == "" {
		ev.Message = f.Error
	}

	switch normalizeTag(tag) {
	case "code", "qr", "qrcode", "pairingcode", "pairing":
		ev.Kind = KindPairingCode
		ev.Code = extractCode(payload)
		if ev.Code == "" {
			return ev, fmt.Errorf("pairing frame without code")
		}
		ev.CodeIsImage = strings.HasPrefix(ev.Code, "data:image")
		return ev, nil
	case "contacts":
		ev.Kind = KindContacts
		return ev, nil
	case "chats":
		ev.Kind = KindChats
		return ev, nil
	case "messages", "message":
		ev.Kind = KindMessages
		return ev, nil
	case "error":
		ev.Kind = KindError
		if isConflict(ev.Message) {
			ev.Kind = KindConflict
		}
		return ev, nil
	case "status", "state", "connection", "connectionstate", "":
		// Fall through to status classification below.
	default:
		return ev, nil
	}

	switch normalizeTag(status) {
	case "connected", "ready", "authenticated", "open", "loggedin":
		ev.Kind = KindConnected
		if ev.Phone == "" {
			ev.Phone = extractPhone(payload)
		}
	case "disconnected", "closed", "close", "logout", "loggedout":
		ev.Kind = KindDisconnected
	case "":
		if tag == "" {
			ev.Kind = KindUnknown
		} else {
			ev.Kind = KindStatus
		}
	default:
		ev.Kind = KindStatus
		if isConflict(status) || isConflict(ev.Message) {
			ev.Kind = KindConflict
		}
	}
	return ev, nil
}

func normalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	tag = strings.ReplaceAll(tag, "_", "")
	tag = strings.ReplaceAll(tag, "-", "")
	tag = strings.ReplaceAll(tag, ".", "")
	return tag
}

func isConflict(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "already active") || strings.Contains(s, "conflict") || strings.Contains(s, "replaced")
}

func extractCode(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var bare string
	if err := json.Unmarshal(payload, &bare); err == nil {
		return bare
	}
	var p codePayload
	if err := json.Unmarshal(payload, &p); err == nil {
		return p.value()
	}
	return ""
}

func extractPhone(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p struct {
		Phone  string `json:"phone"`
		Number string `json:"number"`
		JID    string `json:"jid"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	if p.Phone != "" {
		return p.Phone
	}
	if p.Number != "" {
		return p.Number
	}
	// JIDs look like 628123456789@s.whatsapp.net; keep the user part.
	if at := strings.IndexByte(p.JID, '@'); at > 0 {
		return p.JID[:at]
	}
	return ""
}
