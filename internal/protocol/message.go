// Package protocol defines the JSON frames exchanged on a document's live channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeJoin           Type = "join"
	TypeLeave          Type = "leave"
	TypeOnlineUsers    Type = "online_users"
	TypeContentUpdate  Type = "content_update"
	TypeCursorPosition Type = "cursor_position"
)

// Older clients and servers used these names for the same frames.
var legacyTypes = map[Type]Type{
	"user_join":              TypeJoin,
	"user_leave":             TypeLeave,
	"cursor_position_update": TypeCursorPosition,
}

var ErrMissingType = errors.New("message type missing")

// Editor identifies one participant of a live document.
type Editor struct {
	EditorID    string `json:"editorId"`
	DisplayName string `json:"displayName"`
}

// Message is the single frame shape; Type selects which fields are meaningful.
// Content is always the whole document, never a delta. ClientID identifies the
// sending session so that an editor with several sessions open can tell its
// own echoes apart; older peers leave it empty.
type Message struct {
	Type        Type     `json:"type"`
	DocumentID  string   `json:"documentId,omitempty"`
	ClientID    string   `json:"clientId,omitempty"`
	EditorID    string   `json:"editorId,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Content     string   `json:"content,omitempty"`
	Position    int      `json:"position,omitempty"`
	Length      int      `json:"length,omitempty"`
	Users       []Editor `json:"users,omitempty"`
}

func Join(documentID string, editor Editor) Message {
	return Message{Type: TypeJoin, DocumentID: documentID, EditorID: editor.EditorID, DisplayName: editor.DisplayName}
}

func Leave(documentID, editorID string) Message {
	return Message{Type: TypeLeave, DocumentID: documentID, EditorID: editorID}
}

func OnlineUsers(documentID string, users []Editor) Message {
	if users == nil {
		users = []Editor{}
	}
	return Message{Type: TypeOnlineUsers, DocumentID: documentID, Users: users}
}

func ContentUpdate(documentID string, editor Editor, content string) Message {
	return Message{
		Type:        TypeContentUpdate,
		DocumentID:  documentID,
		EditorID:    editor.EditorID,
		DisplayName: editor.DisplayName,
		Content:     content,
	}
}

func CursorPosition(documentID string, editor Editor, position, length int) Message {
	if length < 0 {
		length = 0
	}
	return Message{
		Type:        TypeCursorPosition,
		DocumentID:  documentID,
		EditorID:    editor.EditorID,
		DisplayName: editor.DisplayName,
		Position:    position,
		Length:      length,
	}
}

// Sender returns the editor fields carried by the frame.
func (m Message) Sender() Editor {
	return Editor{EditorID: m.EditorID, DisplayName: m.DisplayName}
}

// Known reports whether the frame type is one this package dispatches.
func (m Message) Known() bool {
	switch m.Type {
	case TypeJoin, TypeLeave, TypeOnlineUsers, TypeContentUpdate, TypeCursorPosition:
		return true
	}
	return false
}

// Decode parses a frame and normalizes legacy type names. Unknown types decode
// without error so callers can skip them.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	if canonical, ok := legacyTypes[msg.Type]; ok {
		msg.Type = canonical
	}
	if msg.Length < 0 {
		msg.Length = 0
	}
	return msg, nil
}

func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return payload, nil
}
