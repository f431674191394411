// Package config persists user preferences between runs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default values
const (
	DefaultBaseURL = "http://localhost:8000"
	MaxSessionAge  = 24 * time.Hour // older sessions are not resumed
)

// LastSessionInfo describes the most recently used conversation.
type LastSessionInfo struct {
	SessionID    string    `json:"sessionId"`
	LastActive   time.Time `json:"lastActive"`
	MessageCount int       `json:"messageCount"`
}

// Preferences stores user preferences for the client.
type Preferences struct {
	BaseURL      string           `json:"baseUrl"`
	DefaultAgent string           `json:"defaultAgent,omitempty"`
	LastSession  *LastSessionInfo `json:"lastSession,omitempty"`
}

// Defaults returns the preferences used when no file exists.
func Defaults() *Preferences {
	return &Preferences{BaseURL: DefaultBaseURL}
}

// DefaultPath returns ~/.config/chatstream/config.json.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "chatstream", "config.json"), nil
}

// Load reads preferences from path. A missing file yields Defaults.
func Load(path string) (*Preferences, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return nil, err
	}

	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if prefs.BaseURL == "" {
		prefs.BaseURL = DefaultBaseURL
	}
	return &prefs, nil
}

// Save writes prefs to path, creating the directory if needed.
func Save(path string, prefs *Preferences) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SaveLastSession records sessionID as the most recent conversation.
func SaveLastSession(path, sessionID string, messageCount int) error {
	prefs, err := Load(path)
	if err != nil {
		// unreadable file: start over rather than lose the session
		prefs = Defaults()
	}
	prefs.LastSession = &LastSessionInfo{
		SessionID:    sessionID,
		LastActive:   time.Now(),
		MessageCount: messageCount,
	}
	return Save(path, prefs)
}

// ResumableSession returns the last session if it is recent enough to
// resume, or nil.
func (p *Preferences) ResumableSession(now time.Time) *LastSessionInfo {
	if p == nil || p.LastSession == nil || p.LastSession.SessionID == "" {
		return nil
	}
	if now.Sub(p.LastSession.LastActive) > MaxSessionAge {
		return nil
	}
	return p.LastSession
}
