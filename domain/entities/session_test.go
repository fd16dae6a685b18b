package entities

import (
	"testing"
	"time"
)

func TestSessionCreation(t *testing.T) {
	deviceID := "test-device-123"
	session := NewSession(deviceID)

	if session.ID == "" {
		t.Error("Expected generated session ID")
	}

	if session.DeviceID != deviceID {
		t.Errorf("Expected device ID %s, got %s", deviceID, session.DeviceID)
	}

	if session.Status != SessionStatusActive {
		t.Errorf("Expected status %s, got %s", SessionStatusActive, session.Status)
	}

	if len(session.Turns) != 0 {
		t.Errorf("Expected no turns, got %d", len(session.Turns))
	}
}

func TestAddTurn(t *testing.T) {
	session := NewSession("test-device")
	session.LastActiveAt = time.Now().Add(-time.Hour)

	session.AddTurn(Turn{Role: TurnRoleUser, MimeType: "audio/pcm;rate=16000", AudioBytes: 640})
	session.AddTurn(Turn{Role: TurnRoleAssistant, Text: "Your massage is booked."})

	if len(session.Turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(session.Turns))
	}

	if session.Turns[0].Timestamp.IsZero() {
		t.Error("Expected turn timestamp to be filled in")
	}

	if session.Turns[1].Role != TurnRoleAssistant {
		t.Errorf("Expected assistant role, got %s", session.Turns[1].Role)
	}

	if time.Since(session.LastActiveAt) > time.Second {
		t.Error("Expected LastActiveAt to be refreshed")
	}
}

func TestRecentTurns(t *testing.T) {
	session := NewSession("test-device")
	for i := 0; i < 5; i++ {
		session.AddTurn(Turn{Role: TurnRoleUser, AudioBytes: i})
	}

	recent := session.RecentTurns(2)
	if len(recent) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(recent))
	}
	if recent[0].AudioBytes != 3 || recent[1].AudioBytes != 4 {
		t.Errorf("Expected the two latest turns, got %+v", recent)
	}

	if len(session.RecentTurns(0)) != 5 {
		t.Error("Expected all turns when limit is zero")
	}
}

func TestSessionExpiration(t *testing.T) {
	session := NewSession("test-device")

	if session.IsExpired() {
		t.Error("Session should not be expired initially")
	}

	session.ExpiresAt = time.Now().Add(-1 * time.Hour)
	if !session.IsExpired() {
		t.Error("Session should be expired when ExpiresAt is in the past")
	}

	session.ExpiresAt = time.Now().Add(1 * time.Hour)
	session.Terminate()
	if !session.IsExpired() {
		t.Error("Session should be expired when status is terminated")
	}
}

func TestSessionValidation(t *testing.T) {
	session := NewSession("test-device")
	if err := session.Validate(); err != nil {
		t.Errorf("Valid session should not have validation errors, got: %v", err)
	}

	session.DeviceID = ""
	if err := session.Validate(); err == nil {
		t.Error("Session with empty device ID should have validation error")
	}

	session.DeviceID = "test-device"
	session.Status = SessionStatus("invalid")
	if err := session.Validate(); err == nil {
		t.Error("Session with invalid status should have validation error")
	}
}

func TestConnectionStateValid(t *testing.T) {
	for _, s := range []ConnectionState{ConnectionDisconnected, ConnectionConnecting, ConnectionConnected, ConnectionError} {
		if !s.Valid() {
			t.Errorf("Expected %s to be valid", s)
		}
	}
	if ConnectionState("LIVE").Valid() {
		t.Error("Expected unknown state to be invalid")
	}
}

func TestSessionConfigClone(t *testing.T) {
	cfg := SessionConfig{"sessionId": "x"}
	clone := cfg.Clone()
	clone["sessionId"] = "y"

	if cfg.String("sessionId") != "x" {
		t.Error("Clone should not share the underlying map")
	}
	if SessionConfig(nil).Clone() != nil {
		t.Error("Clone of nil config should be nil")
	}
}

func TestQueuedCommandAge(t *testing.T) {
	now := time.Now()
	cmd := QueuedCommand{EnqueuedAt: now.Add(-10 * time.Minute).UnixMilli()}

	age := cmd.Age(now)
	if age < 10*time.Minute-time.Second || age > 10*time.Minute+time.Second {
		t.Errorf("Expected age of about 10 minutes, got %v", age)
	}
}
