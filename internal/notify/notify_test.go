package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hochfrequenz/j2pr/internal/domain"
)

func TestForOutcome(t *testing.T) {
	tests := []struct {
		status       domain.RunStatus
		wantSeverity Severity
	}{
		{domain.RunPROpened, SeveritySuccess},
		{domain.RunNeedsHuman, SeverityWarning},
		{domain.RunFailed, SeverityError},
		{domain.RunDone, SeverityInfo},
	}

	for _, tt := range tests {
		n := ForOutcome("PROJ-1", tt.status, "https://example.com/pr/1", "detail")
		if n.Severity != tt.wantSeverity {
			t.Errorf("ForOutcome(%s) severity = %v, want %v", tt.status, n.Severity, tt.wantSeverity)
		}
		if n.TicketKey != "PROJ-1" {
			t.Errorf("ForOutcome(%s) ticket = %s", tt.status, n.TicketKey)
		}
	}
}

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:     "PROJ-1: draft PR opened",
		Message:   "https://example.com/pr/1",
		Severity:  SeveritySuccess,
		TicketKey: "PROJ-1",
		PRURL:     "https://example.com/pr/1",
	})
	if err != nil {
		t.Errorf("Send failed: %v", err)
	}

	if got.Text != "PROJ-1: draft PR opened" {
		t.Errorf("Text = %s", got.Text)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Color != "good" {
		t.Errorf("unexpected attachments: %+v", got.Attachments)
	}
	if got.Attachments[0].TitleLink != "https://example.com/pr/1" {
		t.Errorf("TitleLink = %s", got.Attachments[0].TitleLink)
	}
}

func TestSlackNotifier_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"}); err == nil {
		t.Error("expected error on 500")
	}
}

func TestSeverityColors(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeveritySuccess, "good"},
		{SeverityWarning, "warning"},
		{SeverityError, "danger"},
		{SeverityInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.sev)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.sev, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return nil
}
