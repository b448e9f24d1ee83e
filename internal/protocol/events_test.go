package protocol

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestParseClientEventSearchStart(t *testing.T) {
	raw := []byte(`{
		"event": "search:start",
		"criteria": {
			"gender": "male",
			"age": 30,
			"desiredGender": ["female", "any"],
			"desiredAgeMin": 25,
			"desiredAgeMax": 35,
			"useGeolocation": true,
			"location": {"longitude": 13.4, "latitude": 52.5},
			"maxDistance": 25
		}
	}`)

	event, msg, err := ParseClientEvent(raw)
	if err != nil {
		t.Fatalf("ParseClientEvent() error: %v", err)
	}
	if event != EventSearchStart {
		t.Errorf("event = %q, want %q", event, EventSearchStart)
	}

	m, ok := msg.(SearchStartMsg)
	if !ok {
		t.Fatalf("msg type = %T, want SearchStartMsg", msg)
	}
	if m.Criteria.Gender != "male" || m.Criteria.Age != 30 {
		t.Errorf("criteria = %+v", m.Criteria)
	}
	if len(m.Criteria.DesiredGender) != 2 {
		t.Errorf("desiredGender = %v, want 2 entries", m.Criteria.DesiredGender)
	}
	if m.Criteria.Location == nil || m.Criteria.Location.Latitude != 52.5 {
		t.Errorf("location = %+v", m.Criteria.Location)
	}
}

func TestParseClientEventTypes(t *testing.T) {
	tests := []struct {
		raw  string
		want interface{}
	}{
		{`{"event":"search:cancel"}`, SearchCancelMsg{}},
		{`{"event":"search:subscribe_stats"}`, SubscribeStatsMsg{}},
		{`{"event":"chat:join","chatId":"c1"}`, ChatJoinMsg{}},
		{`{"event":"chat:message","chatId":"c1","content":"hi"}`, ChatMessageMsg{}},
		{`{"event":"chat:read","chatId":"c1","timestamp":1700000000000}`, ChatReadMsg{}},
		{`{"event":"chat:rate","chatId":"c1","score":5}`, ChatRateMsg{}},
		{`{"event":"contact:respond","userId":"u1","status":"accepted"}`, ContactRespondMsg{}},
		{`{"event":"ping"}`, PingMsg{}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			_, msg, err := ParseClientEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseClientEvent() error: %v", err)
			}
			if got, want := fmt.Sprintf("%T", msg), fmt.Sprintf("%T", tt.want); got != want {
				t.Errorf("msg type = %s, want %s", got, want)
			}
		})
	}
}

func TestParseClientEventRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"event":`},
		{"missing event", `{"chatId":"c1"}`},
		{"empty event", `{"event":""}`},
		{"unknown event", `{"event":"search:destroy"}`},
		{"server-only event", `{"event":"search:matched"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientEvent([]byte(tt.raw)); err == nil {
				t.Errorf("ParseClientEvent(%s) accepted", tt.raw)
			}
		})
	}
}

func TestNewServerEventInjectsDiscriminator(t *testing.T) {
	data, err := NewServerEvent(EventSearchMatched, SearchMatchedMsg{
		MatchedUser: MatchedUser{TelegramID: 42, Gender: "female", Age: 28, ChatID: "c1"},
	})
	if err != nil {
		t.Fatalf("NewServerEvent() error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["event"] != EventSearchMatched {
		t.Errorf("event = %v, want %q", decoded["event"], EventSearchMatched)
	}

	mu, ok := decoded["matchedUser"].(map[string]interface{})
	if !ok {
		t.Fatalf("matchedUser missing: %v", decoded)
	}
	if mu["chatId"] != "c1" {
		t.Errorf("matchedUser.chatId = %v, want c1", mu["chatId"])
	}
}

func TestServerEventRoundTripsThroughEnvelope(t *testing.T) {
	data, err := NewServerEvent(EventError, ErrorMsg{Message: "Not a participant"})
	if err != nil {
		t.Fatalf("NewServerEvent() error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("envelope unmarshal: %v", err)
	}
	if env.Event != EventError {
		t.Errorf("event = %q, want %q", env.Event, EventError)
	}
}
