package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1h30m", 90 * time.Minute, false},
		{"0s", 0, false},
		{"-5s", 0, true},
		{"banana", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		var d Duration
		err := d.UnmarshalText([]byte(tt.in))
		if tt.wantErr {
			if err == nil {
				t.Errorf("UnmarshalText(%q) expected error, got nil", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("UnmarshalText(%q) error = %v", tt.in, err)
			continue
		}
		if d.Duration() != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, d.Duration(), tt.want)
		}
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration(90 * time.Second)
	got, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(got) != `"1m30s"` {
		t.Errorf("Marshal = %s, want \"1m30s\"", got)
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("super-secret-token")

	if got := s.String(); got != "[REDACTED]" {
		t.Errorf("String() = %q, want [REDACTED]", got)
	}
	if got := fmt.Sprintf("%v", s); got != "[REDACTED]" {
		t.Errorf("Sprintf %%v = %q, want [REDACTED]", got)
	}
	if got := fmt.Sprintf("%#v", s); got != "Secret([REDACTED])" {
		t.Errorf("Sprintf %%#v = %q, want Secret([REDACTED])", got)
	}
	if got := s.Value(); got != "super-secret-token" {
		t.Errorf("Value() = %q, want original", got)
	}
	if !s.IsSet() {
		t.Error("IsSet() = false, want true")
	}

	data, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(data) != `{"token":"[REDACTED]"}` {
		t.Errorf("Marshal = %s, want redacted", data)
	}
}

func TestSecret_Empty(t *testing.T) {
	var s Secret

	if got := s.String(); got != "" {
		t.Errorf("String() = %q, want empty", got)
	}
	if s.IsSet() {
		t.Error("IsSet() = true, want false")
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(data) != `""` {
		t.Errorf("Marshal = %s, want \"\"", data)
	}
}

func TestSecret_Unmarshal(t *testing.T) {
	var out struct {
		Token Secret `json:"token"`
	}
	if err := json.Unmarshal([]byte(`{"token":"raw-value"}`), &out); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if out.Token.Value() != "raw-value" {
		t.Errorf("Value() = %q, want raw-value", out.Token.Value())
	}
}
