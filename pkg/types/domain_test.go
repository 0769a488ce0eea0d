package types

import "testing"

func TestCommandStateTerminal(t *testing.T) {
	tests := []struct {
		state CommandState
		want  bool
	}{
		{CommandSent, false},
		{CommandExecutedOK, true},
		{CommandExecutedError, true},
		{CommandTimeout, true},
		{CommandState("UNKNOWN"), false},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestCommandIdemKey(t *testing.T) {
	got := CommandIdemKey("gw-1:evt-42", CmdOpenDoor)
	want := "CMD:gw-1:evt-42:OPEN_DOOR"
	if got != want {
		t.Errorf("CommandIdemKey = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"overflowing", 4, "over"},
		{"señal roja", 5, "señal"}, // rune-aware, not byte-aware
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:30", 570, false},
		{"23:59", 1439, false},
		{" 07:00 ", 420, false},
		{"24:00", 0, true},
		{"9:3", 0, true},
		{"noon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatClock(t *testing.T) {
	if got := FormatClock(570); got != "09:30" {
		t.Errorf("FormatClock(570) = %q, want 09:30", got)
	}
	if got := FormatClock(0); got != "00:00" {
		t.Errorf("FormatClock(0) = %q, want 00:00", got)
	}
}
