package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewLocalMessage(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	m := NewLocalMessage("hello", now)

	require.Equal(t, "temp-1773489600000", m.ID)
	require.True(t, IsTempID(m.ID))
	require.Equal(t, SenderUser, m.Sender)
	require.Equal(t, StatusPending, m.DeliveryStatus)
	require.Equal(t, now, m.Time())
}

func TestIsTempID(t *testing.T) {
	require.True(t, IsTempID("temp-1700000000000"))
	require.False(t, IsTempID("srv-123"))
	require.False(t, IsTempID(""))
}

func TestMessageTime(t *testing.T) {
	tests := []struct {
		name      string
		timestamp string
		want      time.Time
	}{
		{
			name:      "rfc3339",
			timestamp: "2026-03-14T12:00:00Z",
			want:      time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		},
		{
			name:      "fractional seconds no zone",
			timestamp: "2026-03-14T12:00:00.250",
			want:      time.Date(2026, 3, 14, 12, 0, 0, 250_000_000, time.UTC),
		},
		{
			name:      "garbage",
			timestamp: "not a time",
			want:      time.Time{},
		},
		{
			name:      "empty",
			timestamp: "",
			want:      time.Time{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Message{Timestamp: tt.timestamp}
			require.True(t, tt.want.Equal(m.Time()))
		})
	}
}

func TestNormalizeSender(t *testing.T) {
	tests := []struct {
		raw  string
		want Sender
	}{
		{"user", SenderUser},
		{"Visitor", SenderUser},
		{"CUSTOMER", SenderUser},
		{"client", SenderUser},
		{"agent", SenderAgent},
		{"operator", SenderAgent},
		{"human_agent", SenderAgent},
		{"staff", SenderAgent},
		{"system", SenderSystem},
		{"bot", SenderBot},
		{"assistant", SenderBot},
		{"ai", SenderBot},
		{" bot ", SenderBot},
		{"something-else", SenderBot},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, NormalizeSender(tt.raw), "raw=%q", tt.raw)
	}
}
