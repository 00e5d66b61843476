package events

import "testing"

func TestChannelRoundtrip(t *testing.T) {
	cases := []struct {
		channel string
		user    string
	}{
		{Channel("user-1"), "user-1"},
		{Channel("ops@internal"), "ops@internal"},
		{"workflow:events:", ""},
		{"workflow:other:user-1", ""},
		{"unrelated", ""},
	}
	for _, c := range cases {
		if got := UserFromChannel(c.channel); got != c.user {
			t.Errorf("UserFromChannel(%q) = %q, want %q", c.channel, got, c.user)
		}
	}
}
