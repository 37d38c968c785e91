package repo

import "testing"

func TestStatusFromProvider(t *testing.T) {
	cases := []struct {
		raw    string
		want   string
		mapped bool
	}{
		{"connecting", StatusConnecting, true},
		{"Initializing", StatusConnecting, true},
		{"qr", StatusPairing, true},
		{"QR_CODE", StatusPairing, true},
		{"awaiting_pairing", StatusPairing, true},
		{"connected", StatusConnected, true},
		{"LOGGED-IN", StatusConnected, true},
		{" open ", StatusConnected, true},
		{"logout", StatusDisconnected, true},
		{"close", StatusDisconnected, true},
		{"banned", StatusFailed, true},
		{"error", StatusFailed, true},
		{"something-else", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := StatusFromProvider(tc.raw)
		if ok != tc.mapped || got != tc.want {
			t.Errorf("StatusFromProvider(%q) = %q, %v; want %q, %v", tc.raw, got, ok, tc.want, tc.mapped)
		}
	}
}
