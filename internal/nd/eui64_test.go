package nd_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/dantte-lp/lowpannd/internal/nd"
)

func TestParseEUI64(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    nd.EUI64
		wantErr bool
	}{
		{name: "plain", in: "0200000001020304", want: testEUI},
		{name: "colons", in: "02:00:00:00:01:02:03:04", want: testEUI},
		{name: "dashes", in: "02-00-00-00-01-02-03-04", want: testEUI},
		{name: "dotted", in: "0200.0000.0102.0304", want: testEUI},
		{name: "upper case", in: "AA:BB:CC:DD:EE:FF:00:11", want: nd.EUI64{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11}},
		{name: "too short", in: "02:00:00:00:01:02:03", wantErr: true},
		{name: "too long", in: "020000000102030405", wantErr: true},
		{name: "not hex", in: "zz00000001020304", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := nd.ParseEUI64(tt.in)
			if tt.wantErr {
				if !errors.Is(err, nd.ErrInvalidEUI64) {
					t.Errorf("ParseEUI64(%q) error = %v, want ErrInvalidEUI64", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEUI64(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseEUI64(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestEUI64String(t *testing.T) {
	t.Parallel()

	if got, want := testEUI.String(), "02:00:00:00:01:02:03:04"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

// TestEUI64Addresses verifies the modified EUI-64 interface identifier and
// the derived link-local and global addresses.
func TestEUI64Addresses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		eui    nd.EUI64
		prefix string
		want   string
	}{
		{
			name:   "local bit cleared",
			eui:    testEUI,
			prefix: "fe80::/64",
			want:   "fe80::1:203:4",
		},
		{
			name:   "universal bit set",
			eui:    nd.EUI64{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77},
			prefix: "2001:db8::/64",
			want:   "2001:db8::211:2233:4455:6677",
		},
		{
			name:   "prefix host bits masked",
			eui:    testEUI,
			prefix: "2001:db8:1:2:ffff::/64",
			want:   "2001:db8:1:2:0:1:203:4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := tt.eui.AddressFor(netip.MustParsePrefix(tt.prefix))
			if want := netip.MustParseAddr(tt.want); got != want {
				t.Errorf("AddressFor(%s) = %s, want %s", tt.prefix, got, want)
			}
		})
	}

	if got, want := testEUI.LinkLocal(), netip.MustParseAddr("fe80::1:203:4"); got != want {
		t.Errorf("LinkLocal() = %s, want %s", got, want)
	}
}
