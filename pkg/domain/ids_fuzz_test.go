package domain

import (
	"testing"
)

// FuzzParseIdentityID checks parsing never panics and that accepted ids
// round-trip through String.
func FuzzParseIdentityID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("urn:uuid:550e8400-e29b-41d4-a716-446655440000")
	f.Add("not-a-uuid")
	f.Add(string([]byte{0x00, 0x01, 0x02}))
	f.Add("550e8400-e29b-41d4-a716-446655440000\x00suffix")

	f.Fuzz(func(t *testing.T, input string) {
		identityID, err := ParseIdentityID(input)
		if err != nil {
			return
		}
		if identityID.IsNil() {
			t.Fatalf("accepted nil id from %q", input)
		}
		roundTrip, err := ParseIdentityID(identityID.String())
		if err != nil {
			t.Fatalf("valid id failed round-trip: %v", err)
		}
		if roundTrip != identityID {
			t.Fatal("round-trip changed id value")
		}
	})
}
