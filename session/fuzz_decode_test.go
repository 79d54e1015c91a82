package session

import (
	"testing"

	"github.com/MrEthical07/phazeid/store"
)

// FuzzSessionDecode exercises the binary session decoder with arbitrary inputs.
func FuzzSessionDecode(f *testing.F) {
	sess := &Session{
		UserID:     "64b7f0c2a1b2c3d4e5f60718",
		SecretHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		CreatedAt:  1700000000,
		ExpiresAt:  1700003600,
		Valid:      true,
		Location:   store.Location{IP: "203.0.113.7", Country: "NL"},
	}
	encoded, err := Encode(sess)
	if err == nil {
		f.Add(encoded)
	}

	f.Add([]byte{})
	f.Add([]byte{0})
	f.Add([]byte{1})
	f.Add([]byte{255, 255, 255})
	if len(encoded) > 10 {
		f.Add(encoded[:10])
	}
	if len(encoded) > 40 {
		f.Add(encoded[:40])
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		s, err := Decode(data)
		if err != nil {
			return
		}
		again, err := Encode(s)
		if err != nil {
			t.Fatalf("re-encode decoded session: %v", err)
		}
		if string(again) != string(data) {
			t.Fatalf("decode/encode is not an identity")
		}
	})
}
