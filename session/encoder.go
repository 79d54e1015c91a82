package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrCorruptSession is returned when a stored blob cannot be decoded.
var ErrCorruptSession = errors.New("session: corrupt record")

// Encode writes s in the compact binary layout:
//
//	version(1) | userID(len8) | secretHash(len16) | createdAt(8) | expiresAt(8) |
//	valid(1) | ip, city, region, country, org, timezone (len8 each)
//
// The session ID is the Redis key and is not part of the blob.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(CurrentSchemaVersion)

	if err := writeShort(&buf, "userID", s.UserID); err != nil {
		return nil, err
	}

	if len(s.SecretHash) > 0xFFFF {
		return nil, errors.New("session: secret hash too long")
	}
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(s.SecretHash)))
	buf.WriteString(s.SecretHash)

	_ = binary.Write(&buf, binary.BigEndian, s.CreatedAt)
	_ = binary.Write(&buf, binary.BigEndian, s.ExpiresAt)

	if s.Valid {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	loc := s.Location
	for _, f := range []struct{ name, v string }{
		{"ip", loc.IP},
		{"city", loc.City},
		{"region", loc.Region},
		{"country", loc.Country},
		{"org", loc.Org},
		{"timezone", loc.Timezone},
	} {
		if err := writeShort(&buf, f.name, f.v); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode parses a blob produced by Encode. The returned session has no ID.
func Decode(data []byte) (*Session, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, ErrCorruptSession
	}
	if version != CurrentSchemaVersion {
		return nil, ErrCorruptSession
	}

	s := &Session{}
	if s.UserID, err = readShort(r); err != nil {
		return nil, ErrCorruptSession
	}

	var hashLen uint16
	if err := binary.Read(r, binary.BigEndian, &hashLen); err != nil {
		return nil, ErrCorruptSession
	}
	hash := make([]byte, hashLen)
	if _, err := io.ReadFull(r, hash); err != nil {
		return nil, ErrCorruptSession
	}
	s.SecretHash = string(hash)

	if err := binary.Read(r, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, ErrCorruptSession
	}
	if err := binary.Read(r, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, ErrCorruptSession
	}

	valid, err := r.ReadByte()
	if err != nil || valid > 1 {
		return nil, ErrCorruptSession
	}
	s.Valid = valid == 1

	for _, dst := range []*string{
		&s.Location.IP,
		&s.Location.City,
		&s.Location.Region,
		&s.Location.Country,
		&s.Location.Org,
		&s.Location.Timezone,
	} {
		if *dst, err = readShort(r); err != nil {
			return nil, ErrCorruptSession
		}
	}

	if r.Len() != 0 {
		return nil, ErrCorruptSession
	}
	return s, nil
}

func writeShort(buf *bytes.Buffer, name, v string) error {
	if len(v) > 255 {
		return errors.New("session: " + name + " too long")
	}
	buf.WriteByte(byte(len(v)))
	buf.WriteString(v)
	return nil
}

func readShort(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
