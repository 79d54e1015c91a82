package tunnel

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
)

// ErrHandshake is returned when the server does not confirm the key exchange.
var ErrHandshake = errors.New("tunnel: handshake not confirmed")

// Client runs the client side of the protocol. The zero value uses a
// MinKeyBits key and requires a MinKeyBits server key.
type Client struct {
	// Key is reused across calls when set. A fresh key is generated per
	// call otherwise.
	Key *rsa.PrivateKey
	// KeyBits sizes generated keys.
	KeyBits int
}

// Do performs the handshake on conn, sends one command and returns the
// decoded reply.
func (c *Client) Do(ctx context.Context, conn Conn, challengeToken string, op Opcode, fields ...string) (Reply, error) {
	want, ok := op.FieldCount()
	if !ok {
		return Reply{}, fmt.Errorf("tunnel: unknown opcode %q", string(op))
	}
	if len(fields) != want {
		return Reply{}, fmt.Errorf("tunnel: %s takes %d fields, got %d", op, want, len(fields))
	}

	priv := c.Key
	if priv == nil {
		bits := c.KeyBits
		if bits == 0 {
			bits = MinKeyBits
		}
		var err error
		if priv, err = GenerateKey(bits); err != nil {
			return Reply{}, err
		}
	}

	if err := conn.WriteMessage(ctx, []byte(challengeToken)); err != nil {
		return Reply{}, err
	}
	msg, err := conn.ReadMessage(ctx)
	if err != nil {
		return Reply{}, err
	}
	serverPub, err := ParsePublicKey(string(msg), MinKeyBits)
	if err != nil {
		return Reply{}, err
	}

	encoded, err := EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return Reply{}, err
	}
	if err := conn.WriteMessage(ctx, []byte(encoded)); err != nil {
		return Reply{}, err
	}
	msg, err = conn.ReadMessage(ctx)
	if err != nil {
		return Reply{}, err
	}
	confirm, err := DecryptOAEP(priv, msg)
	if err != nil || !bytes.Equal(confirm, []byte("OK")) {
		return Reply{}, ErrHandshake
	}

	segments := make([][]byte, len(fields))
	for i, f := range fields {
		if len(f) > MaxPlaintext(serverPub) {
			return Reply{}, fmt.Errorf("tunnel: field %d exceeds %d bytes", i, MaxPlaintext(serverPub))
		}
		if segments[i], err = EncryptOAEP(serverPub, []byte(f)); err != nil {
			return Reply{}, err
		}
	}
	frame, err := EncodeCommand(op, segments)
	if err != nil {
		return Reply{}, err
	}
	if err := conn.WriteMessage(ctx, frame); err != nil {
		return Reply{}, err
	}

	msg, err = conn.ReadMessage(ctx)
	if err != nil {
		return Reply{}, err
	}
	chunks, err := DecodeReplyFrame(msg, priv.Size())
	if err != nil {
		return Reply{}, err
	}
	var wire bytes.Buffer
	for _, ct := range chunks {
		plain, err := DecryptOAEP(priv, ct)
		if err != nil {
			return Reply{}, err
		}
		wire.Write(plain)
	}
	return ParseReply(op, wire.String())
}
