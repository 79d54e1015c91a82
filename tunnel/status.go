package tunnel

import (
	"errors"
	"strconv"
	"strings"
)

// Status is the outcome of a command.
type Status uint8

const (
	StatusOK Status = iota
	StatusInvalidInput
	StatusInvalidCredentials
	StatusLocked
	StatusInvalidEmail
	StatusUsernameTaken
	StatusEmailTaken
	StatusInvalidSession
	StatusCooldown
	StatusWrongPassword
	StatusRateLimited
	StatusInvalidToken
	// StatusInternal has no wire code. The server closes without replying.
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidInput:
		return "invalid_input"
	case StatusInvalidCredentials:
		return "invalid_credentials"
	case StatusLocked:
		return "locked"
	case StatusInvalidEmail:
		return "invalid_email"
	case StatusUsernameTaken:
		return "username_taken"
	case StatusEmailTaken:
		return "email_taken"
	case StatusInvalidSession:
		return "invalid_session"
	case StatusCooldown:
		return "cooldown"
	case StatusWrongPassword:
		return "wrong_password"
	case StatusRateLimited:
		return "rate_limited"
	case StatusInvalidToken:
		return "invalid_token"
	case StatusInternal:
		return "internal"
	}
	return "unknown"
}

// wireCodes maps each opcode's statuses to the codes clients understand.
// The first status listed for a code is the one ParseReply returns.
var wireCodes = map[Opcode][]struct {
	status Status
	code   string
}{
	OpLogin: {
		{StatusInvalidCredentials, "10"},
		{StatusInvalidInput, "10"},
		{StatusLocked, "11"},
	},
	OpSignup: {
		{StatusInvalidInput, "10"},
		{StatusInvalidEmail, "11"},
		{StatusUsernameTaken, "12"},
		{StatusEmailTaken, "13"},
	},
	OpChangePassword: {
		{StatusInvalidSession, "10"},
		{StatusWrongPassword, "11"},
		{StatusInvalidInput, "12"},
		{StatusCooldown, "13"},
	},
	OpRequestReset: {
		{StatusInvalidEmail, "10"},
		{StatusRateLimited, "11"},
	},
	OpResetPassword: {
		{StatusInvalidToken, "10"},
		{StatusCooldown, "11"},
		{StatusInvalidInput, "12"},
	},
}

// ErrUnknownReply is returned by ParseReply for a code the opcode never sends.
var ErrUnknownReply = errors.New("tunnel: unknown reply code")

// Reply is the result of a command. Payload carries the session token of a
// successful login or signup. LockedUntil is set with StatusLocked.
type Reply struct {
	Status      Status
	Payload     string
	LockedUntil int64
}

// EncodeReply returns the wire text of r for op. It reports false when the
// opcode has no code for the status.
func EncodeReply(op Opcode, r Reply) (string, bool) {
	if r.Status == StatusOK {
		return "0" + r.Payload, true
	}
	for _, c := range wireCodes[op] {
		if c.status != r.Status {
			continue
		}
		if r.Status == StatusLocked {
			return c.code + strconv.FormatInt(r.LockedUntil, 10), true
		}
		return c.code, true
	}
	return "", false
}

// ParseReply decodes the wire text of a reply to op.
func ParseReply(op Opcode, wire string) (Reply, error) {
	if strings.HasPrefix(wire, "0") {
		return Reply{Status: StatusOK, Payload: wire[1:]}, nil
	}
	if len(wire) < 2 {
		return Reply{}, ErrUnknownReply
	}
	code, rest := wire[:2], wire[2:]
	for _, c := range wireCodes[op] {
		if c.code != code {
			continue
		}
		if c.status == StatusLocked {
			until, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				return Reply{}, ErrUnknownReply
			}
			return Reply{Status: StatusLocked, LockedUntil: until}, nil
		}
		if rest != "" {
			return Reply{}, ErrUnknownReply
		}
		return Reply{Status: c.status}, nil
	}
	return Reply{}, ErrUnknownReply
}
