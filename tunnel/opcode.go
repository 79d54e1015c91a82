package tunnel

// Opcode selects the command carried by a frame.
type Opcode string

const (
	OpLogin          Opcode = "AL"
	OpSignup         Opcode = "AS"
	OpChangePassword Opcode = "EP"
	OpRequestReset   Opcode = "RP"
	OpResetPassword  Opcode = "NP"
)

// Field order per opcode:
//
//	AL: username, password
//	AS: username, password, email
//	EP: new password, old password
//	RP: email
//	NP: new password, reset token
var fieldCounts = map[Opcode]int{
	OpLogin:          2,
	OpSignup:         3,
	OpChangePassword: 2,
	OpRequestReset:   1,
	OpResetPassword:  2,
}

// FieldCount returns the number of fields op carries and whether op is known.
func (op Opcode) FieldCount() (int, bool) {
	n, ok := fieldCounts[op]
	return n, ok
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := fieldCounts[op]
	return ok
}

func (op Opcode) String() string {
	switch op {
	case OpLogin:
		return "login"
	case OpSignup:
		return "signup"
	case OpChangePassword:
		return "change_password"
	case OpRequestReset:
		return "request_reset"
	case OpResetPassword:
		return "reset_password"
	}
	return "unknown"
}
