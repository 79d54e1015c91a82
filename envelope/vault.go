package envelope

// Vault seals and opens per-user secrets. The root secret and salt are
// copied at construction and never change afterwards.
type Vault struct {
	root []byte
	salt []byte
}

// NewVault returns a Vault bound to rootSecret and salt.
func NewVault(rootSecret, salt []byte) (*Vault, error) {
	if len(rootSecret) == 0 {
		return nil, ErrMissingRoot
	}
	return &Vault{
		root: append([]byte(nil), rootSecret...),
		salt: append([]byte(nil), salt...),
	}, nil
}

// Seal encrypts plaintext under the key derived for userID.
func (v *Vault) Seal(userID string, plaintext []byte) ([]byte, error) {
	key, err := DeriveUserKey(v.root, v.salt, userID)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	return Seal(key, plaintext)
}

// Open decrypts a blob previously produced by Seal for the same userID.
func (v *Vault) Open(userID string, blob []byte) ([]byte, error) {
	key, err := DeriveUserKey(v.root, v.salt, userID)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	return Open(key, blob)
}
