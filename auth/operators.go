package auth

// Operators checks OPER credentials against a fixed set of argon2id hashes.
type Operators struct {
	hashes map[string]string
}

// NewOperators creates the credential set from name to hash.
func NewOperators(entries map[string]string) *Operators {
	hashes := make(map[string]string, len(entries))
	for name, hash := range entries {
		hashes[name] = hash
	}
	return &Operators{hashes: hashes}
}

// Verify reports whether password matches the hash stored for name. Unknown
// names fail with the same error as wrong passwords.
func (o *Operators) Verify(name, password string) error {
	hash, ok := o.hashes[name]
	if !ok || !VerifyPassword(password, hash) {
		return ErrInvalidCredentials
	}
	return nil
}

// Len returns the number of configured operators.
func (o *Operators) Len() int {
	return len(o.hashes)
}
