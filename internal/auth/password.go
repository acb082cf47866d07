package auth

import "github.com/alexedwards/argon2id"

// HashPassword derives a salted Argon2id hash for storage.
func HashPassword(plain string) (string, error) {
	return argon2id.CreateHash(plain, argon2id.DefaultParams)
}

// CheckPassword verifies a candidate against a stored hash.
func CheckPassword(plain, hash string) bool {
	ok, err := argon2id.ComparePasswordAndHash(plain, hash)
	return err == nil && ok
}
