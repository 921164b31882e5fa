// Package passwords wraps the bcrypt hashing used for stored credentials.
package passwords

import "golang.org/x/crypto/bcrypt"

// Hash returns the bcrypt hash of a cleartext password.
func Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Compare reports whether password matches the stored hash.
func Compare(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
