package hasher

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const Cost = 10

var ErrEmptyPassword = errors.New("password must not be empty")

// HashPassword returns the bcrypt hash stored in AUTH_PASSWORD_HASH.
func HashPassword(pw []byte) (string, error) {
	if len(pw) == 0 {
		return "", ErrEmptyPassword
	}
	bytes, err := bcrypt.GenerateFromPassword(pw, Cost)
	return string(bytes), err
}

func PasswordCorrect(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateToken returns length random bytes, url safe encoded without padding.
func GenerateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
