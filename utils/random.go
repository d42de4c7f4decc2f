package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func GenerateCode(n int) (string, error) {
	// Make a slice of nBytes random bytes.
	byt := make([]byte, n)

	// Read into the slice.
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}

	// Return the hexadecimal string.
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// GenerateToken returns a base62 string of the given length, used for queue
// admission tokens.
func GenerateToken(length int) (string, error) {
	code := make([]byte, length)
	if _, err := rand.Read(code); err != nil {
		return "", err
	}
	for i := 0; i < length; i++ {
		code[i] = base62[int(code[i])%len(base62)]
	}
	return string(code), nil
}

// GeneratePaymentCode builds a human-readable payment reference.
func GeneratePaymentCode() (string, error) {
	code, err := GenerateCode(6)
	if err != nil {
		return "", err
	}
	return "PAY-" + code, nil
}

// GenerateReservationCode builds a human-readable reservation reference.
func GenerateReservationCode() (string, error) {
	code, err := GenerateCode(6)
	if err != nil {
		return "", err
	}
	return "RSV-" + code, nil
}
