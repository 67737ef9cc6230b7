package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// MeetingCodeAlphabet is the character set meeting codes are drawn from.
const MeetingCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateMeetingCode returns a random code of the given length over
// MeetingCodeAlphabet.
func GenerateMeetingCode(length int) (string, error) {
	max := big.NewInt(int64(len(MeetingCodeAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = MeetingCodeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// GenerateTraceID generates a unique trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
