package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"hash"
	"strconv"
	"strings"
)

// SCRAM-SHA-256 parameters. The iteration count matches the RFC 5802
// recommended minimum scaled for interactive logins.
const (
	ScramIterCount = 4096
	ScramSaltLen   = 16
)

// GenerateSalt creates a random salt
func GenerateSalt() (string, error) {
	b := make([]byte, ScramSaltLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ScramCredentials holds the stored authentication data:
// SaltedPassword = PBKDF2(password, salt, iter),
// StoredKey = H(HMAC(SaltedPassword, "Client Key")),
// ServerKey = HMAC(SaltedPassword, "Server Key").
//
// The password itself is never stored; verification recomputes the stored
// key from the presented password and compares in constant time.
type ScramCredentials struct {
	Salt       string
	StoredKey  string // base64
	ServerKey  string // base64
	Iterations int
}

// GenerateCredentials computes the SCRAM secrets for a password
func GenerateCredentials(password, salt string, iterations int) (ScramCredentials, error) {
	saltedPassword, err := saltPassword(password, salt, iterations)
	if err != nil {
		return ScramCredentials{}, err
	}
	clientKey := computeHMAC(saltedPassword, []byte("Client Key"))
	storedKey := computeHash(clientKey)
	serverKey := computeHMAC(saltedPassword, []byte("Server Key"))

	return ScramCredentials{
		Salt:       salt,
		StoredKey:  base64.StdEncoding.EncodeToString(storedKey),
		ServerKey:  base64.StdEncoding.EncodeToString(serverKey),
		Iterations: iterations,
	}, nil
}

// Encode renders the keys in the compact stored form
// "StoredKey:ServerKey:Iterations" used by the user record. The salt is
// stored alongside it in its own field.
func (c ScramCredentials) Encode() string {
	return c.StoredKey + ":" + c.ServerKey + ":" + strconv.Itoa(c.Iterations)
}

// ParseStoredCredentials reverses Encode, reattaching the salt.
func ParseStoredCredentials(stored, salt string) (ScramCredentials, error) {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return ScramCredentials{}, errors.New("invalid stored credential format")
	}
	iters, err := strconv.Atoi(parts[2])
	if err != nil || iters <= 0 {
		return ScramCredentials{}, errors.New("invalid stored iteration count")
	}
	return ScramCredentials{
		Salt:       salt,
		StoredKey:  parts[0],
		ServerKey:  parts[1],
		Iterations: iters,
	}, nil
}

// Verify recomputes the stored key from a presented password and compares
// it against the credentials in constant time.
func (c ScramCredentials) Verify(password string) bool {
	saltedPassword, err := saltPassword(password, c.Salt, c.Iterations)
	if err != nil {
		return false
	}
	clientKey := computeHMAC(saltedPassword, []byte("Client Key"))
	storedKey := base64.StdEncoding.EncodeToString(computeHash(clientKey))

	return subtle.ConstantTimeCompare([]byte(storedKey), []byte(c.StoredKey)) == 1
}

func saltPassword(password, salt string, iterations int) ([]byte, error) {
	saltBytes, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, err
	}
	return PBKDF2([]byte(password), saltBytes, iterations, 32, sha256.New), nil
}

// -- Primitives --

func computeHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func computeHash(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	return h.Sum(nil)
}

// PBKDF2 implements Password-Based Key Derivation Function 2 (RFC 2898).
// Implemented on the standard hash primitives so the module needs no
// external crypto dependency.
func PBKDF2(password, salt []byte, iter, keyLen int, h func() hash.Hash) []byte {
	prf := hmac.New(h, password)
	hashLen := prf.Size()
	numBlocks := (keyLen + hashLen - 1) / hashLen

	var buf []byte
	dk := make([]byte, 0, numBlocks*hashLen)
	U := make([]byte, hashLen)

	for block := 1; block <= numBlocks; block++ {
		// U_1 = PRF(password, salt || INT_32_BE(block))
		prf.Reset()
		prf.Write(salt)
		buf = make([]byte, 4)
		buf[0] = byte(block >> 24)
		buf[1] = byte(block >> 16)
		buf[2] = byte(block >> 8)
		buf[3] = byte(block)
		prf.Write(buf)
		U = prf.Sum(U[:0])

		// T_block = U_1
		blockKey := make([]byte, len(U))
		copy(blockKey, U)

		// U_2 through U_c
		for i := 2; i <= iter; i++ {
			prf.Reset()
			prf.Write(U)
			U = prf.Sum(U[:0])

			// T_block ^= U_i
			for k := 0; k < len(U); k++ {
				blockKey[k] ^= U[k]
			}
		}
		dk = append(dk, blockKey...)
	}
	return dk[:keyLen]
}
