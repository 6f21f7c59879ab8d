package sasl

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // SCRAM-SHA-1
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

type scramStep int

const (
	scramFirst scramStep = iota
	scramFinal
	scramVerify
	scramDone
)

type scram struct {
	creds Credentials
	step  scramStep

	clientNonce string
	firstBare   string
	serverSig   []byte
}

func (s *scram) Name() string { return ScramSHA1 }

func (s *scram) Start() ([]byte, error) {
	s.clientNonce = s.creds.nonce()
	s.firstBare = "n=" + escapeUser(s.creds.Username) + ",r=" + s.clientNonce
	s.step = scramFinal
	return []byte("n,," + s.firstBare), nil
}

func (s *scram) Next(challenge []byte) ([]byte, error) {
	switch s.step {
	case scramFinal:
		return s.final(string(challenge))
	case scramVerify:
		if err := s.verify(string(challenge)); err != nil {
			return nil, err
		}
		return []byte{}, nil
	default:
		return nil, errors.New("sasl: SCRAM-SHA-1 got an unexpected challenge")
	}
}

// maxScramIterations caps the server-chosen pbkdf2 work factor.
const maxScramIterations = 1 << 20

func (s *scram) final(serverFirst string) ([]byte, error) {
	attrs := parseAttrs(serverFirst, ',', false)
	nonce, salt64, iterStr := attrs["r"], attrs["s"], attrs["i"]
	if !strings.HasPrefix(nonce, s.clientNonce) || len(nonce) == len(s.clientNonce) {
		return nil, errors.New("sasl: SCRAM-SHA-1 server nonce does not extend ours")
	}
	salt, err := base64.StdEncoding.DecodeString(salt64)
	if err != nil {
		return nil, fmt.Errorf("sasl: SCRAM-SHA-1 salt: %w", err)
	}
	iter, err := strconv.Atoi(iterStr)
	if err != nil || iter < 1 || iter > maxScramIterations {
		return nil, fmt.Errorf("sasl: SCRAM-SHA-1 bad iteration count %q", iterStr)
	}

	salted := pbkdf2.Key([]byte(s.creds.Password), salt, iter, sha1.Size, sha1.New)
	clientKey := hmacSHA1(salted, "Client Key")
	storedKey := sha1.Sum(clientKey) //nolint:gosec

	withoutProof := "c=biws,r=" + nonce
	authMsg := s.firstBare + "," + serverFirst + "," + withoutProof

	clientSig := hmacSHA1(storedKey[:], authMsg)
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSig[i]
	}
	s.serverSig = hmacSHA1(hmacSHA1(salted, "Server Key"), authMsg)
	s.step = scramVerify

	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

func (s *scram) verify(serverFinal string) error {
	attrs := parseAttrs(serverFinal, ',', false)
	if e, ok := attrs["e"]; ok {
		return fmt.Errorf("sasl: SCRAM-SHA-1 server error %q", e)
	}
	got, err := base64.StdEncoding.DecodeString(attrs["v"])
	if err != nil || subtle.ConstantTimeCompare(got, s.serverSig) != 1 {
		return errors.New("sasl: SCRAM-SHA-1 server signature mismatch")
	}
	s.step = scramDone
	return nil
}

func (s *scram) Finish(data []byte) error {
	if s.step == scramDone {
		return nil
	}
	if s.step != scramVerify || len(data) == 0 {
		return errors.New("sasl: SCRAM-SHA-1 finished without a server signature")
	}
	return s.verify(string(data))
}

func hmacSHA1(key []byte, msg string) []byte {
	h := hmac.New(sha1.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func escapeUser(u string) string {
	return strings.NewReplacer("=", "=3D", ",", "=2C").Replace(u)
}

// parseAttrs splits "k=v<sep>k=v".  With quoted set, values may be
// wrapped in double quotes (and contain sep).
func parseAttrs(s string, sep byte, quoted bool) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		var val string
		if quoted && strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val, s = s[1:], ""
			} else {
				val, s = s[1:end+1], s[end+2:]
			}
			if i := strings.IndexByte(s, sep); i >= 0 {
				s = s[i+1:]
			} else {
				s = ""
			}
		} else if i := strings.IndexByte(s, sep); i >= 0 {
			val, s = s[:i], s[i+1:]
		} else {
			val, s = s, ""
		}
		if _, dup := out[key]; !dup {
			out[key] = val
		}
	}
	return out
}
