package sasl

import (
	"crypto/md5" //nolint:gosec // DIGEST-MD5
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

type digestStep int

const (
	digestChallenge digestStep = iota
	digestRspAuth
	digestDone
)

type digest struct {
	creds Credentials
	step  digestStep

	rspAuth string
}

func (d *digest) Name() string { return DigestMD5 }

func (d *digest) Start() ([]byte, error) { return nil, nil }

func (d *digest) Next(challenge []byte) ([]byte, error) {
	switch d.step {
	case digestChallenge:
		return d.respond(string(challenge))
	case digestRspAuth:
		attrs := parseAttrs(string(challenge), ',', true)
		if attrs["rspauth"] != d.rspAuth {
			return nil, errors.New("sasl: DIGEST-MD5 server response mismatch")
		}
		d.step = digestDone
		return []byte{}, nil
	default:
		return nil, errors.New("sasl: DIGEST-MD5 got an unexpected challenge")
	}
}

func (d *digest) respond(challenge string) ([]byte, error) {
	attrs := parseAttrs(challenge, ',', true)
	nonce := attrs["nonce"]
	if nonce == "" {
		return nil, errors.New("sasl: DIGEST-MD5 challenge without nonce")
	}
	if qop, ok := attrs["qop"]; ok && !containsToken(qop, "auth") {
		return nil, fmt.Errorf("sasl: DIGEST-MD5 unsupported qop %q", qop)
	}

	const nc, qop = "00000001", "auth"
	cnonce := d.creds.nonce()
	realm := d.creds.Realm
	if realm == "" {
		realm = attrs["realm"]
	}
	service := d.creds.Service
	if service == "" {
		service = "xmpp"
	}
	uri := service + "/" + d.creds.Host

	x := md5.Sum([]byte(d.creds.Username + ":" + realm + ":" + d.creds.Password)) //nolint:gosec
	a1 := string(x[:]) + ":" + nonce + ":" + cnonce
	ha1 := md5hex(a1)
	kd := func(a2 string) string {
		return md5hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + md5hex(a2))
	}
	d.rspAuth = kd(":" + uri)
	d.step = digestRspAuth

	resp := fmt.Sprintf(`username=%q,realm=%q,nonce=%q,cnonce=%q,nc=%s,qop=%s,digest-uri=%q,response=%s,charset=utf-8`,
		d.creds.Username, realm, nonce, cnonce, nc, qop, uri, kd("AUTHENTICATE:"+uri))
	return []byte(resp), nil
}

func (d *digest) Finish(data []byte) error {
	if d.step != digestRspAuth || len(data) == 0 {
		return nil
	}
	_, err := d.Next(data)
	return err
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func containsToken(list, tok string) bool {
	for _, t := range strings.Split(list, ",") {
		if strings.TrimSpace(t) == tok {
			return true
		}
	}
	return false
}
