package socks5

import (
	"errors"
	"fmt"
	"io"
)

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Auth status for username/password auth (RFC 1929).
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

const userPassVersion = 0x01

var (
	// ErrNoAcceptableAuth is returned when the server accepts none of the
	// offered authentication methods.
	ErrNoAcceptableAuth = errors.New("no acceptable authentication method")

	// ErrAuthFailed is returned when the server rejects the credentials.
	ErrAuthFailed = errors.New("authentication failed")
)

// Credentials holds username/password credentials (RFC 1929).
type Credentials struct {
	Username string
	Password string
}

// methods returns the authentication methods offered in the greeting.
func (c *Credentials) methods() []byte {
	if c == nil || c.Username == "" {
		return []byte{AuthMethodNoAuth}
	}
	return []byte{AuthMethodUserPass, AuthMethodNoAuth}
}

// negotiate performs the method selection and, if chosen by the server, the
// username/password sub-negotiation.
//
// Greeting:
//
//	+----+----------+----------+
//	|VER | NMETHODS | METHODS  |
//	+----+----------+----------+
//	| 1  |    1     | 1 to 255 |
//	+----+----------+----------+
func negotiate(rw io.ReadWriter, creds *Credentials) error {
	methods := creds.methods()
	greeting := append([]byte{SOCKS5Version, byte(len(methods))}, methods...)
	if _, err := rw.Write(greeting); err != nil {
		return err
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(rw, reply); err != nil {
		return err
	}
	if reply[0] != SOCKS5Version {
		return fmt.Errorf("unsupported SOCKS version: %d", reply[0])
	}

	switch reply[1] {
	case AuthMethodNoAuth:
		return nil
	case AuthMethodUserPass:
		if creds == nil || creds.Username == "" {
			return fmt.Errorf("server selected method %#02x that was not offered", reply[1])
		}
		return authenticate(rw, creds)
	case AuthMethodNoAcceptable:
		return ErrNoAcceptableAuth
	default:
		return fmt.Errorf("server selected method %#02x that was not offered", reply[1])
	}
}

// authenticate performs username/password authentication.
// Protocol (RFC 1929):
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
// Response:
//
//	+----+--------+
//	|VER | STATUS |
//	+----+--------+
//	| 1  |   1    |
//	+----+--------+
func authenticate(rw io.ReadWriter, creds *Credentials) error {
	if len(creds.Username) > 255 || len(creds.Password) > 255 {
		return errors.New("credentials longer than 255 bytes")
	}

	req := make([]byte, 0, 3+len(creds.Username)+len(creds.Password))
	req = append(req, userPassVersion, byte(len(creds.Username)))
	req = append(req, creds.Username...)
	req = append(req, byte(len(creds.Password)))
	req = append(req, creds.Password...)
	if _, err := rw.Write(req); err != nil {
		return err
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(rw, resp); err != nil {
		return err
	}
	if resp[0] != userPassVersion {
		return errors.New("unsupported auth version")
	}
	if resp[1] != AuthStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}
