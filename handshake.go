package dbus

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// The handshake is a line-oriented exchange of ASCII commands terminated
// by \r\n, run before any binary message. See
// https://dbus.freedesktop.org/doc/dbus-specification.html#auth-protocol

// HandshakeResult is the outcome of a successful handshake.
type HandshakeResult struct {
	GUID      string
	CanPassFD bool
	// Readahead holds bytes received past the handshake boundary; they
	// belong to the message stream and must reach the connection
	// reader.
	Readahead []byte
}

// authReader accumulates socket input and hands out whole lines, keeping
// anything past the final handshake line for the message stream.
type authReader struct {
	sock Socket
	buf  []byte
}

func (r *authReader) fill() error {
	tmp := make([]byte, 4096)
	n, fds, err := r.sock.Read(tmp)
	// No descriptors are legal during the handshake.
	for _, fd := range fds {
		unix.Close(fd)
	}
	if n > 0 {
		r.buf = append(r.buf, tmp[:n]...)
	}
	return err
}

func (r *authReader) readLine() (string, error) {
	for {
		if i := bytes.Index(r.buf, []byte("\r\n")); i >= 0 {
			line := string(r.buf[:i])
			r.buf = r.buf[i+2:]
			logger.WithField("line", line).Debug("dbus: handshake received")
			return line, nil
		}
		if len(r.buf) > 16*1024 {
			return "", &HandshakeError{Detail: "command line too long"}
		}
		if err := r.fill(); err != nil {
			// A final read may both deliver the line and report EOF.
			if bytes.Contains(r.buf, []byte("\r\n")) {
				continue
			}
			return "", err
		}
	}
}

// readNul consumes the single credentials byte that precedes the first
// command.
func (r *authReader) readNul() error {
	for len(r.buf) == 0 {
		if err := r.fill(); err != nil {
			return err
		}
	}
	if r.buf[0] != 0 {
		return &HandshakeError{Detail: "expected initial nul byte"}
	}
	r.buf = r.buf[1:]
	return nil
}

func writeLine(sock Socket, parts ...string) error {
	line := strings.Join(parts, " ") + "\r\n"
	logger.WithField("line", strings.TrimSuffix(line, "\r\n")).Debug("dbus: handshake sent")
	data := []byte(line)
	for len(data) > 0 {
		n, err := sock.Write(data, nil)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ClientHandshake authenticates the client side of sock. Mechanisms are
// tried in order until the server accepts one; when negotiateFd is set
// and the socket can carry descriptors, fd support is negotiated before
// BEGIN.
func ClientHandshake(sock Socket, auths []Authenticator, negotiateFd bool) (*HandshakeResult, error) {
	if len(auths) == 0 {
		auths = defaultAuthenticators()
	}
	// A plain nul byte opens the exchange; no credentials are attached to
	// it. The server reads the peer credentials from the socket instead.
	if _, err := sock.Write([]byte{0}, nil); err != nil {
		return nil, err
	}
	r := &authReader{sock: sock}

	guid, err := clientAuth(sock, r, auths)
	if err != nil {
		return nil, err
	}

	res := &HandshakeResult{GUID: guid}
	if negotiateFd && sock.SupportsUnixFDs() {
		if err := writeLine(sock, "NEGOTIATE_UNIX_FD"); err != nil {
			return nil, err
		}
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		switch {
		case line == "AGREE_UNIX_FD":
			res.CanPassFD = true
		case strings.HasPrefix(line, "ERROR"):
			// Fd passing stays off.
		default:
			return nil, &HandshakeError{Detail: "unexpected reply to NEGOTIATE_UNIX_FD: " + line}
		}
	}
	if err := writeLine(sock, "BEGIN"); err != nil {
		return nil, err
	}
	res.Readahead = r.buf
	return res, nil
}

func clientAuth(sock Socket, r *authReader, auths []Authenticator) (string, error) {
	for _, mech := range auths {
		if err := writeLine(sock, "AUTH", mech.Mechanism(), string(mech.InitialResponse())); err != nil {
			return "", err
		}
	mechanism:
		for {
			line, err := r.readLine()
			if err != nil {
				return "", err
			}
			switch {
			case strings.HasPrefix(line, "DATA"):
				payload := strings.TrimPrefix(strings.TrimPrefix(line, "DATA"), " ")
				resp, err := mech.ProcessData([]byte(payload))
				if err != nil {
					logger.WithField("mechanism", mech.Mechanism()).WithError(err).
						Debug("dbus: mechanism failed, cancelling")
					if err := writeLine(sock, "CANCEL"); err != nil {
						return "", err
					}
					continue
				}
				if err := writeLine(sock, "DATA", string(resp)); err != nil {
					return "", err
				}
			case strings.HasPrefix(line, "OK"):
				guid := strings.TrimSpace(strings.TrimPrefix(line, "OK"))
				if !ValidGUID(guid) {
					return "", &HandshakeError{Detail: "server guid " + guid + " is malformed"}
				}
				return guid, nil
			case strings.HasPrefix(line, "REJECTED"):
				break mechanism
			case strings.HasPrefix(line, "ERROR"):
				break mechanism
			default:
				return "", &HandshakeError{Detail: "unexpected command " + line}
			}
		}
	}
	return "", ErrAuthFailed
}

// ServerHandshakeConfig configures the server side of the handshake.
type ServerHandshakeConfig struct {
	// GUID identifies the server; a fresh one is generated when empty.
	GUID string
	// AllowAnonymous accepts the ANONYMOUS mechanism.
	AllowAnonymous bool
	// CookieContext names the keyring file for DBUS_COOKIE_SHA1.
	CookieContext string
}

const defaultCookieContext = "org_busline_go_dbus"

// ServerHandshake authenticates the server side of sock.
func ServerHandshake(sock Socket, cfg ServerHandshakeConfig) (*HandshakeResult, error) {
	if cfg.GUID == "" {
		cfg.GUID = NewGUID()
	}
	if !ValidGUID(cfg.GUID) {
		return nil, &HandshakeError{Detail: "server guid " + cfg.GUID + " is malformed"}
	}
	if cfg.CookieContext == "" {
		cfg.CookieContext = defaultCookieContext
	}
	r := &authReader{sock: sock}
	if err := r.readNul(); err != nil {
		return nil, err
	}

	authenticated := false
	for !authenticated {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		cmd := strings.SplitN(line, " ", 3)
		if cmd[0] != "AUTH" {
			if cmd[0] == "BEGIN" {
				return nil, &HandshakeError{Detail: "BEGIN before authentication"}
			}
			if err := writeLine(sock, "ERROR", "expected AUTH"); err != nil {
				return nil, err
			}
			continue
		}
		if len(cmd) < 2 {
			if err := writeLine(sock, "REJECTED", "EXTERNAL", "DBUS_COOKIE_SHA1", "ANONYMOUS"); err != nil {
				return nil, err
			}
			continue
		}
		initial := ""
		if len(cmd) == 3 {
			initial = cmd[2]
		}
		ok, err := serverAuthMechanism(sock, r, cfg, cmd[1], initial)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := writeLine(sock, "OK", cfg.GUID); err != nil {
				return nil, err
			}
			authenticated = true
		} else {
			if err := writeLine(sock, "REJECTED", "EXTERNAL", "DBUS_COOKIE_SHA1", "ANONYMOUS"); err != nil {
				return nil, err
			}
		}
	}

	res := &HandshakeResult{GUID: cfg.GUID}
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		switch {
		case line == "BEGIN":
			res.Readahead = r.buf
			return res, nil
		case line == "NEGOTIATE_UNIX_FD":
			if sock.SupportsUnixFDs() {
				res.CanPassFD = true
				if err := writeLine(sock, "AGREE_UNIX_FD"); err != nil {
					return nil, err
				}
			} else {
				if err := writeLine(sock, "ERROR", "fd passing not supported"); err != nil {
					return nil, err
				}
			}
		case line == "CANCEL":
			return nil, &HandshakeError{Detail: "client cancelled after authentication"}
		default:
			if err := writeLine(sock, "ERROR", "unexpected command"); err != nil {
				return nil, err
			}
		}
	}
}

func serverAuthMechanism(sock Socket, r *authReader, cfg ServerHandshakeConfig, mech, initial string) (bool, error) {
	switch mech {
	case "EXTERNAL":
		claimed, err := hex.DecodeString(initial)
		if err != nil {
			return false, nil
		}
		creds := sock.PeerCredentials()
		if creds.UID < 0 {
			return false, nil
		}
		uid, err := strconv.Atoi(string(claimed))
		if err != nil {
			return false, nil
		}
		return uid == creds.UID, nil
	case "DBUS_COOKIE_SHA1":
		return serverCookieChallenge(sock, r, cfg.CookieContext)
	case "ANONYMOUS":
		return cfg.AllowAnonymous, nil
	}
	return false, nil
}

func serverCookieChallenge(sock Socket, r *authReader, context string) (bool, error) {
	id, cookie, err := serverCookie(context)
	if err != nil {
		logger.WithError(err).Debug("dbus: cookie keyring unavailable")
		return false, nil
	}
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return false, err
	}
	challenge := hex.EncodeToString(raw)
	payload := fmt.Sprintf("%s %s %s", context, id, challenge)
	if err := writeLine(sock, "DATA", hex.EncodeToString([]byte(payload))); err != nil {
		return false, err
	}

	line, err := r.readLine()
	if err != nil {
		return false, err
	}
	if line == "CANCEL" || !strings.HasPrefix(line, "DATA ") {
		return false, nil
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(line, "DATA "))
	if err != nil {
		return false, nil
	}
	parts := strings.SplitN(string(decoded), " ", 2)
	if len(parts) != 2 {
		return false, nil
	}
	hash := sha1.New()
	fmt.Fprintf(hash, "%s:%s:%s", challenge, parts[0], cookie)
	return hex.EncodeToString(hash.Sum(nil)) == parts[1], nil
}
