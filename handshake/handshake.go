// Package handshake implements the ordered multi-stage first-requests sent
// on every new connection before any user request (spec.md §4.4, C4).
// Each Handshake is reified as a small interface (Provide/Validate/
// Restart/Clone) rather than a virtual-dispatch class hierarchy, per the
// DESIGN NOTES in spec.md §9 ("a reified script is preferred since it
// removes allocation on reconnect"). Grounded on
// original_source/src/Handshake.cc.
package handshake

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/joomcode/errorx"

	"github.com/joomcode/qclient/resp"
)

// Status is the outcome of validating one reply against a handshake stage,
// per spec.md §3 "Handshake state".
type Status int

const (
	Invalid Status = iota
	ValidIncomplete
	ValidComplete
)

// Handshake is one stage (or a composition of stages) run before user
// traffic on every new connection.
type Handshake interface {
	// Provide returns the next request to send for this stage.
	Provide() resp.Request
	// Validate inspects the reply to the most recently provided request.
	Validate(reply interface{}) Status
	// Restart clears any stage-local state, so the handshake can be
	// replayed from the beginning on the next connection attempt.
	Restart()
	// Clone returns a fresh instance starting from the first stage,
	// needed on reconnect (spec.md §3).
	Clone() Handshake
}

func statusString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Auth sends "AUTH <password>" and expects "OK".
type Auth struct {
	Password string
}

func (a *Auth) Provide() resp.Request {
	return resp.Request{Cmd: "AUTH", Args: []interface{}{a.Password}}
}

func (a *Auth) Validate(reply interface{}) Status {
	s, ok := statusString(reply)
	if !ok || s != "OK" {
		return Invalid
	}
	return ValidComplete
}

func (a *Auth) Restart() {}

func (a *Auth) Clone() Handshake {
	return &Auth{Password: a.Password}
}

// HmacAuth implements the two-step challenge-response described in
// spec.md §4.4: the client sends 32 random bytes, the server replies with
// a challenge string, and the client signs random||challenge under
// HMAC-SHA256 keyed by the password, sending the hex-encoded signature.
type HmacAuth struct {
	Password string

	initiated bool
	random    []byte
	challenge string
}

func (h *HmacAuth) Provide() resp.Request {
	if !h.initiated {
		h.initiated = true
		h.random = make([]byte, 32)
		// crypto/rand.Read never returns a short read without an error;
		// an error here means the OS RNG is unavailable, which we treat
		// as an invalid handshake rather than panicking.
		if _, err := rand.Read(h.random); err != nil {
			h.random = nil
		}
		return resp.Request{Cmd: "HMAC-AUTH-GENERATE-CHALLENGE", Args: []interface{}{h.random}}
	}
	mac := hmac.New(sha256.New, []byte(h.Password))
	mac.Write(h.random)
	mac.Write([]byte(h.challenge))
	sig := hex.EncodeToString(mac.Sum(nil))
	return resp.Request{Cmd: "HMAC-AUTH-VALIDATE-CHALLENGE", Args: []interface{}{sig}}
}

func (h *HmacAuth) Validate(reply interface{}) Status {
	if h.random == nil {
		return Invalid
	}
	if h.challenge == "" {
		challenge, ok := reply.([]byte)
		if !ok {
			return Invalid
		}
		// The challenge must be built from this handshake's own random
		// bytes; accepting one that isn't would let a replayed or stale
		// challenge through unnoticed.
		if !bytes.HasPrefix(challenge, h.random) {
			return Invalid
		}
		h.challenge = string(challenge)
		return ValidIncomplete
	}
	s, ok := statusString(reply)
	if !ok || s != "OK" {
		return Invalid
	}
	return ValidComplete
}

func (h *HmacAuth) Restart() {
	h.initiated = false
	h.random = nil
	h.challenge = ""
}

func (h *HmacAuth) Clone() Handshake {
	return &HmacAuth{Password: h.Password}
}

// Ping sends "PING [text]" and expects the matching bulk reply, or "PONG"
// when no text was given.
type Ping struct {
	Text string
}

func (p *Ping) Provide() resp.Request {
	if p.Text == "" {
		return resp.Request{Cmd: "PING"}
	}
	return resp.Request{Cmd: "PING", Args: []interface{}{p.Text}}
}

func (p *Ping) Validate(reply interface{}) Status {
	want := "PONG"
	if p.Text != "" {
		want = p.Text
	}
	switch v := reply.(type) {
	case string:
		if v == want {
			return ValidComplete
		}
	case []byte:
		if string(v) == want {
			return ValidComplete
		}
	}
	return Invalid
}

func (p *Ping) Restart() {}

func (p *Ping) Clone() Handshake {
	return &Ping{Text: p.Text}
}

// ActivatePushTypes sends the QuarkDB-specific "ACTIVATE-PUSH-TYPES"
// command, enabling '>'-prefixed push frames for subscription messages on
// a RESP2 connection (spec.md §4.4, §6).
type ActivatePushTypes struct{}

func (ActivatePushTypes) Provide() resp.Request {
	return resp.Request{Cmd: "ACTIVATE-PUSH-TYPES"}
}

func (ActivatePushTypes) Validate(reply interface{}) Status {
	s, ok := statusString(reply)
	if !ok || s != "OK" {
		return Invalid
	}
	return ValidComplete
}

func (ActivatePushTypes) Restart() {}

func (ActivatePushTypes) Clone() Handshake { return ActivatePushTypes{} }

// SetClientName sends "CLIENT SETNAME <name>". By default it ignores
// failure (compatibility mode, spec.md §4.4), since older or restricted
// servers may reject CLIENT SETNAME entirely.
type SetClientName struct {
	Name string
	// Strict, if true, fails the handshake instead of tolerating a
	// rejected CLIENT SETNAME.
	Strict bool
}

func (s *SetClientName) Provide() resp.Request {
	return resp.Request{Cmd: "CLIENT", Args: []interface{}{"SETNAME", s.Name}}
}

func (s *SetClientName) Validate(reply interface{}) Status {
	if v, ok := statusString(reply); ok && v == "OK" {
		return ValidComplete
	}
	if _, ok := reply.(*errorx.Error); ok && !s.Strict {
		return ValidComplete
	}
	if s.Strict {
		return Invalid
	}
	return ValidComplete
}

func (s *SetClientName) Restart() {}

func (s *SetClientName) Clone() Handshake {
	return &SetClientName{Name: s.Name, Strict: s.Strict}
}

// Chain composes two handshakes sequentially: the second only begins once
// the first reports ValidComplete, matching HandshakeChainer in the
// original source.
type Chain struct {
	first, second Handshake
	onSecond      bool
}

// NewChain returns a Handshake running first to completion, then second.
func NewChain(first, second Handshake) *Chain {
	return &Chain{first: first, second: second}
}

func (c *Chain) Provide() resp.Request {
	if c.onSecond {
		return c.second.Provide()
	}
	return c.first.Provide()
}

func (c *Chain) Validate(reply interface{}) Status {
	if !c.onSecond {
		st := c.first.Validate(reply)
		if st == ValidComplete {
			c.onSecond = true
			return ValidIncomplete
		}
		return st
	}
	return c.second.Validate(reply)
}

func (c *Chain) Restart() {
	c.onSecond = false
	c.first.Restart()
	c.second.Restart()
}

func (c *Chain) Clone() Handshake {
	return &Chain{first: c.first.Clone(), second: c.second.Clone()}
}
