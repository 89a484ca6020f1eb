package handshake

import (
	"io"

	re "github.com/joomcode/qclient/rediserror"
	"github.com/joomcode/qclient/resp"
)

const maxRounds = 32

// Conn is the minimal read/write surface Run needs; *netstream.Stream and
// a fakeserver test connection both satisfy it without either package
// importing the other.
type Conn interface {
	io.Reader
	io.Writer
}

// Run drives hs to completion over conn, synchronously, before any
// pipelined or subscribe traffic is allowed (spec.md §4.4). Shared by the
// connection core (C5) and the pub/sub subscriber (C9), which both need to
// run the same handshake state machine over their own dedicated
// connection.
func Run(conn Conn, hs Handshake) error {
	parser := resp.NewParser()
	buf := make([]byte, 4096)
	for round := 0; round < maxRounds; round++ {
		req := hs.Provide()
		wire, err := resp.AppendRequest(nil, req)
		if err != nil {
			return re.ErrMalformedRequest.Wrap(err, "handshake: bad request")
		}
		if _, err := conn.Write(wire); err != nil {
			return re.ErrIO.Wrap(err, "handshake: write failed")
		}
		reply, err := resp.ReadOne(conn, parser, buf)
		if err != nil {
			return re.ErrIO.Wrap(err, "handshake: read failed")
		}
		switch hs.Validate(reply) {
		case ValidComplete:
			return nil
		case ValidIncomplete:
			continue
		default:
			return re.ErrHandshakeInvalid.New("handshake rejected reply %v", reply)
		}
	}
	return re.ErrHandshakeInvalid.New("handshake did not converge after %d rounds", maxRounds)
}
