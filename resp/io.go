package resp

import "io"

// ReadOne blocks until one full reply can be pulled from parser, reading
// more bytes from r as needed. Used by handshake.Run, which both the client
// and the pub/sub subscriber use to run their connection handshakes.
func ReadOne(r io.Reader, parser *Parser, buf []byte) (interface{}, error) {
	for {
		val, err := parser.Pull()
		if err == nil {
			return val, nil
		}
		if err != ErrIncomplete {
			return nil, err
		}
		n, rerr := r.Read(buf)
		if rerr != nil {
			return nil, rerr
		}
		parser.Feed(buf[:n])
	}
}
