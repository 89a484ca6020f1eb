package resp

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/joomcode/errorx"
	re "github.com/joomcode/qclient/rediserror"
)

// Push is a RESP3 out-of-band frame (prefix '>'), kept as its own type so
// callers can distinguish it from a regular Array reply (prefix '*')
// without consuming a pipelined reply slot, per spec.md §4.1.
type Push []interface{}

// BigNumber is a RESP3 big number reply (prefix '('), kept as text since
// its magnitude may exceed int64.
type BigNumber string

// Verbatim is a RESP3 verbatim string reply (prefix '='): a three-byte
// format marker (e.g. "txt", "mkd") followed by ':' and the text.
type Verbatim struct {
	Format string
	Text   []byte
}

// KV is one key/value pair of a Map reply.
type KV struct {
	Key   interface{}
	Value interface{}
}

// Map is a RESP3 map reply (prefix '%').
type Map []KV

// Set is a RESP3 set reply (prefix '~'). Kept distinct from Array so
// callers that care about set semantics can tell them apart; ordering
// follows wire order.
type Set []interface{}

// ErrIncomplete is the sentinel returned by Pull when the buffered bytes
// do not yet contain one full reply. It signals "come back after
// Feed"-ing more bytes, mirroring qclient's
// ResponseBuilder::Status::kIncomplete.
var ErrIncomplete = errors.New("resp: incomplete reply")

// Parser implements the RESP2/RESP3 stream decoder described in spec.md
// §4.1 (C1): feed bytes incrementally, pull complete replies one at a
// time. It generalizes the teacher's resp/reader.go, which parsed
// synchronously off a *bufio.Reader, into the qclient-style
// feed/pull/restart incremental machine (see
// original_source/src/ResponseBuilder.cc).
type Parser struct {
	buf     []byte
	poisoned bool
}

// NewParser returns a ready-to-use Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends data to the parser's internal buffer. It never blocks and
// never fails: malformed data is only detected once Pull tries to decode
// it.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Restart discards all buffered state, matching
// ResponseBuilder::restart() in the original source. Used to recover a
// poisoned parser after a ProtocolError, or to reset it across
// reconnects.
func (p *Parser) Restart() {
	p.buf = p.buf[:0]
	p.poisoned = false
}

// Buffered reports how many bytes are currently held, undecoded.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Pull consumes exactly one reply if enough bytes are buffered.
//
//   - If the parser is poisoned (a previous Pull returned a protocol
//     error and Restart has not been called since), Pull keeps returning
//     that same class of error.
//   - If not enough bytes are buffered, Pull returns (nil, ErrIncomplete).
//   - Otherwise Pull returns the decoded reply and advances past it.
func (p *Parser) Pull() (interface{}, error) {
	if p.poisoned {
		return nil, re.ErrProtocol.NewWithNoMessage()
	}
	val, n, err := parseOne(p.buf)
	if err == ErrIncomplete {
		return nil, ErrIncomplete
	}
	if err != nil {
		p.poisoned = true
		return nil, re.ErrProtocol.Wrap(err, "resp: malformed reply")
	}
	p.buf = p.buf[n:]
	return val, nil
}

func findCRLF(buf []byte) int {
	i := bytes.IndexByte(buf, '\n')
	if i <= 0 || buf[i-1] != '\r' {
		return -1
	}
	return i
}

// parseOne decodes one RESP value from the front of buf, returning the
// value, the number of bytes consumed (including trailing CRLF/payload),
// and an error. Returns ErrIncomplete if buf does not yet hold one
// complete value.
func parseOne(buf []byte) (interface{}, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrIncomplete
	}

	eol := findCRLF(buf)
	if eol < 0 {
		if len(buf) > maxHeaderLine {
			return nil, 0, re.ErrResponseFormat.NewWithNoMessage()
		}
		return nil, 0, ErrIncomplete
	}
	line := buf[1 : eol-1]
	head := eol + 1

	switch buf[0] {
	case '+':
		return string(line), head, nil
	case '-':
		return parseErrorLine(line), head, nil
	case ':':
		v, err := parseInt(line)
		if err != nil {
			return nil, 0, err
		}
		return v, head, nil
	case ',':
		f, err := strconv.ParseFloat(string(line), 64)
		if err != nil {
			return nil, 0, re.ErrResponseFormat.NewWithNoMessage()
		}
		return f, head, nil
	case '#':
		if len(line) != 1 || (line[0] != 't' && line[0] != 'f') {
			return nil, 0, re.ErrResponseFormat.NewWithNoMessage()
		}
		return line[0] == 't', head, nil
	case '(':
		return BigNumber(line), head, nil
	case '_':
		return nil, head, nil
	case '$':
		return parseBulk(buf, line, head)
	case '=':
		return parseVerbatim(buf, line, head)
	case '*':
		return parseAggregate(buf, line, head, false)
	case '>':
		return parseAggregate(buf, line, head, true)
	case '~':
		v, n, err := parseAggregate(buf, line, head, false)
		if err != nil {
			return nil, n, err
		}
		return Set(v.([]interface{})), n, nil
	case '%':
		return parseMap(buf, line, head)
	default:
		return nil, 0, re.ErrResponseFormat.NewWithNoMessage()
	}
}

const maxHeaderLine = 64 * 1024

func parseErrorLine(line []byte) *errorx.Error {
	txt := string(line)
	if hasPrefix(txt, "MOVED ") {
		slot, addr, perr := parseRedirect(txt[len("MOVED "):])
		if perr != nil {
			return perr
		}
		return re.ErrMoved.New("%s", txt).WithProperty(re.PropSlot, slot).WithProperty(re.PropAddr, addr)
	}
	if hasPrefix(txt, "ASK ") {
		slot, addr, perr := parseRedirect(txt[len("ASK "):])
		if perr != nil {
			return perr
		}
		return re.ErrAsk.New("%s", txt).WithProperty(re.PropSlot, slot).WithProperty(re.PropAddr, addr)
	}
	if hasPrefix(txt, "LOADING") {
		return re.ErrLoading.New("%s", txt)
	}
	return re.ErrResult.New("%s", txt)
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

func parseRedirect(rest string) (int64, string, *errorx.Error) {
	parts := bytes.SplitN([]byte(rest), []byte(" "), 2)
	if len(parts) != 2 {
		return 0, "", re.ErrResponseFormat.NewWithNoMessage()
	}
	slot, err := parseInt(parts[0])
	if err != nil {
		return 0, "", err
	}
	return slot, string(parts[1]), nil
}

func parseInt(line []byte) (int64, *errorx.Error) {
	if len(line) == 0 {
		return 0, re.ErrResponseFormat.NewWithNoMessage()
	}
	neg := line[0] == '-'
	if neg {
		line = line[1:]
	}
	if len(line) == 0 {
		return 0, re.ErrResponseFormat.NewWithNoMessage()
	}
	var v int64
	for _, b := range line {
		if b < '0' || b > '9' {
			return 0, re.ErrResponseFormat.NewWithNoMessage()
		}
		v = v*10 + int64(b-'0')
	}
	if neg {
		v = -v
	}
	return v, nil
}

func parseBulk(buf, line []byte, head int) (interface{}, int, error) {
	n, err := parseInt(line)
	if err != nil {
		return nil, 0, err
	}
	if n < 0 {
		return nil, head, nil
	}
	need := head + int(n) + 2
	if len(buf) < need {
		return nil, 0, ErrIncomplete
	}
	payload := buf[head : head+int(n)]
	if buf[head+int(n)] != '\r' || buf[head+int(n)+1] != '\n' {
		return nil, 0, re.ErrResponseFormat.NewWithNoMessage()
	}
	out := make([]byte, n)
	copy(out, payload)
	return out, need, nil
}

func parseVerbatim(buf, line []byte, head int) (interface{}, int, error) {
	v, n, err := parseBulk(buf, line, head)
	if err != nil {
		return nil, n, err
	}
	raw := v.([]byte)
	if len(raw) < 4 || raw[3] != ':' {
		return nil, 0, re.ErrResponseFormat.NewWithNoMessage()
	}
	return Verbatim{Format: string(raw[:3]), Text: raw[4:]}, n, nil
}

func parseAggregate(buf, line []byte, head int, push bool) (interface{}, int, error) {
	n, err := parseInt(line)
	if err != nil {
		return nil, 0, err
	}
	if n < 0 {
		return nil, head, nil
	}
	items := make([]interface{}, n)
	pos := head
	for i := int64(0); i < n; i++ {
		v, consumed, err := parseOne(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		items[i] = v
		pos += consumed
	}
	if push {
		return Push(items), pos, nil
	}
	return items, pos, nil
}

func parseMap(buf, line []byte, head int) (interface{}, int, error) {
	n, err := parseInt(line)
	if err != nil {
		return nil, 0, err
	}
	if n < 0 {
		return nil, head, nil
	}
	m := make(Map, n)
	pos := head
	for i := int64(0); i < n; i++ {
		k, kc, err := parseOne(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += kc
		v, vc, err := parseOne(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += vc
		m[i] = KV{Key: k, Value: v}
	}
	return m, pos, nil
}

// AsError extracts a *errorx.Error carried as an "error reply" (as opposed
// to a transport error), i.e. mirrors resp.RedisError from the teacher.
func AsError(v interface{}) *errorx.Error {
	e, _ := v.(*errorx.Error)
	return e
}
