package fakeserver

import (
	"fmt"
	"io"
	"strconv"

	"github.com/joomcode/qclient/resp"
)

// encodeReply writes v to w using the RESP2/RESP3 wire format, the mirror
// image of resp.Parser's decoding. It supports the same set of Go types
// resp.Pull ever produces, plus plain Go errors, so handlers can return
// either resp types or ordinary values.
func encodeReply(w io.Writer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		_, err := io.WriteString(w, "$-1\r\n")
		return err
	case string:
		_, err := io.WriteString(w, "+"+t+"\r\n")
		return err
	case []byte:
		_, err := io.WriteString(w, "$"+strconv.Itoa(len(t))+"\r\n"+string(t)+"\r\n")
		return err
	case int:
		return encodeReply(w, int64(t))
	case int64:
		_, err := io.WriteString(w, ":"+strconv.FormatInt(t, 10)+"\r\n")
		return err
	case bool:
		c := "f"
		if t {
			c = "t"
		}
		_, err := io.WriteString(w, "#"+c+"\r\n")
		return err
	case float64:
		_, err := io.WriteString(w, ","+strconv.FormatFloat(t, 'g', -1, 64)+"\r\n")
		return err
	case resp.BigNumber:
		_, err := io.WriteString(w, "("+string(t)+"\r\n")
		return err
	case resp.Verbatim:
		payload := t.Format + ":" + string(t.Text)
		_, err := io.WriteString(w, "="+strconv.Itoa(len(payload))+"\r\n"+payload+"\r\n")
		return err
	case error:
		_, err := io.WriteString(w, "-"+t.Error()+"\r\n")
		return err
	case resp.Push:
		return encodeAggregate(w, '>', []interface{}(t))
	case resp.Set:
		return encodeAggregate(w, '~', []interface{}(t))
	case resp.Map:
		return encodeMap(w, t)
	case []interface{}:
		return encodeAggregate(w, '*', t)
	default:
		return fmt.Errorf("fakeserver: unsupported reply type %T", v)
	}
}

func encodeAggregate(w io.Writer, prefix byte, items []interface{}) error {
	if _, err := io.WriteString(w, string(prefix)+strconv.Itoa(len(items))+"\r\n"); err != nil {
		return err
	}
	for _, it := range items {
		if err := encodeReply(w, it); err != nil {
			return err
		}
	}
	return nil
}

func encodeMap(w io.Writer, m resp.Map) error {
	if _, err := io.WriteString(w, "%"+strconv.Itoa(len(m))+"\r\n"); err != nil {
		return err
	}
	for _, kv := range m {
		if err := encodeReply(w, kv.Key); err != nil {
			return err
		}
		if err := encodeReply(w, kv.Value); err != nil {
			return err
		}
	}
	return nil
}
