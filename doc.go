/*
Package qclient is an asynchronous, pipelined client for RESP-compatible
servers, built around a single full-duplex connection per endpoint rather
than a connection pool.

All known Go Redis connectors either use one connection per in-flight
request or hand back a pool to check connections in and out of. This
client instead keeps one TCP connection open per logical target, writes
every request onto it as soon as it arrives from any goroutine, and reads
replies back on a separate goroutine, matching them to their requests by
strict FIFO order. Multiple concurrent callers implicitly pipeline onto
the same wire.

Capabilities

- implicit pipelining: no caller needs to batch requests by hand,

- automatic reconnection with request retry, driven by one supervisor
goroutine per Client that starts a fresh writer/reader pair (an epoch)
for every connection,

- pluggable multi-stage connection handshakes (auth, HMAC challenge-
response, RESP3 push-type negotiation, CLIENT SETNAME),

- a background flusher for durable at-least-once write buffering when the
caller cannot afford to lose an enqueued command across a restart,

- a small distributed-coordination layer (point-to-point request/reply
over pub/sub, and an eventually-consistent shared map) for peers that
need to talk to each other through the same server they already use for
data.

Limitations

- no cluster slot discovery: a Targets list is tried in order, and, only
when Options.TransparentRedirects is set, a MOVED reply is followed once
per request rather than maintained as a routing table,

- this is a client, not a server, and not a connection pool: Options.Gate
bounds how many requests may be in flight, but does not hand out and take
back individual connections,

- no request-level timeout independent of the connection's own retry
policy: a request either succeeds, is retried according to RetryPolicy,
or fails when the policy gives up.

Structure

- resp: wire-level RESP2/RESP3 parsing and request encoding

- endpoint: target resolution and the process-wide intercept table used
by test harnesses

- netstream: the raw byte-stream abstraction dialed connections and TLS
both satisfy

- handshake: composable first-requests run on every new connection before
user traffic

- client: the reconnecting, pipelined connection core

- pubsub: a self-contained reconnecting subscriber

- flusher: a durable write-behind queue sitting in front of a client

- vault, communicator, sharedhash: distributed coordination built on top
of pubsub

- config: YAML-driven client.Options construction

Usage

	c, err := client.Connect(ctx, client.Options{
		Targets: []endpoint.Endpoint{{Host: "127.0.0.1", Port: 6379}},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	c.Send(resp.Request{Cmd: "GET", Args: []interface{}{"key"}}, func(reply interface{}) {
		// reply is one of: []byte, int64, string, []interface{}, nil, or *errorx.Error
	})

Types accepted as command arguments and the shapes replies come back as
follow the RESP2/RESP3 mapping of resp.AppendRequest and resp.Parser: bulk strings
decode to []byte, integers to int64, simple strings to string, arrays to
[]interface{}, and errors to *errorx.Error rather than a separate error
return, so a Callback only ever receives one value.
*/
package qclient
