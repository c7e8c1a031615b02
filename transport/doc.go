/*
Package transport carries header-framed JSON-RPC messages over a WebSocket connection.

The agent behind the bridge speaks JSON-RPC on stdio with "Content-Length" framing, and the bridge relays stdout
chunks verbatim, one WebSocket message per chunk. Chunk boundaries therefore say nothing about message boundaries:
a message may be split across several WebSocket messages, or several messages may share one. Stream reassembles the
byte stream on read, and on write sends each framed message as exactly one binary WebSocket message.

Stream implements jsonrpc2.ObjectStream, so it plugs directly into jsonrpc2.NewConn.
*/
package transport
