// Package ws streams gateway events to browsers over WebSocket.
//
// Each connection attaches one hub subscriber. The server sends a
// connected message followed by every event the hub broadcasts, optionally
// narrowed to a set of sessions the client subscribes to. The client may
// send ping and subscribe messages; everything else is ignored.
//
// Only the write pump writes to the connection. Replies produced by the
// read pump are queued to it on a small control channel.
package ws
