// Package udp manages the UDP sessions of a tunnel.
//
// Every UDP flow the network stack forwards is handed to a Handler, which
// turns it into a session relaying through its own SOCKS5 UDP association.
// The handler enforces the session limit, expires idle sessions and tears
// everything down on Close.
//
// # Lifecycle
//
//  1. The stack sees the first datagram of a new flow and calls HandleFlow
//  2. The handler creates a session, which queues datagrams immediately
//  3. The session performs the SOCKS5 handshake and starts splicing
//  4. The session ends when either side fails, it idles out, or the
//     handler is closed
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package udp
