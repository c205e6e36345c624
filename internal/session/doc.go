// Package session implements the UDP relay core of the tunnel: it splices
// datagrams arriving on a virtual network stack's UDP endpoint with a SOCKS5
// UDP ASSOCIATE relay, one flow per session.
//
// # Data flow
//
//  1. The network stack invokes the session's receive hook for every datagram
//     the application sends; the hook queues it as a Frame.
//  2. The forward pump sends queued frames to the upstream relay, oldest first.
//  3. The backward pump probes the relay for replies, reads one into a buffer
//     from the shared pool and hands it back to the endpoint, addressed from
//     the flow's original destination.
//
// # Scheduling
//
// Each session runs on its own goroutine (its Task). The splice loop yields
// while either pump makes progress and suspends when both are idle, until the
// relay has data, the receive hook wakes it, or the task is terminated.
//
// The lock handed to NewUDP is shared by every session of a network stack. It
// guards the buffer pool and every call into the endpoint, and is never held
// while the task is suspended.
package session
