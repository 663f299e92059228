// Package transport implements the connectivity core's wire-level layers:
// a single shared UDP socket (C1) that demultiplexes STUN traffic from
// peer traffic, an RFC 5389 STUN client with NAT classification (C2), a
// UPnP IGD helper (C3), a reliable TCP-over-UDP stream (C4), a direct TCP
// transport, and UDP hole-punch tunneling.
package transport
