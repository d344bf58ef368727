// Package channel defines a communications channel that can encode/transmit
// and decode/receive whole JSON frames with the dispatcher wire framing, and
// provides in-memory constructors for tests and back-to-back connections.
package channel
