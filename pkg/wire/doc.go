// Package wire defines the protocol message model shared by every flock
// participant: the closed set of message kinds, the delimited text frame
// format with its integrity checksum, and deterministic node identifiers.
//
// A frame on the multicast group looks like
//
//	KIND:SENDER:SEQ:PAYLOAD:CHECKSUM
//
// where CHECKSUM covers everything before it. The payload may itself contain
// colons (it is usually JSON); the decoder splits on the first three and the
// last separator only. Corrupted or structurally malformed frames are
// rejected by the codec before any protocol state can observe them.
package wire
