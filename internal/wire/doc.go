// Package wire defines what crosses a link: the [Payload] variant, the
// [Message] envelope, and the [Frame] encoding used on a global transport.
//
// A global transport carries frames for many links at once. Each frame is a
// protobuf-wire body (tagged varint and bytes fields, see protowire) and a
// stream transport prefixes it with a big-endian uint32 length. Messages
// larger than the fragment size travel as consecutive fragment frames that a
// [Reassembler] joins before delivery, so callers only ever see whole
// messages.
package wire
