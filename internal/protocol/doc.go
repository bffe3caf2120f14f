// Package protocol owns the message envelope.
//
// Ownership boundary:
// - type URL parse/format (`Phinix/<namespace>.<TypeName>`)
// - Pack/Unpack of typed messages into anypb.Any
// - inbound packet validation (module routing, prefix, namespace)
// - protowire field helpers shared by packet codecs
//
// Framing lives in frame/, tlv/ and schema/.
package protocol
