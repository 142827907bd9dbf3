// Package message implements the textual SIP subset spoken by the
// door-entry cloud gateway: REGISTER request building, response building
// with verbatim header copy-back, and a lenient parser for inbound frames.
//
// Serialization is byte-exact: headers keep their insertion order and the
// builders take every random value (branch, tag, call-ID) from the caller,
// so identical inputs always produce identical frames.
package message
