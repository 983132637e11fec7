// Package envelope implements the binary wire format of analysis jobs.
//
// Envelopes use the protobuf wire encoding: every field is written as a tag
// (field number + wire type) followed by its value, strings are length
// delimited. Decoding skips tags it does not know and leaves absent fields
// at their zero value, so producers and consumers can evolve independently
// as long as field numbers are never reused.
//
//	1 content_hash  string
//	2 content_text  string
//	3 source_id     string
//	4 image_url     string
package envelope
