package envelope

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldContentHash protowire.Number = 1
	fieldContentText protowire.Number = 2
	fieldSourceID    protowire.Number = 3
	fieldImageURL    protowire.Number = 4
)

// AnalysisInput is one decoded analysis job. It is never mutated after
// decode; it is passed by value through the pipeline.
type AnalysisInput struct {
	ContentHash string
	ContentText string
	SourceID    string
	ImageURL    string
}

// DecodeError reports a payload that is not a well-formed envelope.
type DecodeError struct {
	// Offset is the byte position where decoding stopped.
	Offset int
	// Field is the field number being decoded, zero while reading a tag.
	Field protowire.Number
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != 0 {
		return fmt.Sprintf("nsai: decode envelope: field %d at offset %d: %v", e.Field, e.Offset, e.Err)
	}
	return fmt.Sprintf("nsai: decode envelope at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errWireType    = errors.New("unexpected wire type")
	errInvalidUTF8 = errors.New("string field contains invalid UTF-8")
)

// Encode serialises in. Empty fields are omitted.
func Encode(in AnalysisInput) []byte {
	size := 0
	for _, s := range []string{in.ContentHash, in.ContentText, in.SourceID, in.ImageURL} {
		if s != "" {
			size += 1 + protowire.SizeBytes(len(s))
		}
	}

	b := make([]byte, 0, size)
	b = appendString(b, fieldContentHash, in.ContentHash)
	b = appendString(b, fieldContentText, in.ContentText)
	b = appendString(b, fieldSourceID, in.SourceID)
	b = appendString(b, fieldImageURL, in.ImageURL)
	return b
}

// Decode parses an envelope. Any byte sequence that is not a well-formed
// envelope yields a *DecodeError; Decode never panics.
func Decode(data []byte) (AnalysisInput, error) {
	var out AnalysisInput
	offset := 0
	for offset < len(data) {
		num, typ, n := protowire.ConsumeTag(data[offset:])
		if n < 0 {
			return AnalysisInput{}, &DecodeError{Offset: offset, Err: protowire.ParseError(n)}
		}
		offset += n

		var dst *string
		switch num {
		case fieldContentHash:
			dst = &out.ContentHash
		case fieldContentText:
			dst = &out.ContentText
		case fieldSourceID:
			dst = &out.SourceID
		case fieldImageURL:
			dst = &out.ImageURL
		}

		if dst == nil {
			n = protowire.ConsumeFieldValue(num, typ, data[offset:])
			if n < 0 {
				return AnalysisInput{}, &DecodeError{Offset: offset, Field: num, Err: protowire.ParseError(n)}
			}
			offset += n
			continue
		}

		if typ != protowire.BytesType {
			return AnalysisInput{}, &DecodeError{Offset: offset, Field: num, Err: errWireType}
		}
		v, n := protowire.ConsumeBytes(data[offset:])
		if n < 0 {
			return AnalysisInput{}, &DecodeError{Offset: offset, Field: num, Err: protowire.ParseError(n)}
		}
		if !utf8.Valid(v) {
			return AnalysisInput{}, &DecodeError{Offset: offset, Field: num, Err: errInvalidUTF8}
		}
		*dst = string(v)
		offset += n
	}
	return out, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
