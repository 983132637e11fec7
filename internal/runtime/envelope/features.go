package envelope

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldFakenessScore  protowire.Number = 1
	fieldEmotionScore   protowire.Number = 2
	fieldVisualArtifact protowire.Number = 3
)

// Feature names produced by FeatureRecord.Features.
const (
	FeatureFakeness       = "fakeness_score"
	FeatureEmotion        = "emotion_score"
	FeatureVisualArtifact = "visual_artifact"
)

// FeatureRecord is the intermediate result emitted by a model runtime:
//
//	1 fakeness_score   float
//	2 emotion_score    float
//	3 visual_artifact  bool
type FeatureRecord struct {
	FakenessScore  float32
	EmotionScore   float32
	VisualArtifact bool
}

// Features flattens the record into named scores. The visual artifact flag
// becomes 1 or 0.
func (r FeatureRecord) Features() map[string]float64 {
	artifact := 0.0
	if r.VisualArtifact {
		artifact = 1
	}
	return map[string]float64{
		FeatureFakeness:       float64(r.FakenessScore),
		FeatureEmotion:        float64(r.EmotionScore),
		FeatureVisualArtifact: artifact,
	}
}

// EncodeFeatures serialises r. Zero fields are omitted.
func EncodeFeatures(r FeatureRecord) []byte {
	var b []byte
	if r.FakenessScore != 0 {
		b = protowire.AppendTag(b, fieldFakenessScore, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(r.FakenessScore))
	}
	if r.EmotionScore != 0 {
		b = protowire.AppendTag(b, fieldEmotionScore, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(r.EmotionScore))
	}
	if r.VisualArtifact {
		b = protowire.AppendTag(b, fieldVisualArtifact, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// DecodeFeatures parses a feature record with the same compatibility rules
// as Decode.
func DecodeFeatures(data []byte) (FeatureRecord, error) {
	var out FeatureRecord
	offset := 0
	for offset < len(data) {
		num, typ, n := protowire.ConsumeTag(data[offset:])
		if n < 0 {
			return FeatureRecord{}, &DecodeError{Offset: offset, Err: protowire.ParseError(n)}
		}
		offset += n

		switch num {
		case fieldFakenessScore, fieldEmotionScore:
			if typ != protowire.Fixed32Type {
				return FeatureRecord{}, &DecodeError{Offset: offset, Field: num, Err: errWireType}
			}
			v, n := protowire.ConsumeFixed32(data[offset:])
			if n < 0 {
				return FeatureRecord{}, &DecodeError{Offset: offset, Field: num, Err: protowire.ParseError(n)}
			}
			if num == fieldFakenessScore {
				out.FakenessScore = math.Float32frombits(v)
			} else {
				out.EmotionScore = math.Float32frombits(v)
			}
			offset += n
		case fieldVisualArtifact:
			if typ != protowire.VarintType {
				return FeatureRecord{}, &DecodeError{Offset: offset, Field: num, Err: errWireType}
			}
			v, n := protowire.ConsumeVarint(data[offset:])
			if n < 0 {
				return FeatureRecord{}, &DecodeError{Offset: offset, Field: num, Err: protowire.ParseError(n)}
			}
			out.VisualArtifact = protowire.DecodeBool(v)
			offset += n
		default:
			n = protowire.ConsumeFieldValue(num, typ, data[offset:])
			if n < 0 {
				return FeatureRecord{}, &DecodeError{Offset: offset, Field: num, Err: protowire.ParseError(n)}
			}
			offset += n
		}
	}
	return out, nil
}
