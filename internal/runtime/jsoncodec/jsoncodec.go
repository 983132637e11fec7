// Package jsoncodec is the JSON codec used for fact records and verdict
// reports. It is backed by sonic in std-compatible mode so map keys are
// sorted and output is stable across runs.
package jsoncodec

import (
	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}
