package indicators

import "encoding/json"

// encodeValues serializes a calculator's named output values into the
// envelope payload stored under an indicator's cache key.
func encodeValues(values map[string]float64) []byte {
	b, _ := json.Marshal(values)
	return b
}
