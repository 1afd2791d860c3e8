package moneyness

import "encoding/json"

func encodeEntry(e Entry) []byte {
	b, _ := json.Marshal(e)
	return b
}

func encodeStrikes(strikes []float64) []byte {
	b, _ := json.Marshal(strikes)
	return b
}
