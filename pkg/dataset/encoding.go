package dataset

import (
	"encoding/json"
	"fmt"

	"github.com/orneryd/suset/pkg/tidindex"
)

func mustMarshalTriple(t tidindex.Triple) []byte {
	b, err := json.Marshal(t)
	if err != nil {
		// Triple is three plain strings; marshaling cannot fail.
		panic(fmt.Sprintf("dataset: marshal triple: %v", err))
	}
	return b
}

func unmarshalTriple(data []byte) (tidindex.Triple, error) {
	var t tidindex.Triple
	if err := json.Unmarshal(data, &t); err != nil {
		return tidindex.Triple{}, fmt.Errorf("dataset: decode triple: %w", err)
	}
	return t, nil
}
