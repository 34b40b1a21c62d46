package acp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// computeControlSignature deterministically serializes runtimeOptions
// (sorted keys, normalized values) so the manager can skip reapplying
// setMode/setConfigOption when nothing changed (§4.5.3).
func computeControlSignature(runtimeOptions map[string]any) string {
	if len(runtimeOptions) == 0 {
		return ""
	}

	keys := make([]string, 0, len(runtimeOptions))
	for k := range runtimeOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		normalized, err := json.Marshal(runtimeOptions[k])
		if err != nil {
			normalized = []byte(fmt.Sprintf("%v", runtimeOptions[k]))
		}
		fmt.Fprintf(h, "%s=%s;", k, normalized)
	}
	return hex.EncodeToString(h.Sum(nil))
}
