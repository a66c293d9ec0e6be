package agent

import "encoding/json"

// decode re-marshals a generically-typed JSON object (as produced by
// jsonx.Extract into a map[string]interface{}) into a concrete struct.
// It is a plain round trip through encoding/json, not a separate decoding
// library: every agent's Parse hook uses it to avoid hand-written type
// assertions over the raw map.
func decode(raw map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
