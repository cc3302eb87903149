package utils

import (
	"encoding/json"
)

// Marshal generic struct to JSON
func MarshalToJSON[T any](input T) (string, error) {
	jsonData, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(jsonData), nil
}

// Unmarshal JSON into output, which must be a pointer
func UnmarshalFromJSON(data []byte, output any) error {
	return json.Unmarshal(data, output)
}
