package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeEarlyData decodes the 0-RTT payload a client may smuggle in the
// Sec-WebSocket-Protocol header. The value is base64url with a twist: every
// '-' maps to '+' but only the first '_' maps to '/'. Padding is optional.
// An empty value yields (nil, nil).
func DecodeEarlyData(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	value = strings.ReplaceAll(value, "-", "+")
	value = strings.Replace(value, "_", "/", 1)
	value = strings.TrimRight(value, "=")

	data, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: early data: %v", ErrProtocol, err)
	}
	return data, nil
}
