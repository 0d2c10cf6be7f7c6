package httpclient

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	json "github.com/goccy/go-json"
	"golang.org/x/text/encoding/charmap"
)

// parseBody converts a buffered payload according to the response type.
// An empty JSON body parses to "".
func parseBody(body []byte, responseType ResponseType, encoding string) (any, error) {
	switch responseType {
	case ResponseTypeJSON:
		if len(body) == 0 {
			return "", nil
		}
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	case ResponseTypeBuffer:
		return body, nil
	case ResponseTypeText, "":
		return decodeText(body, encoding)
	default:
		return nil, validationErrorf("Unknown body type '%s'", responseType)
	}
}

// decodeText renders body in the given encoding.
func decodeText(body []byte, encoding string) (string, error) {
	switch encoding {
	case "", "utf8", "utf-8":
		return string(body), nil
	case "latin1", "binary":
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
		if err != nil {
			return "", err
		}
		return string(out), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(body), nil
	case "hex":
		return hex.EncodeToString(body), nil
	}
	return "", fmt.Errorf("unknown encoding %s", encoding)
}
