package processing

import (
	"encoding/json"
	"unicode/utf8"
)

// Known values of the data_version wire field.
const (
	dataVersion1 = 1
	dataVersion2 = 2
)

// ScanMessage is the raw, unvalidated view of an incoming scan payload. The
// data blob stays undecoded until ResponseString so we can branch on
// data_version.
type ScanMessage struct {
	IP          string
	Port        int64
	Service     string
	Timestamp   int64
	DataVersion int
	Data        json.RawMessage
}

// scanEnvelope mirrors the wire format with pointer fields so a missing key
// is distinguishable from a present zero value.
type scanEnvelope struct {
	IP          *string         `json:"ip"`
	Port        *int64          `json:"port"`
	Service     *string         `json:"service"`
	Timestamp   *int64          `json:"timestamp"`
	DataVersion *int            `json:"data_version"`
	Data        json.RawMessage `json:"data"`
}

// ParseScanMessage unmarshals the JSON payload into a ScanMessage. Every
// failure is a malformed-payload error: the bytes will never parse
// differently on redelivery.
func ParseScanMessage(raw []byte) (ScanMessage, error) {
	if !utf8.Valid(raw) {
		return ScanMessage{}, malformedf("payload is not valid UTF-8")
	}
	var env scanEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ScanMessage{}, malformedf("unmarshal scan: %w", err)
	}

	for _, f := range []struct {
		name    string
		missing bool
	}{
		{"ip", env.IP == nil},
		{"port", env.Port == nil},
		{"service", env.Service == nil},
		{"timestamp", env.Timestamp == nil},
		{"data_version", env.DataVersion == nil},
		{"data", len(env.Data) == 0 || string(env.Data) == "null"},
	} {
		if f.missing {
			return ScanMessage{}, malformedf("missing required field %q", f.name)
		}
	}

	return ScanMessage{
		IP:          *env.IP,
		Port:        *env.Port,
		Service:     *env.Service,
		Timestamp:   *env.Timestamp,
		DataVersion: *env.DataVersion,
		Data:        env.Data,
	}, nil
}

// ResponseString extracts the service response as a UTF-8 string, normalizing
// the versioned data encodings to a single representation.
func (s ScanMessage) ResponseString() (string, error) {
	switch s.DataVersion {
	case dataVersion1:
		var payload struct {
			ResponseBytesUtf8 *[]byte `json:"response_bytes_utf8"`
		}
		if err := json.Unmarshal(s.Data, &payload); err != nil {
			return "", malformedf("decode v1 data: %w", err)
		}
		if payload.ResponseBytesUtf8 == nil {
			return "", malformedf("missing required field %q", "data.response_bytes_utf8")
		}
		if !utf8.Valid(*payload.ResponseBytesUtf8) {
			return "", malformedf("v1 response bytes are not valid UTF-8")
		}
		return string(*payload.ResponseBytesUtf8), nil
	case dataVersion2:
		var payload struct {
			ResponseStr *string `json:"response_str"`
		}
		if err := json.Unmarshal(s.Data, &payload); err != nil {
			return "", malformedf("decode v2 data: %w", err)
		}
		if payload.ResponseStr == nil {
			return "", malformedf("missing required field %q", "data.response_str")
		}
		return *payload.ResponseStr, nil
	default:
		return "", malformedf("unknown data version: %d", s.DataVersion)
	}
}
