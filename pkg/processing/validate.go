package processing

import (
	"net/netip"

	"scanproc/pkg/storage"
)

// ValidateScan coerces the raw message fields into a storable record,
// enforcing the domain constraints: port in [0, 65535], non-negative
// timestamp, syntactically valid IPv4 or IPv6 address. Checks run in that
// order and the first failure is returned.
func ValidateScan(msg ScanMessage, response string) (storage.ScanRecord, error) {
	if msg.Port < 0 || msg.Port > 65535 {
		return storage.ScanRecord{}, invalidf("invalid port number: %d", msg.Port)
	}
	if msg.Timestamp < 0 {
		return storage.ScanRecord{}, invalidf("invalid timestamp: %d", msg.Timestamp)
	}
	if _, err := netip.ParseAddr(msg.IP); err != nil {
		return storage.ScanRecord{}, invalidf("invalid ip address: %q", msg.IP)
	}

	return storage.ScanRecord{
		IP:        msg.IP,
		Port:      uint32(msg.Port),
		Service:   msg.Service,
		Timestamp: msg.Timestamp,
		Response:  response,
	}, nil
}
