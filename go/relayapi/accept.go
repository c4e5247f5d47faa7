package relayapi

import (
	"strconv"
	"strings"
)

// responseFormat is the negotiated representation of a task response.
type responseFormat int

const (
	formatJSON responseFormat = iota
	formatAvro
)

// negotiateFormat picks JSON or Avro from an Accept header.
//
// JSON is the default: it's chosen for an absent or malformed header, for
// wildcards, and for any tie it participates in — except that a client who
// asks for Avro at a quality at least equal to JSON's gets Avro.
func negotiateFormat(accept string) responseFormat {
	if accept == "" {
		return formatJSON
	}

	var jsonQ, avroQ float64

	if strings.Contains(accept, "*/*") {
		jsonQ = 1.0
	}

	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "application/json") {
			jsonQ = qualityOf(part)
		} else if strings.HasPrefix(part, "application/avro") {
			avroQ = qualityOf(part)
		}
	}

	if avroQ > 0 && avroQ >= jsonQ {
		return formatAvro
	}
	return formatJSON
}

// qualityOf parses the q parameter of one Accept header part, defaulting to
// 1.0 when absent or unparseable.
func qualityOf(part string) float64 {
	var idx = strings.Index(part, ";q=")
	if idx < 0 {
		return 1.0
	}
	var value = part[idx+3:]
	if end := strings.IndexByte(value, ';'); end >= 0 {
		value = value[:end]
	}
	var q, err = strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 1.0
	}
	return q
}
