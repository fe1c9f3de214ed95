package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// RenderOutboundTwiML connects the answered call to the AI assistant's media
// stream. Parameters reach the assistant as custom stream parameters.
func RenderOutboundTwiML(streamURL string, params map[string]string) (string, error) {
	streamURL = strings.TrimSpace(streamURL)
	if streamURL == "" {
		return "", errors.New("telephony: stream url required for outbound call")
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stream := twimlStream{URL: streamURL}
	for _, k := range keys {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: k, Value: params[k]})
	}

	var r twimlResponse
	r.Verbs = append(r.Verbs, twimlConnect{Stream: stream}, twimlHangup{})

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
