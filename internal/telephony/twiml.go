package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal carrier markup response builder.
// Only the verbs the gateway needs at the carrier boundary are modeled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName xml.Name  `xml:"Dial"`
	Number  string    `xml:"Number,omitempty"`
	Sip     *twimlSip `xml:"Sip,omitempty"`
}

type twimlSip struct {
	URI string `xml:",chardata"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL    string           `xml:"url,attr"`
	Params []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type InstructionAction string

const (
	ActionConnectStream InstructionAction = "connect_stream"
	ActionReject        InstructionAction = "reject"
	ActionHangup        InstructionAction = "hangup"
	ActionDial          InstructionAction = "dial"
	ActionEmpty         InstructionAction = "empty"
)

// CarrierInstruction is what the carrier should do next with a call.
type CarrierInstruction struct {
	Action InstructionAction

	// StreamURL and StreamParams are used with ActionConnectStream.
	StreamURL    string
	StreamParams map[string]string

	// DialTo is used with ActionDial; sip: targets are dialed as SIP.
	DialTo string
}

// RenderTwiML maps a CarrierInstruction to TwiML.
func RenderTwiML(in CarrierInstruction) (string, error) {
	var r twimlResponse

	switch in.Action {
	case ActionEmpty:
	case ActionReject:
		r.Verbs = append(r.Verbs, twimlReject{Reason: "busy"})
	case ActionHangup:
		r.Verbs = append(r.Verbs, twimlHangup{})
	case ActionConnectStream:
		if !strings.HasPrefix(in.StreamURL, "wss://") && !strings.HasPrefix(in.StreamURL, "ws://") {
			return "", errors.New("telephony: stream url must be a websocket url")
		}
		st := twimlStream{URL: in.StreamURL}
		for _, k := range sortedKeys(in.StreamParams) {
			st.Params = append(st.Params, twimlParameter{Name: k, Value: in.StreamParams[k]})
		}
		r.Verbs = append(r.Verbs, twimlConnect{Stream: st})
	case ActionDial:
		if strings.TrimSpace(in.DialTo) == "" {
			return "", errors.New("telephony: dial target required for dial action")
		}
		d := twimlDial{}
		if strings.HasPrefix(strings.ToLower(in.DialTo), "sip:") {
			d.Sip = &twimlSip{URI: in.DialTo}
		} else {
			d.Number = in.DialTo
		}
		r.Verbs = append(r.Verbs, d)
	default:
		return "", errors.New("telephony: unknown carrier instruction")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
