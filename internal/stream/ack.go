package stream

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

const legacySubscribePrefix = "subscribe_id:"

// AckKind tells which request an acknowledgement answers.
type AckKind int

const (
	AckSubscribed AckKind = iota + 1
	AckUnsubscribed
)

// Ack is a parsed server acknowledgement.
type Ack struct {
	Kind           AckKind
	SubscriptionID string
	Success        bool
}

// ParseAck recognizes subscribe and unsubscribe acknowledgements. The JSON
// form is tried first, then the legacy plain-text form.
func ParseAck(payload []byte) (Ack, bool) {
	if ack, ok := parseStructuredAck(payload); ok {
		return ack, true
	}
	return parseLegacyAck(payload)
}

func parseStructuredAck(payload []byte) (Ack, bool) {
	if !gjson.ValidBytes(payload) {
		return Ack{}, false
	}

	status := gjson.GetBytes(payload, "status")
	statusOK := !status.Exists() || status.String() == "success"

	switch gjson.GetBytes(payload, "action").String() {
	case "subscribed":
		id := gjson.GetBytes(payload, "subscribe_id").String()
		return Ack{Kind: AckSubscribed, SubscriptionID: id, Success: statusOK && id != ""}, true
	case "unsubscribed":
		return Ack{
			Kind:           AckUnsubscribed,
			SubscriptionID: gjson.GetBytes(payload, "subscribe_id").String(),
			Success:        statusOK,
		}, true
	default:
		return Ack{}, false
	}
}

func parseLegacyAck(payload []byte) (Ack, bool) {
	text := string(bytes.TrimSpace(payload))

	if text == "unsubscribed" {
		return Ack{Kind: AckUnsubscribed, Success: true}, true
	}
	if id, ok := strings.CutPrefix(text, legacySubscribePrefix); ok {
		id = strings.TrimSpace(id)
		if id == "" {
			return Ack{}, false
		}
		return Ack{Kind: AckSubscribed, SubscriptionID: id, Success: true}, true
	}
	return Ack{}, false
}
