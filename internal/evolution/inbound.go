package evolution

import "github.com/zulandar/flowgate/internal/phone"

// Webhook is the messages.upsert envelope the gateway posts.
type Webhook struct {
	Event    string       `json:"event"`
	Instance string       `json:"instance"`
	Data     *WebhookData `json:"data"`
}

// WebhookData is the message part of the envelope.
type WebhookData struct {
	Key      *MessageKey     `json:"key"`
	PushName string          `json:"pushName"`
	Message  *MessageContent `json:"message"`
}

// MessageKey identifies the chat and direction.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// MessageContent holds the text variants Flowgate reads.
type MessageContent struct {
	Conversation        string               `json:"conversation"`
	ExtendedTextMessage *ExtendedTextMessage `json:"extendedTextMessage"`
}

// ExtendedTextMessage is a text message with link previews or quotes.
type ExtendedTextMessage struct {
	Text string `json:"text"`
}

// Inbound is a parsed gateway event. Skip is non-empty when the event
// carries nothing to act on.
type Inbound struct {
	Instance string
	Number   string
	FromMe   bool
	Text     string
	PushName string
	Skip     string
}

// Skip reasons.
const (
	SkipNoData  = "missing data"
	SkipNoKey   = "missing key"
	SkipNoJID   = "missing remoteJid"
	SkipGroup   = "group chat"
	SkipNoPhone = "no phone number"
)

// UnknownInstance names events that did not say which instance sent them.
const UnknownInstance = "UNKNOWN"

// Inbound extracts the sender, direction and text.
func (w *Webhook) Inbound() Inbound {
	in := Inbound{Instance: w.Instance}
	if in.Instance == "" {
		in.Instance = UnknownInstance
	}
	switch {
	case w.Data == nil:
		in.Skip = SkipNoData
		return in
	case w.Data.Key == nil:
		in.Skip = SkipNoKey
		return in
	case w.Data.Key.RemoteJID == "":
		in.Skip = SkipNoJID
		return in
	}

	number, group := phone.FromJID(w.Data.Key.RemoteJID)
	in.Number = number
	in.FromMe = w.Data.Key.FromMe
	in.PushName = w.Data.PushName
	if m := w.Data.Message; m != nil {
		in.Text = m.Conversation
		if in.Text == "" && m.ExtendedTextMessage != nil {
			in.Text = m.ExtendedTextMessage.Text
		}
	}

	switch {
	case group:
		in.Skip = SkipGroup
	case phone.Normalize(number) == "":
		in.Skip = SkipNoPhone
	}
	return in
}
