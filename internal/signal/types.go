// Package signal drives signal-cli's JSON-RPC mode as a messaging
// session transport: account discovery, device linking and sending.
package signal

// Envelope is the part of a received event the relay inspects. The
// relay never acts on inbound messages; they are only logged.
type Envelope struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	Timestamp    int64        `json:"timestamp"`
	DataMessage  *DataMessage `json:"dataMessage,omitempty"`
}

// DataMessage is a normal text message.
type DataMessage struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// receiveNotification is the JSON-RPC notification payload for method
// "receive". In multi-account mode it names the receiving account.
type receiveNotification struct {
	Account  string   `json:"account"`
	Envelope Envelope `json:"envelope"`
}

// accountResult is one entry of the "listAccounts" response.
type accountResult struct {
	Number string `json:"number"`
}

// startLinkResult is the response payload of "startLink".
type startLinkResult struct {
	DeviceLinkURI string `json:"deviceLinkUri"`
}

// finishLinkResult is the response payload of "finishLink".
type finishLinkResult struct {
	Number string `json:"number"`
}

// sendResult is the response payload from a successful "send" RPC call.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}

// versionResult is the response payload of "version".
type versionResult struct {
	Version string `json:"version"`
}
