package protocol

import "encoding/json"

// NIP-46 method names.
const (
	MethodConnect      = "connect"
	MethodGetPublicKey = "get_public_key"
	MethodSignEvent    = "sign_event"
	MethodPing         = "ping"
	MethodNip44Encrypt = "nip44_encrypt"
	MethodNip44Decrypt = "nip44_decrypt"
)

// Well-known NIP-46 results.
const (
	ResultAck     = "ack"
	ResultPong    = "pong"
	ResultAuthURL = "auth_url"
)

// ConnectScheme and BunkerScheme are the URI schemes for client-initiated
// and signer-initiated pairing.
const (
	ConnectScheme = "nostrconnect"
	BunkerScheme  = "bunker"
)

// Request is the decrypted content of a kind 24133 event sent to a remote signer.
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Response is the decrypted content of a kind 24133 event sent by a remote signer.
// During nostrconnect pairing, Result carries the secret from the invitation.
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// ParseResponse decodes a decrypted response body. Bodies that are not a
// JSON object yield ok=false rather than an error.
func ParseResponse(plaintext string) (Response, bool) {
	var resp Response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}
