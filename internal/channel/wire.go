package channel

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"seclink/go-node/internal/identity"
)

const (
	wireVersion = 1

	frameTypeData      = "data"
	frameTypeCred      = "credential"
	frameTypeRekey     = "rekey"
	frameTypeRekeyAck  = "rekey_ack"
	handshakeLabel     = "seclink/handshake/v1"
	labelMessage2Key   = "seclink/hs/msg2-key/v1"
	labelMessage3Key   = "seclink/hs/msg3-key/v1"
	labelInitiatorSend = "seclink/channel/i2r/v1"
	labelResponderSend = "seclink/channel/r2i/v1"
	labelRatchet       = "seclink/channel/ratchet/v1"
)

var errMalformedMessage = errors.New("malformed wire message")

// handshakeMessage1 carries the initiator's ephemeral public key in the
// clear; it is the only unauthenticated message of the protocol.
type handshakeMessage1 struct {
	Version   uint8  `json:"version"`
	Ephemeral []byte `json:"ephemeral"`
}

// handshakeMessage2 carries the responder's ephemeral key plus its encrypted
// identity proof, sealed under the first derived key.
type handshakeMessage2 struct {
	Version    uint8  `json:"version"`
	Ephemeral  []byte `json:"ephemeral"`
	Ciphertext []byte `json:"ciphertext"`
}

// handshakeMessage3 is the initiator's symmetric response.
type handshakeMessage3 struct {
	Version    uint8  `json:"version"`
	Ciphertext []byte `json:"ciphertext"`
}

// identityProof binds a party's full change history to the running handshake
// transcript with a signature by the identity's current key.
type identityProof struct {
	History   identity.History `json:"history"`
	Signature []byte           `json:"signature"`
}

// frame is one encrypted channel message. Nonce is the strictly increasing
// per-direction counter; the ciphertext is sealed with the sender's
// directional key and authenticated against the channel binding.
type frame struct {
	Version    uint8  `json:"version"`
	Type       string `json:"type"`
	Nonce      uint64 `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// rekeyControl is the plaintext of rekey and rekey_ack frames; Epoch counts
// completed ratchet steps for the sender's direction.
type rekeyControl struct {
	Epoch uint64 `json:"epoch"`
}

func marshalWire(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalWire(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errMalformedMessage
	}
	return nil
}

// nonceBytes places the frame counter in the final 8 bytes of a 12-byte
// ChaCha20-Poly1305 nonce.
func nonceBytes(counter uint64) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}
