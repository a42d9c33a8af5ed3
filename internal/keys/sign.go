package keys

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// ErrBadSignature is returned by VerifyEvent for id or signature mismatches.
var ErrBadSignature = errors.New("bad event signature")

// SignEvent sets pubkey, id and sig on ev.
func (k *KeyPair) SignEvent(ev *protocol.Event) error {
	ev.PubKey = k.public
	if ev.Tags == nil {
		ev.Tags = protocol.Tags{}
	}
	ev.ID = ev.ComputeID()

	id, _ := hex.DecodeString(ev.ID)
	sig, err := schnorr.Sign(k.secret, id)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// VerifyEvent checks that ev.ID matches its content and ev.Sig is a valid
// BIP-340 signature by ev.PubKey.
func VerifyEvent(ev *protocol.Event) error {
	if ev.ComputeID() != ev.ID {
		return fmt.Errorf("%w: id mismatch", ErrBadSignature)
	}
	pub, err := parsePublic(ev.PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	id, _ := hex.DecodeString(ev.ID)
	if !sig.Verify(id, pub) {
		return ErrBadSignature
	}
	return nil
}
