package login

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/nostrlink/internal/crypto"
)

const recordVersion = 1

// Sealed values are bound to the record field they were written to.
const (
	fieldSecretKey    = "secret_key"
	fieldBunkerSecret = "bunker.secret"
	fieldSessionKey   = "session.local_private_key"
)

// record is the persisted form of a credential.
type record struct {
	Version   int            `json:"version"`
	Method    Method         `json:"method"`
	SecretKey string         `json:"secret_key,omitempty"`
	Bunker    *bunkerRecord  `json:"bunker,omitempty"`
	Session   *sessionRecord `json:"session,omitempty"`
}

type bunkerRecord struct {
	RemotePubkey string   `json:"remote_pubkey"`
	Relays       []string `json:"relays,omitempty"`
	Secret       string   `json:"secret,omitempty"`
}

type sessionRecord struct {
	Relay           string `json:"relay"`
	LocalPrivateKey string `json:"localPrivateKey"`
	RemoteIdentity  string `json:"remoteIdentity"`
	Permissions     string `json:"permissions"`
}

// legacyRecord is the unversioned shape written by earlier releases.
type legacyRecord struct {
	Method   Method `json:"method"`
	LoggedIn bool   `json:"loggedIn"`
	Data     *struct {
		Nsec      string `json:"nsec"`
		BunkerURL string `json:"bunkerUrl"`
	} `json:"data"`
}

// Codec converts credentials to and from their stored form. Secret key
// material is sealed when a Sealer is configured.
type Codec struct {
	sealer *crypto.Sealer
}

// NewCodec returns a Codec. A nil sealer stores secrets in the clear.
func NewCodec(sealer *crypto.Sealer) *Codec {
	return &Codec{sealer: sealer}
}

// Encode validates c and serializes it.
func (c *Codec) Encode(cred Credential) ([]byte, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	rec := record{Version: recordVersion, Method: cred.Method()}

	var err error
	switch v := cred.(type) {
	case None, Extension:
	case SecretKey:
		rec.SecretKey, err = c.sealer.SealFor(fieldSecretKey, v.Key)
	case BunkerAddress:
		br := &bunkerRecord{RemotePubkey: v.RemotePubkey, Relays: v.Relays}
		br.Secret, err = c.sealer.SealFor(fieldBunkerSecret, v.Secret)
		rec.Bunker = br
	case PairedSession:
		sr := &sessionRecord{Relay: v.Relay, RemoteIdentity: v.RemotePubkey, Permissions: v.Perms}
		sr.LocalPrivateKey, err = c.sealer.SealFor(fieldSessionKey, v.LocalSecretKey)
		rec.Session = sr
	default:
		return nil, fmt.Errorf("encode credential: unsupported type %T", cred)
	}
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	return json.Marshal(rec)
}

// Decode parses a stored record, migrating legacy shapes. Anything it
// cannot turn into a valid credential yields ErrInvalidStoredCredential.
func (c *Codec) Decode(data []byte) (Credential, error) {
	var head struct {
		Version  *int            `json:"version"`
		LoggedIn json.RawMessage `json:"loggedIn"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStoredCredential, err)
	}

	var (
		cred Credential
		err  error
	)
	switch {
	case head.Version == nil && head.LoggedIn != nil:
		cred, err = c.decodeLegacy(data)
	case head.Version != nil && *head.Version == recordVersion:
		cred, err = c.decodeV1(data)
	case head.Version != nil:
		err = fmt.Errorf("unknown record version %d", *head.Version)
	default:
		err = fmt.Errorf("unrecognized record shape")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStoredCredential, err)
	}
	if err := cred.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStoredCredential, err)
	}
	return cred, nil
}

// IsLegacy reports whether data is an unversioned record from an earlier
// release, which Restore rewrites in the current shape.
func (c *Codec) IsLegacy(data []byte) bool {
	var head struct {
		Version  *int            `json:"version"`
		LoggedIn json.RawMessage `json:"loggedIn"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	return head.Version == nil && head.LoggedIn != nil
}

func (c *Codec) decodeV1(data []byte) (Credential, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	switch rec.Method {
	case MethodNone:
		return None{}, nil
	case MethodExtension:
		return Extension{}, nil
	case MethodSecretKey:
		key, err := c.sealer.OpenFor(fieldSecretKey, rec.SecretKey)
		if err != nil {
			return nil, err
		}
		return SecretKey{Key: key}, nil
	case MethodBunker:
		if rec.Bunker == nil {
			return nil, fmt.Errorf("bunker record without bunker fields")
		}
		secret, err := c.sealer.OpenFor(fieldBunkerSecret, rec.Bunker.Secret)
		if err != nil {
			return nil, err
		}
		b := BunkerAddress{
			RemotePubkey: rec.Bunker.RemotePubkey,
			Relays:       rec.Bunker.Relays,
			Secret:       secret,
		}
		// The URI carries the secret, so it is rebuilt rather than stored.
		b.URI = b.Address().String()
		return b, nil
	case MethodPaired:
		if rec.Session == nil {
			return nil, fmt.Errorf("session record without session fields")
		}
		local, err := c.sealer.OpenFor(fieldSessionKey, rec.Session.LocalPrivateKey)
		if err != nil {
			return nil, err
		}
		return PairedSession{
			Relay:          rec.Session.Relay,
			LocalSecretKey: local,
			RemotePubkey:   rec.Session.RemoteIdentity,
			Perms:          rec.Session.Permissions,
		}, nil
	default:
		return nil, fmt.Errorf("unknown method %q", rec.Method)
	}
}

func (c *Codec) decodeLegacy(data []byte) (Credential, error) {
	var rec legacyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if !rec.LoggedIn {
		return None{}, nil
	}
	switch rec.Method {
	case MethodNone:
		return None{}, nil
	case MethodExtension:
		return Extension{}, nil
	case MethodSecretKey:
		if rec.Data == nil || rec.Data.Nsec == "" {
			return nil, fmt.Errorf("legacy nsec login without key")
		}
		return SecretKey{Key: rec.Data.Nsec}, nil
	case MethodBunker:
		if rec.Data == nil || rec.Data.BunkerURL == "" {
			return nil, fmt.Errorf("legacy bunker login without url")
		}
		return BunkerFromURI(rec.Data.BunkerURL)
	default:
		return nil, fmt.Errorf("unknown legacy method %q", rec.Method)
	}
}
