// ABOUTME: Software WebAuthn authenticator for exercising passkey ceremonies in tests
// ABOUTME: Produces "none" attestations and ES256 assertions the way a browser would post them

// Package passkeytest provides a software authenticator that builds the JSON
// bodies a browser sends to the registration and login endpoints.
package passkeytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

const (
	flagUserPresent    = 0x01
	flagUserVerified   = 0x04
	flagBackupEligible = 0x08
	flagBackupState    = 0x10
	flagAttestedData   = 0x40
)

var b64 = base64.RawURLEncoding

// Authenticator is a software authenticator bound to one relying party.
type Authenticator struct {
	RPID   string
	Origin string

	// BackupEligible marks new credentials as synced (multi-device) passkeys.
	BackupEligible bool
}

// Credential is a key pair minted by Register.
type Credential struct {
	ID         []byte
	Key        *ecdsa.PrivateKey
	UserHandle []byte
	Counter    uint32

	backupEligible bool
}

// New returns an authenticator for the given RP ID and origin.
func New(rpID, origin string) *Authenticator {
	return &Authenticator{RPID: rpID, Origin: origin}
}

// Register answers a creation challenge and returns the attestation response body.
func (a *Authenticator) Register(challenge string, userHandle []byte) ([]byte, *Credential, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}

	credID := make([]byte, 32)
	if _, err := rand.Read(credID); err != nil {
		return nil, nil, fmt.Errorf("generating credential id: %w", err)
	}

	pub, err := key.PublicKey.ECDH()
	if err != nil {
		return nil, nil, fmt.Errorf("encoding public key: %w", err)
	}
	raw := pub.Bytes()

	coseKey, err := webauthncbor.Marshal(webauthncose.EC2PublicKeyData{
		PublicKeyData: webauthncose.PublicKeyData{
			KeyType:   int64(webauthncose.EllipticKey),
			Algorithm: int64(webauthncose.AlgES256),
		},
		Curve:  int64(webauthncose.P256),
		XCoord: raw[1:33],
		YCoord: raw[33:65],
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding cose key: %w", err)
	}

	cred := &Credential{ID: credID, Key: key, UserHandle: userHandle, backupEligible: a.BackupEligible}

	authData := a.authData(flagAttestedData|a.backupFlags(cred), 0)
	authData = append(authData, make([]byte, 16)...) // aaguid
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(credID)))
	authData = append(authData, credID...)
	authData = append(authData, coseKey...)

	attObj, err := webauthncbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding attestation object: %w", err)
	}

	clientData, err := a.clientData("webauthn.create", challenge)
	if err != nil {
		return nil, nil, err
	}

	body, err := json.Marshal(map[string]any{
		"id":    b64.EncodeToString(credID),
		"rawId": b64.EncodeToString(credID),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64.EncodeToString(clientData),
			"attestationObject": b64.EncodeToString(attObj),
			"transports":        []string{"internal"},
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return body, cred, nil
}

// Assert answers a request challenge, advancing the credential's counter by one.
func (a *Authenticator) Assert(cred *Credential, challenge string) ([]byte, error) {
	cred.Counter++
	return a.AssertWithCounter(cred, challenge, cred.Counter)
}

// AssertWithCounter answers a request challenge reporting the given counter.
func (a *Authenticator) AssertWithCounter(cred *Credential, challenge string, counter uint32) ([]byte, error) {
	authData := a.authData(a.backupFlags(cred), counter)

	clientData, err := a.clientData("webauthn.get", challenge)
	if err != nil {
		return nil, err
	}

	clientHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, cred.Key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing assertion: %w", err)
	}

	return json.Marshal(map[string]any{
		"id":    b64.EncodeToString(cred.ID),
		"rawId": b64.EncodeToString(cred.ID),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64.EncodeToString(clientData),
			"authenticatorData": b64.EncodeToString(authData),
			"signature":         b64.EncodeToString(sig),
			"userHandle":        b64.EncodeToString(cred.UserHandle),
		},
	})
}

func (a *Authenticator) authData(flags byte, counter uint32) []byte {
	rpHash := sha256.Sum256([]byte(a.RPID))
	out := make([]byte, 0, 37)
	out = append(out, rpHash[:]...)
	out = append(out, flags|flagUserPresent|flagUserVerified)
	return binary.BigEndian.AppendUint32(out, counter)
}

func (a *Authenticator) backupFlags(cred *Credential) byte {
	if cred.backupEligible {
		return flagBackupEligible | flagBackupState
	}
	return 0
}

func (a *Authenticator) clientData(typ, challenge string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":        typ,
		"challenge":   challenge,
		"origin":      a.Origin,
		"crossOrigin": false,
	})
}
