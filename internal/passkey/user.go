// ABOUTME: Adapter exposing a store user and its passkeys as a webauthn.User
// ABOUTME: The WebAuthn user handle is the user ID's bytes

package passkey

import (
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/creative-auth/internal/store"
)

// webAuthnUser wraps a User to implement webauthn.User.
type webAuthnUser struct {
	user     *store.User
	passkeys []*store.Passkey
}

func newWebAuthnUser(user *store.User, passkeys []*store.Passkey) *webAuthnUser {
	return &webAuthnUser{user: user, passkeys: passkeys}
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Username
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.user.Username
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.passkeys))
	for i, pk := range u.passkeys {
		transports := make([]protocol.AuthenticatorTransport, len(pk.Transports))
		for j, t := range pk.Transports {
			transports[j] = protocol.AuthenticatorTransport(t)
		}

		creds[i] = webauthn.Credential{
			ID:              pk.CredentialID,
			PublicKey:       pk.PublicKey,
			AttestationType: pk.AttestationType,
			Transport:       transports,
			Flags: webauthn.CredentialFlags{
				UserPresent:    true,
				BackupEligible: pk.BackupEligible,
				BackupState:    pk.BackedUp,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    pk.AAGUID,
				SignCount: pk.SignCount,
			},
		}
	}
	return creds
}
