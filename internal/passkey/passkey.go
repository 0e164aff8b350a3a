// ABOUTME: WebAuthn passkey registration and authentication ceremonies
// ABOUTME: Challenge state lives only in the store and is consumed exactly once

package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/creative-auth/internal/store"
)

// DefaultChallengeTTL is how long a ceremony may take between options and response.
const DefaultChallengeTTL = 5 * time.Minute

// DefaultRPDisplayName is shown by authenticators during registration.
const DefaultRPDisplayName = "CreativeCMS"

var (
	// ErrChallengeExpiredOrMissing means the ceremony must be restarted.
	ErrChallengeExpiredOrMissing = errors.New("challenge expired or missing")

	// ErrVerificationFailed covers signature, origin, RP ID and binding failures.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrPasskeyNotFound means the presented credential ID is not registered.
	ErrPasskeyNotFound = errors.New("passkey not found")

	// ErrCounterRegression means the authenticator reported a non-increasing
	// signature counter, which suggests a cloned credential.
	ErrCounterRegression = errors.New("signature counter did not increase")

	// ErrInvalidResponse means the client response could not be parsed.
	ErrInvalidResponse = errors.New("invalid credential response")
)

// Config configures the relying party.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	ChallengeTTL  time.Duration
}

// Authenticator runs WebAuthn ceremonies against the store.
type Authenticator struct {
	wa     *webauthn.WebAuthn
	store  store.Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Authenticator. Empty RP settings fall back to localhost
// development defaults.
func New(s store.Store, cfg Config) (*Authenticator, error) {
	if cfg.RPID == "" || len(cfg.RPOrigins) == 0 {
		rpID, origins := DeriveConfig("")
		if cfg.RPID == "" {
			cfg.RPID = rpID
		}
		if len(cfg.RPOrigins) == 0 {
			cfg.RPOrigins = origins
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = DefaultRPDisplayName
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}

	w, err := webauthn.New(&webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPDisplayName,
		RPOrigins:             cfg.RPOrigins,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Timeout: cfg.ChallengeTTL, TimeoutUVD: cfg.ChallengeTTL},
			Registration: webauthn.TimeoutConfig{Timeout: cfg.ChallengeTTL, TimeoutUVD: cfg.ChallengeTTL},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}

	return &Authenticator{
		wa:     w,
		store:  s,
		ttl:    cfg.ChallengeTTL,
		now:    time.Now,
		logger: slog.Default().With("component", "passkey"),
	}, nil
}

// DeriveConfig extracts the RP ID and allowed origins from a base URL.
// Returns localhost defaults if the URL is empty or invalid.
func DeriveConfig(baseURL string) (rpID string, rpOrigins []string) {
	// Defaults for localhost development
	rpID = "localhost"
	rpOrigins = []string{"http://localhost", "https://localhost"}

	if baseURL == "" {
		return rpID, rpOrigins
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Hostname() == "" {
		return rpID, rpOrigins
	}

	rpID = parsed.Hostname()
	origin := parsed.Scheme + "://" + parsed.Host
	rpOrigins = []string{origin}
	// Also allow both http and https variants
	if parsed.Scheme == "https" {
		rpOrigins = append(rpOrigins, "http://"+parsed.Host)
	} else {
		rpOrigins = append(rpOrigins, "https://"+parsed.Host)
	}
	return rpID, rpOrigins
}

// DeviceType classifies a credential by its backup eligibility.
func DeviceType(backupEligible bool) string {
	if backupEligible {
		return store.DeviceMulti
	}
	return store.DeviceSingle
}

// CheckSignCount applies the anti-clone policy. Authenticators that do not
// implement counters always report zero, which is accepted while the stored
// value is also zero. Otherwise the reported value must strictly increase.
func CheckSignCount(stored, reported uint32) error {
	if stored == 0 && reported == 0 {
		return nil
	}
	if reported <= stored {
		return ErrCounterRegression
	}
	return nil
}

// BeginRegistration issues creation options for an authenticated user. The
// user's existing credentials are excluded so an authenticator cannot be
// registered twice.
func (a *Authenticator) BeginRegistration(ctx context.Context, user *store.User) (*protocol.CredentialCreation, error) {
	passkeys, err := a.store.ListPasskeysByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	waUser := newWebAuthnUser(user, passkeys)

	exclusions := webauthn.Credentials(waUser.WebAuthnCredentials()).CredentialDescriptors()
	creation, sd, err := a.wa.BeginRegistration(waUser,
		webauthn.WithExclusions(exclusions),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}

	if err := a.saveChallenge(ctx, sd, user.ID, store.ChallengeRegistration); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishRegistration verifies an attestation and stores the new passkey.
func (a *Authenticator) FinishRegistration(ctx context.Context, user *store.User, body io.Reader) (*store.Passkey, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	c, sd, err := a.consumeChallenge(ctx, parsed.Response.CollectedClientData.Challenge, store.ChallengeRegistration)
	if err != nil {
		return nil, err
	}
	if c.UserID != user.ID {
		a.logger.Warn("registration challenge bound to another user", "user_id", user.ID)
		return nil, ErrVerificationFailed
	}

	passkeys, err := a.store.ListPasskeysByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	waUser := newWebAuthnUser(user, passkeys)

	cred, err := a.wa.CreateCredential(waUser, *sd, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}

	pk := &store.Passkey{
		UserID:          user.ID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		SignCount:       cred.Authenticator.SignCount,
		Transports:      transports,
		DeviceType:      DeviceType(cred.Flags.BackupEligible),
		BackupEligible:  cred.Flags.BackupEligible,
		BackedUp:        cred.Flags.BackupState,
		AAGUID:          cred.Authenticator.AAGUID,
		AttestationType: cred.AttestationType,
		CreatedAt:       a.now().UTC(),
	}
	if err := a.store.CreatePasskey(ctx, pk); err != nil {
		return nil, err
	}

	a.logger.Info("passkey registered", "user_id", user.ID, "passkey_id", pk.ID, "device_type", pk.DeviceType)
	return pk, nil
}

// BeginLogin issues request options. With a username that has passkeys the
// allowed credentials are narrowed to that user's; otherwise the browser may
// offer any discoverable credential. Unknown usernames get the discoverable
// form so the response does not reveal which accounts exist.
func (a *Authenticator) BeginLogin(ctx context.Context, username string) (*protocol.CredentialAssertion, error) {
	if username != "" {
		user, err := a.store.GetUserByUsername(ctx, username)
		switch {
		case err == nil:
			passkeys, err := a.store.ListPasskeysByUser(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			if len(passkeys) > 0 {
				assertion, sd, err := a.wa.BeginLogin(newWebAuthnUser(user, passkeys))
				if err != nil {
					return nil, fmt.Errorf("beginning login: %w", err)
				}
				if err := a.saveChallenge(ctx, sd, user.ID, store.ChallengeAuthentication); err != nil {
					return nil, err
				}
				return assertion, nil
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	assertion, sd, err := a.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, fmt.Errorf("beginning discoverable login: %w", err)
	}
	if err := a.saveChallenge(ctx, sd, "", store.ChallengeAuthentication); err != nil {
		return nil, err
	}
	return assertion, nil
}

// FinishLogin verifies an assertion and returns the credential's owner. The
// credential ID is the lookup key; any username given at BeginLogin only
// constrains which credentials are acceptable.
func (a *Authenticator) FinishLogin(ctx context.Context, body io.Reader) (*store.User, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	pk, err := a.store.GetPasskeyByCredentialID(ctx, parsed.RawID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPasskeyNotFound
	}
	if err != nil {
		return nil, err
	}

	c, sd, err := a.consumeChallenge(ctx, parsed.Response.CollectedClientData.Challenge, store.ChallengeAuthentication)
	if err != nil {
		return nil, err
	}
	if c.UserID != "" && c.UserID != pk.UserID {
		a.logger.Warn("authentication challenge bound to another user", "credential_owner", pk.UserID)
		return nil, ErrVerificationFailed
	}

	user, err := a.store.GetUserByID(ctx, pk.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPasskeyNotFound
	}
	if err != nil {
		return nil, err
	}

	passkeys, err := a.store.ListPasskeysByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	waUser := newWebAuthnUser(user, passkeys)

	// Discoverable ceremonies are not bound to a user when issued; bind them
	// to the credential owner now that the credential is known.
	if len(sd.UserID) == 0 {
		sd.UserID = waUser.WebAuthnID()
	}

	cred, err := a.wa.ValidateLogin(waUser, *sd, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	reported := parsed.Response.AuthenticatorData.Counter
	if err := CheckSignCount(pk.SignCount, reported); err != nil {
		a.logger.Warn("possible cloned passkey",
			"user_id", user.ID,
			"passkey_id", pk.ID,
			"stored_count", pk.SignCount,
			"reported_count", reported,
			"clone_warning", cred.Authenticator.CloneWarning,
		)
		return nil, err
	}

	err = a.store.UpdatePasskeySignCount(ctx, pk.CredentialID, reported)
	if errors.Is(err, store.ErrStaleCounter) {
		a.logger.Warn("possible cloned passkey: counter already used",
			"user_id", user.ID,
			"passkey_id", pk.ID,
			"reported_count", reported,
		)
		return nil, ErrCounterRegression
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (a *Authenticator) saveChallenge(ctx context.Context, sd *webauthn.SessionData, userID string, typ store.ChallengeType) error {
	data, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("encoding ceremony state: %w", err)
	}

	now := a.now().UTC()
	return a.store.SaveChallenge(ctx, &store.Challenge{
		Challenge: sd.Challenge,
		UserID:    userID,
		Type:      typ,
		Data:      data,
		ExpiresAt: now.Add(a.ttl),
		CreatedAt: now,
	})
}

func (a *Authenticator) consumeChallenge(ctx context.Context, challenge string, typ store.ChallengeType) (*store.Challenge, *webauthn.SessionData, error) {
	if challenge == "" {
		return nil, nil, ErrChallengeExpiredOrMissing
	}

	c, err := a.store.ConsumeChallenge(ctx, challenge, typ, a.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrChallengeExpiredOrMissing
	}
	if err != nil {
		return nil, nil, err
	}

	var sd webauthn.SessionData
	if err := json.Unmarshal(c.Data, &sd); err != nil {
		return nil, nil, fmt.Errorf("decoding ceremony state: %w", err)
	}
	return c, &sd, nil
}
