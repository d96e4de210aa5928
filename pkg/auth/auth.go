// Package auth implements AuthState and SecurityQuestions (spec.md §4.8):
// password-hash login/logout/change, bearer token issuance and
// verification, and the one-time security-question recovery flow used by
// password reset and factory reset.
package auth

import (
	"crypto/subtle"
	"database/sql"
	"sync"
	"time"

	"github.com/oem5g/gatewayd/pkg/apierr"
	"github.com/oem5g/gatewayd/pkg/store"
	"github.com/oem5g/gatewayd/pkg/util"
)

// DefaultPassword is the factory password restored by resetPassword and
// factoryReset.
const DefaultPassword = "admin123"

// sessionLifetime is T_AUTH, spec.md §3's implementation-chosen session
// duration.
const sessionLifetime = 24 * time.Hour

// tokenBytes targets a 32-byte (256-bit) token, comfortably over the
// spec's >=128-bit unguessability floor.
const tokenBytes = 32

const confirmationPhrase = "已知晓风险"

// FactoryResetTables lists every table truncated by factoryReset, spanning
// every component's persisted state.
var FactoryResetTables = []string{
	"auth_tokens",
	"auth_state",
	"security_questions",
	"apn_templates",
	"apn_config",
	"sms_inbox",
	"sms_sent",
	"sms_webhook_config",
	"sms_config",
	"ipv6_rules",
	"ipv6_config",
	"rathole_config",
	"rathole_services",
}

// Rebooter abstracts the final step of factoryReset so tests can observe
// it without actually rebooting.
type Rebooter interface {
	Reboot() error
}

// Auth owns auth_state, auth_tokens and security_questions.
type Auth struct {
	mu       sync.Mutex
	store    *store.Store
	rebooter Rebooter
}

// New constructs an Auth backed by st, issuing reboots through r.
func New(st *store.Store, r Rebooter) *Auth {
	return &Auth{store: st, rebooter: r}
}

func hashPassword(pw string) string { return util.SHA256Hex(pw) }

func hashAnswer(a string) string { return util.SHA256Hex(a) }

// ensurePasswordRow lazily creates the singleton auth_state row with the
// default password hash on first access, matching §3's "config singletons
// created lazily on first read" lifecycle.
func (a *Auth) ensurePasswordRow() error {
	_, err := a.store.DB().Exec(
		`INSERT INTO auth_state (id, password_hash) VALUES (1, ?)
		 ON CONFLICT(id) DO NOTHING`, hashPassword(DefaultPassword))
	return err
}

// Login verifies pw against the stored hash and issues a fresh token.
func (a *Auth) Login(pw string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensurePasswordRow(); err != nil {
		return "", apierr.Internal("auth: init password row", err)
	}

	var hash string
	if err := a.store.DB().Get(&hash, `SELECT password_hash FROM auth_state WHERE id = 1`); err != nil {
		return "", apierr.Internal("auth: read password hash", err)
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(hashPassword(pw))) != 1 {
		return "", apierr.Unauthenticated("auth: invalid password")
	}
	return a.issueToken()
}

func (a *Auth) issueToken() (string, error) {
	token, err := util.RandomToken(tokenBytes)
	if err != nil {
		return "", apierr.Internal("auth: generate token", err)
	}
	now := time.Now()

	_, err = a.store.DB().Exec(
		`INSERT INTO auth_tokens (token, created_at, expires_at) VALUES (?, ?, ?)`,
		token, now.Unix(), now.Add(sessionLifetime).Unix())
	if err != nil {
		return "", apierr.Internal("auth: persist token", err)
	}
	return token, nil
}

// Verify checks that token exists and has not expired.
func (a *Auth) Verify(token string) error {
	if token == "" {
		return apierr.Unauthenticated("auth: missing token")
	}

	var expiresAt int64
	err := a.store.DB().Get(&expiresAt, `SELECT expires_at FROM auth_tokens WHERE token = ?`, token)
	if err == sql.ErrNoRows {
		return apierr.Unauthenticated("auth: unknown token")
	}
	if err != nil {
		return apierr.Internal("auth: read token", err)
	}
	if time.Now().Unix() > expiresAt {
		a.store.DB().Exec(`DELETE FROM auth_tokens WHERE token = ?`, token)
		return apierr.Unauthenticated("auth: token expired")
	}
	return nil
}

// Logout deletes a single token.
func (a *Auth) Logout(token string) error {
	_, err := a.store.DB().Exec(`DELETE FROM auth_tokens WHERE token = ?`, token)
	if err != nil {
		return apierr.Internal("auth: delete token", err)
	}
	return nil
}

// ChangePassword re-hashes the password and invalidates every outstanding
// token, requiring the caller to re-authenticate.
func (a *Auth) ChangePassword(oldPw, newPw string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensurePasswordRow(); err != nil {
		return apierr.Internal("auth: init password row", err)
	}
	var hash string
	if err := a.store.DB().Get(&hash, `SELECT password_hash FROM auth_state WHERE id = 1`); err != nil {
		return apierr.Internal("auth: read password hash", err)
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(hashPassword(oldPw))) != 1 {
		return apierr.Unauthenticated("auth: invalid current password")
	}
	return a.setPasswordLocked(newPw)
}

func (a *Auth) setPasswordLocked(newPw string) error {
	tx, err := a.store.DB().Beginx()
	if err != nil {
		return apierr.Internal("auth: begin tx", err)
	}
	if _, err := tx.Exec(`UPDATE auth_state SET password_hash = ? WHERE id = 1`, hashPassword(newPw)); err != nil {
		tx.Rollback()
		return apierr.Internal("auth: update password", err)
	}
	if _, err := tx.Exec(`DELETE FROM auth_tokens`); err != nil {
		tx.Rollback()
		return apierr.Internal("auth: invalidate tokens", err)
	}
	if err := tx.Commit(); err != nil {
		return apierr.Internal("auth: commit", err)
	}
	return nil
}

// SecurityQuestionsRequest is the caller-supplied setup payload.
type SecurityQuestionsRequest struct {
	Question1 string
	Answer1   string
	Question2 string
	Answer2   string
}

// RecoveryRequest carries a verify/resetPassword/factoryReset call's
// confirmation and answers.
type RecoveryRequest struct {
	Confirmation string
	Answer1      string
	Answer2      string
}

// ErrAlreadySet is returned by Setup once questions have been configured.
var ErrAlreadySet = apierr.Conflict("auth: security questions already set")

// Setup persists the singleton security_questions row, failing with
// ErrAlreadySet if a well-formed answer hash is already present.
func (a *Auth) Setup(req SecurityQuestionsRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var existing string
	err := a.store.DB().Get(&existing, `SELECT answer1_hash FROM security_questions WHERE id = 1`)
	if err != nil && err != sql.ErrNoRows {
		return apierr.Internal("auth: read security questions", err)
	}
	if err == nil && util.IsHex64(existing) {
		return ErrAlreadySet
	}

	_, err = a.store.DB().Exec(
		`INSERT INTO security_questions (id, question1, question2, answer1_hash, answer2_hash, created_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   question1 = excluded.question1, question2 = excluded.question2,
		   answer1_hash = excluded.answer1_hash, answer2_hash = excluded.answer2_hash,
		   created_at = excluded.created_at`,
		req.Question1, req.Question2, hashAnswer(req.Answer1), hashAnswer(req.Answer2), time.Now().Unix())
	if err != nil {
		return apierr.Internal("auth: persist security questions", err)
	}
	return nil
}

// Questions returns the two stored question strings, for the client to
// render the recovery form.
func (a *Auth) Questions() (q1, q2 string, err error) {
	row := struct {
		Q1 string `db:"question1"`
		Q2 string `db:"question2"`
	}{}
	e := a.store.DB().Get(&row, `SELECT question1, question2 FROM security_questions WHERE id = 1`)
	if e == sql.ErrNoRows {
		return "", "", apierr.NotFound("auth: security questions not set")
	}
	if e != nil {
		return "", "", apierr.Internal("auth: read security questions", e)
	}
	return row.Q1, row.Q2, nil
}

// verify checks the confirmation phrase and both answer hashes.
func (a *Auth) verify(req RecoveryRequest) error {
	if req.Confirmation != confirmationPhrase {
		return apierr.InvalidArgument("auth: missing risk acknowledgement")
	}

	row := struct {
		H1 string `db:"answer1_hash"`
		H2 string `db:"answer2_hash"`
	}{}
	err := a.store.DB().Get(&row, `SELECT answer1_hash, answer2_hash FROM security_questions WHERE id = 1`)
	if err == sql.ErrNoRows {
		return apierr.NotFound("auth: security questions not set")
	}
	if err != nil {
		return apierr.Internal("auth: read security questions", err)
	}

	ok1 := subtle.ConstantTimeCompare([]byte(row.H1), []byte(hashAnswer(req.Answer1))) == 1
	ok2 := subtle.ConstantTimeCompare([]byte(row.H2), []byte(hashAnswer(req.Answer2))) == 1
	if !ok1 || !ok2 {
		return apierr.Unauthenticated("auth: answers do not match")
	}
	return nil
}

// VerifyRecovery exposes verify for callers (e.g. the API surface) that
// only need the pass/fail outcome without triggering a reset.
func (a *Auth) VerifyRecovery(req RecoveryRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verify(req)
}

// ResetPassword verifies req, restores the default password, and drops
// every outstanding token.
func (a *Auth) ResetPassword(req RecoveryRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.verify(req); err != nil {
		return err
	}
	if err := a.ensurePasswordRow(); err != nil {
		return apierr.Internal("auth: init password row", err)
	}
	return a.setPasswordLocked(DefaultPassword)
}

// FactoryReset verifies req, truncates every component's tables, vacuums,
// and reboots. The reboot happens last so a failed truncate never leaves
// the device in a half-reset, unreachable state.
func (a *Auth) FactoryReset(req RecoveryRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.verify(req); err != nil {
		return err
	}
	if err := a.store.FactoryReset(FactoryResetTables); err != nil {
		return apierr.Internal("auth: factory reset", err)
	}
	if a.rebooter == nil {
		return nil
	}
	if err := a.rebooter.Reboot(); err != nil {
		return apierr.Internal("auth: reboot", err)
	}
	return nil
}
