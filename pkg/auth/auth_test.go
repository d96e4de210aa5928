package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oem5g/gatewayd/pkg/apierr"
	"github.com/oem5g/gatewayd/pkg/store"
)

type fakeRebooter struct{ rebooted bool }

func (f *fakeRebooter) Reboot() error {
	f.rebooted = true
	return nil
}

func newTestAuth(t *testing.T) (*Auth, *fakeRebooter) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := &fakeRebooter{}
	return New(st, r), r
}

func TestLoginWithDefaultPasswordIssuesToken(t *testing.T) {
	a, _ := newTestAuth(t)

	token, err := a.Login(DefaultPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NoError(t, a.Verify(token))
}

func TestLoginWithWrongPasswordIsUnauthenticated(t *testing.T) {
	a, _ := newTestAuth(t)

	_, err := a.Login("wrong password")
	require.Error(t, err)
	assert.Equal(t, apierr.KindUnauthenticated, apierr.KindOf(err))
}

func TestVerifyRejectsUnknownToken(t *testing.T) {
	a, _ := newTestAuth(t)
	err := a.Verify("not-a-real-token")
	assert.Equal(t, apierr.KindUnauthenticated, apierr.KindOf(err))
}

func TestLogoutInvalidatesToken(t *testing.T) {
	a, _ := newTestAuth(t)
	token, err := a.Login(DefaultPassword)
	require.NoError(t, err)

	require.NoError(t, a.Logout(token))
	assert.Error(t, a.Verify(token))
}

func TestChangePasswordInvalidatesAllTokens(t *testing.T) {
	a, _ := newTestAuth(t)
	tokenA, err := a.Login(DefaultPassword)
	require.NoError(t, err)
	tokenB, err := a.Login(DefaultPassword)
	require.NoError(t, err)

	require.NoError(t, a.ChangePassword(DefaultPassword, "new-password"))

	assert.Error(t, a.Verify(tokenA))
	assert.Error(t, a.Verify(tokenB))

	_, err = a.Login(DefaultPassword)
	assert.Error(t, err, "old password must no longer work")

	_, err = a.Login("new-password")
	assert.NoError(t, err)
}

func TestChangePasswordRejectsWrongOldPassword(t *testing.T) {
	a, _ := newTestAuth(t)
	err := a.ChangePassword("wrong", "new-password")
	assert.Equal(t, apierr.KindUnauthenticated, apierr.KindOf(err))
}

func TestSetupSecurityQuestionsThenRecoverRoundTrips(t *testing.T) {
	a, _ := newTestAuth(t)

	require.NoError(t, a.Setup(SecurityQuestionsRequest{
		Question1: "first pet", Answer1: "fido",
		Question2: "birth city", Answer2: "metropolis",
	}))

	q1, q2, err := a.Questions()
	require.NoError(t, err)
	assert.Equal(t, "first pet", q1)
	assert.Equal(t, "birth city", q2)

	err = a.VerifyRecovery(RecoveryRequest{
		Confirmation: confirmationPhrase, Answer1: "fido", Answer2: "metropolis",
	})
	assert.NoError(t, err)
}

func TestSetupTwiceIsConflict(t *testing.T) {
	a, _ := newTestAuth(t)
	req := SecurityQuestionsRequest{Question1: "q1", Answer1: "a1", Question2: "q2", Answer2: "a2"}
	require.NoError(t, a.Setup(req))

	err := a.Setup(req)
	assert.Same(t, ErrAlreadySet, err)
}

func TestVerifyRecoveryRejectsWrongConfirmationPhrase(t *testing.T) {
	a, _ := newTestAuth(t)
	require.NoError(t, a.Setup(SecurityQuestionsRequest{
		Question1: "q1", Answer1: "a1", Question2: "q2", Answer2: "a2",
	}))

	err := a.VerifyRecovery(RecoveryRequest{Confirmation: "nope", Answer1: "a1", Answer2: "a2"})
	assert.Equal(t, apierr.KindInvalidArgument, apierr.KindOf(err))
}

func TestVerifyRecoveryRejectsWrongAnswers(t *testing.T) {
	a, _ := newTestAuth(t)
	require.NoError(t, a.Setup(SecurityQuestionsRequest{
		Question1: "q1", Answer1: "a1", Question2: "q2", Answer2: "a2",
	}))

	err := a.VerifyRecovery(RecoveryRequest{Confirmation: confirmationPhrase, Answer1: "wrong", Answer2: "a2"})
	assert.Equal(t, apierr.KindUnauthenticated, apierr.KindOf(err))
}

func TestResetPasswordRestoresDefaultAndClearsTokens(t *testing.T) {
	a, _ := newTestAuth(t)
	require.NoError(t, a.Setup(SecurityQuestionsRequest{
		Question1: "q1", Answer1: "a1", Question2: "q2", Answer2: "a2",
	}))
	require.NoError(t, a.ChangePassword(DefaultPassword, "custom-password"))
	token, err := a.Login("custom-password")
	require.NoError(t, err)

	rr := RecoveryRequest{Confirmation: confirmationPhrase, Answer1: "a1", Answer2: "a2"}
	require.NoError(t, a.ResetPassword(rr))

	assert.Error(t, a.Verify(token))
	_, err = a.Login(DefaultPassword)
	assert.NoError(t, err)
}

func TestFactoryResetRebootsOnSuccess(t *testing.T) {
	a, r := newTestAuth(t)
	require.NoError(t, a.Setup(SecurityQuestionsRequest{
		Question1: "q1", Answer1: "a1", Question2: "q2", Answer2: "a2",
	}))

	rr := RecoveryRequest{Confirmation: confirmationPhrase, Answer1: "a1", Answer2: "a2"}
	require.NoError(t, a.FactoryReset(rr))
	assert.True(t, r.rebooted)

	_, _, err := a.Questions()
	assert.Error(t, err, "security questions must be wiped by factory reset")
}
