package onboarding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onwardhq/onward/pkg/effects"
	"github.com/onwardhq/onward/pkg/models"
)

// Action names bound to activities in the default onboarding flow.
const (
	ActionNext           = "NEXT"
	ActionVerifyOTP      = "VERIFY_OTP"
	ActionCheckIdentity  = "CHECK_IDENTITY"
	ActionOpenAccount    = "OPEN_ACCOUNT"
	ActionSendWelcome    = "SEND_WELCOME"
	ActionRevokeIdentity = "REVOKE_IDENTITY"
	ActionCloseAccount   = "CLOSE_ACCOUNT"
)

// Side-effect names declared by the onboarding activities.
const (
	EffectOTPSend        = "otp.send"
	EffectOTPVerify      = "otp.verify"
	EffectIdentityOCR    = "identity.ocr"
	EffectAMLScreen      = "aml.screen"
	EffectAccountOpen    = "account.open"
	EffectWelcomeNotify  = "notification.welcome"
	EffectIdentityRevoke = "identity.revoke"
	EffectAccountClose   = "account.close"
)

// OTPSendResult is what the OTP provider returns on send.
type OTPSendResult struct {
	Reference string    `json:"reference"`
	Channel   string    `json:"channel"`
	SentAt    time.Time `json:"sent_at"`
}

// OTPVerifyResult is the provider's verdict on a submitted code.
type OTPVerifyResult struct {
	Reference  string    `json:"reference"`
	Verified   bool      `json:"verified"`
	VerifiedAt time.Time `json:"verified_at"`
}

// IdentityOCRResult is the document-extraction outcome.
type IdentityOCRResult struct {
	DocumentID string  `json:"document_id"`
	FullName   string  `json:"full_name"`
	Confidence float64 `json:"confidence"`
}

// AMLScreenResult is the anti-money-laundering screening outcome.
type AMLScreenResult struct {
	ScreeningID string `json:"screening_id"`
	Clear       bool   `json:"clear"`
	RiskScore   int    `json:"risk_score"`
}

// AccountOpenResult identifies the account created for the customer.
type AccountOpenResult struct {
	AccountID string    `json:"account_id"`
	OpenedAt  time.Time `json:"opened_at"`
}

// WelcomeResult acknowledges the welcome notification.
type WelcomeResult struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// Activities bundles the onboarding flow's external integrations. The
// implementations here simulate the providers; every call still goes through
// the effect scope so recording and replay behave exactly as with real ones.
type Activities struct {
	logger *slog.Logger
}

// NewActivities creates the onboarding activity set.
func NewActivities(logger *slog.Logger) *Activities {
	return &Activities{logger: logger.With("module", "onboarding")}
}

// Register binds every onboarding activity and its declared side effects.
func (a *Activities) Register(registry *effects.Registry) error {
	bindings := []struct {
		action   string
		activity effects.Activity
		effects  []string
	}{
		{ActionNext, a.SendOTP, []string{EffectOTPSend}},
		{ActionVerifyOTP, a.VerifyOTP, []string{EffectOTPVerify}},
		{ActionCheckIdentity, a.CheckIdentity, []string{EffectIdentityOCR, EffectAMLScreen}},
		{ActionOpenAccount, a.OpenAccount, []string{EffectAccountOpen}},
		{ActionSendWelcome, a.SendWelcome, []string{EffectWelcomeNotify}},
		{ActionRevokeIdentity, a.RevokeIdentity, []string{EffectIdentityRevoke}},
		{ActionCloseAccount, a.CloseAccount, []string{EffectAccountClose}},
	}

	for _, binding := range bindings {
		err := registry.Register(binding.action, binding.activity, binding.effects...)
		if err != nil {
			return fmt.Errorf("failed to register onboarding activity %s: %w", binding.action, err)
		}
	}

	return nil
}

// SendOTP delivers a one-time code to the customer's phone.
func (a *Activities) SendOTP(ctx context.Context, scope *effects.Scope, instance *models.Instance, cmd *models.ActionCommand) error {
	_, err := scope.Do(ctx, EffectOTPSend, func(ctx context.Context) (any, error) {
		return OTPSendResult{
			Reference: uuid.New().String(),
			Channel:   "sms",
			SentAt:    time.Now().UTC(),
		}, nil
	})

	return err
}

// VerifyOTP checks the submitted code with the OTP provider.
func (a *Activities) VerifyOTP(ctx context.Context, scope *effects.Scope, instance *models.Instance, cmd *models.ActionCommand) error {
	raw, err := scope.Do(ctx, EffectOTPVerify, func(ctx context.Context) (any, error) {
		return OTPVerifyResult{
			Reference:  uuid.New().String(),
			Verified:   true,
			VerifiedAt: time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return err
	}

	var result OTPVerifyResult

	err = effects.Decode(raw, &result)
	if err != nil {
		return err
	}

	if !result.Verified {
		return fmt.Errorf("otp verification rejected for instance %s", instance.ID)
	}

	return nil
}

// CheckIdentity runs document OCR followed by AML screening. Two effects in
// fixed order; replay relies on that order holding.
func (a *Activities) CheckIdentity(ctx context.Context, scope *effects.Scope, instance *models.Instance, cmd *models.ActionCommand) error {
	_, err := scope.Do(ctx, EffectIdentityOCR, func(ctx context.Context) (any, error) {
		return IdentityOCRResult{
			DocumentID: uuid.New().String(),
			FullName:   "extracted",
			Confidence: 0.98,
		}, nil
	})
	if err != nil {
		return err
	}

	raw, err := scope.Do(ctx, EffectAMLScreen, func(ctx context.Context) (any, error) {
		return AMLScreenResult{
			ScreeningID: uuid.New().String(),
			Clear:       true,
			RiskScore:   5,
		}, nil
	})
	if err != nil {
		return err
	}

	var screening AMLScreenResult

	err = effects.Decode(raw, &screening)
	if err != nil {
		return err
	}

	if !screening.Clear {
		return fmt.Errorf("aml screening flagged instance %s with risk score %d", instance.ID, screening.RiskScore)
	}

	return nil
}

// OpenAccount creates the customer account in the core banking system.
func (a *Activities) OpenAccount(ctx context.Context, scope *effects.Scope, instance *models.Instance, cmd *models.ActionCommand) error {
	_, err := scope.Do(ctx, EffectAccountOpen, func(ctx context.Context) (any, error) {
		return AccountOpenResult{
			AccountID: uuid.New().String(),
			OpenedAt:  time.Now().UTC(),
		}, nil
	})

	return err
}

// SendWelcome delivers the welcome notification.
func (a *Activities) SendWelcome(ctx context.Context, scope *effects.Scope, instance *models.Instance, cmd *models.ActionCommand) error {
	_, err := scope.Do(ctx, EffectWelcomeNotify, func(ctx context.Context) (any, error) {
		return WelcomeResult{
			MessageID: uuid.New().String(),
			SentAt:    time.Now().UTC(),
		}, nil
	})

	return err
}

// RevokeIdentity compensates a completed identity check.
func (a *Activities) RevokeIdentity(ctx context.Context, scope *effects.Scope, instance *models.Instance, cmd *models.ActionCommand) error {
	_, err := scope.Do(ctx, EffectIdentityRevoke, func(ctx context.Context) (any, error) {
		return map[string]string{"revoked_instance": instance.ID}, nil
	})

	return err
}

// CloseAccount compensates an opened account.
func (a *Activities) CloseAccount(ctx context.Context, scope *effects.Scope, instance *models.Instance, cmd *models.ActionCommand) error {
	_, err := scope.Do(ctx, EffectAccountClose, func(ctx context.Context) (any, error) {
		return map[string]string{"closed_instance": instance.ID}, nil
	})

	return err
}
