// Package presentation is the boundary between the engine and the host's UI.
//
// The Delegate lets the host veto or restyle UI and observe dismissals and
// errors; the Renderer draws. Neither is ever called off the dispatch queue:
// the Gateway routes every call through it.
package presentation

import (
	"context"
	"errors"

	lkerrors "licensekit/internal/errors"
	"licensekit/internal/product"
)

var (
	// ErrDismissed is passed to a reply when the user closed the dialog
	ErrDismissed = errors.New("presentation: dismissed by user")
	// ErrSuppressed is returned when the delegate declined a prompt
	ErrSuppressed = errors.New("presentation: suppressed by delegate")
)

// UIKind identifies which engine UI is about to be shown or was dismissed
type UIKind int

const (
	UIProduct UIKind = iota
	UILicense
	UICheckout
	UIOther
)

func (k UIKind) String() string {
	switch k {
	case UIProduct:
		return "product"
	case UILicense:
		return "license"
	case UICheckout:
		return "checkout"
	default:
		return "other"
	}
}

// Triggered is the user action that caused a dismissal
type Triggered int

const (
	TriggeredShowProductAccess Triggered = iota
	TriggeredShowCheckout
	TriggeredShowActivate
	TriggeredContinueTrial
	TriggeredActivated
	TriggeredDeactivated
	TriggeredCancel
	TriggeredFinished
)

func (t Triggered) String() string {
	switch t {
	case TriggeredShowProductAccess:
		return "show_product_access"
	case TriggeredShowCheckout:
		return "show_checkout"
	case TriggeredShowActivate:
		return "show_activate"
	case TriggeredContinueTrial:
		return "continue_trial"
	case TriggeredActivated:
		return "activated"
	case TriggeredDeactivated:
		return "deactivated"
	case TriggeredCancel:
		return "cancel"
	default:
		return "finished"
	}
}

// DisplayMode is how the host wants a UI presented
type DisplayMode int

const (
	DisplayWindow DisplayMode = iota
	DisplaySheet
	DisplayCustom
)

// Decision is the delegate's answer before a UI is shown
type Decision struct {
	Mode       DisplayMode
	Suppressed bool
}

// Suppress returns a decision that vetoes the UI
func Suppress() Decision {
	return Decision{Suppressed: true}
}

// Alert is a message the engine wants to show the user
type Alert struct {
	Title   string
	Message string
	Product *product.Product
}

// Delegate receives lifecycle notifications. Embed DefaultDelegate to
// implement only the methods you need.
type Delegate interface {
	WillShow(ctx context.Context, kind UIKind, p *product.Product) Decision
	DidDismiss(ctx context.Context, kind UIKind, triggered Triggered, p *product.Product)
	WillShowAlert(ctx context.Context, alert Alert) bool
	DidError(ctx context.Context, err lkerrors.ErrorRecord)
}

// DefaultDelegate shows everything in a window and drops errors
type DefaultDelegate struct{}

func (DefaultDelegate) WillShow(context.Context, UIKind, *product.Product) Decision {
	return Decision{Mode: DisplayWindow}
}

func (DefaultDelegate) DidDismiss(context.Context, UIKind, Triggered, *product.Product) {}

func (DefaultDelegate) WillShowAlert(context.Context, Alert) bool { return true }

func (DefaultDelegate) DidError(context.Context, lkerrors.ErrorRecord) {}

// ProductAccessChoice is the user's pick in the product access dialog
type ProductAccessChoice int

const (
	ChoiceCancel ProductAccessChoice = iota
	ChoiceCheckout
	ChoiceActivate
	ChoiceContinueTrial
)

// ProductAccessView is what the product access dialog displays
type ProductAccessView struct {
	Product            *product.Product
	Details            product.Details
	Activated          bool
	TrialDaysRemaining int
	Mode               DisplayMode
}

// ActivationPrompt asks for an email and license code. Err carries the
// previous attempt's failure when re-prompting.
type ActivationPrompt struct {
	Product     *product.Product
	Mode        DisplayMode
	Email       string
	LicenseCode string
	Attempt     int
	Err         error
}

// ActivationInput is what the user typed into the activation dialog
type ActivationInput struct {
	Email       string
	LicenseCode string
}

// RecoveryPrompt asks for the email a license was bought with
type RecoveryPrompt struct {
	Product *product.Product
	Mode    DisplayMode
	Email   string
	Attempt int
	Err     error
}

// CheckoutView asks the host to display a vendor checkout page. The host
// calls OnClose when the user closes the page.
type CheckoutView struct {
	SessionID string
	URL       string
	Product   *product.Product
	Mode      DisplayMode
	OnClose   func()
}

// Renderer draws engine UI. Methods with a reply callback are asynchronous:
// the renderer must call reply exactly once, from any goroutine.
type Renderer interface {
	ShowProductAccess(ctx context.Context, view ProductAccessView, reply func(ProductAccessChoice))
	CollectActivation(ctx context.Context, prompt ActivationPrompt, reply func(ActivationInput, error))
	ConfirmDeactivation(ctx context.Context, p *product.Product, reply func(confirmed bool))
	CollectRecoveryEmail(ctx context.Context, prompt RecoveryPrompt, reply func(email string, err error))
	ShowRecoveryResult(ctx context.Context, p *product.Product, sent bool, err error)
	ShowCheckout(ctx context.Context, view CheckoutView)
	CloseCheckout(ctx context.Context, sessionID string, triggered Triggered)
	ShowAlert(ctx context.Context, alert Alert)
}

// NopRenderer draws nothing: every dialog is dismissed at once and
// confirmations are declined.
type NopRenderer struct{}

func (NopRenderer) ShowProductAccess(_ context.Context, _ ProductAccessView, reply func(ProductAccessChoice)) {
	reply(ChoiceCancel)
}

func (NopRenderer) CollectActivation(_ context.Context, _ ActivationPrompt, reply func(ActivationInput, error)) {
	reply(ActivationInput{}, ErrDismissed)
}

func (NopRenderer) ConfirmDeactivation(_ context.Context, _ *product.Product, reply func(bool)) {
	reply(false)
}

func (NopRenderer) CollectRecoveryEmail(_ context.Context, _ RecoveryPrompt, reply func(string, error)) {
	reply("", ErrDismissed)
}

func (NopRenderer) ShowRecoveryResult(context.Context, *product.Product, bool, error) {}

func (NopRenderer) ShowCheckout(context.Context, CheckoutView) {}

func (NopRenderer) CloseCheckout(context.Context, string, Triggered) {}

func (NopRenderer) ShowAlert(context.Context, Alert) {}
