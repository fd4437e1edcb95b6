package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"licensekit/internal/checkout"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/services"
	"licensekit/internal/vendor"
	api "licensekit/pkg/contracts/api/v1"
)

var validate = validator.New()

// LicenseHandler bridges the licensing engine onto JSON endpoints
type LicenseHandler struct {
	service services.LicenseService
	errors  *lkerrors.ErrorHandler
	logger  *slog.Logger
	tracer  trace.Tracer
	events  http.Handler
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, errorHandler *lkerrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		errors:  errorHandler,
		logger:  logger.With(slog.String("handler", "license")),
		tracer:  otel.Tracer("license-handler"),
	}
}

// SetEventStream serves GET /events with handler
func (h *LicenseHandler) SetEventStream(handler http.Handler) {
	h.events = handler
}

// Routes returns a chi router for the license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/products", h.ListProducts)
	if h.events != nil {
		r.Method(http.MethodGet, "/events", h.events)
	}
	r.Route("/products/{productID}", func(r chi.Router) {
		r.Get("/", h.GetProduct)
		r.Post("/activate", h.Activate)
		r.Post("/deactivate", h.Deactivate)
		r.Post("/validate", h.Validate)
		r.Post("/checkout", h.Checkout)
		r.Post("/recover", h.Recover)
	})

	return r
}

// ListProducts handles GET /api/license/products
func (h *LicenseHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "list_products")
	defer span.End()

	products := h.service.Products(ctx)
	span.SetAttributes(attribute.Int("product_count", len(products)))
	render.JSON(w, r, products)
}

// GetProduct handles GET /api/license/products/{productID}
func (h *LicenseHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "get_product")
	defer span.End()

	status, err := h.service.Product(ctx, chi.URLParam(r, "productID"))
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, status)
}

// Activate handles POST /api/license/products/{productID}/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "activate")
	defer span.End()
	start := time.Now()

	var req api.ActivateRequest
	if err := bind(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	productID := chi.URLParam(r, "productID")
	h.logger.InfoContext(ctx, "license activation requested",
		slog.String("product_id", productID),
		slog.String("license_code", infrastructure.MaskLicenseCode(req.LicenseCode)),
		slog.String("request_id", middleware.GetReqID(ctx)),
	)

	res, err := h.service.Activate(ctx, productID, req.Email, req.LicenseCode)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	span.SetAttributes(attribute.String("outcome", res.Outcome))
	h.logger.InfoContext(ctx, "license activation finished",
		slog.String("product_id", productID),
		slog.String("outcome", res.Outcome),
		slog.Duration("duration", time.Since(start)),
	)
	render.JSON(w, r, res)
}

// Deactivate handles POST /api/license/products/{productID}/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "deactivate")
	defer span.End()

	res, err := h.service.Deactivate(ctx, chi.URLParam(r, "productID"))
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("outcome", res.Outcome))
	render.JSON(w, r, res)
}

// Validate handles POST /api/license/products/{productID}/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "validate")
	defer span.End()

	res, err := h.service.Validate(ctx, chi.URLParam(r, "productID"))
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("validity", res.Validity))
	render.JSON(w, r, res)
}

// Checkout handles POST /api/license/products/{productID}/checkout. The call
// blocks until the session reaches a terminal state.
func (h *LicenseHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "checkout")
	defer span.End()

	var req api.CheckoutRequest
	if err := bind(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	res, err := h.service.Checkout(ctx, chi.URLParam(r, "productID"), checkoutOptions(req))
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	span.SetAttributes(attribute.String("state", res.State.String()))
	status := http.StatusOK
	if res.State == checkout.StateAbandoned {
		status = http.StatusAccepted
	}
	render.Status(r, status)
	render.JSON(w, r, api.CheckoutResponse{
		State:     res.State.String(),
		SessionID: res.SessionID,
		Data:      res.Data(),
		TraceID:   middleware.GetReqID(ctx),
	})
}

// Recover handles POST /api/license/products/{productID}/recover
func (h *LicenseHandler) Recover(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "recover")
	defer span.End()

	var req api.RecoverRequest
	if err := bind(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	if err := h.service.Recover(ctx, chi.URLParam(r, "productID"), req.Email); err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, api.RecoverResponse{Sent: true, TraceID: middleware.GetReqID(ctx)})
}

func (h *LicenseHandler) startSpan(r *http.Request, operation string) (context.Context, trace.Span) {
	return h.tracer.Start(r.Context(), "license_handler."+operation,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("product_id", chi.URLParam(r, "productID")),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
			attribute.String("operation", operation),
		),
	)
}

func (h *LicenseHandler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	h.errors.HandleError(w, r, err)
}

func checkoutOptions(req api.CheckoutRequest) vendor.CheckoutOptions {
	return vendor.CheckoutOptions{
		Email:         req.Email,
		Coupon:        req.Coupon,
		Country:       req.Country,
		Postcode:      req.Postcode,
		Quantity:      req.Quantity,
		AllowQuantity: req.AllowQuantity,
		Passthrough:   req.Passthrough,
		Referrer:      req.Referrer,
		CustomMessage: req.CustomMessage,
		Locale:        req.Locale,
	}
}

// bind decodes the JSON body and validates it. An empty body decodes to the
// zero value.
func bind(r *http.Request, v interface{}) error {
	if err := render.DecodeJSON(r.Body, v); err != nil && !errors.Is(err, io.EOF) {
		return &lkerrors.RequestValidationError{Errors: []lkerrors.ValidationError{{Field: "body", Message: "request body is not valid JSON"}}}
	}
	return bindErrors(validate.Struct(v))
}

// bindErrors turns validator output into field errors for the problem response
func bindErrors(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &lkerrors.RequestValidationError{Errors: []lkerrors.ValidationError{{Field: "body", Message: err.Error()}}}
	}
	out := make([]lkerrors.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, lkerrors.ValidationError{Field: fe.Field(), Message: "failed " + fe.Tag() + " check"})
	}
	return &lkerrors.RequestValidationError{Errors: out}
}
