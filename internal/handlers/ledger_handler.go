package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	mW "github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
)

const maxBodyBytes = 1_048_576

type LedgerHandler struct {
	service   *services.LedgerService
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewLedgerHandler(service *services.LedgerService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		logger:    logger,
	}
}

// Routes mounts the ledger endpoints. Every route expects an authenticated
// caller in the request context.
func (h *LedgerHandler) Routes(r chi.Router) {
	r.Post("/accounts", h.OpenAccount)
	r.Get("/balance", h.GetBalance)
	r.Post("/topups", h.Topup)
	r.Post("/withdraws", h.Withdraw)
	r.Post("/transfers", h.Transfer)
	r.Get("/history", h.ListHistory)
	r.Get("/topups/{id}", h.GetTopup)
	r.Get("/withdraws/{id}", h.GetWithdraw)
	r.Get("/transfers/{id}", h.GetTransfer)
}

type TopupBody struct {
	Amount  int64  `json:"amount" example:"100000"`
	TopupNo string `json:"topup_no,omitempty" validate:"omitempty,max=64" example:"TP-2024-0001"`
	Method  string `json:"topup_method" validate:"max=64" example:"bank_transfer"`
}

type WithdrawBody struct {
	Amount int64 `json:"amount" example:"60000"`
}

type TransferBody struct {
	TransferTo int64 `json:"transfer_to" example:"2"`
	Amount     int64 `json:"amount" example:"50000"`
}

// statusFor maps an error kind onto its HTTP status.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidAmount, models.KindSelfTransfer, models.KindValidation:
		return http.StatusBadRequest
	case models.KindUnknownAccount, models.KindNotFound:
		return http.StatusNotFound
	case models.KindDuplicateReference, models.KindVersionConflict:
		return http.StatusConflict
	case models.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case models.KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *LedgerHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)
	status := statusFor(kind)

	message := err.Error()
	var ledgerErr *models.Error
	if errors.As(err, &ledgerErr) {
		message = ledgerErr.Message
	}
	if status == http.StatusInternalServerError {
		// Driver messages stay in the logs
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		message = "internal server error"
	}
	if kind == models.KindBusy {
		w.Header().Set("Retry-After", "1")
	}

	services.SendErrorResponse(w, message, status, kind, err)
}

func (h *LedgerHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, models.KindValidation, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, models.KindValidation, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, models.KindValidation, err)
		return false
	}
	return true
}

func caller(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := mW.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, "", nil)
	}
	return userID, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		services.SendErrorResponse(w, "Invalid id", http.StatusBadRequest, models.KindValidation, nil)
		return 0, false
	}
	return id, true
}

// OpenAccount provisions the caller's account
// @Summary Open account
// @Description Create a zero balance account for the authenticated user. Idempotent.
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Success 201 {object} services.Response{data=models.Account}
// @Failure 401 {object} services.Response
// @Router /accounts [post]
func (h *LedgerHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	account, err := h.service.OpenAccount(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	services.SendSuccessResponse(w, "Account opened", http.StatusCreated, account, nil)
}

// GetBalance returns the caller's balance
// @Summary Get balance
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Success 200 {object} services.Response{data=models.Account}
// @Failure 404 {object} services.Response
// @Router /balance [get]
func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	account, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	services.SendSuccessResponse(w, "Balance retrieved", http.StatusOK, account, nil)
}

// Topup credits the caller's account
// @Summary Top up
// @Description Credit the authenticated user's account. The reference number must be unique per user; one is generated when omitted.
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body TopupBody true "Top-up request"
// @Success 201 {object} services.Response{data=models.TopupRecord}
// @Failure 400 {object} services.Response
// @Failure 409 {object} services.Response
// @Failure 503 {object} services.Response
// @Router /topups [post]
func (h *LedgerHandler) Topup(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var body TopupBody
	if !h.decode(w, r, &body) {
		return
	}

	rec, err := h.service.Topup(r.Context(), models.TopupRequest{
		UserID:  userID,
		Amount:  body.Amount,
		TopupNo: body.TopupNo,
		Method:  body.Method,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	services.SendSuccessResponse(w, "Top-up successful", http.StatusCreated, rec, nil)
}

// Withdraw debits the caller's account
// @Summary Withdraw
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body WithdrawBody true "Withdraw request"
// @Success 201 {object} services.Response{data=models.WithdrawRecord}
// @Failure 400 {object} services.Response
// @Failure 404 {object} services.Response
// @Failure 422 {object} services.Response
// @Failure 503 {object} services.Response
// @Router /withdraws [post]
func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var body WithdrawBody
	if !h.decode(w, r, &body) {
		return
	}

	rec, err := h.service.Withdraw(r.Context(), models.WithdrawRequest{UserID: userID, Amount: body.Amount})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	services.SendSuccessResponse(w, "Withdraw successful", http.StatusCreated, rec, nil)
}

// Transfer moves funds from the caller to another account
// @Summary Transfer
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body TransferBody true "Transfer request"
// @Success 201 {object} services.Response{data=models.TransferRecord}
// @Failure 400 {object} services.Response
// @Failure 404 {object} services.Response
// @Failure 422 {object} services.Response
// @Failure 503 {object} services.Response
// @Router /transfers [post]
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var body TransferBody
	if !h.decode(w, r, &body) {
		return
	}

	rec, err := h.service.Transfer(r.Context(), models.TransferRequest{
		From:   userID,
		To:     body.TransferTo,
		Amount: body.Amount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	services.SendSuccessResponse(w, "Transfer successful", http.StatusCreated, rec, nil)
}

// ListHistory lists the caller's history
// @Summary List history
// @Description Top-ups, withdraws and transfers (both directions) of the authenticated user, newest first.
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param kind query string false "topup, withdraw or transfer"
// @Param search query string false "Reference prefix or record id"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param cursor query string false "Keyset cursor from a previous page"
// @Success 200 {object} services.Response{data=[]models.HistoryEntry}
// @Failure 400 {object} services.Response
// @Router /history [get]
func (h *LedgerHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := models.HistoryFilter{
		UserID: &userID,
		Kind:   models.HistoryKind(q.Get("kind")),
		Search: q.Get("search"),
		Cursor: q.Get("cursor"),
	}
	for name, dst := range map[string]*int{"page": &filter.Page, "page_size": &filter.PageSize} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			services.SendErrorResponse(w, "Invalid "+name, http.StatusBadRequest, models.KindValidation, nil)
			return
		}
		*dst = n
	}

	page, err := h.service.ListHistory(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	services.SendSuccessResponse(w, "History retrieved", http.StatusOK, page.Entries, &page.Pagination)
}

// GetTopup returns one of the caller's top-ups
// @Summary Get top-up
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param id path int true "Top-up id"
// @Success 200 {object} services.Response{data=models.TopupRecord}
// @Failure 404 {object} services.Response
// @Router /topups/{id} [get]
func (h *LedgerHandler) GetTopup(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	rec, err := h.service.GetTopup(r.Context(), id)
	if err == nil && rec.UserID != userID {
		err = models.ErrNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	services.SendSuccessResponse(w, "Top-up retrieved", http.StatusOK, rec, nil)
}

// GetWithdraw returns one of the caller's withdraws
// @Summary Get withdraw
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param id path int true "Withdraw id"
// @Success 200 {object} services.Response{data=models.WithdrawRecord}
// @Failure 404 {object} services.Response
// @Router /withdraws/{id} [get]
func (h *LedgerHandler) GetWithdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	rec, err := h.service.GetWithdraw(r.Context(), id)
	if err == nil && rec.UserID != userID {
		err = models.ErrNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	services.SendSuccessResponse(w, "Withdraw retrieved", http.StatusOK, rec, nil)
}

// GetTransfer returns a transfer the caller took part in
// @Summary Get transfer
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param id path int true "Transfer id"
// @Success 200 {object} services.Response{data=models.TransferRecord}
// @Failure 404 {object} services.Response
// @Router /transfers/{id} [get]
func (h *LedgerHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	rec, err := h.service.GetTransfer(r.Context(), id)
	if err == nil && rec.TransferFrom != userID && rec.TransferTo != userID {
		err = models.ErrNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	services.SendSuccessResponse(w, "Transfer retrieved", http.StatusOK, rec, nil)
}
