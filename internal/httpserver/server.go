// Package httpserver exposes the rewards engine to the merchant dashboard
// and customer app over HTTP. Authentication and role lookup live in the
// session layer; the engine only ever sees a resolved user identity.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/perkpay/internal/realtime"
	"github.com/MarkoPoloResearchLab/perkpay/pkg/money"
	"github.com/MarkoPoloResearchLab/perkpay/pkg/rewards"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Run boots the HTTP facade using the supplied configuration and wiring.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, service *rewards.Service, hub *realtime.Hub) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		hub:     hub,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/transactions", handler.handleCreateTransaction)
	api.GET("/terminals/:terminal/pending", handler.handleFindPending)
	api.POST("/terminals/:terminal/claim", handler.handleClaim)
	api.POST("/transactions/:id/credits", handler.handleSelectCredits)
	api.POST("/transactions/:id/confirm", handler.handleConfirm)
	api.GET("/transactions/:id/stream", handler.handleStream)
	api.POST("/transactions/complete", handler.handleComplete)
	api.POST("/transactions/void", handler.handleVoid)
	api.POST("/settlements", handler.handleGenerateSettlements)
	api.GET("/wallet", handler.handleWallet)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *rewards.Service
	hub     *realtime.Hub
	cfg     Config
}

func (handler *httpHandler) handleCreateTransaction(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request createTransactionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	merchantID, err := rewards.NewMerchantID(request.MerchantID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	input := rewards.CreateInput{
		MerchantID:          merchantID,
		AmountCents:         request.AmountCents,
		DealRef:             request.DealRef,
		DiscountBasisPoints: request.DiscountBasisPoints,
	}
	if request.TerminalID != "" {
		terminalID, err := rewards.NewTerminalID(request.TerminalID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		input.TerminalID = terminalID
	}
	if request.BindCustomer {
		customerID, err := rewards.NewCustomerID(claims.GetUserID())
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		input.CustomerID = customerID
	}
	transaction, err := handler.service.Create(ctx.Request.Context(), input)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"transaction_id": transaction.TransactionID,
		"payment_code":   transaction.PaymentCode,
		"lane_token":     transaction.LaneToken,
		"expires_at":     transaction.ExpiresAtUnixUTC,
	})
}

func (handler *httpHandler) handleFindPending(ctx *gin.Context) {
	merchantID, err := rewards.NewMerchantID(ctx.Query("merchant_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	terminalID, err := rewards.NewTerminalID(ctx.Param("terminal"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	match, err := handler.service.FindPendingForTerminal(ctx.Request.Context(), merchantID, terminalID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if match.AutoMatch {
		ctx.JSON(http.StatusOK, gin.H{
			"auto_match":     true,
			"transaction_id": match.Transaction.TransactionID,
			"amount_cents":   match.Transaction.FinalAmount,
			"expires_at":     match.Transaction.ExpiresAtUnixUTC,
		})
		return
	}
	candidates := make([]gin.H, 0, len(match.Candidates))
	for _, candidate := range match.Candidates {
		candidates = append(candidates, gin.H{
			"token":        candidate.Token,
			"amount_cents": candidate.AmountCents,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"needs_token": true, "candidates": candidates})
}

func (handler *httpHandler) handleClaim(ctx *gin.Context) {
	var request claimRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	merchantID, err := rewards.NewMerchantID(request.MerchantID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	terminalID, err := rewards.NewTerminalID(ctx.Param("terminal"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transaction, err := handler.service.ClaimWithToken(ctx.Request.Context(), merchantID, terminalID, request.Token)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction_id": transaction.TransactionID,
		"amount_cents":   transaction.FinalAmount,
		"expires_at":     transaction.ExpiresAtUnixUTC,
	})
}

func (handler *httpHandler) handleSelectCredits(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request selectCreditsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	customerID, err := rewards.NewCustomerID(claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.service.SelectCredits(ctx.Request.Context(), ctx.Param("id"), customerID, request.LocalCents, request.NetworkCents)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"live_net_amount": result.LiveNetAmount,
		"customer_code":   result.CustomerCode,
	})
}

func (handler *httpHandler) handleConfirm(ctx *gin.Context) {
	var request confirmRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := handler.service.Confirm(ctx.Request.Context(), ctx.Param("id"), request.Code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"net_payable": result.NetPayable})
}

func (handler *httpHandler) handleComplete(ctx *gin.Context) {
	var request completeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := handler.service.Complete(ctx.Request.Context(), request.PaymentCode)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"already_processed":      result.AlreadyProcessed,
		"credits_earned":         result.CreditsEarned.TotalCents,
		"local_credits_earned":   result.CreditsEarned.LocalCents,
		"network_credits_earned": result.CreditsEarned.NetworkCents,
		"completed_at":           result.CompletedAtUnixUTC,
	})
}

func (handler *httpHandler) handleVoid(ctx *gin.Context) {
	var request voidRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := handler.service.Void(ctx.Request.Context(), request.PaymentCode, request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"voided_at": result.VoidedAtUnixUTC})
}

func (handler *httpHandler) handleGenerateSettlements(ctx *gin.Context) {
	var request settlementsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	run, err := handler.service.GenerateSettlements(ctx.Request.Context(), request.PeriodStart, request.PeriodEnd)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"settlements_created": run.SettlementsCreated,
		"merchants_skipped":   run.MerchantsSkipped,
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	customerID, err := rewards.NewCustomerID(claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	merchantID, err := rewards.NewMerchantID(ctx.Query("merchant_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), customerID, merchantID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	events, err := handler.service.ListEvents(ctx.Request.Context(), customerID, merchantID, time.Now().UTC().Add(time.Second).Unix(), walletHistoryLimit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	history := make([]gin.H, 0, len(events))
	for _, event := range events {
		history = append(history, gin.H{
			"event_id":      event.EventID,
			"type":          event.Type.String(),
			"local_cents":   event.LocalDelta,
			"network_cents": event.NetworkDelta,
			"description":   event.Description,
			"reference":     event.Reference,
			"created_at":    event.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance": gin.H{
			"local_cents":   balance.LocalCents,
			"network_cents": balance.NetworkCents,
		},
		"events": history,
	})
}

// handleStream serves a transaction's row changes as server-sent events.
// Each event carries the full snapshot; clients never diff snapshots.
func (handler *httpHandler) handleStream(ctx *gin.Context) {
	transactionID := ctx.Param("id")
	snapshots, cancel := handler.hub.Subscribe(transactionID)
	defer cancel()

	deadline := time.NewTimer(handler.cfg.StreamTimeout)
	defer deadline.Stop()

	ctx.Writer.Header().Set("Content-Type", "text/event-stream")
	ctx.Writer.Header().Set("Cache-Control", "no-cache")
	ctx.Stream(func(w io.Writer) bool {
		select {
		case snapshot, ok := <-snapshots:
			if !ok {
				return false
			}
			ctx.SSEvent("transaction", transactionPayload(snapshot))
			return true
		case <-ctx.Request.Context().Done():
			return false
		case <-deadline.C:
			return false
		}
	})
}

const walletHistoryLimit = 20

func transactionPayload(transaction rewards.PendingTransaction) gin.H {
	return gin.H{
		"transaction_id":   transaction.TransactionID,
		"status":           transaction.Status.String(),
		"original_amount":  transaction.OriginalAmount,
		"final_amount":     transaction.FinalAmount,
		"selected_local":   transaction.SelectedLocalCents,
		"selected_network": transaction.SelectedNetworkCents,
		"live_net_amount":  transaction.LiveNetAmount,
		"expires_at":       transaction.ExpiresAtUnixUTC,
	}
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

// mapError translates domain errors into HTTP responses. Expiry gets a
// distinct code from a wrong confirmation code: the former is a normal
// outcome of a slow queue, the latter may be a queue mismatch.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, rewards.ErrNotFound):
		return http.StatusNotFound, "not_found", "no matching transaction"
	case errors.Is(err, rewards.ErrExpired):
		return http.StatusGone, "code_expired", "this code has expired; start a new payment"
	case errors.Is(err, rewards.ErrInvalidCode):
		return http.StatusUnprocessableEntity, "invalid_code", "the code does not match this transaction"
	case errors.Is(err, rewards.ErrExceedsBalance):
		return http.StatusUnprocessableEntity, "exceeds_balance", "selection exceeds available credit"
	case errors.Is(err, rewards.ErrExceedsCap):
		return http.StatusUnprocessableEntity, "exceeds_cap", "selection exceeds the credit cap for this flow"
	case errors.Is(err, rewards.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance", "credit balance changed; reselect credits"
	case errors.Is(err, rewards.ErrTransactionClosed):
		return http.StatusConflict, "transaction_closed", "transaction no longer accepts this action"
	case errors.Is(err, rewards.ErrMerchantInactive):
		return http.StatusForbidden, "merchant_inactive", "merchant is not accepting payments"
	case errors.Is(err, rewards.ErrChargeDeclined):
		return http.StatusPaymentRequired, "charge_declined", "card charge declined"
	case errors.Is(err, rewards.ErrInvalidAmountCents),
		errors.Is(err, rewards.ErrInvalidMerchantID),
		errors.Is(err, rewards.ErrInvalidCustomerID),
		errors.Is(err, rewards.ErrInvalidTerminalID),
		errors.Is(err, rewards.ErrInvalidPeriod):
		return http.StatusBadRequest, "invalid_request", err.Error()
	}
	return http.StatusInternalServerError, "internal_error", "temporary failure; retry with the same payment code"
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type createTransactionRequest struct {
	MerchantID          string      `json:"merchant_id"`
	TerminalID          string      `json:"terminal_id"`
	AmountCents         money.Cents `json:"amount_cents"`
	DealRef             string      `json:"deal_ref"`
	DiscountBasisPoints int64       `json:"discount_bps"`
	BindCustomer        bool        `json:"bind_customer"`
}

type claimRequest struct {
	MerchantID string `json:"merchant_id"`
	Token      string `json:"token"`
}

type selectCreditsRequest struct {
	LocalCents   money.Cents `json:"local_cents"`
	NetworkCents money.Cents `json:"network_cents"`
}

type confirmRequest struct {
	Code string `json:"code"`
}

type completeRequest struct {
	PaymentCode string `json:"payment_code"`
}

type voidRequest struct {
	PaymentCode string `json:"payment_code"`
	Reason      string `json:"reason"`
}

type settlementsRequest struct {
	PeriodStart int64 `json:"period_start"`
	PeriodEnd   int64 `json:"period_end"`
}
