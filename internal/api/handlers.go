package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/escrowd/internal/domain"
	"github.com/punchamoorthee/escrowd/internal/gateway"
	"github.com/punchamoorthee/escrowd/internal/models"
	"github.com/punchamoorthee/escrowd/internal/service"
)

func (h *Handler) CreateContractHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	var req models.CreateContractRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		req.ClientID = actor.UserID
	}

	c, err := h.svc.Contracts.CreateContract(r.Context(), actor, service.CreateContractInput{
		ClientID:       req.ClientID,
		FreelancerID:   req.FreelancerID,
		JobID:          req.JobID,
		Title:          req.Title,
		TotalAmount:    req.TotalAmount,
		UpfrontPercent: req.UpfrontPercent,
		DurationDays:   req.DurationDays,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/contracts/"+c.ID)
	respondWithJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetContractHandler(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Contracts.GetContract(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) RecordSignatureHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SignatureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.Contracts.RecordSignature(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Party, req.Signature)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) DisputeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.DisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.Contracts.MarkDisputed(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) RequestPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	link, err := h.svc.Payments.RequestPayment(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Phase, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, link)
}

func (h *Handler) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	payments, err := h.svc.Contracts.ListPayments(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payments)
}

// walletOwner is the caller, or for admins the freelancer_id query parameter.
func walletOwner(r *http.Request, actor service.Actor) string {
	if id := r.URL.Query().Get("freelancer_id"); id != "" && actor.Privileged() {
		return id
	}
	return actor.UserID
}

func (h *Handler) WalletSummaryHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	b, err := h.svc.Wallet.Summary(r.Context(), actor, walletOwner(r, actor))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, b)
}

func (h *Handler) WalletEntriesHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, err := h.svc.Wallet.History(r.Context(), actor, walletOwner(r, actor), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.WalletEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) SubmitPayoutHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	var req models.PayoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.svc.Payouts.SubmitPayout(r.Context(), actor, actor.UserID, req.Amount, req.BankDetails)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, p)
}

func (h *Handler) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	payouts, err := h.svc.Payouts.ListPayouts(r.Context(), actor, walletOwner(r, actor))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if payouts == nil {
		payouts = []domain.PayoutRequest{}
	}
	respondWithJSON(w, http.StatusOK, payouts)
}

func (h *Handler) ApprovePayoutHandler(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Payouts.ApprovePayout(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) CompletePayoutHandler(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Payouts.CompletePayout(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) RejectPayoutHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RejectPayoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.svc.Payouts.RejectPayout(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

// GatewayWebhookHandler answers 200 for every delivery the gateway should stop
// sending (processed, duplicate, ignored, unknown payment). Transient failures
// get 503 so the gateway redelivers.
func (h *Handler) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, "invalid_input", "Body too large", false)
		return
	}

	outcome, err := h.svc.Webhooks.Handle(r.Context(), r.Header.Get(gateway.SignatureHeader), body)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, models.WebhookResponse{Outcome: string(outcome)})
	case errors.Is(err, domain.ErrUnauthorized):
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "Invalid signature", false)
	case errors.Is(err, domain.ErrInvalidInput):
		respondWithError(w, http.StatusBadRequest, "invalid_input", err.Error(), false)
	default:
		w.Header().Set("Retry-After", "5")
		respondWithError(w, http.StatusServiceUnavailable, "retry", "Event not applied, retry later", true)
	}
}
