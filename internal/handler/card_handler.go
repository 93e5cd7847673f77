package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/registry"
	"github.com/kursadbilgin/cardmail-engine/internal/service"
)

const (
	uploadFormField = "images"
	xlsxMIME        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type CardService interface {
	SubmitUpload(ctx context.Context, uploads []service.Upload) (string, error)
	JobStatus(ctx context.Context, jobID string) (*service.JobStatus, error)
	ListCards(ctx context.Context, filter registry.Filter) []domain.Card
	GetCard(ctx context.Context, cardID string) (domain.Card, error)
	EditCard(ctx context.Context, cardID string, patch service.CardPatch) (domain.Card, error)
	RequestDraft(ctx context.Context, cardID string, opts service.DraftOptions) (domain.Card, error)
	RetryCard(ctx context.Context, cardID string) (domain.Card, error)
	DiscardCard(ctx context.Context, cardID string) error
	SendBatch(ctx context.Context, cardIDs []string, overrides map[string]domain.EmailOverride) (*domain.BatchSendResult, error)
	SentHistory(ctx context.Context) []domain.Card
	ExportSentXLSX(ctx context.Context) ([]byte, error)
}

type CardHandler struct {
	service CardService
}

func NewCardHandler(service CardService) (*CardHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("card service is required")
	}
	return &CardHandler{service: service}, nil
}

func RegisterCardRoutes(router fiber.Router, service CardService) error {
	h, err := NewCardHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/uploads", h.Upload)
	v1.Get("/jobs/:id", h.GetJob)
	v1.Get("/cards/history/sent", h.SentHistory)
	v1.Get("/cards/history/sent.xlsx", h.ExportSentHistory)
	v1.Get("/cards", h.ListCards)
	v1.Get("/cards/:id", h.GetCard)
	v1.Patch("/cards/:id", h.EditCard)
	v1.Delete("/cards/:id", h.DiscardCard)
	v1.Post("/cards/:id/draft", h.RequestDraft)
	v1.Post("/cards/:id/retry", h.RetryCard)
	v1.Post("/send/batch", h.SendBatch)

	return nil
}

type uploadResponse struct {
	JobID string `json:"jobId"`
	Total int    `json:"total"`
}

type cardResponse struct {
	ID                string                `json:"id"`
	JobID             string                `json:"jobId"`
	FileName          string                `json:"fileName"`
	ContentType       string                `json:"contentType"`
	Status            string                `json:"status"`
	RawText           string                `json:"rawText,omitempty"`
	ExtractedData     *domain.ExtractedData `json:"extractedData,omitempty"`
	EmailContent      *domain.EmailContent  `json:"emailContent,omitempty"`
	LastError         *domain.CardError     `json:"lastError,omitempty"`
	ProviderMessageID string                `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time             `json:"createdAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
	SentAt            *time.Time            `json:"sentAt,omitempty"`
}

type listCardsResponse struct {
	Data []cardResponse `json:"data"`
	Meta listMeta       `json:"meta"`
}

type listMeta struct {
	Total int `json:"total"`
}

type jobResponse struct {
	JobID          string        `json:"jobId"`
	Status         string        `json:"status"`
	Total          int           `json:"total"`
	CompletedCount int           `json:"completedCount"`
	Progress       float64       `json:"progress"`
	CreatedAt      time.Time     `json:"createdAt"`
	Cards          []jobCardItem `json:"cards"`
}

type jobCardItem struct {
	CardID    string            `json:"cardId"`
	Status    string            `json:"status,omitempty"`
	Removed   bool              `json:"removed,omitempty"`
	LastError *domain.CardError `json:"lastError,omitempty"`
}

type editCardRequest struct {
	Name    *string `json:"name"`
	Company *string `json:"company"`
	Role    *string `json:"role"`
	Email   *string `json:"email"`
	Phone   *string `json:"phone"`
	Address *string `json:"address"`
	Website *string `json:"website"`
	Subject *string `json:"subject"`
	Body    *string `json:"body"`
}

type draftRequest struct {
	Tone        string `json:"tone"`
	Language    string `json:"language"`
	SubjectHint string `json:"subjectHint"`
}

type emailOverrideRequest struct {
	To      *string `json:"to"`
	Subject *string `json:"subject"`
	Body    *string `json:"body"`
}

type sendBatchRequest struct {
	CardIDs   []string                        `json:"cardIds"`
	Overrides map[string]emailOverrideRequest `json:"overrides"`
}

type sendOutcomeResponse struct {
	CardID    string `json:"cardId"`
	Status    string `json:"status"`
	MessageID string `json:"messageId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

type sendBatchResponse struct {
	Total       int                   `json:"total"`
	SentCount   int                   `json:"sentCount"`
	FailedCount int                   `json:"failedCount"`
	PerCard     []sendOutcomeResponse `json:"perCard"`
}

func (h *CardHandler) Upload(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid multipart form")
	}

	files := form.File[uploadFormField]
	if len(files) == 0 {
		return toHTTPError(fmt.Errorf("%w: at least one file in %q is required", domain.ErrValidation, uploadFormField))
	}

	uploads := make([]service.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "failed to read uploaded file")
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "failed to read uploaded file")
		}

		uploads = append(uploads, service.Upload{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get(fiber.HeaderContentType),
			Data:        data,
		})
	}

	jobID, err := h.service.SubmitUpload(c.UserContext(), uploads)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(uploadResponse{JobID: jobID, Total: len(uploads)})
}

func (h *CardHandler) GetJob(c *fiber.Ctx) error {
	status, err := h.service.JobStatus(c.UserContext(), paramID(c))
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]jobCardItem, 0, len(status.Cards))
	for _, card := range status.Cards {
		items = append(items, jobCardItem{
			CardID:    card.CardID,
			Status:    card.Status.String(),
			Removed:   card.Removed,
			LastError: card.LastError,
		})
	}

	return c.Status(fiber.StatusOK).JSON(jobResponse{
		JobID:          status.JobID,
		Status:         status.Status.String(),
		Total:          status.Total,
		CompletedCount: status.CompletedCount,
		Progress:       status.Progress,
		CreatedAt:      status.CreatedAt,
		Cards:          items,
	})
}

func (h *CardHandler) ListCards(c *fiber.Ctx) error {
	filter := registry.Filter{JobID: strings.TrimSpace(c.Query("jobId"))}
	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return toHTTPError(err)
		}
		filter.Status = status
	}

	cards := h.service.ListCards(c.UserContext(), filter)
	return c.Status(fiber.StatusOK).JSON(listCardsResponse{
		Data: toCardResponses(cards),
		Meta: listMeta{Total: len(cards)},
	})
}

func (h *CardHandler) GetCard(c *fiber.Ctx) error {
	card, err := h.service.GetCard(c.UserContext(), paramID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toCardResponse(card))
}

func (h *CardHandler) EditCard(c *fiber.Ctx) error {
	var req editCardRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	card, err := h.service.EditCard(c.UserContext(), paramID(c), service.CardPatch{
		Name:    req.Name,
		Company: req.Company,
		Role:    req.Role,
		Email:   req.Email,
		Phone:   req.Phone,
		Address: req.Address,
		Website: req.Website,
		Subject: req.Subject,
		Body:    req.Body,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toCardResponse(card))
}

func (h *CardHandler) DiscardCard(c *fiber.Ctx) error {
	if err := h.service.DiscardCard(c.UserContext(), paramID(c)); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *CardHandler) RequestDraft(c *fiber.Ctx) error {
	var req draftRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	opts := service.DraftOptions{SubjectHint: strings.TrimSpace(req.SubjectHint)}
	if strings.TrimSpace(req.Tone) != "" {
		tone, err := domain.ParseToneFromString(req.Tone)
		if err != nil {
			return toHTTPError(err)
		}
		opts.Tone = tone
	}
	if strings.TrimSpace(req.Language) != "" {
		language, err := domain.ParseLanguageFromString(req.Language)
		if err != nil {
			return toHTTPError(err)
		}
		opts.Language = language
	}

	card, err := h.service.RequestDraft(c.UserContext(), paramID(c), opts)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toCardResponse(card))
}

func (h *CardHandler) RetryCard(c *fiber.Ctx) error {
	card, err := h.service.RetryCard(c.UserContext(), paramID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(toCardResponse(card))
}

func (h *CardHandler) SendBatch(c *fiber.Ctx) error {
	var req sendBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	var overrides map[string]domain.EmailOverride
	if len(req.Overrides) > 0 {
		overrides = make(map[string]domain.EmailOverride, len(req.Overrides))
		for id, o := range req.Overrides {
			overrides[strings.TrimSpace(id)] = domain.EmailOverride{To: o.To, Subject: o.Subject, Body: o.Body}
		}
	}

	result, err := h.service.SendBatch(c.UserContext(), req.CardIDs, overrides)
	if err != nil {
		return toHTTPError(err)
	}

	perCard := make([]sendOutcomeResponse, 0, len(result.PerCard))
	for _, o := range result.PerCard {
		perCard = append(perCard, sendOutcomeResponse{
			CardID:    o.CardID,
			Status:    o.Status.String(),
			MessageID: o.MessageID,
			Reason:    o.Reason,
			Error:     o.Error,
		})
	}

	return c.Status(fiber.StatusOK).JSON(sendBatchResponse{
		Total:       result.Total,
		SentCount:   result.SentCount,
		FailedCount: result.FailedCount,
		PerCard:     perCard,
	})
}

func (h *CardHandler) SentHistory(c *fiber.Ctx) error {
	cards := h.service.SentHistory(c.UserContext())
	return c.Status(fiber.StatusOK).JSON(listCardsResponse{
		Data: toCardResponses(cards),
		Meta: listMeta{Total: len(cards)},
	})
}

func (h *CardHandler) ExportSentHistory(c *fiber.Ctx) error {
	data, err := h.service.ExportSentXLSX(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}

	c.Set(fiber.HeaderContentType, xlsxMIME)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="sent-contacts.xlsx"`)
	return c.Status(fiber.StatusOK).Send(data)
}

func paramID(c *fiber.Ctx) string {
	return utils.CopyString(strings.TrimSpace(c.Params("id")))
}

func toCardResponses(cards []domain.Card) []cardResponse {
	responses := make([]cardResponse, 0, len(cards))
	for _, card := range cards {
		responses = append(responses, toCardResponse(card))
	}
	return responses
}

func toCardResponse(c domain.Card) cardResponse {
	return cardResponse{
		ID:                c.ID,
		JobID:             c.JobID,
		FileName:          c.FileName,
		ContentType:       c.ContentType,
		Status:            c.Status.String(),
		RawText:           c.RawText,
		ExtractedData:     c.ExtractedData,
		EmailContent:      c.EmailContent,
		LastError:         c.LastError,
		ProviderMessageID: c.ProviderMessageID,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		SentAt:            c.SentAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyInProgress),
		errors.Is(err, domain.ErrNotReady):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrRecognitionFailed),
		errors.Is(err, domain.ErrGenerationFailed),
		errors.Is(err, domain.ErrSendFailed):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
