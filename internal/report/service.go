package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/progress"
)

// ErrNoRecipient is returned when delivery is requested without a doctor chat.
var ErrNoRecipient = errors.New("report recipient is not configured")

type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName, caption string) error
}

type Service struct {
	renderer     *Renderer
	tgClient     TelegramClient
	doctorChatID int64
	logger       zerolog.Logger
}

// NewService builds the report service. tg may be nil, in which case
// reports can still be rendered but not delivered.
func NewService(renderer *Renderer, tg TelegramClient, doctorChatID int64, logger zerolog.Logger) *Service {
	if renderer == nil {
		renderer = NewRenderer()
	}
	return &Service{
		renderer:     renderer,
		tgClient:     tg,
		doctorChatID: doctorChatID,
		logger:       logger.With().Str("component", "report").Logger(),
	}
}

func (s *Service) RenderPDF(res *clinical.CaseResult) ([]byte, error) {
	return s.renderer.Render(res)
}

// SendCaseReport delivers the PDF to the doctor chat, rendering it first
// when pdf is empty.
func (s *Service) SendCaseReport(ctx context.Context, res *clinical.CaseResult, pdf []byte) error {
	if s.tgClient == nil || s.doctorChatID == 0 {
		return ErrNoRecipient
	}
	if len(pdf) == 0 {
		var err error
		if pdf, err = s.RenderPDF(res); err != nil {
			return err
		}
	}

	fileName := fmt.Sprintf("report_%s.pdf", res.CaseID)
	caption := fmt.Sprintf("Patient %s, tier %s", res.PatientID, res.Tier)
	if res.CriticalFindings {
		caption = "CRITICAL. " + caption
	}
	s.logger.Info().Str("case_id", res.CaseID.String()).Int64("chat_id", s.doctorChatID).Msg("sending case report")
	if err := s.tgClient.SendDocument(ctx, s.doctorChatID, pdf, fileName, caption); err != nil {
		s.logger.Error().Err(err).Str("case_id", res.CaseID.String()).Msg("failed to send case report")
		return err
	}
	return nil
}

// AlertSink returns a progress sink that pages the doctor chat when a case
// raises critical findings. Other events are ignored.
func (s *Service) AlertSink() progress.Sink {
	return progress.SinkFunc(func(ctx context.Context, e progress.Event) error {
		if e.Name != progress.CriticalFindings {
			return nil
		}
		if s.tgClient == nil || s.doctorChatID == 0 {
			return ErrNoRecipient
		}
		text := fmt.Sprintf("CRITICAL findings in case %s. %s", e.CaseID, e.Detail)
		return s.tgClient.SendMessage(ctx, s.doctorChatID, text)
	})
}
