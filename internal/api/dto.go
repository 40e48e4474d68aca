package api

import (
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

type sessionDTO struct {
	ID           string                `json:"session_id"`
	Name         string                `json:"name"`
	URL          string                `json:"url"`
	Status       crawler.SessionStatus `json:"status"`
	TotalPages   int                   `json:"total_pages"`
	ScrapedPages int                   `json:"scraped_pages"`
	Progress     float64               `json:"progress"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	Error        string                `json:"error,omitempty"`
	ProductCount *int                  `json:"product_count,omitempty"`
}

type sessionDetailDTO struct {
	sessionDTO
	TotalProducts int              `json:"total_products"`
	Products      []crawler.Record `json:"products"`
}

func toSessionDTO(s crawler.Session) sessionDTO {
	return sessionDTO{
		ID:           s.ID,
		Name:         s.Name,
		URL:          s.URL,
		Status:       s.Status,
		TotalPages:   s.TotalPages,
		ScrapedPages: s.ScrapedPages,
		Progress:     s.Progress(),
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
		Error:        s.Error,
	}
}
