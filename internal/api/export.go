package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var exportHeader = []string{
	"Name",
	"Current Price",
	"Original Price",
	"Unit Size",
	"Category",
	"URL",
	"Image URL",
	"Dietary Tags",
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func (s *Server) exportSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	records, err := s.store.ListRecords(r.Context(), session.ID)
	if err != nil {
		if errors.Is(err, crawler.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("list records failed", zap.String("session_id", session.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load products")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(session)))
	w.WriteHeader(http.StatusOK)
	if err := WriteCSV(w, records); err != nil {
		s.logger.Warn("write export failed", zap.String("session_id", session.ID), zap.Error(err))
	}
}

// WriteCSV writes records in insertion order under the export header.
func WriteCSV(w io.Writer, records []crawler.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			rec.Name,
			rec.CurrentPrice,
			rec.OriginalPrice,
			rec.UnitSize,
			rec.Category,
			rec.URL,
			rec.ImageURL,
			rec.DietaryTags,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func exportFilename(session crawler.Session) string {
	base := session.Name
	if base == "" {
		base = crawler.Hostname(session.URL)
	}
	base = strings.Trim(unsafeFilename.ReplaceAllString(base, "_"), "_")
	if base == "" {
		base = "session"
	}
	id := session.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s.csv", base, id)
}
