package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/marmelspade/internal/engine"
	"github.com/JakeFAU/marmelspade/internal/metrics"
)

// Search paging limits.
const (
	PageSize        = 8
	MaxTotalResults = 1000
	MaxQueryRunes   = 512
	// MaxPage is the first page past the capped total. Larger requests are
	// clamped to it so the offset cannot overflow.
	MaxPage = MaxTotalResults/PageSize + 1
)

// Query validation errors, returned to clients verbatim.
var (
	ErrMissingQuery = errors.New("missing query parameter 'q'")
	ErrQueryTooLong = errors.New("query too long")
)

// SanitizeQuery NFKC-normalizes q, drops control characters and trims it.
func SanitizeQuery(q string) (string, error) {
	q = norm.NFKC.String(q)
	q = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, q)
	q = strings.TrimSpace(q)
	if q == "" {
		return "", ErrMissingQuery
	}
	if utf8.RuneCountInString(q) > MaxQueryRunes {
		return "", ErrQueryTooLong
	}
	return q, nil
}

// parsePage falls back to page 1 for anything that is not a positive integer
// and clamps everything else to MaxPage.
func parsePage(raw string) int {
	raw = strings.TrimSpace(raw)
	page, err := strconv.Atoi(raw)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(raw, "-") {
		return MaxPage
	}
	if err != nil {
		return 1
	}
	if page < 1 {
		return 1
	}
	return min(page, MaxPage)
}

// hitDTO is the whitelisted projection of an engine hit. Missing fields are
// rendered as null.
type hitDTO struct {
	Name         *string `json:"name"`
	Path         *string `json:"path"`
	AssetURI     *string `json:"assetUri"`
	ThumbnailURL *string `json:"thumbnailUrl"`
}

type searchResponse struct {
	Hits             []hitDTO `json:"hits"`
	PHits            int64    `json:"pHits"`
	CappedTotal      int64    `json:"cappedTotal"`
	TotalPages       int64    `json:"totalPages"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
	Query            string   `json:"query"`
	Page             int      `json:"page"`
	PageSize         int      `json:"pageSize"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q, err := SanitizeQuery(r.URL.Query().Get("q"))
	if err != nil {
		metrics.ObserveSearch(metrics.SearchBadRequest)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page := parsePage(r.URL.Query().Get("page"))

	result, err := s.searcher.Search(r.Context(), s.cfg.Index, engine.SearchRequest{
		Query:  q,
		Offset: int64(page-1) * PageSize,
		Limit:  PageSize,
		Sort:   []string{"name:asc"},
	})
	if err != nil {
		metrics.ObserveSearch(metrics.SearchError)
		s.logger.Error("search failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("index", s.cfg.Index),
			zap.Int("page", page),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	hits := make([]hitDTO, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, toHitDTO(hit))
	}
	capped := min(result.EstimatedTotalHits, MaxTotalResults)
	metrics.ObserveSearch(metrics.SearchOK)
	s.writeJSON(w, http.StatusOK, searchResponse{
		Hits:             hits,
		PHits:            result.EstimatedTotalHits,
		CappedTotal:      capped,
		TotalPages:       totalPages(capped),
		ProcessingTimeMs: result.ProcessingTimeMs,
		Query:            q,
		Page:             page,
		PageSize:         PageSize,
	})
}

// totalPages never reports fewer than one page, even for zero hits.
func totalPages(capped int64) int64 {
	return max(1, (capped+PageSize-1)/PageSize)
}

func toHitDTO(hit map[string]any) hitDTO {
	return hitDTO{
		Name:         stringField(hit, "name"),
		Path:         stringField(hit, "path"),
		AssetURI:     stringField(hit, "assetUri"),
		ThumbnailURL: stringField(hit, "thumbnailUrl"),
	}
}

func stringField(hit map[string]any, key string) *string {
	v, ok := hit[key].(string)
	if !ok {
		return nil
	}
	return &v
}
