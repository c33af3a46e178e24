package httpapi

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"finbench/internal/domain"
	"finbench/internal/gather"
	"finbench/internal/symbol"
)

func canonicalParam(c echo.Context) (domain.CanonicalID, error) {
	return domain.ParseCanonicalID(c.Param("id"))
}

// dateParam parses an optional YYYY-MM-DD query parameter.
func dateParam(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(domain.DateLayout, v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" must be YYYY-MM-DD")
	}
	return t, nil
}

func (s *Server) handleHealth(c echo.Context) error {
	stats, err := s.db.RawStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		RawTotal:   stats.Total,
		RawPending: stats.Pending,
		RawFailed:  stats.Failed,
	})
}

func (s *Server) handleSnapshot(c echo.Context) error {
	id, err := canonicalParam(c)
	if err != nil {
		return err
	}
	snap, err := s.db.GetSnapshot(c.Request().Context(), id)
	if err != nil {
		return err
	}
	cal := s.svc.Clocks().For(id.Market)
	now := s.now()
	open, reason := cal.IsOpen(now)
	return c.JSON(http.StatusOK, SnapshotResponse{
		Snapshot:   snap,
		Stale:      cal.IsStale(snap.Timestamp, now, s.cfg.Market(id.Market).TTL),
		MarketOpen: open,
		Reason:     reason,
	})
}

func (s *Server) handleDaily(c echo.Context) error {
	id, err := canonicalParam(c)
	if err != nil {
		return err
	}
	from, err := dateParam(c, "from")
	if err != nil {
		return err
	}
	to, err := dateParam(c, "to")
	if err != nil {
		return err
	}
	if !to.IsZero() {
		// Bars carry their session close, so the whole last day is included.
		to = to.AddDate(0, 0, 1).Add(-time.Second)
	}
	bars, err := s.db.ListDaily(c.Request().Context(), id, from, to)
	if err != nil {
		return err
	}
	if bars == nil {
		bars = []domain.DailyBar{}
	}
	return c.JSON(http.StatusOK, DailyResponse{CanonicalID: id, Bars: bars})
}

func (s *Server) handleFundamentals(c echo.Context) error {
	id, err := canonicalParam(c)
	if err != nil {
		return err
	}
	reports, err := s.db.ListFundamentals(c.Request().Context(), id)
	if err != nil {
		return err
	}
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].AsOfDate.After(reports[j].AsOfDate) })
	if reports == nil {
		reports = []domain.FundamentalReport{}
	}
	return c.JSON(http.StatusOK, FundamentalsResponse{CanonicalID: id, Reports: reports})
}

func (s *Server) handleSyncFundamentals(c echo.Context) error {
	id, err := canonicalParam(c)
	if err != nil {
		return err
	}
	res, err := s.svc.SyncFundamentals(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleSync(c echo.Context) error {
	var req SyncRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	var target gather.SyncTarget
	if req.CanonicalID != "" {
		id, err := domain.ParseCanonicalID(req.CanonicalID)
		if err != nil {
			return err
		}
		target.CanonicalID = id
	} else {
		m, err := domain.ParseMarket(req.Market)
		if err != nil {
			return badRequest(err)
		}
		target.Market = m
	}
	j, err := s.svc.StartSync(c.Request().Context(), target)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, SyncResponse{JobID: j.ID, Status: string(j.Status)})
}

func (s *Server) handleJob(c echo.Context) error {
	j, err := s.svc.Jobs().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, j)
}

func (s *Server) handleBackfill(c echo.Context) error {
	var req BackfillRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	id, err := domain.ParseCanonicalID(req.CanonicalID)
	if err != nil {
		return err
	}
	n, err := s.svc.Backfill(c.Request().Context(), id, req.Days)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, BackfillResponse{CanonicalID: id, Records: n})
}

func (s *Server) handleProcessRaw(c echo.Context) error {
	rawID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || rawID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "raw id must be a positive integer")
	}
	res, err := s.svc.ProcessRaw(c.Request().Context(), rawID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func hints(market, assetType string) symbol.Hints {
	return symbol.Hints{
		Market: domain.Market(strings.ToUpper(strings.TrimSpace(market))),
		Type:   domain.AssetType(strings.ToUpper(strings.TrimSpace(assetType))),
	}
}

func (s *Server) handleRegisterAsset(c echo.Context) error {
	var req AssetRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	a, err := s.svc.RegisterAsset(c.Request().Context(), req.Symbol, hints(req.Market, req.AssetType),
		req.Name, domain.AssetKind(req.Kind))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) handleListAssets(c echo.Context) error {
	var market domain.Market
	if v := c.QueryParam("market"); v != "" {
		m, err := domain.ParseMarket(v)
		if err != nil {
			return badRequest(err)
		}
		market = m
	}
	assets, err := s.db.ListAssets(c.Request().Context(), market)
	if err != nil {
		return err
	}
	if assets == nil {
		assets = []domain.Asset{}
	}
	return c.JSON(http.StatusOK, AssetsResponse{Assets: assets})
}

func (s *Server) handleCanonicalize(c echo.Context) error {
	raw := c.QueryParam("symbol")
	if strings.TrimSpace(raw) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "symbol is required")
	}
	res, err := s.canon.Canonicalize(raw, hints(c.QueryParam("market"), c.QueryParam("type")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
