package api

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rawblock/btn-analyzer/internal/alert"
	"github.com/rawblock/btn-analyzer/internal/config"
	"github.com/rawblock/btn-analyzer/internal/correlation"
	"github.com/rawblock/btn-analyzer/internal/heuristics"
	"github.com/rawblock/btn-analyzer/internal/ingest"
	"github.com/rawblock/btn-analyzer/internal/scanner"
	"github.com/rawblock/btn-analyzer/internal/snapshot"
)

// Deps are the services the router exposes.
type Deps struct {
	Config    config.Config
	Runner    *scanner.Runner
	Hub       *Hub
	Alerts    *alert.Manager
	Watchlist *heuristics.Watchlist
}

type APIHandler struct {
	cfg       config.Config
	runner    *scanner.Runner
	cache     *snapshot.Cache
	wsHub     *Hub
	alerts    *alert.Manager
	watchlist *heuristics.Watchlist
}

// SetupRouter wires every route. ctx bounds background helpers such as the
// rate limiter's cleanup loop.
func SetupRouter(ctx context.Context, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), corsMiddleware(d.Config.HTTP.AllowedOrigins))

	handler := &APIHandler{
		cfg:       d.Config,
		runner:    d.Runner,
		cache:     d.Runner.Cache(),
		wsHub:     d.Hub,
		alerts:    d.Alerts,
		watchlist: d.Watchlist,
	}
	limiter := NewRateLimiter(ctx, d.Config.RateLimit.PerMinute, d.Config.RateLimit.Burst)

	api := r.Group("/api/v1")
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/scan/progress", handler.handleScanProgress)
		if d.Hub != nil {
			api.GET("/stream", d.Hub.Subscribe)
		}

		protected := api.Group("", AuthMiddleware(d.Config.Auth.Token))
		protected.POST("/analyze", limiter.Middleware(), handler.handleAnalyze)
		protected.GET("/runs/latest", handler.handleLatestRun)
		protected.GET("/clusters/:address", handler.handleCluster)
		protected.GET("/addresses/:address/history", handler.handleHistory)
		protected.GET("/addresses/:address/evolution", handler.handleEvolution)
		protected.GET("/addresses/:address/transactions", handler.handleAddressTransactions)
		protected.GET("/addresses/:address/trace", handler.handleTrace)
		protected.GET("/similar/:txid", handler.handleSimilar)
		protected.GET("/snapshots", handler.handleSnapshots)
		protected.GET("/alerts", handler.handleAlerts)
		if d.Watchlist != nil {
			protected.GET("/watchlist", handler.handleWatchlist)
			protected.POST("/watchlist", handler.handleWatchlistAdd)
			protected.DELETE("/watchlist/:address", handler.handleWatchlistRemove)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// corsMiddleware allows the listed origins, or any origin when the list is
// empty.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if len(allowed) == 0 {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, a := range allowed {
				if a == "*" || a == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// handleAnalyze runs a full analysis over the uploaded dataset.
// POST /api/v1/analyze?source=blocks-850000.csv  (JSON or CSV body)
func (h *APIHandler) handleAnalyze(c *gin.Context) {
	source := c.Query("source")
	if source == "" {
		source = "upload-" + time.Now().UTC().Format("20060102T150405Z")
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.HTTP.MaxBodyBytes)
	br := bufio.NewReader(body)
	head, _ := br.Peek(512)
	format := ingest.DetectFormat(source, c.ContentType(), head)

	dataset, err := ingest.Decode(br, format)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Dataset exceeds the upload limit", "limit": tooLarge.Limit})
		case errors.Is(err, ingest.ErrNoTransactions):
			resp := gin.H{"error": err.Error()}
			if dataset != nil {
				resp["warnings"] = dataset.Warnings
			}
			c.JSON(http.StatusUnprocessableEntity, resp)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dataset", "details": err.Error()})
		}
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.HTTP.RunTimeout)
	defer cancel()

	report, err := h.runner.TryRun(ctx, source, dataset.Transactions)
	if errors.Is(err, scanner.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "progress": h.runner.GetProgress()})
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, context.Canceled), errors.Is(err, snapshot.ErrNoStore):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": "Analysis run aborted", "details": err.Error()})
		return
	}

	if h.wsHub != nil {
		h.wsHub.BroadcastRun(gin.H{
			"snapshotId": report.SnapshotID,
			"source":     report.Source,
			"matches":    len(report.Matches),
			"extended":   len(report.Extended),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"report":         report,
		"ingestWarnings": dataset.Warnings,
	})
}

func (h *APIHandler) handleLatestRun(c *gin.Context) {
	report, ok := h.runner.LastReport()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No analysis run yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleCluster returns the cluster of an address in the latest run. Unknown
// addresses are their own singleton cluster.
func (h *APIHandler) handleCluster(c *gin.Context) {
	ce, ok := h.runner.LastClusters()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No analysis run yet"})
		return
	}
	addr := c.Param("address")
	if !ce.Contains(addr) {
		c.JSON(http.StatusOK, gin.H{
			"address": addr,
			"known":   false,
			"cluster": heuristics.SingletonStats(addr),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": addr,
		"known":   true,
		"cluster": ce.GetStats(addr),
	})
}

func (h *APIHandler) handleHistory(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Snapshot storage not configured"})
		return
	}
	addr := c.Param("address")
	history := h.cache.History(addr)
	c.JSON(http.StatusOK, gin.H{
		"address": addr,
		"count":   len(history),
		"history": history,
	})
}

func (h *APIHandler) handleEvolution(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Snapshot storage not configured"})
		return
	}
	addr := c.Param("address")
	summary, ok := correlation.Evolve(addr, h.cache.History(addr))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"address": addr, "noHistory": true})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleAddressTransactions lists the latest run's transactions touching an
// address, in replay order.
func (h *APIHandler) handleAddressTransactions(c *gin.Context) {
	l, ok := h.runner.LastLedger()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No analysis run yet"})
		return
	}
	addr := c.Param("address")
	records := l.Activity(addr)
	c.JSON(http.StatusOK, gin.H{
		"address":      addr,
		"count":        len(records),
		"transactions": records,
	})
}

// handleTrace follows an address's funds downstream through the latest run.
// GET /api/v1/addresses/:address/trace?maxHops=10&minValue=546&minConfidence=0.3
func (h *APIHandler) handleTrace(c *gin.Context) {
	l, ok := h.runner.LastLedger()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No analysis run yet"})
		return
	}

	tc := h.cfg.Trace
	var err error
	if q, set := c.GetQuery("maxHops"); set {
		tc.MaxHops, err = strconv.Atoi(q)
	}
	if q, set := c.GetQuery("minValue"); set && err == nil {
		tc.MinValue, err = strconv.ParseInt(q, 10, 64)
	}
	if q, set := c.GetQuery("minConfidence"); set && err == nil {
		tc.MinConfidence, err = strconv.ParseFloat(q, 64)
	}
	if err == nil {
		err = config.ValidateTrace(tc)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, heuristics.TraceFunds(l, []string{c.Param("address")}, tc))
}

func (h *APIHandler) handleSimilar(c *gin.Context) {
	txid := c.Param("txid")
	results, found := h.runner.Similar(txid, time.Now().UTC())
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No match in the latest run references this transaction", "txid": txid})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"txid":      txid,
		"results":   results,
		"noHistory": len(results) == 0,
	})
}

type snapshotSummary struct {
	ID       string    `json:"id"`
	RunAt    time.Time `json:"runAt"`
	Source   string    `json:"source"`
	Matches  int       `json:"matches"`
	Clusters int       `json:"clusteredAddresses"`
}

// handleSnapshots lists loaded snapshots, newest first.
// GET /api/v1/snapshots?page=1&limit=50
func (h *APIHandler) handleSnapshots(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Snapshot storage not configured"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}

	all := h.cache.Snapshots()
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	data := make([]snapshotSummary, 0, end-start)
	for _, s := range all[start:end] {
		data = append(data, snapshotSummary{
			ID:       s.ID,
			RunAt:    s.RunAt,
			Source:   s.Source,
			Matches:  len(s.Matches),
			Clusters: len(s.Clusters),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       data,
		"totalCount": len(all),
		"skipped":    h.cache.Skipped(),
		"page":       page,
		"limit":      limit,
	})
}

func (h *APIHandler) handleAlerts(c *gin.Context) {
	if h.alerts == nil {
		c.JSON(http.StatusOK, gin.H{"data": []alert.Alert{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{"data": h.alerts.Recent(limit)})
}

func (h *APIHandler) handleWatchlist(c *gin.Context) {
	list := h.watchlist.List()
	c.JSON(http.StatusOK, gin.H{"data": list, "totalCount": len(list)})
}

// handleWatchlistAdd registers an address; later runs alert when it appears.
// POST /api/v1/watchlist {"address":"bc1q...","category":"theft","alertLevel":"critical"}
func (h *APIHandler) handleWatchlistAdd(c *gin.Context) {
	var req heuristics.WatchedAddress
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid watchlist entry", "details": err.Error()})
		return
	}
	if _, ok := alert.ParseLevel(req.AlertLevel); req.AlertLevel != "" && !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown alert level", "alertLevel": req.AlertLevel})
		return
	}
	entry, err := h.watchlist.Add(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Printf("[API] Watching %s (%s, %s)", entry.Address, entry.Category, entry.AlertLevel)
	c.JSON(http.StatusCreated, entry)
}

func (h *APIHandler) handleWatchlistRemove(c *gin.Context) {
	addr := c.Param("address")
	if !h.watchlist.Remove(addr) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Address is not watched", "address": addr})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleHealth returns engine status for service discovery
func (h *APIHandler) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":  "operational",
		"engine":  "btn-analyzer",
		"storage": h.cfg.Storage.Driver,
	}
	if h.cache != nil {
		resp["storageAvailable"] = h.cache.Available()
		resp["snapshots"] = len(h.cache.Snapshots())
		resp["skippedSnapshots"] = h.cache.Skipped()
	}
	if h.wsHub != nil {
		resp["streamClients"] = h.wsHub.Clients()
	}
	if p := h.runner.GetProgress(); p.LastRunID != "" {
		resp["lastRunId"] = p.LastRunID
	}
	if ce, ok := h.runner.LastClusters(); ok {
		resp["clusters"] = ce.TotalClusters()
	}
	c.JSON(http.StatusOK, resp)
}

// handleScanProgress returns the current state of the analysis runner.
func (h *APIHandler) handleScanProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.GetProgress())
}

// LoadHistory primes the snapshot cache at startup. Failures are logged;
// the service still starts and runs without history.
func LoadHistory(ctx context.Context, cache *snapshot.Cache) {
	if cache == nil || !cache.Available() {
		return
	}
	if err := cache.Load(ctx); err != nil {
		log.Printf("[API] Snapshot history unavailable at startup: %v", err)
		return
	}
	log.Printf("[API] Loaded %d snapshots (%d skipped)", len(cache.Snapshots()), cache.Skipped())
}
