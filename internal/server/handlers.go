package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/marketpulse/missioncore/internal/executor"
	"github.com/marketpulse/missioncore/internal/rag"
	"github.com/marketpulse/missioncore/internal/store"
	"github.com/marketpulse/missioncore/internal/streamer"
	"github.com/marketpulse/missioncore/internal/telemetry"
	"github.com/marketpulse/missioncore/internal/vectorstore"
)

// Handlers wires the HTTP transport shell to the process-wide singletons: a
// thin per-resource handler struct holding its collaborators.
type Handlers struct {
	exec    *executor.Executor
	stream  *streamer.Streamer
	ragSvc  *rag.Service
	rel     *store.Store
	vstore  *vectorstore.Adapter
	tel     *telemetry.Telemetry
	metrics *Metrics
}

// NewHandlers constructs a Handlers bundle from the already-wired
// singletons.
func NewHandlers(exec *executor.Executor, stream *streamer.Streamer, ragSvc *rag.Service, rel *store.Store, vstore *vectorstore.Adapter, tel *telemetry.Telemetry, metrics *Metrics) *Handlers {
	return &Handlers{exec: exec, stream: stream, ragSvc: ragSvc, rel: rel, vstore: vstore, tel: tel, metrics: metrics}
}

type missionRequest struct {
	UserInput      string `json:"user_input"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
}

type missionResponse struct {
	Status    string               `json:"status"`
	MissionID int64                `json:"mission_id"`
	Report    string               `json:"report"`
	Trace     []traceEntryResponse `json:"trace"`
}

type traceEntryResponse struct {
	Tool   string `json:"tool"`
	Status string `json:"status,omitempty"`
	Result string `json:"result,omitempty"`
}

func toRequest(req missionRequest) executor.Request {
	return executor.Request{ConversationID: req.ConversationID, Objective: req.UserInput}
}

// RunMissionStream handles the streaming mission-execution endpoint: one
// NDJSON event per line, flushed as the mission progresses.
func (h *Handlers) RunMissionStream(c echo.Context) error {
	var req missionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)
	sink := streamer.NewNDJSONSink(c.Response())

	start := time.Now()
	err := h.stream.Stream(c.Request().Context(), toRequest(req), sink)
	h.recordMission(err, start)
	return err
}

// RunMissionBuffered handles the buffered mission-execution endpoint: one
// JSON object once the mission reaches a terminal status.
func (h *Handlers) RunMissionBuffered(c echo.Context) error {
	var req missionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	start := time.Now()
	result, err := h.exec.Run(c.Request().Context(), toRequest(req), executor.NoopObserver{})
	h.recordMission(err, start)
	if err != nil {
		if result == nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, resultToResponse(result))
	}
	return c.JSON(http.StatusOK, resultToResponse(result))
}

func resultToResponse(result *executor.Result) missionResponse {
	resp := missionResponse{
		Status:    resultStatus(result.Status),
		MissionID: result.MissionID,
		Report:    result.Report,
	}
	for _, t := range result.Trace {
		resp.Trace = append(resp.Trace, traceEntryResponse{Tool: t.Tool, Status: t.Status, Result: t.Result})
	}
	return resp
}

func resultStatus(s string) string {
	if s == store.StatusCompleted {
		return "complete"
	}
	return "failed"
}

func (h *Handlers) recordMission(err error, start time.Time) {
	if h.metrics == nil {
		return
	}
	status := "completed"
	if err != nil {
		status = "failed"
	}
	h.metrics.MissionsTotal.WithLabelValues(status).Inc()
	h.metrics.MissionDuration.Observe(time.Since(start).Seconds())
}

type ragRequest struct {
	Query          string `json:"query"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	MissionID      *int64 `json:"mission_id,omitempty"`
}

type ragResponse struct {
	Query          string   `json:"query"`
	ConversationID int64    `json:"conversation_id"`
	Response       string   `json:"response"`
	Sources        []string `json:"sources"`
	Status         string   `json:"status"`
}

// RAGQuery handles the Q&A endpoint over previously ingested mission
// reports.
func (h *Handlers) RAGQuery(c echo.Context) error {
	var req ragRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	answer, sources, err := h.ragSvc.Ask(c.Request().Context(), req.Query, req.ConversationID, req.MissionID)
	if err != nil {
		h.tel.Logger.Printf("warn: rag query failed: %v", err)
		return c.JSON(http.StatusOK, ragResponse{Query: req.Query, ConversationID: req.ConversationID, Status: "failed"})
	}
	return c.JSON(http.StatusOK, ragResponse{
		Query:          req.Query,
		ConversationID: req.ConversationID,
		Response:       answer,
		Sources:        sources,
		Status:         "ok",
	})
}

type missionLogResponse struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Query          string `json:"query"`
	Response       string `json:"response"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

// ListReports returns every mission log ordered by creation time, newest
// first.
func (h *Handlers) ListReports(c echo.Context) error {
	logs, err := h.rel.ListMissionLogs(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]missionLogResponse, len(logs))
	for i, l := range logs {
		out[i] = missionLogResponse{
			ID:             l.ID,
			ConversationID: l.ConversationID,
			Query:          l.Query,
			Response:       l.Response,
			Status:         l.Status,
			CreatedAt:      l.CreatedAt.Format(time.RFC3339),
		}
	}
	return c.JSON(http.StatusOK, out)
}

// Stats returns the mission-count summary.
func (h *Handlers) Stats(c echo.Context) error {
	st, err := h.rel.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{
		"total_missions":     st.TotalMissions,
		"completed_missions": st.CompletedMissions,
		"failed_missions":    st.FailedMissions,
	})
}

type healthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	VectorStore string `json:"vector_store"`
	ServerTime  string `json:"server_time"`
}

// Health performs the full dependency check; Healthz is the lightweight
// readiness probe mounted separately.
func (h *Handlers) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	dbStatus := "up"
	if err := h.rel.Ping(ctx); err != nil {
		dbStatus = "down"
	}
	vstoreStatus := "up"
	if err := h.vstore.Ping(ctx); err != nil {
		vstoreStatus = "down"
	}

	status := "ok"
	if dbStatus == "down" || vstoreStatus == "down" {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:      status,
		Database:    dbStatus,
		VectorStore: vstoreStatus,
		ServerTime:  time.Now().UTC().Format(time.RFC3339),
	})
}
