package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"outreach-platform/internal/audit"
	"outreach-platform/internal/auth"
	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/dispatch"
	"outreach-platform/internal/events"
	"outreach-platform/internal/modelruntime"
	"outreach-platform/internal/patients"
	"outreach-platform/internal/rbac"
	"outreach-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth       *auth.Manager
	Patients   patients.Repository
	Campaigns  campaigns.Repository
	Calls      calls.Repository
	Events     events.Store
	Runtime    *modelruntime.Manager
	Dispatcher *dispatch.Dispatcher
	Reports    *reporting.Service
	Audit      *audit.Service
}

// --- Auth ---

type loginRequest struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.OrganizationID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, organization_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.OrganizationID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Campaigns ---

type createCampaignRequest struct {
	Name           string `json:"name"`
	Goal           string `json:"goal"`
	PromptTemplate string `json:"prompt_template"`
	GreetingScript string `json:"greeting_script"`
}

func (h Handlers) CreateCampaign(c *gin.Context) {
	organizationID, err := auth.OrganizationID(c.Request.Context())
	if err != nil || organizationID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Name == "" || req.Goal == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "name and goal required"})
		return
	}
	created, err := h.Campaigns.Create(c.Request.Context(), campaigns.Campaign{
		OrganizationID: organizationID,
		Name:           req.Name,
		Goal:           req.Goal,
		PromptTemplate: req.PromptTemplate,
		GreetingScript: req.GreetingScript,
		Status:         campaigns.StatusDraft,
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "campaign create failed"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h Handlers) GetCampaign(c *gin.Context) {
	camp, ok := h.campaignForOrg(c, c.Param("campaign_id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, camp)
}

// DispatchCampaign queues one call job per pending campaign member.
func (h Handlers) DispatchCampaign(c *gin.Context) {
	if h.Dispatcher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatcher not configured"})
		return
	}
	camp, ok := h.campaignForOrg(c, c.Param("campaign_id"))
	if !ok {
		return
	}
	mode := c.DefaultQuery("mode", dispatch.ModeWebsocket)
	if mode != dispatch.ModeWebsocket && mode != dispatch.ModeSimulation {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "mode must be websocket or simulation"})
		return
	}

	n, err := h.Dispatcher.DispatchCampaign(c.Request.Context(), camp.ID, mode)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}
	h.logDispatch(c, camp.OrganizationID, camp.ID, "", "campaign dispatched")
	c.JSON(http.StatusOK, gin.H{"queued": n, "mode": mode})
}

// --- Patients ---

type createPatientRequest struct {
	CampaignID string            `json:"campaign_id"`
	Name       string            `json:"name"`
	Phone      string            `json:"phone"`
	Metadata   map[string]string `json:"metadata"`
}

func (h Handlers) CreatePatient(c *gin.Context) {
	var req createPatientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Name == "" || req.CampaignID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "name and campaign_id required"})
		return
	}
	camp, ok := h.campaignForOrg(c, req.CampaignID)
	if !ok {
		return
	}
	created, err := h.Patients.Create(c.Request.Context(), patients.Patient{
		OrganizationID: camp.OrganizationID,
		CampaignID:     camp.ID,
		Name:           req.Name,
		Phone:          req.Phone,
		Status:         patients.StatusPending,
		Metadata:       req.Metadata,
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "patient create failed"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h Handlers) ListCampaignPatients(c *gin.Context) {
	camp, ok := h.campaignForOrg(c, c.Param("campaign_id"))
	if !ok {
		return
	}
	var statuses []patients.Status
	if s := c.Query("status"); s != "" {
		statuses = []patients.Status{patients.Status(s)}
	}
	rows, err := h.Patients.ByCampaignStatus(c.Request.Context(), camp.ID, statuses)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "patient list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"patients": rows})
}

// DispatchPatient queues a single call job, optionally delayed.
func (h Handlers) DispatchPatient(c *gin.Context) {
	if h.Dispatcher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatcher not configured"})
		return
	}
	p, err := h.Patients.Get(c.Request.Context(), c.Param("patient_id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "patient not found"})
		return
	}
	if !h.sameOrg(c, p.OrganizationID) {
		return
	}
	mode := c.DefaultQuery("mode", dispatch.ModeWebsocket)
	if mode != dispatch.ModeWebsocket && mode != dispatch.ModeSimulation {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "mode must be websocket or simulation"})
		return
	}
	var delay time.Duration
	if raw := c.Query("delay"); raw != "" {
		delay, err = time.ParseDuration(raw)
		if err != nil || delay < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid delay"})
			return
		}
	}

	job, err := h.Dispatcher.DispatchPatient(c.Request.Context(), p.ID, mode, delay)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}
	h.logDispatch(c, p.OrganizationID, p.CampaignID, p.ID, "patient dispatched")
	c.JSON(http.StatusOK, job)
}

// --- Calls ---

func (h Handlers) GetCall(c *gin.Context) {
	call, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if !h.sameOrg(c, call.OrganizationID) {
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) ListCallsByState(c *gin.Context) {
	organizationID, err := auth.OrganizationID(c.Request.Context())
	if err != nil || organizationID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}
	state := calls.State(c.DefaultQuery("state", string(calls.StateRequiresFollowup)))
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}
	rows, err := h.Calls.ByState(c.Request.Context(), organizationID, state, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": rows})
}

func (h Handlers) ListCallEvents(c *gin.Context) {
	call, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if !h.sameOrg(c, call.OrganizationID) {
		return
	}
	evs, err := h.Events.ByCall(c.Request.Context(), call.ID, 200)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// --- Reports ---

func (h Handlers) CallsSummary(c *gin.Context) {
	organizationID, rng, ok := h.reportScope(c)
	if !ok {
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		OrganizationID: organizationID,
		Range:          rng,
		CampaignID:     c.Query("campaign_id"),
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) OutcomeMetrics(c *gin.Context) {
	organizationID, rng, ok := h.reportScope(c)
	if !ok {
		return
	}
	out, err := h.Reports.OutcomeMetrics(c.Request.Context(), reporting.OutcomeMetricsRequest{
		OrganizationID: organizationID,
		Range:          rng,
		CampaignID:     c.Query("campaign_id"),
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) SentimentBreakdown(c *gin.Context) {
	organizationID, rng, ok := h.reportScope(c)
	if !ok {
		return
	}
	out, err := h.Reports.SentimentBreakdown(c.Request.Context(), reporting.SentimentBreakdownRequest{
		OrganizationID: organizationID,
		Range:          rng,
		CampaignID:     c.Query("campaign_id"),
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Admin ---

// RuntimeState reports which model family holds the GPU and how many
// realtime sessions are live.
func (h Handlers) RuntimeState(c *gin.Context) {
	if h.Runtime == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "runtime not configured"})
		return
	}
	st := h.Runtime.State()
	c.JSON(http.StatusOK, gin.H{
		"stage":                    st.Stage,
		"active_realtime_sessions": st.ActiveRealtimeSessions,
	})
}

// --- helpers ---

// campaignForOrg loads a campaign and enforces that the caller's
// organization owns it. super_admin may cross organizations.
func (h Handlers) campaignForOrg(c *gin.Context, id string) (campaigns.Campaign, bool) {
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id required"})
		return campaigns.Campaign{}, false
	}
	camp, err := h.Campaigns.Get(c.Request.Context(), id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return campaigns.Campaign{}, false
	}
	if !h.sameOrg(c, camp.OrganizationID) {
		return campaigns.Campaign{}, false
	}
	return camp, true
}

func (h Handlers) sameOrg(c *gin.Context, owner string) bool {
	role, _ := auth.Role(c.Request.Context())
	if rbac.IsSuperAdmin(role) {
		return true
	}
	organizationID, err := auth.OrganizationID(c.Request.Context())
	if err != nil || organizationID != owner {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return false
	}
	return true
}

func (h Handlers) reportScope(c *gin.Context) (string, reporting.TimeRange, bool) {
	organizationID, err := auth.OrganizationID(c.Request.Context())
	if err != nil || organizationID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return "", reporting.TimeRange{}, false
	}
	now := time.Now().UTC()
	rng := reporting.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	if raw := c.Query("from"); raw != "" {
		rng.From, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return "", reporting.TimeRange{}, false
		}
	}
	if raw := c.Query("to"); raw != "" {
		rng.To, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return "", reporting.TimeRange{}, false
		}
	}
	return organizationID, rng, true
}

// logDispatch is best-effort; dispatch never fails on an audit error.
func (h Handlers) logDispatch(c *gin.Context, organizationID, campaignID, patientID, message string) {
	if h.Audit == nil {
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	_ = h.Audit.LogDispatch(c.Request.Context(), organizationID, userID, role, c.ClientIP(), campaignID, patientID, message, "")
}

// Convenience middleware bundles.

func RequireOrganizationAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOrganization(), rbac.RequireAnyRole(roles...)}
}
