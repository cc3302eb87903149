package main

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/models/reports"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
	"bitbucket.org/mmdatafocus/verify_backend/workflow"
	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// respondError maps engine errors to HTTP statuses. Anything unrecognised is a
// 500 and goes to the error log.
func respondError(c *gin.Context, err error) {
	var (
		validationErr   *utils.ValidationError
		notFoundErr     *utils.NotFoundError
		selfErr         *utils.SelfVerificationError
		contentionErr   *utils.ContentionError
		reconcileErr    *utils.ReconciliationError
		insufficientErr *utils.InsufficientPointsError
	)
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": validationErr.Field})
	case errors.As(err, &insufficientErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "balance": insufficientErr.Balance})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &selfErr):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &contentionErr):
		retry := int(contentionErr.Waited.Seconds())
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &reconcileErr):
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "frozen": true})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func callerID(c *gin.Context) string {
	id, _ := utils.GetUserIdFromContext(c.Request.Context())
	return id
}

func isAdmin(c *gin.Context) bool {
	return utils.IsAdminInContext(c.Request.Context())
}

type submitIncidentRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Urgency     models.Urgency `json:"urgency"`
	Location    string         `json:"location"`
}

func (a *api) submitIncidentHandler(c *gin.Context) {
	var req submitIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	inc, err := a.engine().SubmitIncident(c.Request.Context(), models.NewIncidentInput{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Urgency:     req.Urgency,
		Location:    req.Location,
		ReporterID:  callerID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inc)
}

func (a *api) listIncidentsHandler(c *gin.Context) {
	var filter models.IncidentFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	incidents, err := a.engine().ListIncidents(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if incidents == nil {
		incidents = []models.Incident{}
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}

func (a *api) getIncidentHandler(c *gin.Context) {
	ctx := c.Request.Context()
	inc, err := a.engine().GetIncident(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	votes, err := a.engine().ListVerifications(ctx, inc.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if votes == nil {
		votes = []models.Verification{}
	}
	c.JSON(http.StatusOK, gin.H{"incident": inc, "verifications": votes})
}

type submitVerificationRequest struct {
	Verdict models.Verdict `json:"verdict"`
	Comment string         `json:"comment"`
}

func (a *api) submitVerificationHandler(c *gin.Context) {
	var req submitVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	clientHash, _ := utils.GetClientHashFromContext(c.Request.Context())
	res, err := a.engine().SubmitVerification(c.Request.Context(), models.NewVerificationInput{
		IncidentID: c.Param("id"),
		VoterID:    callerID(c),
		Verdict:    req.Verdict,
		Comment:    req.Comment,
		ClientHash: clientHash,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (a *api) getReputationHandler(c *gin.Context) {
	view, err := a.engine().GetUserReputation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ledgerStatementHandler exports the caller's own ledger; admins may export anyone's.
func (a *api) ledgerStatementHandler(c *gin.Context) {
	userID := c.Param("id")
	if userID != callerID(c) && !isAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	view, entries, err := a.engine().ListLedgerEntries(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := reports.WriteLedgerStatement(&buf, view, entries); err != nil {
		respondError(c, err)
		return
	}
	filename := "ledger-" + userID + "-" + time.Now().UTC().Format("20060102") + ".xlsx"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (a *api) listRewardsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rewards": models.RewardCatalog(c.Query("category"))})
}

func (a *api) redeemRewardHandler(c *gin.Context) {
	red, err := a.engine().RedeemReward(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, red)
}

func (a *api) reconcileHandler(c *gin.Context) {
	summary, err := a.engine().RunReconciliationChecks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type recomputeRequest struct {
	IncidentIDs []string `json:"incident_ids"`
	// Used when IncidentIDs is empty: recompute pending incidents older than this.
	OlderThanMinutes int `json:"older_than_minutes"`
	Limit            int `json:"limit"`
}

func (a *api) recomputeHandler(c *gin.Context) {
	var req recomputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	var (
		transitions []workflow.StatusTransition
		err         error
	)
	if len(req.IncidentIDs) > 0 {
		transitions, err = a.engine().RecomputeIncidents(c.Request.Context(), req.IncidentIDs)
	} else {
		if req.OlderThanMinutes <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "incident_ids or older_than_minutes is required"})
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = 500
		}
		transitions, err = a.engine().RecomputeStale(c.Request.Context(), time.Duration(req.OlderThanMinutes)*time.Minute, limit)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if transitions == nil {
		transitions = []workflow.StatusTransition{}
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

func (a *api) unfreezeHandler(c *gin.Context) {
	view, err := a.engine().UnfreezeAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *api) identityHandler(c *gin.Context) {
	view, err := a.engine().MarkIdentityVerified(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *api) outboxReplayHandler(c *gin.Context) {
	n, err := a.engine().ReplayStatusEvents(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"replayed":       n,
		"publish_status": models.OutboxPublishStatusPending,
	})
}
