package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/providers/llm"
	"github.com/spike-crypto/voicebot/internal/services"
	"github.com/spike-crypto/voicebot/internal/utils"
	"gorm.io/datatypes"
)

type AdminHandler struct {
	chain   *llm.Chain
	persona services.PersonaService
}

func NewAdminHandler(chain *llm.Chain, persona services.PersonaService) *AdminHandler {
	return &AdminHandler{chain: chain, persona: persona}
}

func (h *AdminHandler) Providers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.chain.Health()})
}

// Health is unauthenticated; it reports degraded while every provider's
// circuit is open.
func (h *AdminHandler) Health(c *gin.Context) {
	records := h.chain.Health()
	open := 0
	for _, r := range records {
		if r.State == llm.CircuitOpen {
			open++
		}
	}
	status := "ok"
	if len(records) > 0 && open == len(records) {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "providers": len(records), "providers_open": open})
}

func (h *AdminHandler) GetPersona(c *gin.Context) {
	p, err := h.persona.Get(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type UpdatePersonaRequest struct {
	FullName string           `json:"full_name" binding:"required"`
	Headline string           `json:"headline"`
	Summary  string           `json:"summary"`
	Skills   []string         `json:"skills"`
	Answers  *json.RawMessage `json:"answers,omitempty"`
	Rules    *json.RawMessage `json:"rules,omitempty"`
}

func (h *AdminHandler) PutPersona(c *gin.Context) {
	var req UpdatePersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "AdminHandler.PutPersona", "invalid request body", err))
		return
	}

	p := &models.Persona{
		FullName: req.FullName,
		Headline: req.Headline,
		Summary:  req.Summary,
		Skills:   req.Skills,
	}
	if req.Answers != nil {
		p.Answers = datatypes.JSON(*req.Answers)
	}
	if req.Rules != nil {
		p.Rules = datatypes.JSON(*req.Rules)
	}

	if err := h.persona.Upsert(c.Request.Context(), p); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
