package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spike-crypto/voicebot/internal/models"
	pgrepo "github.com/spike-crypto/voicebot/internal/repositories/postgres"
	"github.com/spike-crypto/voicebot/internal/utils"
	"gorm.io/datatypes"
)

const DefaultPersonaID = "default"

var defaultRules = []string{
	"Keep responses under 50 words",
	"Be enthusiastic but brief",
	"Do not use markdown formatting (no bold, italics or lists)",
	"Speak naturally as if in a voice conversation",
	"For greetings, introduce yourself",
	"For prepared questions, use the prepared answers",
	"For other questions, give 2-3 sentence answers focusing on impact",
}

// DefaultPersona is used until an admin stores one.
func DefaultPersona() *models.Persona {
	rules, _ := json.Marshal(defaultRules)
	return &models.Persona{
		ID:       DefaultPersonaID,
		FullName: "Alex Rivera",
		Headline: "a backend engineer",
		Summary:  "I build reliable distributed services in Go and enjoy turning messy requirements into simple systems.",
		Skills:   []string{"Go", "distributed systems", "PostgreSQL", "Redis", "Kubernetes"},
		Answers:  datatypes.JSON(`{}`),
		Rules:    datatypes.JSON(rules),
	}
}

// PersonaService owns the interview persona and the system prompt built
// from it. The prompt is cached; it changes only through Upsert.
type PersonaService interface {
	Get(ctx context.Context) (*models.Persona, error)
	Upsert(ctx context.Context, p *models.Persona) error
	SystemPrompt(ctx context.Context) (string, error)
}

type personaService struct {
	repo   pgrepo.PersonaRepository // nil keeps the persona in memory only
	logger *logrus.Logger

	mu      sync.RWMutex
	current *models.Persona
	prompt  string
}

func NewPersonaService(repo pgrepo.PersonaRepository, logger *logrus.Logger) PersonaService {
	if logger == nil {
		logger = logrus.New()
	}
	return &personaService{repo: repo, logger: logger}
}

func (s *personaService) load(ctx context.Context) (*models.Persona, string, error) {
	s.mu.RLock()
	p, prompt := s.current, s.prompt
	s.mu.RUnlock()
	if p != nil {
		return p, prompt, nil
	}

	p = DefaultPersona()
	if s.repo != nil {
		stored, err := s.repo.Get(ctx, DefaultPersonaID)
		switch {
		case err == nil:
			p = stored
		case errors.Is(err, utils.ErrNotFound):
		default:
			return nil, "", err
		}
	}

	prompt, err := BuildSystemPrompt(p)
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	if s.current == nil {
		s.current, s.prompt = p, prompt
	}
	p, prompt = s.current, s.prompt
	s.mu.Unlock()
	return p, prompt, nil
}

func (s *personaService) Get(ctx context.Context) (*models.Persona, error) {
	const op = "PersonaService.Get"

	p, _, err := s.load(ctx)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to load persona", err)
	}
	out := *p
	return &out, nil
}

func (s *personaService) Upsert(ctx context.Context, p *models.Persona) error {
	const op = "PersonaService.Upsert"

	if p == nil || strings.TrimSpace(p.FullName) == "" {
		return utils.E(utils.CodeInvalidArgument, op, "persona.full_name is required", nil)
	}
	p.ID = DefaultPersonaID
	if len(p.Answers) == 0 {
		p.Answers = datatypes.JSON(`{}`)
	}
	if len(p.Rules) == 0 {
		rules, _ := json.Marshal(defaultRules)
		p.Rules = datatypes.JSON(rules)
	}
	prompt, err := BuildSystemPrompt(p)
	if err != nil {
		return utils.E(utils.CodeInvalidArgument, op, "invalid persona", err)
	}
	p.UpdatedAt = time.Now().UTC()

	if s.repo != nil {
		if err := s.repo.Upsert(ctx, p); err != nil {
			return utils.E(utils.CodeInternal, op, "failed to upsert persona", err)
		}
	}

	cp := *p
	s.mu.Lock()
	s.current, s.prompt = &cp, prompt
	s.mu.Unlock()
	s.logger.WithField("persona", p.FullName).Info("persona updated")
	return nil
}

func (s *personaService) SystemPrompt(ctx context.Context) (string, error) {
	const op = "PersonaService.SystemPrompt"

	_, prompt, err := s.load(ctx)
	if err != nil {
		return "", utils.E(utils.CodeInternal, op, "failed to load persona", err)
	}
	return prompt, nil
}

// BuildSystemPrompt renders p deterministically; the prompt is part of
// every cache fingerprint, so map order must not leak into it.
func BuildSystemPrompt(p *models.Persona) (string, error) {
	var answers map[string]string
	if len(p.Answers) > 0 {
		if err := json.Unmarshal(p.Answers, &answers); err != nil {
			return "", fmt.Errorf("answers: %w", err)
		}
	}
	var rules []string
	if len(p.Rules) > 0 {
		if err := json.Unmarshal(p.Rules, &rules); err != nil {
			return "", fmt.Errorf("rules: %w", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", p.FullName)
	if p.Headline != "" {
		fmt.Fprintf(&b, ", %s,", p.Headline)
	}
	b.WriteString(" in a voice interview. Keep responses under 50 words. Be concise and natural.\n")

	if p.Summary != "" {
		fmt.Fprintf(&b, "\nABOUT YOU:\n%s\n", p.Summary)
	}
	if len(p.Skills) > 0 {
		fmt.Fprintf(&b, "\nSKILLS: %s\n", strings.Join(p.Skills, ", "))
	}
	if len(answers) > 0 {
		topics := make([]string, 0, len(answers))
		for t := range answers {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		b.WriteString("\nPREPARED ANSWERS (use these when asked):\n")
		for _, t := range topics {
			fmt.Fprintf(&b, "- %s: %q\n", t, answers[t])
		}
	}
	if len(rules) > 0 {
		b.WriteString("\nRESPONSE RULES:\n")
		for _, r := range rules {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return strings.TrimSpace(b.String()), nil
}
