package build

import (
	"context"
	"log/slog"

	"forma/internal/domain"
	"forma/internal/domain/models/cad"
	"forma/internal/service/repair"
)

// RegenState is the regeneration state machine's position for one failed
// compile.
type RegenState string

const (
	RegenAwaitingRepair  RegenState = "awaiting_repair"
	RegenRepairProposed  RegenState = "repair_proposed"
	RegenRepairExhausted RegenState = "repair_exhausted"
)

// RepairClient is the code-repair service boundary as the pipeline
// consumes it.
type RepairClient interface {
	Fix(ctx context.Context, req *repair.FixRequest) (*repair.FixResponse, error)
}

// RegenerationAttempt is the ephemeral record of one repair cycle.
type RegenerationAttempt struct {
	AttemptNumber  int
	PreviousCode   string
	ErrorMessage   string
	CompilerLog    []string
	OriginalPrompt string

	// ProposedCode is filled in when the cycle reaches RepairProposed.
	ProposedCode string
	Parameters   []cad.Parameter
}

// RegenerationController drives repair cycles for failed compiles. It
// holds no state across calls: attempt bookkeeping lives with the build
// that owns it.
type RegenerationController struct {
	repair          RepairClient
	maxAutoAttempts int
	logger          *slog.Logger
}

// NewRegenerationController creates a controller. maxAutoAttempts bounds
// automatic cycles per original failure (default 1: exactly one silent
// repair before the user must ask again).
func NewRegenerationController(repairClient RepairClient, maxAutoAttempts int, logger *slog.Logger) *RegenerationController {
	if maxAutoAttempts < 0 {
		maxAutoAttempts = 0
	}
	return &RegenerationController{
		repair:          repairClient,
		maxAutoAttempts: maxAutoAttempts,
		logger:          logger,
	}
}

// ShouldAttempt reports whether an automatic cycle is still within budget.
func (c *RegenerationController) ShouldAttempt(attemptNumber int) bool {
	return attemptNumber < c.maxAutoAttempts
}

// Attempt runs one repair cycle. On success the attempt record comes back
// with ProposedCode filled and state RepairProposed. Any repair-service
// failure moves straight to RepairExhausted; the controller never loops on
// an unavailable service.
func (c *RegenerationController) Attempt(ctx context.Context, attempt RegenerationAttempt) (RegenerationAttempt, RegenState) {
	c.logger.Info("requesting code repair",
		"attempt", attempt.AttemptNumber,
		"error", attempt.ErrorMessage,
		"log_lines", len(attempt.CompilerLog),
	)

	proposal, err := c.repair.Fix(ctx, &repair.FixRequest{
		OriginalCode:   attempt.PreviousCode,
		ErrorMessage:   attempt.ErrorMessage,
		CompilerLog:    attempt.CompilerLog,
		OriginalPrompt: attempt.OriginalPrompt,
	})
	if err != nil {
		var berr *domain.BuildError
		if e, ok := err.(*domain.BuildError); ok {
			berr = e
		}
		c.logger.Warn("repair service failed, exhausting cycle",
			"attempt", attempt.AttemptNumber,
			"error", err,
			"kind", kindOf(berr),
		)
		return attempt, RegenRepairExhausted
	}

	attempt.ProposedCode = proposal.FixedCode
	attempt.Parameters = proposal.Parameters
	return attempt, RegenRepairProposed
}

func kindOf(berr *domain.BuildError) domain.BuildErrorKind {
	if berr == nil {
		return ""
	}
	return berr.Kind
}
