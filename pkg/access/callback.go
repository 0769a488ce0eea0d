package access

import (
	"context"

	"github.com/tessara/accesscore/pkg/events"
	"github.com/tessara/accesscore/pkg/store"
	"github.com/tessara/accesscore/pkg/types"
)

// ApplyOutcome applies a device-reported outcome to a command. Terminal
// commands absorb late and duplicate outcomes, so the callback is idempotent
// under gateway retries; exactly one transition ever commits.
func (s *Service) ApplyOutcome(ctx context.Context, orgID, commandID string, req *types.CommandOutcomeRequest) error {
	cmd, err := s.store.GetCommand(ctx, orgID, commandID)
	if err != nil {
		return types.ErrUnavailable("command lookup failed")
	}
	if cmd == nil {
		return types.ErrNotFound("command not found")
	}

	if cmd.State.Terminal() {
		if cmd.State == req.State {
			callbackOutcomesTotal.WithLabelValues("duplicate").Inc()
			s.log.DebugContext(ctx, "duplicate command outcome",
				"org_id", orgID, "command_id", commandID, "state", string(cmd.State))
		} else {
			callbackOutcomesTotal.WithLabelValues("late").Inc()
			s.log.WarnContext(ctx, "late command outcome ignored",
				"org_id", orgID, "command_id", commandID,
				"state", string(cmd.State), "incoming", string(req.State))
		}
		return nil
	}

	confirmedAt := s.now()
	if req.OccurredAt != nil {
		confirmedAt = *req.OccurredAt
	}

	executed := events.CommandExecuted{
		OrgID:      orgID,
		CommandID:  cmd.ID,
		AttemptID:  cmd.AttemptID,
		DeviceID:   cmd.DeviceID,
		FinalState: req.State,
		At:         confirmedAt,
		ErrorCode:  req.ErrorCode,
		Detail:     req.Detail,
		ExternalID: req.ExternalExecID,
	}
	inserts, err := BuildInserts(s.registry, confirmedAt, executed)
	if err != nil {
		return types.ErrInternal("event serialization failed")
	}

	applied, err := s.store.ConfirmCommandTx(ctx, orgID, commandID, store.CommandConfirmation{
		State:          req.State,
		ConfirmedAt:    confirmedAt,
		ErrorCode:      req.ErrorCode,
		ErrorDetail:    req.Detail,
		ExternalExecID: req.ExternalExecID,
		Event:          inserts[0],
	})
	if err != nil {
		s.log.ErrorContext(ctx, "command outcome persistence failed",
			"org_id", orgID, "command_id", commandID, "error", err)
		return types.ErrUnavailable("command outcome persistence failed")
	}
	if !applied {
		// Another outcome committed between our read and the guarded update.
		callbackOutcomesTotal.WithLabelValues("late").Inc()
		s.log.WarnContext(ctx, "command outcome lost final-state race",
			"org_id", orgID, "command_id", commandID, "incoming", string(req.State))
		return nil
	}

	s.fanout.Publish(ctx, executed)

	callbackOutcomesTotal.WithLabelValues("applied").Inc()
	s.log.InfoContext(ctx, "command outcome applied",
		"org_id", orgID,
		"command_id", commandID,
		"attempt_id", cmd.AttemptID,
		"final_state", string(req.State),
	)
	return nil
}
