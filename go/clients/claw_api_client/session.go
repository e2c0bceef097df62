package claw_api_client

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcdev12/clawplay/go/clients"
	"github.com/rs/zerolog/log"
)

// StartSession consumes a one-time start token.
func (c *ClawApiClient) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	body, err := c.PostJSON(ctx, GameStartEndpoint, req)
	if err != nil {
		return nil, fmt.Errorf("failed to start game: %w", err)
	}

	var response startResponse
	if err := clients.DecodeJSON(body, &response); err != nil {
		return nil, fmt.Errorf("failed to start game: %w", err)
	}

	if !response.Success {
		return &StartResult{
			Rejection: &Rejection{
				Reason:         response.Reason,
				RemainingCoins: response.RemainingCoins,
				StillQueued:    response.Status == StartStatusReserved,
			},
		}, nil
	}

	if response.SessionID == nil {
		return nil, fmt.Errorf("failed to start game: %w", ErrMissingSessionID)
	}

	session := &GameSession{
		SessionID:      *response.SessionID,
		RemainingCoins: response.RemainingCoins,
		GameStartTime:  response.GameStartTime,
	}
	if response.DurationSec != nil {
		session.DurationSec = *response.DurationSec
	}

	return &StartResult{Session: session}, nil
}

// EndSession ends a session. It is not idempotent on the server; callers must
// make sure it is invoked once per session.
func (c *ClawApiClient) EndSession(ctx context.Context, sessionID int64, reason string) (*EndResult, error) {
	body, err := c.PostJSON(ctx, GameEndEndpoint, EndRequest{SessionID: sessionID, Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("failed to end game: %w", err)
	}

	var response endResponse
	if err := clients.DecodeJSON(body, &response); err != nil {
		return nil, fmt.Errorf("failed to end game: %w", err)
	}

	result := GameResult(strings.ToUpper(response.Result))
	switch result {
	case GameResultSuccess, GameResultFail:
	default:
		log.Warn().
			Int64("session_id", sessionID).
			Str("result", response.Result).
			Msg("unknown game result, treating as FAIL")
		result = GameResultFail
	}

	return &EndResult{
		SessionID:      response.SessionID,
		MachineID:      response.MachineID,
		Result:         result,
		EndedAt:        response.EndedAt,
		RemainingCoins: response.RemainingCoins,
	}, nil
}

// Heartbeat keeps a session alive. An empty or unparseable 2xx body counts as
// success; only transport errors and an explicit success:false fail.
func (c *ClawApiClient) Heartbeat(ctx context.Context, sessionID int64) error {
	body, err := c.PostJSON(ctx, GameHeartbeatEndpoint, HeartbeatRequest{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}

	var response heartbeatResponse
	if err := clients.DecodeJSON(body, &response); err != nil {
		log.Debug().
			Int64("session_id", sessionID).
			Int("size", len(body)).
			Msg("heartbeat body not JSON, treating as success")
		return nil
	}

	if response.Success != nil && !*response.Success {
		return &RejectedError{Op: "heartbeat", Reason: response.Message}
	}

	return nil
}
