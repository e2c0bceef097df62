package claw_api_client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mcdev12/clawplay/go/clients"
	"github.com/rs/zerolog/log"
)

func queueQuery(endpoint, userID string, machineID int64) string {
	params := url.Values{}
	params.Set("userId", userID)
	params.Set("machineId", strconv.FormatInt(machineID, 10))
	return endpoint + "?" + params.Encode()
}

// EnterQueue asks for queue admission. An "already queued" answer comes back
// as EnterResult.AlreadyQueued, whether the server sends it in a 2xx body or
// as an error payload.
func (c *ClawApiClient) EnterQueue(ctx context.Context, userID string, machineID int64) (*EnterResult, error) {
	body, err := c.Post(ctx, queueQuery(QueueEnterEndpoint, userID, machineID), nil)
	if err != nil {
		var apiErr *clients.APIError
		if errors.As(err, &apiErr) && isQueueEnteredSignal(apiErr.Message, apiErr.Code) {
			log.Debug().
				Str("user_id", userID).
				Int64("machine_id", machineID).
				Msg("queue enter answered with QUEUE_ENTERED error payload")
			return &EnterResult{AlreadyQueued: true}, nil
		}
		return nil, fmt.Errorf("failed to enter queue: %w", err)
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return &EnterResult{}, nil
	}

	var response enterResponse
	if err := clients.DecodeJSON(body, &response); err != nil {
		return nil, fmt.Errorf("failed to enter queue: %w", err)
	}

	result := &EnterResult{
		Position:     response.Position,
		QueueEntryID: formatEntryID(response.QueueEntryID),
	}

	if isQueueEnteredSignal(response.Message, response.Code, response.ErrorCode, response.Error) {
		result.AlreadyQueued = true
		return result, nil
	}

	if response.Success != nil && !*response.Success {
		reason := response.Message
		if reason == "" {
			reason = response.Error
		}
		return nil, &RejectedError{Op: "enter queue", Reason: reason}
	}

	return result, nil
}

func isQueueEnteredSignal(values ...string) bool {
	for _, v := range values {
		if strings.Contains(v, QueueEnteredSignal) {
			return true
		}
	}
	return false
}

func formatEntryID(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// CheckStatus polls the reserved_check endpoint. It is side-effect free and
// safe to call repeatedly.
func (c *ClawApiClient) CheckStatus(ctx context.Context, userID string, machineID int64) (*QueueStatus, error) {
	body, err := c.Get(ctx, queueQuery(QueueStatusEndpoint, userID, machineID))
	if err != nil {
		return nil, fmt.Errorf("failed to check queue status: %w", err)
	}

	var status QueueStatus
	if err := clients.DecodeJSON(body, &status); err != nil {
		return nil, fmt.Errorf("failed to check queue status: %w", err)
	}

	log.Debug().
		Str("user_id", userID).
		Int64("machine_id", machineID).
		Interface("position", status.Position).
		Str("state", string(status.State)).
		Bool("can_start", status.CanStart).
		Bool("has_token", status.StartToken != "").
		Msg("queue status")

	return &status, nil
}
