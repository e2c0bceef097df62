package claw_api_client

const (
	// API Endpoints
	QueueEnterEndpoint    = "/api/queue/enter"
	QueueStatusEndpoint   = "/api/queue/reserved_check"
	GameStartEndpoint     = "/api/game/start"
	GameEndEndpoint       = "/api/game/end"
	GameHeartbeatEndpoint = "/api/game/heartbeat"

	// Domain signal returned by the enter endpoint when the user is already queued
	QueueEnteredSignal = "QUEUE_ENTERED"

	// Start rejection status meaning the user keeps their queue slot
	StartStatusReserved = "reserved"

	// Headers
	AuthorizationHeader = "Authorization"
)
