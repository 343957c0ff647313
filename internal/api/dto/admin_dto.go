package dto

type QueueDTO struct {
	Depth  int     `json:"depth"`
	JobIDs []int64 `json:"job_ids"`
}

type QueuesResponse struct {
	Total  int                 `json:"total"`
	Queues map[string]QueueDTO `json:"queues"`
}

type RegisterClassRequest struct {
	RetryLimit        int `json:"retry_limit" binding:"gte=0"`
	StaleAfterSeconds int `json:"stale_after_seconds" binding:"gte=0"`
}

type WorkerClassDTO struct {
	Name              string `json:"name"`
	RetryLimit        int    `json:"retry_limit"`
	StaleAfterSeconds int    `json:"stale_after_seconds"`
	Depth             int    `json:"depth"`
}

type MetricsRequest struct {
	IncludeStackTraces bool `form:"include_stack_traces"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
