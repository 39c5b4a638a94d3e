package handlers

import (
	"encoding/json"
	"net/http"
)

// OpenAPIHandler serves the OpenAPI specification
type OpenAPIHandler struct {
	spec map[string]interface{}
}

// NewOpenAPIHandler creates a new OpenAPI handler
func NewOpenAPIHandler() *OpenAPIHandler {
	return &OpenAPIHandler{
		spec: generateOpenAPISpec(),
	}
}

// ServeSpec handles GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(h.spec)
}

// generateOpenAPISpec creates the OpenAPI 3.0 specification
func generateOpenAPISpec() map[string]interface{} {
	jsonBody := func(ref string) map[string]interface{} {
		return map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]interface{}{"$ref": ref},
			},
		}
	}
	idParam := map[string]interface{}{
		"name":        "id",
		"in":          "path",
		"required":    true,
		"description": "Request ID (or full workflow ID) returned at submission",
		"schema":      map[string]interface{}{"type": "string"},
	}

	return map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "QuantumLayer Generation API",
			"version":     "0.1.0",
			"description": "REST API for submitting and tracking code generation runs",
		},
		"servers": []map[string]interface{}{
			{
				"url":         "http://localhost:8080",
				"description": "Local development server",
			},
		},
		"security": []map[string]interface{}{
			{"apiKey": []string{}},
			{"bearer": []string{}},
		},
		"paths": map[string]interface{}{
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":  "Liveness probe",
					"security": []interface{}{},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Gateway is up",
							"content":     jsonBody("#/components/schemas/HealthResponse"),
						},
					},
				},
			},
			"/readiness": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":  "Readiness probe",
					"security": []interface{}{},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{"description": "Temporal and database reachable"},
						"503": map[string]interface{}{"description": "A dependency is down"},
					},
				},
			},
			"/api/v1/generations": map[string]interface{}{
				"post": map[string]interface{}{
					"summary":     "Submit a generation request",
					"description": "Starts a durable generation workflow. Resubmitting the same request_id attaches to the original run.",
					"parameters": []map[string]interface{}{
						{
							"name":        "Idempotency-Key",
							"in":          "header",
							"description": "Replays the cached response for a repeated submission",
							"required":    false,
							"schema":      map[string]interface{}{"type": "string"},
						},
					},
					"requestBody": map[string]interface{}{
						"required": true,
						"content":  jsonBody("#/components/schemas/SubmitRequest"),
					},
					"responses": map[string]interface{}{
						"202": map[string]interface{}{
							"description": "Generation accepted",
							"content":     jsonBody("#/components/schemas/SubmitResponse"),
						},
						"400": map[string]interface{}{"description": "Invalid request"},
						"401": map[string]interface{}{"description": "Unauthorized"},
						"429": map[string]interface{}{"description": "Rate limit exceeded"},
					},
				},
			},
			"/api/v1/generations/{id}": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get generation status",
					"description": "Queries the live workflow; terminal runs fall back to the persisted record.",
					"parameters":  []map[string]interface{}{idParam},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Current status",
							"content":     jsonBody("#/components/schemas/StatusResponse"),
						},
						"404": map[string]interface{}{"description": "Unknown generation"},
					},
				},
			},
			"/api/v1/generations/{id}/result": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get the capsule manifest",
					"description": "404 until the run finished with a capsule. Pass content=true to embed file bodies.",
					"parameters": []map[string]interface{}{
						idParam,
						{
							"name":     "content",
							"in":       "query",
							"required": false,
							"schema":   map[string]interface{}{"type": "boolean"},
						},
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Capsule manifest",
							"content":     jsonBody("#/components/schemas/CapsuleManifest"),
						},
						"404": map[string]interface{}{"description": "Not finished, failed, or unknown"},
					},
				},
			},
			"/api/v1/generations/{id}/cancel": map[string]interface{}{
				"post": map[string]interface{}{
					"summary":     "Cancel a generation",
					"description": "Cooperative cancel: in-flight tasks drain, then the run reports cancelled.",
					"parameters":  []map[string]interface{}{idParam},
					"requestBody": map[string]interface{}{
						"required": false,
						"content":  jsonBody("#/components/schemas/ControlRequest"),
					},
					"responses": map[string]interface{}{
						"202": map[string]interface{}{"description": "Cancellation requested"},
						"404": map[string]interface{}{"description": "Unknown generation"},
						"409": map[string]interface{}{"description": "Already finished"},
					},
				},
			},
			"/api/v1/generations/{id}/pause": map[string]interface{}{
				"post": map[string]interface{}{
					"summary":    "Pause a generation between scheduling waves",
					"parameters": []map[string]interface{}{idParam},
					"responses": map[string]interface{}{
						"202": map[string]interface{}{"description": "Pause requested"},
						"404": map[string]interface{}{"description": "Unknown generation"},
						"409": map[string]interface{}{"description": "Already finished"},
					},
				},
			},
			"/api/v1/generations/{id}/resume": map[string]interface{}{
				"post": map[string]interface{}{
					"summary":    "Resume a paused generation",
					"parameters": []map[string]interface{}{idParam},
					"responses": map[string]interface{}{
						"202": map[string]interface{}{"description": "Resume requested"},
						"404": map[string]interface{}{"description": "Unknown generation"},
						"409": map[string]interface{}{"description": "Already finished"},
					},
				},
			},
			"/api/v1/generations/{id}/feedback": map[string]interface{}{
				"post": map[string]interface{}{
					"summary":     "Inject guidance into a running generation",
					"description": "The message is appended to prompts of tasks not yet dispatched.",
					"parameters":  []map[string]interface{}{idParam},
					"requestBody": map[string]interface{}{
						"required": true,
						"content":  jsonBody("#/components/schemas/FeedbackRequest"),
					},
					"responses": map[string]interface{}{
						"202": map[string]interface{}{"description": "Feedback queued"},
						"404": map[string]interface{}{"description": "Unknown generation"},
					},
				},
			},
			"/api/v1/generations/{id}/control-state": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "Get pause/cancel state",
					"parameters": []map[string]interface{}{idParam},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{"description": "Control state"},
						"404": map[string]interface{}{"description": "Unknown generation"},
					},
				},
			},
			"/api/v1/generations/{id}/events": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Stream progress events",
					"description": "Redirects to the SSE endpoint for this run. Supports Last-Event-ID replay.",
					"parameters":  []map[string]interface{}{idParam},
					"responses": map[string]interface{}{
						"307": map[string]interface{}{"description": "Redirect to /api/v1/stream/sse"},
					},
				},
			},
			"/api/v1/stream/sse": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Server-sent progress events",
					"parameters": []map[string]interface{}{
						{
							"name":     "workflow_id",
							"in":       "query",
							"required": true,
							"schema":   map[string]interface{}{"type": "string"},
						},
						{
							"name":        "last_event_id",
							"in":          "query",
							"required":    false,
							"description": "Replay events after this sequence number",
							"schema":      map[string]interface{}{"type": "integer"},
						},
						{
							"name":        "types",
							"in":          "query",
							"required":    false,
							"description": "Comma-separated event type filter",
							"schema":      map[string]interface{}{"type": "string"},
						},
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{"description": "text/event-stream"},
					},
				},
			},
		},
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"apiKey": map[string]interface{}{
					"type": "apiKey",
					"in":   "header",
					"name": "X-API-Key",
				},
				"bearer": map[string]interface{}{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]interface{}{
				"SubmitRequest": map[string]interface{}{
					"type":     "object",
					"required": []string{"description"},
					"properties": map[string]interface{}{
						"request_id":   map[string]interface{}{"type": "string", "description": "Client idempotency key; generated when absent"},
						"description":  map[string]interface{}{"type": "string"},
						"requirements": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
						"constraints": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"language":  map[string]interface{}{"type": "string"},
								"framework": map[string]interface{}{"type": "string"},
								"database":  map[string]interface{}{"type": "string"},
								"extra":     map[string]interface{}{"type": "object"},
							},
						},
						"options": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"mode":            map[string]interface{}{"type": "string", "enum": []string{"basic", "complete", "robust"}},
								"tier_override":   map[string]interface{}{"type": "string", "enum": []string{"T0", "T1", "T2", "T3"}},
								"skip_validation": map[string]interface{}{"type": "boolean"},
								"max_concurrency": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
								"delivery_format": map[string]interface{}{"type": "string", "enum": []string{"capsule", "archive"}},
							},
						},
					},
				},
				"SubmitResponse": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"request_id":  map[string]interface{}{"type": "string"},
						"workflow_id": map[string]interface{}{"type": "string"},
						"run_id":      map[string]interface{}{"type": "string"},
						"status":      map[string]interface{}{"type": "string"},
						"stream_url":  map[string]interface{}{"type": "string"},
					},
				},
				"StatusResponse": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"request_id":       map[string]interface{}{"type": "string"},
						"workflow_id":      map[string]interface{}{"type": "string"},
						"status":           map[string]interface{}{"type": "string", "enum": []string{"queued", "running", "completed", "partial", "failed", "cancelled"}},
						"percent_complete": map[string]interface{}{"type": "number"},
						"current_step":     map[string]interface{}{"type": "string"},
						"tasks_total":      map[string]interface{}{"type": "integer"},
						"tasks_done":       map[string]interface{}{"type": "integer"},
						"tasks_failed":     map[string]interface{}{"type": "integer"},
						"capsule_id":       map[string]interface{}{"type": "string"},
						"error":            map[string]interface{}{"type": "string"},
						"source":           map[string]interface{}{"type": "string", "enum": []string{"temporal", "db"}},
					},
				},
				"CapsuleManifest": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"capsule_id":   map[string]interface{}{"type": "string"},
						"request_id":   map[string]interface{}{"type": "string"},
						"files":        map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "object"}},
						"languages":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
						"entry_points": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
						"created_at":   map[string]interface{}{"type": "string", "format": "date-time"},
					},
				},
				"ControlRequest": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"reason": map[string]interface{}{"type": "string"},
					},
				},
				"FeedbackRequest": map[string]interface{}{
					"type":     "object",
					"required": []string{"message"},
					"properties": map[string]interface{}{
						"task_id": map[string]interface{}{"type": "string"},
						"message": map[string]interface{}{"type": "string"},
					},
				},
				"HealthResponse": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"status":  map[string]interface{}{"type": "string"},
						"version": map[string]interface{}{"type": "string"},
						"time":    map[string]interface{}{"type": "string", "format": "date-time"},
						"checks":  map[string]interface{}{"type": "object"},
					},
				},
			},
		},
	}
}
