// Package docs registers the OpenAPI document served at /swagger/doc.json.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/queue/stats": {
            "get": {
                "tags": ["queue"],
                "summary": "Queue status counts, priority distribution and success rate",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/queue/items": {
            "get": {
                "tags": ["queue"],
                "summary": "Paginated queue items, filterable by status and campaign",
                "parameters": [
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "campaign_id", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "offset", "in": "query", "type": "integer"}
                ],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}}
            }
        },
        "/queue/items/{id}/cancel": {
            "post": {
                "tags": ["queue"],
                "summary": "Cancel a pending or processing queue item",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "integer"}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/queue/items/{id}/retry": {
            "post": {
                "tags": ["queue"],
                "summary": "Re-queue a failed item",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "integer"}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/queue/messages/{id}/timeline": {
            "get": {
                "tags": ["messages"],
                "summary": "Ordered lifecycle events for a message",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "integer"}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/queue/campaigns/{id}/stats": {
            "get": {
                "tags": ["messages"],
                "summary": "Delivery statistics for a campaign",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "integer"}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/queue/failed-messages": {
            "get": {
                "tags": ["messages"],
                "summary": "Recently failed messages",
                "parameters": [
                    {"name": "campaign_id", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/queue/cleanup": {
            "post": {
                "tags": ["queue"],
                "summary": "Delete or preview deletion of old terminal queue rows",
                "parameters": [
                    {"name": "days", "in": "query", "type": "integer"},
                    {"name": "dry_run", "in": "query", "type": "boolean"}
                ],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}}
            }
        },
        "/queue/health": {
            "get": {
                "tags": ["queue"],
                "summary": "Queue health with warning thresholds",
                "responses": {"200": {"description": "OK"}, "503": {"description": "Unhealthy"}}
            }
        },
        "/webhooks/sms/delivery": {
            "post": {
                "tags": ["webhooks"],
                "summary": "Carrier-signed delivery receipt (form encoded)",
                "responses": {
                    "200": {"description": "OK"},
                    "400": {"description": "Bad Request"},
                    "403": {"description": "Invalid Signature"}
                }
            }
        },
        "/webhooks/sms/status/{message_id}": {
            "post": {
                "tags": ["webhooks"],
                "summary": "Internal per-message status callback",
                "parameters": [{"name": "message_id", "in": "path", "required": true, "type": "integer"}],
                "responses": {
                    "200": {"description": "OK"},
                    "400": {"description": "Bad Request"},
                    "404": {"description": "Not Found"}
                }
            }
        }
    },
    "securityDefinitions": {
        "ApiKeyAuth": {"type": "apiKey", "in": "header", "name": "X-API-Key"}
    }
}`

var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "SMS Dispatch API",
	Description:      "Durable SMS dispatch queue: administration and delivery webhooks",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
