// Package docs holds the Swagger 2.0 document served at /swagger/doc.json.
// It is maintained by hand next to the handler annotations in
// internal/transport/http; keep the two in step when routes change.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/builds": {
            "get": {
                "produces": ["application/json"],
                "tags": ["builds"],
                "summary": "Builds running in this process",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "array", "items": {"$ref": "#/definitions/worker.Handle"}}
                    }
                }
            }
        },
        "/changes": {
            "get": {
                "produces": ["application/json"],
                "tags": ["changes"],
                "summary": "Recently finished diffs",
                "parameters": [
                    {"type": "integer", "description": "max rows (default from config)", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/httptransport.jobResp"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            },
            "post": {
                "description": "Resolves the change on Gerrit and queues a build. Submitting a known change returns the existing job.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["changes"],
                "summary": "Submit a change",
                "parameters": [
                    {"description": "change number", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httptransport.submitDTO"}}
                ],
                "responses": {
                    "200": {"description": "job already finished", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "202": {"description": "job pending", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/changes/{change}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["changes"],
                "summary": "Get the job for a change",
                "parameters": [
                    {"type": "string", "description": "change number", "name": "change", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/changes/{change}/build": {
            "delete": {
                "description": "Only builds running in this process can be cancelled. The job ends failed.",
                "produces": ["application/json"],
                "tags": ["builds"],
                "summary": "Cancel a running build",
                "parameters": [
                    {"type": "string", "description": "change number", "name": "change", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/httptransport.messageResp"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/changes/{change}/diff": {
            "get": {
                "produces": ["text/plain"],
                "tags": ["changes"],
                "summary": "Get the raw diff of a change",
                "parameters": [
                    {"type": "string", "description": "change number", "name": "change", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "unified diff", "schema": {"type": "string"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/changes/{change}/retry": {
            "post": {
                "produces": ["application/json"],
                "tags": ["changes"],
                "summary": "Retry a failed change",
                "parameters": [
                    {"type": "string", "description": "change number", "name": "change", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "entity.JobStatus": {
            "type": "string",
            "enum": ["pending", "done", "failed", "no_relevant_changes"]
        },
        "httptransport.apiError": {
            "type": "object",
            "properties": {"message": {"type": "string"}}
        },
        "httptransport.messageResp": {
            "type": "object",
            "properties": {"message": {"type": "string"}}
        },
        "httptransport.jobResp": {
            "type": "object",
            "properties": {
                "change": {"type": "string"},
                "created_at": {"type": "string"},
                "diff": {"type": "string"},
                "error": {"type": "string"},
                "fetch_ref": {"type": "string"},
                "id": {"type": "integer"},
                "project": {"type": "string"},
                "status": {"$ref": "#/definitions/entity.JobStatus"},
                "updated_at": {"type": "string"}
            }
        },
        "httptransport.submitDTO": {
            "type": "object",
            "properties": {"change": {"type": "string", "example": "42"}}
        },
        "worker.Handle": {
            "type": "object",
            "properties": {
                "change": {"type": "string"},
                "deadline": {"type": "string"},
                "id": {"type": "string"},
                "job_id": {"type": "integer"},
                "started": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "libdiff API",
	Description:      "Diffs the installed dependency trees before and after a Gerrit change.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
