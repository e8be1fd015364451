// Package docs holds the swaggo/swag-registered API description for
// httpapi. Hand-maintained in the shape swag init itself produces,
// since it describes a fixed, small route set.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/systems": {
            "get": {
                "tags": ["Systems"],
                "summary": "List managed systems",
                "responses": { "200": { "description": "OK" } }
            }
        },
        "/systems/{id}": {
            "get": {
                "tags": ["Systems"],
                "summary": "Get one managed system",
                "parameters": [
                    { "name": "id", "in": "path", "required": true, "type": "string" }
                ],
                "responses": { "200": { "description": "OK" }, "404": { "description": "Not Found" } }
            }
        },
        "/systems/{id}/commit": {
            "post": {
                "tags": ["Systems"],
                "summary": "Commit on a managed system",
                "parameters": [
                    { "name": "id", "in": "path", "required": true, "type": "string" }
                ],
                "responses": { "200": { "description": "OK" }, "400": { "description": "Bad Request" }, "404": { "description": "Not Found" } }
            }
        },
        "/systems/{id}/history": {
            "get": {
                "tags": ["Systems"],
                "summary": "Commit history of a managed system",
                "parameters": [
                    { "name": "id", "in": "path", "required": true, "type": "string" }
                ],
                "responses": { "200": { "description": "OK" }, "400": { "description": "Bad Request" }, "404": { "description": "Not Found" } }
            }
        },
        "/gc/run": {
            "post": {
                "tags": ["GC"],
                "summary": "Run garbage collection",
                "responses": { "200": { "description": "OK" }, "503": { "description": "Service Unavailable" } }
            }
        }
    },
    "securityDefinitions": {
        "Bearer": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds the API description used by ginSwagger.WrapHandler.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Yggdrasil Workspace API",
	Description:      "HTTP transport over the Workspace coordinator.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
