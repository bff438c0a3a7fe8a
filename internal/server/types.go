package server

import (
	"github.com/stellarlinkco/consultant/internal/stage"
)

type ClassifyRequest struct {
	Message string        `json:"message"`
	History []stage.Entry `json:"history"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status   string   `json:"status"`
	Personas []string `json:"personas"`
}

// AgentCard describes the service for agent discovery.
type AgentCard struct {
	Name    string       `json:"name"`
	Version string       `json:"version,omitempty"`
	Skills  []AgentSkill `json:"skills"`
}

type AgentSkill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Endpoint    string `json:"endpoint"`
}
