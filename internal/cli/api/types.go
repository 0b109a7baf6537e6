package api

import (
	"time"
)

type Tenant struct {
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type TenantList struct {
	Tenants []Tenant `json:"tenants"`
	Count   int      `json:"count"`
}

type BootRequest struct {
	BotToken string `json:"botToken"`
	UserID   string `json:"userId,omitempty"`
}

type Logs struct {
	TenantID string `json:"tenantId"`
	PID      int    `json:"pid"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type SweepResult struct {
	TenantID         string `json:"tenantId"`
	Action           string `json:"action"`
	HeartbeatAgeSecs int64  `json:"heartbeatAgeSeconds,omitempty"`
	Error            string `json:"error,omitempty"`
}

type SweepReport struct {
	DryRun  bool          `json:"dryRun"`
	Results []SweepResult `json:"results"`
}
