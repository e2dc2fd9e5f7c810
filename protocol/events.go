package protocol

// Inbound event names.
const (
	EventAuthenticate = "authenticate"
	EventClaimCode    = "claim_code"
	EventPing         = "ping"
)

// Outbound event names.
const (
	EventWelcome       = "welcome"
	EventAuthenticated = "authenticated"
	EventAuthError     = "auth_error"
	EventClaimReceived = "claim_received"
	EventCodeClaimed   = "code_claimed"
	EventBonusCode     = "bonus_code"
	EventRecentCodes   = "recent_codes"
	EventError         = "error"
	EventAck           = "ack"
)

// Inbound is one of Authenticate, ClaimCode or Ping.
type Inbound interface {
	EventName() string
}

type Authenticate struct {
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

func (Authenticate) EventName() string { return EventAuthenticate }

type ClaimCode struct {
	Code      string `json:"code"`
	AutoClaim bool   `json:"auto_claim,omitempty"`
}

func (ClaimCode) EventName() string { return EventClaimCode }

type Ping struct{}

func (Ping) EventName() string { return EventPing }

// RateLimits advertises the configured per-minute limits.
type RateLimits struct {
	ConnectionsPerMinute int `json:"connections_per_minute"`
	MessagesPerMinute    int `json:"messages_per_minute"`
	WindowSeconds        int `json:"window_seconds"`
}

type Welcome struct {
	ServerID       string     `json:"server_id"`
	RedisEnabled   bool       `json:"redis_enabled"`
	ConnectionTime int64      `json:"connection_time"`
	RateLimits     RateLimits `json:"rate_limits"`
}

type Authenticated struct {
	Username string `json:"username"`
	ServerID string `json:"server_id"`
	Time     int64  `json:"time"`
}

type AuthError struct {
	Message string `json:"message"`
}

type ClaimReceived struct {
	Code      string `json:"code"`
	User      string `json:"user"`
	Time      int64  `json:"time"`
	AutoClaim bool   `json:"auto_claim"`
}

type CodeClaimed struct {
	Code      string `json:"code"`
	ClaimedBy string `json:"claimed_by"`
	Time      int64  `json:"time"`
}

type RecentCodes struct {
	Codes []map[string]any `json:"codes"`
	Count int              `json:"count"`
}

type Error struct {
	Message string `json:"message"`
}

// PingAck is the reply to a ping.
type PingAck struct {
	ServerTime int64  `json:"server_time"`
	ServerID   string `json:"server_id"`
}
