package envelope

// Inbound (game → web) types.
const (
	TypeAuthToken       = "auth_token"
	TypeOTPResponse     = "mc_otp_response"
	TypeWebAuthResponse = "mc_web_auth_response"
	TypePlayerStatus    = "mc_web_player_status"
	TypeServerInfo      = "mc_web_server_info"
)

// Outbound (web → game) types.
const (
	TypeAuthConfirm   = "web_mc_auth_confirm"
	TypeAccountLink   = "web_mc_account_link"
	TypeOTP           = "web_mc_otp"
	TypeCommand       = "web_mc_command"
	TypePlayerRequest = "web_mc_player_request"
)

// Command types carried by web_mc_command.
const (
	CommandTeleport     = "teleport"
	CommandServerSwitch = "server_switch"
	CommandChatMessage  = "chat_message"
)

// Request types carried by web_mc_player_request.
const (
	RequestStatus     = "status"
	RequestPlayerList = "player_list"
)

type AuthTokenData struct {
	MCID      string   `json:"mcid"`
	UUID      string   `json:"uuid"`
	AuthToken string   `json:"authToken"`
	ExpiresAt FlexTime `json:"expiresAt"`
	Action    string   `json:"action,omitempty"`
}

type OTPResponseData struct {
	MCID      string   `json:"mcid"`
	UUID      string   `json:"uuid"`
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Timestamp FlexTime `json:"timestamp"`
}

type AuthConfirmData struct {
	PlayerName string `json:"playerName"`
	PlayerUUID string `json:"playerUuid"`
}

type AccountLinkData struct {
	PlayerName string `json:"playerName"`
	PlayerUUID string `json:"playerUuid"`
	WebUserID  string `json:"webUserId"`
}

type OTPData struct {
	PlayerName string `json:"playerName"`
	PlayerUUID string `json:"playerUuid"`
	OTP        string `json:"otp"`
}

type CommandData struct {
	CommandType string         `json:"commandType"`
	PlayerName  string         `json:"playerName"`
	Data        map[string]any `json:"data,omitempty"`
}

type PlayerRequestData struct {
	RequestType string         `json:"requestType"`
	PlayerName  string         `json:"playerName"`
	Data        map[string]any `json:"data,omitempty"`
}

// KnownCommand reports whether t is a command type the game plugin understands.
func KnownCommand(t string) bool {
	switch t {
	case CommandTeleport, CommandServerSwitch, CommandChatMessage:
		return true
	}
	return false
}

// KnownRequest reports whether t is a player request type the game plugin understands.
func KnownRequest(t string) bool {
	switch t {
	case RequestStatus, RequestPlayerList:
		return true
	}
	return false
}
