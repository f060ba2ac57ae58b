package reldb

var (
	// HMAC key for minting session tokens; generated at bootstrap
	CfgServerSecret = ConfigAccessor("serverSecret")
)
