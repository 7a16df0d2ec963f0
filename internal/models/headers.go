package models

// Relay control headers. AUTH, TARGET and CHAIN are consumed by the relay
// and never reach the real upstream. ORIGIN is set on every outbound
// request and carries the original client IP.
const (
	HeaderAuth    = "TOKEN-RELAY-AUTH"
	HeaderTarget  = "TOKEN-RELAY-TARGET"
	HeaderChain   = "TOKEN-RELAY-CHAIN"
	HeaderOrigin  = "TOKEN-RELAY-ORIGIN"
	HeaderProxied = "TOKEN-RELAY-PROXIED"
)
