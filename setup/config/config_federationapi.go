package config

type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	// The maximum number of PDUs a remote server may send us in a single
	// transaction. Transactions exceeding this are rejected outright.
	TransactionMaxPDUs int `yaml:"transaction_max_pdus"`
	// The maximum number of EDUs a remote server may send us in a single
	// transaction. Transactions exceeding this are rejected outright.
	TransactionMaxEDUs int `yaml:"transaction_max_edus"`

	// Whether to accept read receipts from remote servers.
	AllowInboundReceipts bool `yaml:"allow_inbound_receipts"`
	// Whether to accept typing notifications from remote servers.
	AllowInboundTyping bool `yaml:"allow_inbound_typing"`
	// How long a remote user's typing notification remains live before we
	// consider it expired, in milliseconds.
	TypingTimeoutMS int `yaml:"typing_timeout_ms"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.TransactionMaxPDUs = 50
	c.TransactionMaxEDUs = 100
	c.AllowInboundReceipts = true
	c.AllowInboundTyping = true
	c.TypingTimeoutMS = 30000
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	checkNotZero(configErrs, "federation_api.transaction_max_pdus", int64(c.TransactionMaxPDUs))
	checkNotZero(configErrs, "federation_api.transaction_max_edus", int64(c.TransactionMaxEDUs))
	checkPositive(configErrs, "federation_api.typing_timeout_ms", int64(c.TypingTimeoutMS))
}
