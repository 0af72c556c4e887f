package query

// Token identifies a recognized Postfix policy-delegation attribute, or one
// of the two pseudo-fields computed on demand (protocol_name,
// protocol_state). Unknown keys are skipped by Parse without being logged,
// rather than assigned a token.
type Token int

const (
	TokUnknown Token = iota
	TokRequest
	TokProtocolState
	TokProtocolName
	TokHeloName
	TokQueueID
	TokSender
	TokSenderDomain
	TokRecipient
	TokRecipientDomain
	TokClientAddress
	TokClientName
	TokReverseClientName
	TokInstance
	TokSaslMethod
	TokSaslUsername
	TokSaslSender
	TokSize
	TokCcertSubject
	TokCcertIssuer
	TokCcertFingerprint
	TokEncryptionProtocol
	TokEncryptionCipher
	TokEncryptionKeysize
	TokEtrnDomain
	TokStress
	TokClientPort

	// Derived/pseudo fields, never set directly from the wire.
	TokNormalizedSender
	TokNormalizedClient
)

var tokenNames = map[string]Token{
	"request":               TokRequest,
	"protocol_state":        TokProtocolState,
	"protocol_name":         TokProtocolName,
	"helo_name":             TokHeloName,
	"queue_id":              TokQueueID,
	"sender":                TokSender,
	"sender_domain":         TokSenderDomain,
	"recipient":             TokRecipient,
	"recipient_domain":      TokRecipientDomain,
	"client_address":        TokClientAddress,
	"client_name":           TokClientName,
	"reverse_client_name":   TokReverseClientName,
	"instance":              TokInstance,
	"sasl_method":           TokSaslMethod,
	"sasl_username":         TokSaslUsername,
	"sasl_sender":           TokSaslSender,
	"size":                  TokSize,
	"ccert_subject":         TokCcertSubject,
	"ccert_issuer":          TokCcertIssuer,
	"ccert_fingerprint":     TokCcertFingerprint,
	"encryption_protocol":   TokEncryptionProtocol,
	"encryption_cipher":     TokEncryptionCipher,
	"encryption_keysize":    TokEncryptionKeysize,
	"etrn_domain":           TokEtrnDomain,
	"stress":                TokStress,
	"client_port":           TokClientPort,
	"normalized_sender":     TokNormalizedSender,
	"normalized_client":     TokNormalizedClient,
}

// LookupToken maps a wire attribute name to its token. ok is false for any
// key the daemon does not recognize; Parse skips such keys and does not
// log them.
func LookupToken(key string) (Token, bool) {
	t, ok := tokenNames[key]
	return t, ok
}

// Name returns the canonical wire name for a token, used by the template
// formatter's ${field} lookups and by diagnostics.
func (t Token) Name() string {
	for k, v := range tokenNames {
		if v == t {
			return k
		}
	}
	return "unknown"
}
