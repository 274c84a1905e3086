package channel

import (
	"errors"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/protocol/message"
)

var (
	ErrInvalidAddressLength = signature.ErrInvalidAddressLength
	ErrInvalidSignature     = signature.ErrInvalidSignature
	ErrMalformedMessage     = message.ErrMalformedMessage

	ErrChainMismatch        = errors.New("parent does not extend the log tail")
	ErrUnauthorizedAuthor   = errors.New("unauthorized author")
	ErrInvalidPayloadLength = errors.New("invalid payload length")
	ErrMutationRejected     = errors.New("mutation rejected")
	ErrGameFault            = errors.New("game fault")
	ErrHalted               = errors.New("endpoint halted")
	ErrInvalidSubkey        = errors.New("invalid subkey")
	ErrSameAccount          = errors.New("both players use the same account")
	ErrNotParticipant       = errors.New("account is not a participant")
	ErrOutOfTurn            = errors.New("not this player's turn to certify")
	ErrNotActive            = errors.New("session is not active")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrChainMismatch, "chain_mismatch"},
	{ErrUnauthorizedAuthor, "unauthorized_author"},
	{ErrInvalidPayloadLength, "invalid_payload_length"},
	{ErrMutationRejected, "mutation_rejected"},
	{ErrGameFault, "game_fault"},
	{ErrHalted, "halted"},
	{ErrInvalidSubkey, "invalid_subkey"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrMalformedMessage, "malformed_message"},
	{ErrInvalidAddressLength, "invalid_address_length"},
	{ErrNotActive, "not_active"},
	{ErrOutOfTurn, "out_of_turn"},
	{ErrNotParticipant, "not_participant"},
	{ErrSameAccount, "same_account"},
}

// Reason returns a stable label for the kind of a rejection.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "other"
}
