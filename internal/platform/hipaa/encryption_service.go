package hipaa

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Sealer is the content-field encryption contract used by domain services.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(blob string) (string, error)
}

// NewEncryptionService builds the process Envelope from the configured
// secret. An empty secret is rejected in production; elsewhere the
// development fallback secret is used and a warning is logged.
func NewEncryptionService(secret string, production bool, logger zerolog.Logger) (*Envelope, error) {
	if secret == "" {
		if production {
			return nil, fmt.Errorf("ENCRYPTION_KEY is required in production")
		}
		logger.Warn().Msg("ENCRYPTION_KEY is not set, sealing PHI with the development fallback key")
		secret = DevFallbackSecret
	}

	env, err := NewEnvelopeFromSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("create envelope: %w", err)
	}

	logger.Info().Msg("PHI content encryption enabled")
	return env, nil
}
