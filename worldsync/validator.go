package worldsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

// provider configuration as stored by the backing store. The default
// permission arrays name the sync groups granted to fresh sessions for
// each dimension. A group may appear in some arrays and not others.
type ProviderConfig struct {
	Name             string
	JwtSecret        string
	Enabled          bool
	DefaultCanRead   []string
	DefaultCanInsert []string
	DefaultCanUpdate []string
	DefaultCanDelete []string
}

type ProviderStore interface {
	// nil, nil when the provider does not exist
	Provider(ctx context.Context, name string) (*ProviderConfig, error)
}

// result of a token validation. On failure, AgentId/SessionId are
// populated only when recoverable from partially decoded claims and are
// diagnostic context, never trusted for authorization.
type SessionClaims struct {
	AgentId     string
	SessionId   string
	IsValid     bool
	ErrorReason string
}

// stateless verification of (provider, token) pairs against each
// provider's signing secret
type SessionValidator struct {
	providers ProviderStore
}

func NewSessionValidator(providers ProviderStore) *SessionValidator {
	return &SessionValidator{
		providers: providers,
	}
}

// checks run in order and short-circuit at the first failure, each with
// its own user-facing reason
func (self *SessionValidator) Validate(ctx context.Context, providerName string, token string) *SessionClaims {
	if providerName == "" {
		return &SessionClaims{
			ErrorReason: "Provider is not set.",
		}
	}

	if token == "" || len(strings.Split(token, ".")) != 3 {
		return &SessionClaims{
			ErrorReason: "Token is empty or malformed.",
		}
	}

	provider, err := self.providers.Provider(ctx, providerName)
	if err != nil {
		return &SessionClaims{
			ErrorReason: fmt.Sprintf("Internal validation error: %s", err),
		}
	}
	if provider == nil || !provider.Enabled {
		return &SessionClaims{
			ErrorReason: fmt.Sprintf("Provider '%s' not found or not enabled.", providerName),
		}
	}

	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{"HS256"}))
	jwtToken, err := parser.Parse(token, func(t *gojwt.Token) (any, error) {
		return []byte(provider.JwtSecret), nil
	})
	if err != nil {
		claims := &SessionClaims{
			ErrorReason: verifyErrorReason(err),
		}
		// recover ids from the unverified claims for diagnostics
		claims.AgentId, claims.SessionId = parseClaimsUnverified(token)
		return claims
	}

	mapClaims, ok := jwtToken.Claims.(gojwt.MapClaims)
	if !ok {
		return &SessionClaims{
			ErrorReason: "Token claims are malformed.",
		}
	}

	sessionId, _ := mapClaims["sessionId"].(string)
	agentId, _ := mapClaims["agentId"].(string)

	if sessionId == "" {
		return &SessionClaims{
			AgentId:     agentId,
			ErrorReason: "Token is missing sessionId claim.",
		}
	}
	if agentId == "" {
		return &SessionClaims{
			SessionId:   sessionId,
			ErrorReason: "Token is missing agentId claim.",
		}
	}

	glog.V(2).Infof("[v]validated session %s agent %s\n", sessionId, agentId)

	return &SessionClaims{
		AgentId:   agentId,
		SessionId: sessionId,
		IsValid:   true,
	}
}

func verifyErrorReason(err error) string {
	switch {
	case errors.Is(err, gojwt.ErrTokenExpired):
		return "Token has expired."
	case errors.Is(err, gojwt.ErrTokenNotValidYet):
		return "Token is not yet valid."
	case errors.Is(err, gojwt.ErrTokenMalformed):
		return fmt.Sprintf("JWT error: %s", err)
	case errors.Is(err, gojwt.ErrTokenSignatureInvalid):
		return fmt.Sprintf("JWT error: %s", err)
	default:
		return fmt.Sprintf("Token verification failed: %s", err)
	}
}

func parseClaimsUnverified(token string) (agentId string, sessionId string) {
	parser := gojwt.NewParser()
	jwtToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return "", ""
	}
	claims, ok := jwtToken.Claims.(gojwt.MapClaims)
	if !ok {
		return "", ""
	}
	agentId, _ = claims["agentId"].(string)
	sessionId, _ = claims["sessionId"].(string)
	return agentId, sessionId
}
