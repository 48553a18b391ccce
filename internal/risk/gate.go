package risk

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/audit"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/middleware"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/response"
)

// ErrCodeBlocked is the response code of a request rejected for risk.
const ErrCodeBlocked = "RISK_BLOCKED"

// Scorer scores one request.
type Scorer interface {
	Check(ctx context.Context, req CheckRequest) (*Assessment, error)
}

// Gate enriches requests with a risk assessment. Scoring failures never
// reach the caller; only a critical tier rejects the request.
type Gate struct {
	scorer Scorer
}

func NewGate(scorer Scorer) *Gate {
	return &Gate{scorer: scorer}
}

// Assess scores r and returns nil when scoring failed.
func (g *Gate) Assess(r *http.Request, accountID, entityType, entityID string) *Assessment {
	ctx := r.Context()
	start := time.Now()

	a, err := g.scorer.Check(ctx, CheckRequest{
		AccountID:  accountID,
		EntityType: entityType,
		EntityID:   entityID,
		IPAddress:  log.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Method:     r.Method,
		Path:       r.URL.Path,
	})

	l := log.Ctx(ctx)
	if err != nil {
		l.Warn().Err(err).
			Str(log.FieldUserID, accountID).
			Dur("elapsed", time.Since(start)).
			Msg("risk check failed, continuing unscored")
		return nil
	}

	l.Debug().
		Str(log.FieldRiskTier, string(a.RiskTier)).
		Float64(log.FieldFraudScore, a.FraudScore).
		Msg("risk assessed")
	return a
}

// Gin returns middleware for routes acting on the entity named by the
// path parameter param. It runs after authentication.
func (g *Gate) Gin(entityType, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := middleware.GetUserID(c)
		a := g.Assess(c.Request, accountID, entityType, c.Param(param))
		if a == nil {
			c.Next()
			return
		}

		c.Set(FraudScoreKey, a.FraudScore)
		c.Set(RiskTierKey, string(a.RiskTier))
		c.Set(RecommendedActionKey, a.RecommendedAction)
		c.Request = c.Request.WithContext(WithAssessment(c.Request.Context(), a))

		if a.Critical() {
			audit.LogWithDetail(c.Request.Context(), audit.ActionRiskBlocked, accountID, entityType+":"+c.Param(param), "request blocked by risk tier")
			response.Error(c, http.StatusForbidden, ErrCodeBlocked, "request blocked by risk policy")
			c.Abort()
			return
		}

		c.Next()
	}
}

// Middleware is the net/http form of Gin. entityID extracts the entity
// from the request; the account comes from the authenticated identity.
func (g *Gate) Middleware(entityType string, entityID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var accountID string
			if id, ok := middleware.IdentityFrom(r.Context()); ok {
				accountID = id.UserID
			}
			var entity string
			if entityID != nil {
				entity = entityID(r)
			}

			a := g.Assess(r, accountID, entityType, entity)
			if a == nil {
				next.ServeHTTP(w, r)
				return
			}

			r = r.WithContext(WithAssessment(r.Context(), a))
			if a.Critical() {
				audit.LogWithDetail(r.Context(), audit.ActionRiskBlocked, accountID, entityType+":"+entity, "request blocked by risk tier")
				response.WriteError(w, http.StatusForbidden, ErrCodeBlocked, "request blocked by risk policy")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
