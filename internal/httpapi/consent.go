package httpapi

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/internal/accounts"
	"github.com/mnemohq/mnemo/internal/consent"
)

// consentResourcePattern accepts the rule grammar: "*", a top-level
// resource ("profile", "graph"), or a two-segment name whose second
// segment may be a wildcard ("tables/workouts", "memories/*").
var consentResourcePattern = regexp.MustCompile(`^(\*|[a-z0-9_][a-z0-9_-]*(/([a-z0-9_][a-z0-9_-]*|\*))?)$`)

// registerValidations installs the custom binding validators. Safe to call
// more than once; re-registering a name overwrites it.
func registerValidations() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("consentresource", func(fl validator.FieldLevel) bool {
		return consentResourcePattern.MatchString(fl.Field().String())
	})
}

func (a *API) handleConsentList(c *gin.Context) {
	p, _ := principalFrom(c)

	var rules []*consent.Rule
	err := a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		if agent := c.Query("agent"); agent != "" {
			rules, err = a.d.Consent.ActiveRules(ctx, tx, agent)
		} else {
			rules, err = a.d.Consent.List(ctx, tx)
		}
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, rules, gin.H{"count": len(rules)})
}

type consentRuleInput struct {
	Resource   string `json:"resource" binding:"required,consentresource"`
	Permission string `json:"permission" binding:"required_without=Revoke,omitempty,oneof=read write none"`
	Revoke     bool   `json:"revoke"`
}

type consentPatchRequest struct {
	Rules []consentRuleInput `json:"rules" binding:"required,min=1,max=50,dive"`
}

func (a *API) handleConsentPatch(c *gin.Context) {
	p, _ := principalFrom(c)
	agent, err := accounts.NormalizeAgentSlug(c.Param("agent"))
	if err != nil {
		a.failErr(c, err)
		return
	}
	var req consentPatchRequest
	if !bindJSON(c, &req) {
		return
	}

	var rules []*consent.Rule
	err = a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		applied := make([]map[string]any, 0, len(req.Rules))
		for _, in := range req.Rules {
			if in.Revoke {
				if err := a.d.Consent.Revoke(ctx, tx, agent, in.Resource); err != nil {
					return err
				}
				applied = append(applied, map[string]any{"resource": in.Resource, "revoked": true})
				continue
			}
			if _, err := a.d.Consent.Grant(ctx, tx, agent, in.Resource, consent.Permission(in.Permission)); err != nil {
				return err
			}
			applied = append(applied, map[string]any{"resource": in.Resource, "permission": in.Permission})
		}
		if err := a.d.Audit.Append(ctx, tx, "owner", agent, "consent.update", "consent", map[string]any{
			"rules": applied,
		}); err != nil {
			return err
		}
		var err error
		rules, err = a.d.Consent.ActiveRules(ctx, tx, agent)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, rules, gin.H{"agent": agent, "count": len(rules)})
}
